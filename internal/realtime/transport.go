package realtime

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/haasonsaas/househunt/pkg/models"
)

// ChangeType tags a row change.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
	ChangeAll    ChangeType = "*"
)

// Change is a row-level change in the data store.
type Change struct {
	Table     string          `json:"table"`
	Type      ChangeType      `json:"type"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
	Timestamp time.Time       `json:"commit_timestamp"`
}

// Row returns the row a filter should be evaluated against.
func (c Change) Row() json.RawMessage {
	if c.Type == ChangeDelete && len(c.Old) > 0 {
		return c.Old
	}
	if len(c.New) > 0 {
		return c.New
	}
	return c.Old
}

// ChangeFilter selects row changes delivered on a channel. Filter uses the
// "column=eq.value" form; an empty Filter matches every row.
type ChangeFilter struct {
	Table  string     `json:"table"`
	Event  ChangeType `json:"event,omitempty"`
	Filter string     `json:"filter,omitempty"`
}

// ChannelOptions configure a physical channel when it is created.
type ChannelOptions struct {
	Changes  []ChangeFilter `json:"changes,omitempty"`
	Presence bool           `json:"presence,omitempty"`
}

// DefaultChannelOptions listens to every row change and enables presence
// for channels whose name marks them as presence-bearing.
func DefaultChannelOptions(name string) ChannelOptions {
	return ChannelOptions{
		Changes:  []ChangeFilter{{Table: "*", Event: ChangeAll}},
		Presence: IsPresenceChannel(name),
	}
}

// IsPresenceChannel reports whether a channel name carries presence.
func IsPresenceChannel(name string) bool {
	return strings.Contains(name, "presence")
}

// MessageKind discriminates messages delivered to channel callbacks.
type MessageKind string

const (
	KindChange    MessageKind = "change"
	KindPresence  MessageKind = "presence"
	KindBroadcast MessageKind = "broadcast"
)

// PresenceEventType is the presence notification flavour.
type PresenceEventType string

const (
	PresenceSync  PresenceEventType = "sync"
	PresenceJoin  PresenceEventType = "join"
	PresenceLeave PresenceEventType = "leave"
)

// PresenceEvent carries presences affected by a sync, join or leave.
type PresenceEvent struct {
	Type      PresenceEventType `json:"type"`
	Presences []models.Presence `json:"payload"`
}

// Broadcast is an ephemeral message sent by another channel member.
type Broadcast struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is delivered to channel callbacks. Exactly one of Change,
// Presence and Broadcast is set, according to Kind.
type Message struct {
	Channel   string         `json:"channel"`
	Kind      MessageKind    `json:"kind"`
	Change    *Change        `json:"change,omitempty"`
	Presence  *PresenceEvent `json:"presence,omitempty"`
	Broadcast *Broadcast     `json:"broadcast,omitempty"`
}

// Callback receives channel messages.
type Callback func(Message)

// Transport opens physical realtime channels.
type Transport interface {
	Open(ctx context.Context) error
	Channel(name string, opts ChannelOptions) Channel
	Close() error
}

// Channel is one physical channel on a transport.
type Channel interface {
	Subscribe(ctx context.Context, handler func(Message)) error
	Track(ctx context.Context, presence models.Presence) error
	Send(ctx context.Context, event string, payload json.RawMessage) error
	Unsubscribe(ctx context.Context) error
}

// DisconnectNotifier is implemented by transports that can report a
// dropped connection.
type DisconnectNotifier interface {
	NotifyDisconnect(fn func(error))
}

// Prober checks that the backend is reachable before connecting.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

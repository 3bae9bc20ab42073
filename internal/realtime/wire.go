package realtime

import (
	"encoding/json"
	"fmt"
)

// Frame types on the realtime wire protocol.
const (
	FrameJoin      = "join"
	FrameLeave     = "leave"
	FrameTrack     = "track"
	FrameUntrack   = "untrack"
	FrameBroadcast = "broadcast"
	FrameHeartbeat = "heartbeat"
	FrameReply     = "reply"
	FrameChange    = "change"
	FramePresence  = "presence"
)

// Reply statuses.
const (
	ReplyOK    = "ok"
	ReplyError = "error"
)

// Frame is a JSON message exchanged over the realtime socket.
type Frame struct {
	Type    string          `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Ref     string          `json:"ref,omitempty"`
	Event   string          `json:"event,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Status  string          `json:"status,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// FrameFromMessage encodes a server-to-client message for topic.
func FrameFromMessage(topic string, msg Message) (Frame, error) {
	frame := Frame{Topic: topic}
	var payload any
	switch msg.Kind {
	case KindChange:
		if msg.Change == nil {
			return Frame{}, fmt.Errorf("realtime: change message without change")
		}
		frame.Type = FrameChange
		frame.Event = string(msg.Change.Type)
		payload = msg.Change
	case KindPresence:
		if msg.Presence == nil {
			return Frame{}, fmt.Errorf("realtime: presence message without presence")
		}
		frame.Type = FramePresence
		frame.Event = string(msg.Presence.Type)
		payload = msg.Presence.Presences
	case KindBroadcast:
		if msg.Broadcast == nil {
			return Frame{}, fmt.Errorf("realtime: broadcast message without body")
		}
		frame.Type = FrameBroadcast
		frame.Event = msg.Broadcast.Event
		frame.Payload = msg.Broadcast.Payload
		return frame, nil
	default:
		return Frame{}, fmt.Errorf("realtime: unknown message kind %q", msg.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("realtime: encode %s payload: %w", msg.Kind, err)
	}
	frame.Payload = raw
	return frame, nil
}

// MessageFromFrame decodes a server-to-client frame. Frames that do not
// carry channel messages report false.
func MessageFromFrame(frame Frame) (Message, bool, error) {
	msg := Message{Channel: frame.Topic}
	switch frame.Type {
	case FrameChange:
		var change Change
		if err := json.Unmarshal(frame.Payload, &change); err != nil {
			return Message{}, false, fmt.Errorf("realtime: decode change: %w", err)
		}
		msg.Kind = KindChange
		msg.Change = &change
	case FramePresence:
		event := &PresenceEvent{Type: PresenceEventType(frame.Event)}
		if len(frame.Payload) > 0 {
			if err := json.Unmarshal(frame.Payload, &event.Presences); err != nil {
				return Message{}, false, fmt.Errorf("realtime: decode presence: %w", err)
			}
		}
		msg.Kind = KindPresence
		msg.Presence = event
	case FrameBroadcast:
		msg.Kind = KindBroadcast
		msg.Broadcast = &Broadcast{Event: frame.Event, Payload: frame.Payload}
	default:
		return Message{}, false, nil
	}
	return msg, true, nil
}

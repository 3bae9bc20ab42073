package hub

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/househunt/internal/realtime"
)

func decodeRow(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var row map[string]any
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil
	}
	return row
}

func matchesAny(filters []realtime.ChangeFilter, change realtime.Change, row map[string]any) bool {
	for _, f := range filters {
		if matches(f, change, row) {
			return true
		}
	}
	return false
}

func matches(f realtime.ChangeFilter, change realtime.Change, row map[string]any) bool {
	if f.Table != "" && f.Table != "*" && f.Table != change.Table {
		return false
	}
	if f.Event != "" && f.Event != realtime.ChangeAll && f.Event != change.Type {
		return false
	}
	if f.Filter == "" {
		return true
	}
	column, value, ok := parseFilter(f.Filter)
	if !ok {
		return false
	}
	got, ok := row[column]
	if !ok || got == nil {
		return false
	}
	return fmt.Sprint(got) == value
}

// parseFilter splits a "column=eq.value" filter.
func parseFilter(filter string) (string, string, bool) {
	column, rest, ok := strings.Cut(filter, "=")
	if !ok {
		return "", "", false
	}
	value, ok := strings.CutPrefix(rest, "eq.")
	if !ok || column == "" {
		return "", "", false
	}
	return strings.TrimSpace(column), value, true
}

package logs

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"aideps/internal/logging"
)

// Entry is one decoded JSON log record.
type Entry struct {
	Time       time.Time
	Level      string
	Message    string
	Component  string
	WorkflowID string
	Stage      int
	EventType  string
	Attrs      map[string]any
}

// ParseLine decodes a JSON log line. Lines that are not JSON objects report
// false.
func ParseLine(line string) (Entry, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Entry{}, false
	}
	entry := Entry{Attrs: map[string]any{}}
	for key, value := range raw {
		switch key {
		case "ts":
			if s, ok := value.(string); ok {
				entry.Time, _ = time.Parse(time.RFC3339, s)
			}
		case "level":
			entry.Level, _ = value.(string)
		case "msg":
			entry.Message, _ = value.(string)
		case logging.FieldComponent:
			entry.Component, _ = value.(string)
		case logging.FieldWorkflowID:
			entry.WorkflowID, _ = value.(string)
		case logging.FieldStage:
			if n, ok := value.(float64); ok {
				entry.Stage = int(n)
			}
		case logging.FieldEventType:
			entry.EventType, _ = value.(string)
		default:
			entry.Attrs[key] = value
		}
	}
	return entry, true
}

var levelRank = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

// Filter selects entries. Zero values match everything.
type Filter struct {
	MinLevel   string
	Component  string
	WorkflowID string
	Search     string
}

// Match reports whether entry passes every set criterion.
func (f Filter) Match(entry Entry) bool {
	if f.MinLevel != "" {
		want, ok := levelRank[strings.ToLower(f.MinLevel)]
		if got, known := levelRank[entry.Level]; ok && known && got < want {
			return false
		}
	}
	if f.Component != "" && !strings.EqualFold(entry.Component, f.Component) {
		return false
	}
	if f.WorkflowID != "" && entry.WorkflowID != f.WorkflowID {
		return false
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(entry.Message), strings.ToLower(f.Search)) {
		return false
	}
	return true
}

// Format renders "15:04:05 LEVEL component [wf stage] msg key=value" with
// attributes sorted by key.
func Format(entry Entry) string {
	var b strings.Builder
	if !entry.Time.IsZero() {
		b.WriteString(entry.Time.Local().Format("2006-01-02 15:04:05"))
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "%-5s", strings.ToUpper(entry.Level))
	if entry.Component != "" {
		b.WriteString(" " + entry.Component + ":")
	}
	if entry.WorkflowID != "" {
		short := entry.WorkflowID
		if len(short) > 8 {
			short = short[:8]
		}
		if entry.Stage > 0 {
			fmt.Fprintf(&b, " [%s/%d]", short, entry.Stage)
		} else {
			fmt.Fprintf(&b, " [%s]", short)
		}
	}
	b.WriteString(" " + entry.Message)

	keys := make([]string, 0, len(entry.Attrs))
	for key := range entry.Attrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Fprintf(&b, " %s=%v", key, entry.Attrs[key])
	}
	return b.String()
}

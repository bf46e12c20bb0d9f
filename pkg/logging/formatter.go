package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// TextFormatter renders entries as a single human-readable line.
type TextFormatter struct {
	// TimestampFormat defaults to RFC3339.
	TimestampFormat string
}

// NewTextFormatter creates a text formatter with defaults.
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{TimestampFormat: time.RFC3339}
}

// Format implements Formatter.
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	var buf bytes.Buffer

	fmt.Fprintf(&buf, "%s [%s] %s", entry.Timestamp.Format(f.TimestampFormat), entry.Level, entry.Message)

	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&buf, " %s=%v", k, entry.Fields[k])
	}
	buf.WriteByte('\n')

	return buf.Bytes(), nil
}

// JSONFormatter renders entries as one JSON object per line.
type JSONFormatter struct{}

// NewJSONFormatter creates a JSON formatter.
func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

// Format implements Formatter.
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	record := make(map[string]any, len(entry.Fields)+3)
	for k, v := range entry.Fields {
		record[k] = v
	}
	record["time"] = entry.Timestamp.Format(time.RFC3339Nano)
	record["level"] = entry.Level.String()
	record["msg"] = entry.Message

	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal log record: %w", err)
	}
	return append(data, '\n'), nil
}

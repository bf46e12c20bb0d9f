package logging_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/dispatchkit/dispatchkit/pkg/logging"
)

func TestTextFormatterOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, logging.NewTextFormatter())

	logger.Info("session opened", logging.String("session_id", "s-1"), logging.Int("requests", 0))

	line := buf.String()
	if !strings.Contains(line, "[INFO] session opened") {
		t.Errorf("missing level and message: %q", line)
	}
	if !strings.Contains(line, "session_id=s-1") {
		t.Errorf("missing field: %q", line)
	}
}

func TestJSONFormatterOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, logging.NewJSONFormatter())

	logger.Warn("rate window exhausted", logging.String("identity", "svc-a"))

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["level"] != "WARN" || record["msg"] != "rate window exhausted" {
		t.Errorf("unexpected record: %v", record)
	}
	if record["identity"] != "svc-a" {
		t.Errorf("missing field: %v", record)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(&buf, logging.NewTextFormatter())

	logger.Debug("should be dropped at default level")
	if buf.Len() != 0 {
		t.Errorf("debug message leaked: %q", buf.String())
	}

	logger.SetLevel(logging.DebugLevel)
	logger.Debug("now visible")
	if buf.Len() == 0 {
		t.Error("debug message missing after lowering level")
	}
}

func TestWithFieldsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := logging.New(&buf, logging.NewTextFormatter())
	child := parent.WithFields(logging.String("component", "pipeline"))

	parent.Info("from parent")
	if strings.Contains(buf.String(), "component=pipeline") {
		t.Error("parent logger inherited the child's fields")
	}

	buf.Reset()
	child.Info("from child")
	if !strings.Contains(buf.String(), "component=pipeline") {
		t.Error("child logger lost its fields")
	}
}

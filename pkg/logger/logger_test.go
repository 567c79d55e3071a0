package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLoggerIncludesFields(t *testing.T) {
	var buf bytes.Buffer
	old := Default()
	SetDefault(New(&buf))
	defer SetDefault(old)

	Info("webhook processed", Fields{"instance_id": "inst-A", "status": 202})

	out := buf.String()
	if !strings.Contains(out, "webhook processed") {
		t.Errorf("missing message in %q", out)
	}
	if !strings.Contains(out, "instance_id=inst-A") {
		t.Errorf("missing field in %q", out)
	}
	if !strings.Contains(out, "status=202") {
		t.Errorf("missing field in %q", out)
	}
	if !strings.Contains(out, "host=") {
		t.Errorf("missing hostname attribute in %q", out)
	}
}

func TestErrorAttachesError(t *testing.T) {
	var buf bytes.Buffer
	old := Default()
	SetDefault(New(&buf))
	defer SetDefault(old)

	Error("boom", errTest, nil)

	out := buf.String()
	if !strings.Contains(out, "level=ERROR") {
		t.Errorf("missing level in %q", out)
	}
	if !strings.Contains(out, "synthetic failure") {
		t.Errorf("missing error text in %q", out)
	}
}

var errTest = errString("synthetic failure")

type errString string

func (e errString) Error() string { return string(e) }

func TestShortSourcePaths(t *testing.T) {
	var buf bytes.Buffer
	old := Default()
	SetDefault(New(&buf))
	defer SetDefault(old)

	Warn("careful", nil)

	out := buf.String()
	if strings.Contains(out, "/pkg/logger/") {
		t.Errorf("source path should be shortened to its basename: %q", out)
	}
	if !strings.Contains(out, "logger_test.go") && !strings.Contains(out, "logger.go") {
		t.Errorf("expected a source basename in %q", out)
	}
}

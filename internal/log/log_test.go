package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "info", "json")
	if err != nil {
		t.Fatal(err)
	}
	l.Named("port0").Debug("hidden")
	l.Named("port0").Info("attached", zap.String("cc", "CC2"))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output %q is not a single JSON entry: %v", buf.String(), err)
	}
	for k, want := range map[string]string{
		"level":   "info",
		"logger":  "port0",
		"message": "attached",
		"cc":      "CC2",
	} {
		if entry[k] != want {
			t.Errorf("%s = %v, want %q", k, entry[k], want)
		}
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("timestamp missing")
	}
}

func TestConsole(t *testing.T) {
	var buf bytes.Buffer
	l, err := New(&buf, "debug", "console")
	if err != nil {
		t.Fatal(err)
	}
	l.Debug("RXERR")
	if out := buf.String(); !strings.Contains(out, "DEBUG") || !strings.Contains(out, "RXERR") {
		t.Errorf("console output = %q", out)
	}
}

func TestErrors(t *testing.T) {
	if _, err := New(&bytes.Buffer{}, "loud", "json"); err == nil {
		t.Error("New() with bad level succeeded")
	}
	if _, err := New(&bytes.Buffer{}, "info", "xml"); err == nil {
		t.Error("New() with bad format succeeded")
	}
}

package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestBaseLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(Warn, Text, &buf)

	l.Info("should be dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected Info below Warn threshold to be dropped, got %q", buf.String())
	}

	l.Warn("should appear")
	if !strings.Contains(buf.String(), "should appear") {
		t.Fatalf("expected message in output, got %q", buf.String())
	}
}

func TestBaseLoggerTextFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(Debug, Text, &buf)

	l.Info("connect", Field{Key: "channel", Value: 5}, Field{Key: "name", Value: "gsm"})
	out := buf.String()
	if !strings.Contains(out, "channel=5") || !strings.Contains(out, "name=gsm") {
		t.Fatalf("expected rendered fields, got %q", out)
	}
}

func TestBaseLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	l := New(Debug, JSON, &buf)

	l.Error("boom", Field{Key: "channel", Value: 3})

	var decoded map[string]any
	line := strings.TrimSpace(buf.String())
	// log.Logger prepends a timestamp; strip everything up to the first '{'.
	if idx := strings.Index(line, "{"); idx >= 0 {
		line = line[idx:]
	}
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("expected valid JSON line, got %q: %v", line, err)
	}
	if decoded["msg"] != "boom" || decoded["level"] != "ERROR" {
		t.Fatalf("unexpected decoded payload: %+v", decoded)
	}
}

func TestWithChainsFields(t *testing.T) {
	var buf bytes.Buffer
	base := New(Debug, Text, &buf)
	child := base.With(Field{Key: "codec", Value: "serial"})

	child.Info("ready")
	if !strings.Contains(buf.String(), "codec=serial") {
		t.Fatalf("expected inherited field, got %q", buf.String())
	}
}

func TestParseLevelAndFormat(t *testing.T) {
	if lvl, err := ParseLevel("warn"); err != nil || lvl != Warn {
		t.Fatalf("ParseLevel(warn) = %v, %v", lvl, err)
	}
	if _, err := ParseLevel("bogus"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if f, err := ParseFormat("json"); err != nil || f != JSON {
		t.Fatalf("ParseFormat(json) = %v, %v", f, err)
	}
	if _, err := ParseFormat("bogus"); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

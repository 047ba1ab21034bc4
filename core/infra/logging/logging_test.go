package logging

import (
	"bytes"
	"log"
	"strings"
	"testing"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	origOut := log.Writer()
	origFlags := log.Flags()
	log.SetOutput(&buf)
	log.SetFlags(0)
	t.Cleanup(func() {
		log.SetOutput(origOut)
		log.SetFlags(origFlags)
	})
	return &buf
}

func TestInfoFormat(t *testing.T) {
	buf := captureLog(t)
	Info("resolver", "round complete", "clause_id", "ART10_3", "patches", 4)
	got := strings.TrimSpace(buf.String())
	if !strings.Contains(got, "[RESOLVER] round complete") || !strings.Contains(got, "clause_id=ART10_3") {
		t.Fatalf("unexpected log output: %s", got)
	}
}

func TestWarnAndErrorPrefix(t *testing.T) {
	buf := captureLog(t)
	Warn("scorer", "falling back", "reason", "embed unavailable")
	Error("gate", "decision failed", "code", 409)
	out := buf.String()
	if !strings.Contains(out, "[SCORER] WARN falling back") {
		t.Fatalf("missing warn line: %s", out)
	}
	if !strings.Contains(out, "[GATE] ERROR decision failed code=409") {
		t.Fatalf("missing error line: %s", out)
	}
}

func TestFormatFields(t *testing.T) {
	out := formatFields("a", 1, "b")
	if !strings.Contains(out, "a=1") || !strings.Contains(out, "b=(missing)") {
		t.Fatalf("unexpected fields: %s", out)
	}
	if out := formatFields(); out != "" {
		t.Fatalf("expected empty output")
	}
}

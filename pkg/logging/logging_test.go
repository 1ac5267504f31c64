package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New("WARN", &buf)

	log.Debug("quiet")
	log.Info("quiet")
	log.Warn("loud")
	log.Error("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Errorf("records below WARN leaked through: %q", out)
	}
	if strings.Count(out, "loud") != 2 {
		t.Errorf("expected WARN and ERROR records, got: %q", out)
	}
}

func TestNew_NoneDiscards(t *testing.T) {
	var buf bytes.Buffer
	log := New("NONE", &buf)

	log.Error("should vanish")
	if buf.Len() != 0 {
		t.Errorf("NONE level wrote output: %q", buf.String())
	}
}

func TestNew_FatalSuppressesError(t *testing.T) {
	var buf bytes.Buffer
	log := New("FATAL", &buf)

	log.Error("suppressed")
	if buf.Len() != 0 {
		t.Errorf("FATAL sink passed an ERROR record: %q", buf.String())
	}
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New("bogus", &buf)

	log.Debug("quiet")
	log.Info("visible")

	out := buf.String()
	if strings.Contains(out, "quiet") || !strings.Contains(out, "visible") {
		t.Errorf("unexpected output for fallback level: %q", out)
	}
}

func TestNew_CaseInsensitive(t *testing.T) {
	var buf bytes.Buffer
	log := New("debug", &buf)

	log.Debug("visible")
	if !strings.Contains(buf.String(), "visible") {
		t.Error("lowercase level name not honored")
	}
}

package logging

import (
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestSetupLogging(t *testing.T) {
	defer log.SetLevel(log.InfoLevel)
	defer log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	if err := SetupLogging("debug", FormatText); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if log.GetLevel() != log.DebugLevel {
		t.Errorf("expected debug level, got %s", log.GetLevel())
	}

	if err := SetupLogging("warn", "JSON"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := log.StandardLogger().Formatter.(*log.JSONFormatter); !ok {
		t.Errorf("expected JSON formatter, got %T", log.StandardLogger().Formatter)
	}

	if err := SetupLogging("chatty", FormatText); err == nil {
		t.Error("expected an error for an unknown level")
	}
	if err := SetupLogging("error", "xml"); err == nil {
		t.Error("expected an error for an unknown format")
	}
	if log.GetLevel() != log.WarnLevel {
		t.Errorf("rejected setup changed the level to %s", log.GetLevel())
	}
}

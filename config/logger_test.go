package config

import "testing"

func TestLoggerDefaultInit(t *testing.T) {
	if Logger() == nil {
		t.Fatalf("expected default logger to be initialized at package load")
	}
}

func TestInitLoggerBadJSON(t *testing.T) {
	if err := InitLogger([]byte("not json")); err == nil {
		t.Fatalf("expected error for malformed log configuration")
	}
}

func TestInitLoggerCustomLevel(t *testing.T) {
	if err := InitLogger([]byte(`{"level":"debug","encoding":"console","outputPaths":["stdout"],"errorOutputPaths":["stderr"]}`)); err != nil {
		t.Fatalf("InitLogger: %v", err)
	}
	if !IsDebugEnabled() {
		t.Fatalf("expected debug level to be enabled")
	}
	// restore default for other tests in the package
	if err := InitLogger(nil); err != nil {
		t.Fatalf("InitLogger restore: %v", err)
	}
}

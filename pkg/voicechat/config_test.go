package voicechat

import (
	"errors"
	"testing"
	"time"
)

func TestValidateRequiredFields(t *testing.T) {
	cfg := Config{WorkerID: "w"}
	if err := cfg.Validate(); !errors.Is(err, ErrNoEndpoint) {
		t.Fatalf("err = %v, want ErrNoEndpoint", err)
	}

	cfg = Config{Endpoint: "wss://backend.test"}
	if err := cfg.Validate(); !errors.Is(err, ErrNoWorkerID) {
		t.Fatalf("err = %v, want ErrNoWorkerID", err)
	}
}

func TestValidateAppliesDefaults(t *testing.T) {
	cfg := Config{Endpoint: "wss://backend.test", WorkerID: "w"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.SessionTimeout != DefaultSessionTimeout {
		t.Errorf("SessionTimeout = %v, want %v", cfg.SessionTimeout, DefaultSessionTimeout)
	}
	if cfg.IdleTimeout != DefaultIdleTimeout {
		t.Errorf("IdleTimeout = %v, want %v", cfg.IdleTimeout, DefaultIdleTimeout)
	}
	if cfg.ReconnectBase != DefaultReconnectBase {
		t.Errorf("ReconnectBase = %v, want %v", cfg.ReconnectBase, DefaultReconnectBase)
	}
	if cfg.MaxReconnectAttempts != DefaultMaxReconnectAttempts {
		t.Errorf("MaxReconnectAttempts = %d, want %d", cfg.MaxReconnectAttempts, DefaultMaxReconnectAttempts)
	}
}

func TestValidateClampsIdleTimeout(t *testing.T) {
	cfg := Config{
		Endpoint:       "wss://backend.test",
		WorkerID:       "w",
		SessionTimeout: 900000 * time.Millisecond,
		IdleTimeout:    850000 * time.Millisecond,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if want := 720000 * time.Millisecond; cfg.IdleTimeout != want {
		t.Fatalf("IdleTimeout = %v, want clamped %v", cfg.IdleTimeout, want)
	}

	// Equal is a violation too.
	cfg = Config{
		Endpoint:       "wss://backend.test",
		WorkerID:       "w",
		SessionTimeout: 10 * time.Minute,
		IdleTimeout:    10 * time.Minute,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if want := 8 * time.Minute; cfg.IdleTimeout != want {
		t.Fatalf("IdleTimeout = %v, want clamped %v", cfg.IdleTimeout, want)
	}

	// Below the 80% line the configured value is kept.
	cfg = Config{
		Endpoint:       "wss://backend.test",
		WorkerID:       "w",
		SessionTimeout: 10 * time.Minute,
		IdleTimeout:    7 * time.Minute,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if want := 7 * time.Minute; cfg.IdleTimeout != want {
		t.Fatalf("IdleTimeout = %v, want untouched %v", cfg.IdleTimeout, want)
	}
}

func TestValidateNoTimeoutSkipsClamp(t *testing.T) {
	cfg := Config{
		Endpoint:       "wss://backend.test",
		WorkerID:       "w",
		SessionTimeout: NoTimeout,
		IdleTimeout:    time.Hour,
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.IdleTimeout != time.Hour {
		t.Fatalf("IdleTimeout = %v, want untouched 1h with session timeout disabled", cfg.IdleTimeout)
	}
	if cfg.SessionTimeout != NoTimeout {
		t.Fatalf("SessionTimeout = %v, want NoTimeout preserved", cfg.SessionTimeout)
	}
}

func TestNewRejectsBadEndpointScheme(t *testing.T) {
	_, err := New(Config{Endpoint: "ftp://backend.test", WorkerID: "w"})
	if err == nil {
		t.Fatal("New must reject unsupported endpoint schemes")
	}
}

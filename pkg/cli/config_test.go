package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/voxlink/voxlink/pkg/jsontime"
)

func TestMaskToken(t *testing.T) {
	tests := []struct {
		token string
		want  string
	}{
		{"", ""},
		{"1234", "****"},
		{"12345678", "********"},
		{"123456789", "1234*6789"},
		{"abcdefghij", "abcd**ghij"},
		{"vx-1234567890abcdef", "vx-1***********cdef"},
	}

	for _, tt := range tests {
		t.Run(tt.token, func(t *testing.T) {
			got := MaskToken(tt.token)
			if got != tt.want {
				t.Errorf("MaskToken(%q) = %q, want %q", tt.token, got, tt.want)
			}
		})
	}
}

func TestLoadConfigCreatesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := LoadConfigWithPath(path)
	if err != nil {
		t.Fatalf("LoadConfigWithPath error: %v", err)
	}
	if cfg.Path() != path {
		t.Errorf("Path() = %q, want %q", cfg.Path(), path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not created: %v", err)
	}
	if len(cfg.Contexts) != 0 {
		t.Errorf("new config has %d contexts, want 0", len(cfg.Contexts))
	}
}

func TestConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := LoadConfigWithPath(path)
	if err != nil {
		t.Fatalf("LoadConfigWithPath error: %v", err)
	}

	err = cfg.AddContext("prod", &Context{
		Endpoint:       "wss://chat.example.com/ws",
		WorkerID:       "worker-7",
		AuthToken:      "vx-secret",
		Model:          "gpt-4o-realtime-preview",
		SessionTimeout: jsontime.Duration(20 * time.Minute),
	})
	if err != nil {
		t.Fatalf("AddContext error: %v", err)
	}

	// First context becomes current automatically.
	if cfg.CurrentContext != "prod" {
		t.Errorf("CurrentContext = %q, want %q", cfg.CurrentContext, "prod")
	}

	reloaded, err := LoadConfigWithPath(path)
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	ctx, err := reloaded.GetCurrentContext()
	if err != nil {
		t.Fatalf("GetCurrentContext error: %v", err)
	}
	if ctx.Name != "prod" {
		t.Errorf("Name = %q, want %q", ctx.Name, "prod")
	}
	if ctx.Endpoint != "wss://chat.example.com/ws" {
		t.Errorf("Endpoint = %q", ctx.Endpoint)
	}
	if ctx.WorkerID != "worker-7" {
		t.Errorf("WorkerID = %q", ctx.WorkerID)
	}
	if ctx.SessionTimeout.Duration() != 20*time.Minute {
		t.Errorf("SessionTimeout = %v, want 20m", ctx.SessionTimeout)
	}

	// Durations are written as human-readable strings, not nanoseconds.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}
	if !strings.Contains(string(raw), "session_timeout: 20m0s") {
		t.Errorf("config file = %q, want a duration string", raw)
	}
}

func TestUseAndDeleteContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := LoadConfigWithPath(path)
	if err != nil {
		t.Fatalf("LoadConfigWithPath error: %v", err)
	}

	if err := cfg.UseContext("missing"); err == nil {
		t.Error("UseContext on unknown context should fail")
	}

	if err := cfg.AddContext("a", &Context{Endpoint: "wss://a.example.com"}); err != nil {
		t.Fatal(err)
	}
	if err := cfg.AddContext("b", &Context{Endpoint: "wss://b.example.com"}); err != nil {
		t.Fatal(err)
	}

	if err := cfg.UseContext("b"); err != nil {
		t.Fatalf("UseContext error: %v", err)
	}
	if cfg.CurrentContext != "b" {
		t.Errorf("CurrentContext = %q, want %q", cfg.CurrentContext, "b")
	}

	if err := cfg.DeleteContext("b"); err != nil {
		t.Fatalf("DeleteContext error: %v", err)
	}
	if cfg.CurrentContext != "" {
		t.Errorf("CurrentContext = %q after deleting active context, want empty", cfg.CurrentContext)
	}
	if _, err := cfg.GetCurrentContext(); err == nil {
		t.Error("GetCurrentContext should fail with no current context")
	}
}

func TestResolveContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := LoadConfigWithPath(path)
	if err != nil {
		t.Fatalf("LoadConfigWithPath error: %v", err)
	}
	if err := cfg.AddContext("dev", &Context{Endpoint: "http://localhost:8080"}); err != nil {
		t.Fatal(err)
	}

	ctx, err := cfg.ResolveContext("")
	if err != nil {
		t.Fatalf("ResolveContext(\"\") error: %v", err)
	}
	if ctx.Name != "dev" {
		t.Errorf("resolved %q, want current context %q", ctx.Name, "dev")
	}

	if _, err := cfg.ResolveContext("missing"); err == nil {
		t.Error("ResolveContext on unknown name should fail")
	}
}

func TestListContextsSorted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := LoadConfigWithPath(path)
	if err != nil {
		t.Fatalf("LoadConfigWithPath error: %v", err)
	}
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if err := cfg.AddContext(name, &Context{Endpoint: "wss://" + name}); err != nil {
			t.Fatal(err)
		}
	}

	names := cfg.ListContexts()
	want := []string{"alpha", "mid", "zeta"}
	if len(names) != len(want) {
		t.Fatalf("got %d names, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

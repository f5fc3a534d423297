package config

import (
	"testing"
	"time"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.AssistantName != "Assistant" {
		t.Errorf("AssistantName = %q, want Assistant", cfg.AssistantName)
	}
	if cfg.RecentWindow != 20 {
		t.Errorf("RecentWindow = %d, want 20", cfg.RecentWindow)
	}
	if cfg.Bridge.Port != 8941 {
		t.Errorf("Bridge.Port = %d, want 8941", cfg.Bridge.Port)
	}
	if cfg.Pacing.ExtendCap.Std() != 15*time.Second {
		t.Errorf("ExtendCap = %v, want 15s", cfg.Pacing.ExtendCap.Std())
	}
	if cfg.Queue.Policy != PolicyIdle {
		t.Errorf("Queue.Policy = %q, want idle", cfg.Queue.Policy)
	}
	if cfg.Queue.IdleThreshold.Std() != 2*time.Minute {
		t.Errorf("IdleThreshold = %v, want 2m", cfg.Queue.IdleThreshold.Std())
	}
}

func TestParseOverrides(t *testing.T) {
	yaml := `
assistant_name: Nova
recent_window: 5
pacing:
  enabled: true
  min_delay: 2s
  extend_cap: 30s
queue:
  policy: process
bridge:
  port: 9000
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.AssistantName != "Nova" {
		t.Errorf("AssistantName = %q, want Nova", cfg.AssistantName)
	}
	if cfg.RecentWindow != 5 {
		t.Errorf("RecentWindow = %d, want 5", cfg.RecentWindow)
	}
	if !cfg.Pacing.Enabled {
		t.Error("Pacing.Enabled should be true")
	}
	if cfg.Pacing.MinDelay.Std() != 2*time.Second {
		t.Errorf("MinDelay = %v, want 2s", cfg.Pacing.MinDelay.Std())
	}
	if cfg.Pacing.ExtendCap.Std() != 30*time.Second {
		t.Errorf("ExtendCap = %v, want 30s", cfg.Pacing.ExtendCap.Std())
	}
	if cfg.Queue.Policy != PolicyProcess {
		t.Errorf("Policy = %q, want process", cfg.Queue.Policy)
	}
	if cfg.Bridge.Port != 9000 {
		t.Errorf("Bridge.Port = %d, want 9000", cfg.Bridge.Port)
	}
	// Unset fields still get defaults
	if cfg.Pacing.TypeCeiling.Std() != 8*time.Second {
		t.Errorf("TypeCeiling = %v, want 8s", cfg.Pacing.TypeCeiling.Std())
	}
}

func TestParseInvalidPolicy(t *testing.T) {
	_, err := Parse([]byte("queue:\n  policy: sometimes\n"))
	if err == nil {
		t.Error("expected error for invalid queue policy")
	}
}

func TestParseInvalidReadSpeeds(t *testing.T) {
	yaml := `
pacing:
  read_speed_min: 50
  read_speed_max: 10
`
	if _, err := Parse([]byte(yaml)); err == nil {
		t.Error("expected error for read_speed_max below read_speed_min")
	}
}

func TestParseInvalidDuration(t *testing.T) {
	_, err := Parse([]byte("pacing:\n  min_delay: soon\n"))
	if err == nil {
		t.Error("expected error for invalid duration string")
	}
}

func TestBackendConfigured(t *testing.T) {
	var b BackendConfig
	if b.Configured() {
		t.Error("empty backend config should not be configured")
	}
	b.APIKey = "sk-test"
	if !b.Configured() {
		t.Error("backend with API key should be configured")
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir() + "/missing.yaml")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Queue.Policy != PolicyIdle {
		t.Errorf("expected default config, got policy %q", cfg.Queue.Policy)
	}
}

func TestQueuePolicyValid(t *testing.T) {
	tests := []struct {
		policy QueuePolicy
		want   bool
	}{
		{PolicyIgnore, true},
		{PolicyProcess, true},
		{PolicyIdle, true},
		{QueuePolicy(""), false},
		{QueuePolicy("eager"), false},
	}
	for _, tt := range tests {
		if got := tt.policy.Valid(); got != tt.want {
			t.Errorf("Valid(%q) = %v, want %v", tt.policy, got, tt.want)
		}
	}
}

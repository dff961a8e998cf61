package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	if cfg.Web.Port != 8080 {
		t.Errorf("Web.Port = %d, want 8080", cfg.Web.Port)
	}
	if cfg.Web.Host != "127.0.0.1" {
		t.Errorf("Web.Host = %q, want 127.0.0.1", cfg.Web.Host)
	}
	if cfg.Agent.Port != 4096 {
		t.Errorf("Agent.Port = %d, want 4096", cfg.Agent.Port)
	}
	if cfg.Agent.DeadlineMinutes != 10 {
		t.Errorf("Agent.DeadlineMinutes = %d, want 10", cfg.Agent.DeadlineMinutes)
	}
	if cfg.GitHub.BaseURL != "https://api.github.com" {
		t.Errorf("GitHub.BaseURL = %q, want https://api.github.com", cfg.GitHub.BaseURL)
	}
	if cfg.GitHub.TriggerMention != "@snapshot-bot" {
		t.Errorf("GitHub.TriggerMention = %q, want @snapshot-bot", cfg.GitHub.TriggerMention)
	}
	if cfg.Queue.Subject != "snapshot.jobs" {
		t.Errorf("Queue.Subject = %q, want snapshot.jobs", cfg.Queue.Subject)
	}
	if cfg.Reaper.StuckAfterHours != 1 {
		t.Errorf("Reaper.StuckAfterHours = %d, want 1", cfg.Reaper.StuckAfterHours)
	}
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.toml")

	content := `
[github]
app_id = 12345
private_key_path = "/etc/snapshot-orch/app.pem"
webhook_secret = "hunter2"
trigger_mention = "@screenshots"

[sandbox]
base_url = "https://sandboxes.example.com"
token = "sbx-token"

[queue]
nats_url = "nats://127.0.0.1:4222"

[web]
port = 9000
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.GitHub.AppID != 12345 {
		t.Errorf("GitHub.AppID = %d, want 12345", cfg.GitHub.AppID)
	}
	if cfg.GitHub.TriggerMention != "@screenshots" {
		t.Errorf("GitHub.TriggerMention = %q, want @screenshots", cfg.GitHub.TriggerMention)
	}
	if cfg.Sandbox.BaseURL != "https://sandboxes.example.com" {
		t.Errorf("Sandbox.BaseURL = %q", cfg.Sandbox.BaseURL)
	}
	if cfg.Queue.NATSURL != "nats://127.0.0.1:4222" {
		t.Errorf("Queue.NATSURL = %q", cfg.Queue.NATSURL)
	}
	if cfg.Web.Port != 9000 {
		t.Errorf("Web.Port = %d, want 9000", cfg.Web.Port)
	}
	// Unset sections keep their defaults.
	if cfg.Agent.Port != 4096 {
		t.Errorf("Agent.Port = %d, want default 4096", cfg.Agent.Port)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Port != 8080 {
		t.Error("missing file should fall back to defaults")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Error("defaults should not validate: credentials are required")
	}

	cfg.GitHub.AppID = 1
	cfg.GitHub.PrivateKeyPath = "/etc/app.pem"
	cfg.Sandbox.BaseURL = "https://sandboxes.example.com"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		got := ExpandPath(tt.input)
		if got != tt.want {
			t.Errorf("ExpandPath(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

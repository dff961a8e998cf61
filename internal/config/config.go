package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	GitHub        GitHubConfig        `toml:"github"`
	Sandbox       SandboxConfig       `toml:"sandbox"`
	Agent         AgentConfig         `toml:"agent"`
	Blob          BlobConfig          `toml:"blob"`
	Queue         QueueConfig         `toml:"queue"`
	Reaper        ReaperConfig        `toml:"reaper"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
}

// GitHubConfig holds GitHub App credentials and trigger settings
type GitHubConfig struct {
	AppID          int64  `toml:"app_id"`
	PrivateKeyPath string `toml:"private_key_path"`
	WebhookSecret  string `toml:"webhook_secret"`
	BaseURL        string `toml:"base_url"`
	TriggerMention string `toml:"trigger_mention"`
}

// SandboxConfig holds sandbox provider settings
type SandboxConfig struct {
	BaseURL       string `toml:"base_url"`
	Token         string `toml:"token"`
	PreviewDomain string `toml:"preview_domain"`
}

// AgentConfig holds coding-agent settings inside the sandbox
type AgentConfig struct {
	Port            int    `toml:"port"`
	Command         string `toml:"command"`
	DeadlineMinutes int    `toml:"deadline_minutes"`
}

// BlobConfig holds screenshot storage settings
type BlobConfig struct {
	RootDir string `toml:"root_dir"`
	BaseURL string `toml:"base_url"`
}

// QueueConfig holds job queue settings. An empty URL selects the
// in-process queue.
type QueueConfig struct {
	NATSURL string `toml:"nats_url"`
	Subject string `toml:"subject"`
	Group   string `toml:"group"`
}

// ReaperConfig holds the periodic sweep settings
type ReaperConfig struct {
	Schedule        string `toml:"schedule"`
	StuckAfterHours int    `toml:"stuck_after_hours"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds the HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".snapshot-orch", "runs.db"),
		},
		GitHub: GitHubConfig{
			BaseURL:        "https://api.github.com",
			TriggerMention: "@snapshot-bot",
		},
		Sandbox: SandboxConfig{
			PreviewDomain: "preview.internal",
		},
		Agent: AgentConfig{
			Port:            4096,
			DeadlineMinutes: 10,
		},
		Blob: BlobConfig{
			RootDir: filepath.Join(home, ".snapshot-orch", "blobs"),
			BaseURL: "http://127.0.0.1:8080/blobs",
		},
		Queue: QueueConfig{
			Subject: "snapshot.jobs",
			Group:   "orchestrators",
		},
		Reaper: ReaperConfig{
			Schedule:        "*/10 * * * *",
			StuckAfterHours: 1,
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.GitHub.PrivateKeyPath = ExpandPath(cfg.GitHub.PrivateKeyPath)
	cfg.Blob.RootDir = ExpandPath(cfg.Blob.RootDir)

	return cfg, nil
}

// Validate checks the settings required to serve
func (c *Config) Validate() error {
	if c.GitHub.AppID == 0 {
		return fmt.Errorf("github.app_id is required")
	}
	if c.GitHub.PrivateKeyPath == "" {
		return fmt.Errorf("github.private_key_path is required")
	}
	if c.Sandbox.BaseURL == "" {
		return fmt.Errorf("sandbox.base_url is required")
	}
	return nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "snapshot-orch", "config.toml")
}

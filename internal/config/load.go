package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/titanous/json5"
)

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			DefaultProvider: "anthropic",
			DefaultModel:    "claude-sonnet-4-5",
			MaxIterations:   10,
			MaxTokens:       8192,
			Temperature:     0.7,
		},
		Providers: map[string]ProviderConfig{},
		Routing: RoutingConfig{
			CheapModelHints:     []string{"haiku", "mini", "flash", "lite", "8b", "small"},
			ReasoningModelHints: []string{"opus", "o1", "o3", "reason", "thinking"},
			CallTimeoutSec:      90,
		},
		Memory: MemoryConfig{
			Compaction: CompactionConfig{
				KeepRecentMessages: 10,
				SummaryMaxTokens:   1000,
			},
			Session: SessionMemoryConfig{
				IdleTimeoutSec:           1800,
				MaxMessagesBeforeCompact: 100,
			},
		},
		Gateway: GatewayConfig{
			Host:         "127.0.0.1",
			Port:         18900,
			RateLimitRPM: 60,
		},
		Cron: CronConfig{
			Enabled: true,
		},
		Database: DatabaseConfig{
			Mode: "file",
			Dir:  "~/.kestrel/sessions",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "kestrel",
		},
		Workspace: "~/.kestrel/workspace",
	}
}

// Load reads config from a JSON5 file, then overlays env vars.
// A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := json5.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides overlays env vars onto the config. Secrets only
// live in the environment; env vars take precedence over file values.
func (c *Config) applyEnvOverrides() {
	envStr := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	// Provider API keys resolve from each provider's declared env var,
	// falling back to KESTREL_<ID>_API_KEY.
	for id, pc := range c.Providers {
		keyEnv := pc.APIKeyEnv
		if keyEnv == "" {
			keyEnv = "KESTREL_" + envName(id) + "_API_KEY"
		}
		if v := os.Getenv(keyEnv); v != "" {
			pc.APIKey = v
			c.Providers[id] = pc
		}
	}

	envStr("KESTREL_GATEWAY_TOKEN", &c.Gateway.Token)
	envStr("KESTREL_HOST", &c.Gateway.Host)
	if v := os.Getenv("KESTREL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Gateway.Port = port
		}
	}

	envStr("KESTREL_PROVIDER", &c.Agent.DefaultProvider)
	envStr("KESTREL_MODEL", &c.Agent.DefaultModel)
	envStr("KESTREL_WORKSPACE", &c.Workspace)

	envStr("KESTREL_POSTGRES_DSN", &c.Database.PostgresDSN)
	envStr("KESTREL_DB_MODE", &c.Database.Mode)
	envStr("KESTREL_SESSIONS_DIR", &c.Database.Dir)

	envStr("KESTREL_TELEMETRY_ENDPOINT", &c.Telemetry.Endpoint)
	if v := os.Getenv("KESTREL_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = v == "true" || v == "1"
	}
}

// envName upper-cases a provider id for env var composition.
func envName(id string) string {
	out := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		ch := id[i]
		switch {
		case ch >= 'a' && ch <= 'z':
			out = append(out, ch-'a'+'A')
		case ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
			out = append(out, ch)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

// WorkspacePath returns the expanded workspace path.
func (c *Config) WorkspacePath() string {
	return ExpandHome(c.Workspace)
}

// SessionsDir returns the expanded file-store directory.
func (c *Config) SessionsDir() string {
	return ExpandHome(c.Database.Dir)
}

// ExpandHome replaces a leading ~ with the user home directory.
func ExpandHome(path string) string {
	if path == "" || path[0] != '~' {
		return path
	}
	home, _ := os.UserHomeDir()
	if len(path) > 1 && path[1] == '/' {
		return home + path[1:]
	}
	return home
}

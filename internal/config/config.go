// Package config defines the gateway configuration and its JSON5 loader.
package config

// Config is the root configuration for the kestrel gateway.
type Config struct {
	Agent     AgentConfig               `json:"agent"`
	Providers map[string]ProviderConfig `json:"providers"`
	Routing   RoutingConfig             `json:"routing"`
	Memory    MemoryConfig              `json:"memory"`
	Gateway   GatewayConfig             `json:"gateway"`
	Cron      CronConfig                `json:"cron"`
	Database  DatabaseConfig            `json:"database"`
	Telemetry TelemetryConfig           `json:"telemetry"`
	Workspace string                    `json:"workspace"`
}

// AgentConfig controls the agent loop.
type AgentConfig struct {
	DefaultProvider string  `json:"defaultProvider"`
	DefaultModel    string  `json:"defaultModel"`
	MaxIterations   int     `json:"maxIterations"`
	MaxTokens       int     `json:"maxTokens"`
	Temperature     float64 `json:"temperature"`
}

// ProviderConfig describes one configured LLM backend. Type selects the
// wire dialect: "openai" (compatible) or "anthropic". Keys come from the
// environment variable named by APIKeyEnv, never from the file.
type ProviderConfig struct {
	Type      string   `json:"type"`
	APIBase   string   `json:"apiBase,omitempty"`
	APIKeyEnv string   `json:"apiKeyEnv,omitempty"`
	Models    []string `json:"models,omitempty"`
	Priority  int      `json:"priority"`
	NoAuth    bool     `json:"noAuth,omitempty"`

	// apiKey is resolved at load time from APIKeyEnv.
	APIKey string `json:"-"`
}

// RoutingConfig tunes the model and fallback routers.
type RoutingConfig struct {
	Failover            []string `json:"failover,omitempty"`
	CostRank            []string `json:"costRank,omitempty"`
	QualityRank         []string `json:"qualityRank,omitempty"`
	CheapModelHints     []string `json:"cheapModelHints,omitempty"`
	ReasoningModelHints []string `json:"reasoningModelHints,omitempty"`
	CallTimeoutSec      int      `json:"callTimeoutSec"`
}

// MemoryConfig tunes compaction and session idleness.
type MemoryConfig struct {
	Compaction CompactionConfig    `json:"compaction"`
	Session    SessionMemoryConfig `json:"session"`
}

type CompactionConfig struct {
	KeepRecentMessages int `json:"keepRecentMessages"`
	SummaryMaxTokens   int `json:"summaryMaxTokens"`
}

type SessionMemoryConfig struct {
	IdleTimeoutSec           int `json:"idleTimeoutSec"`
	MaxMessagesBeforeCompact int `json:"maxMessagesBeforeCompact"`
}

// GatewayConfig controls the HTTP/WebSocket surface.
type GatewayConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Token        string `json:"-"`
	RateLimitRPM int    `json:"rateLimitRPM"`
}

// CronConfig controls the scheduler.
type CronConfig struct {
	Enabled  bool   `json:"enabled"`
	JobsFile string `json:"jobsFile,omitempty"`
	LogDB    string `json:"logDb,omitempty"`
}

// DatabaseConfig selects the session store backend. Mode is "file"
// (default) or "postgres".
type DatabaseConfig struct {
	Mode        string `json:"mode"`
	Dir         string `json:"dir,omitempty"`
	PostgresDSN string `json:"-"`
}

// TelemetryConfig controls the optional OTLP trace exporter.
type TelemetryConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint,omitempty"`
	ServiceName string `json:"serviceName,omitempty"`
	Insecure    bool   `json:"insecure,omitempty"`
}

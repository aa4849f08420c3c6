package config

import (
	"fmt"
	"time"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Redis       RedisConfig
	Provider    ProviderConfig
	Ollama      OllamaConfig
	Processing  ProcessingConfig
	Entitlement EntitlementConfig
	Worker      WorkerConfig
	Tools       ToolsConfig
	Guest       GuestConfig
	MCP         MCPConfig
	Log         LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir string
}

// RedisConfig selects the rate limiter backend. An empty URL keeps the
// counters in SQLite.
type RedisConfig struct {
	URL string
}

const (
	BackendOpenRouter = "openrouter"
	BackendOllama     = "ollama"
)

type ProviderConfig struct {
	Backend          string
	Model            string
	OpenRouterAPIKey string
	Timeout          time.Duration
}

type OllamaConfig struct {
	BaseURL string
}

type ProcessingConfig struct {
	AutoApplyThreshold float64
	SuggestThreshold   float64
	DailyLimit         int
	MinInterval        time.Duration
	MaxReprocess       int
}

type EntitlementConfig struct {
	CacheTTL time.Duration
}

type WorkerConfig struct {
	Concurrency  int
	PollInterval time.Duration
}

type ToolsConfig struct {
	CatalogPath string
}

type GuestConfig struct {
	OverrideKey string
	SessionTTL  time.Duration
}

// MCPConfig names the local user the MCP tools act as.
type MCPConfig struct {
	UserID string
}

type LogConfig struct {
	Level string
	File  string
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4100,
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Provider: ProviderConfig{
			Backend: BackendOpenRouter,
			Model:   "openai/gpt-4o-mini",
			Timeout: 45 * time.Second,
		},
		Ollama: OllamaConfig{
			BaseURL: "http://localhost:11434",
		},
		Processing: ProcessingConfig{
			AutoApplyThreshold: 0.85,
			SuggestThreshold:   0.5,
			DailyLimit:         50,
			MinInterval:        10 * time.Second,
			MaxReprocess:       5,
		},
		Entitlement: EntitlementConfig{
			CacheTTL: 60 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency:  4,
			PollInterval: 500 * time.Millisecond,
		},
		Guest: GuestConfig{
			SessionTTL: 24 * time.Hour,
		},
		MCP: MCPConfig{
			UserID: "local",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/thoughtd/config.json, the secrets file and environment
// variables. THOUGHTD_* variables override every other source.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), NewSecrets())
}

func loadWith(b ConfigBackend, secrets SecretStore) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applySecrets(&cfg, secrets)
	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Provider.Backend {
	case BackendOpenRouter:
		if cfg.Provider.OpenRouterAPIKey == "" {
			return fmt.Errorf("missing required config: OpenRouter API key. "+
				"Set it via environment variable THOUGHTD_OPENROUTER_API_KEY or in %s", secretsFilePath())
		}
	case BackendOllama:
	default:
		return fmt.Errorf("invalid provider.backend %q: want %q or %q", cfg.Provider.Backend, BackendOpenRouter, BackendOllama)
	}
	if cfg.Worker.Concurrency < 1 {
		return fmt.Errorf("invalid worker.concurrency %d: must be at least 1", cfg.Worker.Concurrency)
	}
	if cfg.Processing.DailyLimit < 1 {
		return fmt.Errorf("invalid processing.daily_limit %d: must be at least 1", cfg.Processing.DailyLimit)
	}
	return nil
}

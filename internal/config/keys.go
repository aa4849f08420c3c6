package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  string // name in the secrets file; secrets never come from the config backend
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "THOUGHTD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "THOUGHTD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "redis.url", typ: kString, env: "THOUGHTD_REDIS_URL",
		apply:   func(cfg *Config, v any) { cfg.Redis.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.Redis.URL },
	},
	{
		key: "provider.backend", typ: kString, env: "THOUGHTD_PROVIDER_BACKEND",
		apply:   func(cfg *Config, v any) { cfg.Provider.Backend = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Backend },
	},
	{
		key: "provider.model", typ: kString, env: "THOUGHTD_PROVIDER_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Provider.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Model },
	},
	{
		key: "provider.openrouter_api_key", typ: kString, env: "THOUGHTD_OPENROUTER_API_KEY",
		secret:  "openrouter_api_key",
		apply:   func(cfg *Config, v any) { cfg.Provider.OpenRouterAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.OpenRouterAPIKey },
	},
	{
		key: "provider.timeout", typ: kDuration, env: "THOUGHTD_PROVIDER_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Provider.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Provider.Timeout },
	},
	{
		key: "ollama.base_url", typ: kString, env: "THOUGHTD_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "processing.auto_apply_threshold", typ: kFloat, env: "THOUGHTD_PROCESSING_AUTO_APPLY_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Processing.AutoApplyThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Processing.AutoApplyThreshold },
	},
	{
		key: "processing.suggest_threshold", typ: kFloat, env: "THOUGHTD_PROCESSING_SUGGEST_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Processing.SuggestThreshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Processing.SuggestThreshold },
	},
	{
		key: "processing.daily_limit", typ: kInt, env: "THOUGHTD_PROCESSING_DAILY_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Processing.DailyLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Processing.DailyLimit },
	},
	{
		key: "processing.min_interval", typ: kDuration, env: "THOUGHTD_PROCESSING_MIN_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Processing.MinInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Processing.MinInterval },
	},
	{
		key: "processing.max_reprocess", typ: kInt, env: "THOUGHTD_PROCESSING_MAX_REPROCESS",
		apply:   func(cfg *Config, v any) { cfg.Processing.MaxReprocess = v.(int) },
		extract: func(cfg Config) any { return cfg.Processing.MaxReprocess },
	},
	{
		key: "entitlement.cache_ttl", typ: kDuration, env: "THOUGHTD_ENTITLEMENT_CACHE_TTL",
		apply:   func(cfg *Config, v any) { cfg.Entitlement.CacheTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Entitlement.CacheTTL },
	},
	{
		key: "worker.concurrency", typ: kInt, env: "THOUGHTD_WORKER_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Worker.Concurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Worker.Concurrency },
	},
	{
		key: "worker.poll_interval", typ: kDuration, env: "THOUGHTD_WORKER_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Worker.PollInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Worker.PollInterval },
	},
	{
		key: "tools.catalog_path", typ: kString, env: "THOUGHTD_TOOLS_CATALOG_PATH",
		apply:   func(cfg *Config, v any) { cfg.Tools.CatalogPath = v.(string) },
		extract: func(cfg Config) any { return cfg.Tools.CatalogPath },
	},
	{
		key: "guest.override_key", typ: kString, env: "THOUGHTD_GUEST_OVERRIDE_KEY",
		secret:  "guest_override_key",
		apply:   func(cfg *Config, v any) { cfg.Guest.OverrideKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Guest.OverrideKey },
	},
	{
		key: "guest.session_ttl", typ: kDuration, env: "THOUGHTD_GUEST_SESSION_TTL",
		apply:   func(cfg *Config, v any) { cfg.Guest.SessionTTL = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Guest.SessionTTL },
	},
	{
		key: "mcp.user_id", typ: kString, env: "THOUGHTD_MCP_USER_ID",
		apply:   func(cfg *Config, v any) { cfg.MCP.UserID = v.(string) },
		extract: func(cfg Config) any { return cfg.MCP.UserID },
	},
	{
		key: "log.level", typ: kString, env: "THOUGHTD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.file", typ: kString, env: "THOUGHTD_LOG_FILE",
		apply:   func(cfg *Config, v any) { cfg.Log.File = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.File },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts raw text into the Go type of the key.
func parseValue(s keySpec, raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret != "" {
			continue
		}
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applySecrets(cfg *Config, secrets SecretStore) {
	for _, s := range specs {
		if s.secret == "" {
			continue
		}
		if v, err := secrets.Get(s.secret); err == nil && v != "" {
			s.apply(cfg, v)
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}

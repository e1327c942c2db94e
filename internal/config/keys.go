package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	envAPIKey      = "ASKDOCS_API_KEY"
	envServerToken = "ASKDOCS_SERVER_TOKEN"
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
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "provider.name", typ: kString, env: "ASKDOCS_PROVIDER",
		apply:   func(cfg *Config, v any) { cfg.Provider.Name = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.Name },
	},
	{
		key: "provider.ollama_base_url", typ: kString, env: "ASKDOCS_OLLAMA_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.OllamaBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.OllamaBaseURL },
	},
	{
		key: "provider.openai_base_url", typ: kString, env: "ASKDOCS_OPENAI_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Provider.OpenAIBaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.OpenAIBaseURL },
	},
	{
		key: "provider.api_key", typ: kString, env: envAPIKey,
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Provider.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Provider.APIKey },
	},
	{
		key: "provider.request_timeout", typ: kDuration, env: "ASKDOCS_REQUEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Provider.RequestTimeout = v.(Duration) },
		extract: func(cfg Config) any { return cfg.Provider.RequestTimeout },
	},
	{
		key: "provider.max_retries", typ: kInt, env: "ASKDOCS_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Provider.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Provider.MaxRetries },
	},
	{
		key: "provider.retry_backoff", typ: kDuration, env: "ASKDOCS_RETRY_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Provider.RetryBackoff = v.(Duration) },
		extract: func(cfg Config) any { return cfg.Provider.RetryBackoff },
	},
	{
		key: "models.chat", typ: kString, env: "ASKDOCS_CHAT_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Models.Chat = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Chat },
	},
	{
		key: "models.fast", typ: kString, env: "ASKDOCS_FAST_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Models.Fast = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Fast },
	},
	{
		key: "models.embed", typ: kString, env: "ASKDOCS_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Models.Embed = v.(string) },
		extract: func(cfg Config) any { return cfg.Models.Embed },
	},
	{
		key: "chunking.max_size", typ: kInt, env: "ASKDOCS_CHUNK_MAX_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Chunking.MaxSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.MaxSize },
	},
	{
		key: "chunking.overlap", typ: kInt, env: "ASKDOCS_CHUNK_OVERLAP",
		apply:   func(cfg *Config, v any) { cfg.Chunking.Overlap = v.(int) },
		extract: func(cfg Config) any { return cfg.Chunking.Overlap },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "ASKDOCS_RETRIEVAL_TOP_K",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.similarity_floor", typ: kFloat, env: "ASKDOCS_SIMILARITY_FLOOR",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.SimilarityFloor = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.SimilarityFloor },
	},
	{
		key: "retrieval.history_window", typ: kInt, env: "ASKDOCS_HISTORY_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.HistoryWindow = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.HistoryWindow },
	},
	{
		key: "retrieval.max_context_tokens", typ: kInt, env: "ASKDOCS_MAX_CONTEXT_TOKENS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxContextTokens = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxContextTokens },
	},
	{
		key: "retrieval.embed_rps", typ: kFloat, env: "ASKDOCS_EMBED_RPS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.EmbedRPS = v.(float64) },
		extract: func(cfg Config) any { return cfg.Retrieval.EmbedRPS },
	},
	{
		key: "rerank.enabled", typ: kBool, env: "ASKDOCS_RERANK_ENABLED",
		apply:   func(cfg *Config, v any) { cfg.Rerank.Enabled = v.(bool) },
		extract: func(cfg Config) any { return cfg.Rerank.Enabled },
	},
	{
		key: "rerank.threshold", typ: kFloat, env: "ASKDOCS_RERANK_THRESHOLD",
		apply:   func(cfg *Config, v any) { cfg.Rerank.Threshold = v.(float64) },
		extract: func(cfg Config) any { return cfg.Rerank.Threshold },
	},
	{
		key: "rerank.timeout", typ: kDuration, env: "ASKDOCS_RERANK_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Rerank.Timeout = v.(Duration) },
		extract: func(cfg Config) any { return cfg.Rerank.Timeout },
	},
	{
		key: "ingest.workers", typ: kInt, env: "ASKDOCS_INGEST_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.Workers = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.Workers },
	},
	{
		key: "storage.data_dir", typ: kString, env: "ASKDOCS_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "server.port", typ: kInt, env: "ASKDOCS_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.auth_token", typ: kString, env: envServerToken,
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.AuthToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.AuthToken },
	},
	{
		key: "log.level", typ: kString, env: "ASKDOCS_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
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
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kDuration:
			if d, err := time.ParseDuration(raw); err == nil {
				s.apply(cfg, Duration(d))
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}

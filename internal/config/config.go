package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Provider  ProviderConfig  `yaml:"provider"`
	Models    ModelsConfig    `yaml:"models"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Rerank    RerankConfig    `yaml:"rerank"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Storage   StorageConfig   `yaml:"storage"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// ProviderConfig selects the inference backend. The API key is a secret and
// is never read from or written to the config file.
type ProviderConfig struct {
	Name           string   `yaml:"name"` // "ollama" or "openai"
	OllamaBaseURL  string   `yaml:"ollama_base_url"`
	OpenAIBaseURL  string   `yaml:"openai_base_url"` // optional OpenAI-compatible gateway
	APIKey         string   `yaml:"-"`
	RequestTimeout Duration `yaml:"request_timeout"`
	MaxRetries     int      `yaml:"max_retries"`
	RetryBackoff   Duration `yaml:"retry_backoff"`
}

// ModelsConfig names the models used for each task. When the provider is
// openai these must name models that API serves (for example gpt-4o-mini for
// chat and fast, text-embedding-3-small for embed).
type ModelsConfig struct {
	Chat  string `yaml:"chat"`  // answer generation
	Fast  string `yaml:"fast"`  // summaries and reranking
	Embed string `yaml:"embed"` // embeddings
}

type ChunkingConfig struct {
	MaxSize int `yaml:"max_size"` // characters per chunk
	Overlap int `yaml:"overlap"`  // characters shared between neighbors
}

type RetrievalConfig struct {
	TopK             int     `yaml:"top_k"`
	SimilarityFloor  float64 `yaml:"similarity_floor"`
	HistoryWindow    int     `yaml:"history_window"` // turns of history per prompt
	MaxContextTokens int     `yaml:"max_context_tokens"`
	EmbedRPS         float64 `yaml:"embed_rps"` // embedding call rate cap, 0 means unlimited
}

type RerankConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Threshold float64  `yaml:"threshold"`
	Timeout   Duration `yaml:"timeout"`
}

type IngestConfig struct {
	Workers int `yaml:"workers"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// ServerConfig configures the HTTP API. The auth token is a secret and is
// never read from or written to the config file; an empty token disables
// authentication.
type ServerConfig struct {
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"-"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Duration is a time.Duration that reads and writes YAML values like "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	td, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(td)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) String() string { return time.Duration(d).String() }

func defaults() Config {
	return Config{
		Provider: ProviderConfig{
			Name:           "ollama",
			OllamaBaseURL:  "http://localhost:11434",
			RequestTimeout: Duration(60 * time.Second),
			MaxRetries:     3,
			RetryBackoff:   Duration(500 * time.Millisecond),
		},
		Models: ModelsConfig{
			Chat:  "mistral-nemo",
			Fast:  "phi3.5",
			Embed: "nomic-embed-text",
		},
		Chunking: ChunkingConfig{
			MaxSize: 1000,
			Overlap: 100,
		},
		Retrieval: RetrievalConfig{
			TopK:             10,
			SimilarityFloor:  0,
			HistoryWindow:    5,
			MaxContextTokens: 4000,
		},
		Rerank: RerankConfig{
			Enabled:   false,
			Threshold: 0.5,
			Timeout:   Duration(10 * time.Second),
		},
		Ingest: IngestConfig{
			Workers: 4,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Server: ServerConfig{
			Port: 4000,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the YAML config file and environment
// variables.
//
// The file lives at $XDG_CONFIG_HOME/askdocs/config.yaml (falling back to
// ~/.config/askdocs/config.yaml) and is optional; absent values keep their
// defaults. Environment variables (ASKDOCS_*) override file values on all
// platforms. Secrets such as the API key and the server auth token are read
// from the environment only.
func Load() (Config, error) {
	return loadFromPath(configFilePath())
}

func loadFromPath(path string) (Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// No config file is normal; defaults apply.
	default:
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	switch cfg.Provider.Name {
	case "", "ollama":
	case "openai":
		if cfg.Provider.APIKey == "" {
			return fmt.Errorf("missing required config: OpenAI API key. Set it via environment variable %s", envAPIKey)
		}
	default:
		return fmt.Errorf("unknown provider %q: valid values are ollama and openai", cfg.Provider.Name)
	}
	return nil
}

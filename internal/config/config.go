// Package config loads and validates Quarry configuration from a YAML file
// with QUARRY_* environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	qerrors "github.com/quarry-kb/quarry/internal/errors"
)

// Duration wraps time.Duration so YAML values can use Go duration
// strings ("30s", "10m"). Bare integers are taken as nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return err
	}
	*d = Duration(n)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config represents the complete Quarry configuration.
type Config struct {
	Paths     PathsConfig     `yaml:"paths"`
	Queue     QueueConfig     `yaml:"queue"`
	Chunking  ChunkingConfig  `yaml:"chunking"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	LLM       LLMConfig       `yaml:"llm"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Crawl     CrawlConfig     `yaml:"crawl"`
	Refresh   RefreshConfig   `yaml:"refresh"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Fetch     FetchConfig     `yaml:"fetch"`
	LogLevel  string          `yaml:"log_level"`
}

// PathsConfig locates the two persisted-state roots and the scratch space.
// Catalog DB and vector store directory must be backed up together to form
// a recoverable snapshot.
type PathsConfig struct {
	CatalogDB     string `yaml:"catalog_db"`
	VectorDir     string `yaml:"vector_dir"`
	WorkspaceRoot string `yaml:"workspace_root"` // temp clones for repo fetches
}

// QueueConfig tunes the batch processor.
type QueueConfig struct {
	BatchSize  int     `yaml:"batch_size"`
	Workers    int     `yaml:"workers"`
	MaxRetries int     `yaml:"max_retries"`
	RatePerHost float64 `yaml:"rate_per_host"` // requests/second/host
}

// ChunkingConfig bounds chunk sizes in whitespace tokens.
type ChunkingConfig struct {
	MinTokens     int `yaml:"min_tokens"`
	MaxTokens     int `yaml:"max_tokens"`
	OverlapTokens int `yaml:"overlap_tokens"`
}

// EmbeddingConfig configures the embedding provider.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // "ollama" or "static"
	OllamaHost string `yaml:"ollama_host"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BatchSize  int    `yaml:"batch_size"`
	CacheSize  int    `yaml:"cache_size"` // LRU entries; 0 disables caching
}

// LLMConfig configures the text-generation endpoint used for query
// synthesis, query expansion, and metadata enrichment.
type LLMConfig struct {
	Host          string   `yaml:"host"`
	QueryModel    string   `yaml:"query_model"`
	EnrichModel   string   `yaml:"enrich_model"`
	Timeout       Duration `yaml:"timeout"`
	EnrichWorkers int      `yaml:"enrich_workers"`
}

// DiscoveryConfig configures prompt-driven source discovery.
type DiscoveryConfig struct {
	SearchEndpoint     string `yaml:"search_endpoint"`
	SearchAPIKey       string `yaml:"search_api_key"`
	EnableCompetitors  bool   `yaml:"enable_competitors"`
	ChannelMaxVideos   int    `yaml:"channel_max_videos"`
	ChannelFullVideos  int    `yaml:"channel_full_videos"`
	ChannelPriority    int    `yaml:"channel_priority"`
	TrackingParams     []string `yaml:"tracking_params"` // extends the built-in strip list
}

// CrawlConfig bounds documentation-site crawls.
type CrawlConfig struct {
	MaxPages    int      `yaml:"max_pages"`
	SoftTimeout Duration `yaml:"soft_timeout"`
}

// RefreshConfig schedules the content-change-detection refresher.
type RefreshConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Cron      string `yaml:"cron"`
	BatchSize int    `yaml:"batch_size"`
}

// RetrievalConfig tunes the hybrid retrieval engine.
type RetrievalConfig struct {
	RRFConstant         int     `yaml:"rrf_constant"`
	SemanticWeight      float64 `yaml:"semantic_weight"`
	LexicalWeight       float64 `yaml:"lexical_weight"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	RerankerEndpoint    string  `yaml:"reranker_endpoint"`
}

// FetchConfig configures the outbound request surface.
type FetchConfig struct {
	UserAgent          string   `yaml:"user_agent"`
	RequestTimeout     Duration `yaml:"request_timeout"`
	HeadTimeout        Duration `yaml:"head_timeout"`
	TranscriptEndpoint string   `yaml:"transcript_endpoint"`
	RendererEndpoint   string   `yaml:"renderer_endpoint"` // optional headless renderer
}

// Default returns the default configuration rooted at dataDir.
func Default(dataDir string) *Config {
	return &Config{
		Paths: PathsConfig{
			CatalogDB:     filepath.Join(dataDir, "catalog.db"),
			VectorDir:     filepath.Join(dataDir, "vectors"),
			WorkspaceRoot: filepath.Join(dataDir, "workspaces"),
		},
		Queue: QueueConfig{
			BatchSize:   10,
			Workers:     3,
			MaxRetries:  3,
			RatePerHost: 1.0,
		},
		Chunking: ChunkingConfig{
			MinTokens:     100,
			MaxTokens:     512,
			OverlapTokens: 50,
		},
		Embedding: EmbeddingConfig{
			Provider:   "ollama",
			OllamaHost: "http://localhost:11434",
			Model:      "embeddinggemma",
			Dimensions: 768,
			BatchSize:  32,
			CacheSize:  4096,
		},
		LLM: LLMConfig{
			Host:          "http://localhost:11434",
			QueryModel:    "mistral:7b",
			EnrichModel:   "mistral:7b",
			Timeout:       Duration(60 * time.Second),
			EnrichWorkers: 2,
		},
		Discovery: DiscoveryConfig{
			EnableCompetitors: false,
			ChannelMaxVideos:  50,
			ChannelFullVideos: 500,
			ChannelPriority:   50,
		},
		Crawl: CrawlConfig{
			MaxPages:    1000,
			SoftTimeout: Duration(10 * time.Minute),
		},
		Refresh: RefreshConfig{
			Enabled:   true,
			Cron:      "0 3 * * 1", // Monday 03:00
			BatchSize: 100,
		},
		Retrieval: RetrievalConfig{
			RRFConstant:         60,
			SemanticWeight:      0.7,
			LexicalWeight:       0.3,
			SimilarityThreshold: 0.3,
		},
		Fetch: FetchConfig{
			UserAgent:      "quarry/1.0 (+https://github.com/quarry-kb/quarry)",
			RequestTimeout: Duration(30 * time.Second),
			HeadTimeout:    Duration(10 * time.Second),
		},
		LogLevel: "info",
	}
}

// Load reads configuration from path (optional), applies environment
// overrides, and validates. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default(defaultDataDir())

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, qerrors.New(qerrors.ErrCodeConfigNotFound,
					fmt.Sprintf("config file not found: %s", path), err)
			}
			return nil, qerrors.ConfigError("reading config file", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, qerrors.ConfigError("parsing config file", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quarry"
	}
	return filepath.Join(home, ".quarry")
}

// applyEnvOverrides applies QUARRY_* environment variables over file values.
func (c *Config) applyEnvOverrides() {
	overrideString("QUARRY_CATALOG_DB", &c.Paths.CatalogDB)
	overrideString("QUARRY_VECTOR_DIR", &c.Paths.VectorDir)
	overrideString("QUARRY_WORKSPACE_ROOT", &c.Paths.WorkspaceRoot)
	overrideInt("QUARRY_BATCH_SIZE", &c.Queue.BatchSize)
	overrideInt("QUARRY_WORKERS", &c.Queue.Workers)
	overrideInt("QUARRY_MAX_RETRIES", &c.Queue.MaxRetries)
	overrideFloat("QUARRY_RATE_PER_HOST", &c.Queue.RatePerHost)
	overrideString("QUARRY_OLLAMA_HOST", &c.Embedding.OllamaHost)
	overrideString("QUARRY_EMBED_MODEL", &c.Embedding.Model)
	overrideInt("QUARRY_EMBED_DIMENSIONS", &c.Embedding.Dimensions)
	overrideString("QUARRY_LLM_HOST", &c.LLM.Host)
	overrideString("QUARRY_LLM_QUERY_MODEL", &c.LLM.QueryModel)
	overrideString("QUARRY_LLM_ENRICH_MODEL", &c.LLM.EnrichModel)
	overrideString("QUARRY_SEARCH_ENDPOINT", &c.Discovery.SearchEndpoint)
	overrideString("QUARRY_SEARCH_API_KEY", &c.Discovery.SearchAPIKey)
	overrideInt("QUARRY_CRAWL_MAX_PAGES", &c.Crawl.MaxPages)
	overrideString("QUARRY_REFRESH_CRON", &c.Refresh.Cron)
	overrideString("QUARRY_USER_AGENT", &c.Fetch.UserAgent)
	overrideString("QUARRY_LOG_LEVEL", &c.LogLevel)
	overrideFloat("QUARRY_SIMILARITY_THRESHOLD", &c.Retrieval.SimilarityThreshold)
}

func overrideString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func overrideFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// Validate checks invariants that would otherwise surface as runtime
// failures deep in the pipeline.
func (c *Config) Validate() error {
	if c.Paths.CatalogDB == "" {
		return qerrors.ConfigError("paths.catalog_db is required", nil)
	}
	if c.Paths.VectorDir == "" {
		return qerrors.ConfigError("paths.vector_dir is required", nil)
	}
	if c.Queue.BatchSize <= 0 {
		return qerrors.ConfigError("queue.batch_size must be positive", nil)
	}
	if c.Queue.Workers <= 0 {
		return qerrors.ConfigError("queue.workers must be positive", nil)
	}
	if c.Queue.RatePerHost <= 0 {
		return qerrors.ConfigError("queue.rate_per_host must be positive", nil)
	}
	if c.Chunking.MinTokens <= 0 || c.Chunking.MaxTokens <= c.Chunking.MinTokens {
		return qerrors.ConfigError("chunking bounds must satisfy 0 < min < max", nil)
	}
	if c.Chunking.OverlapTokens >= c.Chunking.MinTokens {
		return qerrors.ConfigError("chunking.overlap_tokens must be below min_tokens", nil)
	}
	if c.Embedding.Dimensions <= 0 {
		return qerrors.ConfigError("embedding.dimensions must be positive", nil)
	}
	switch c.Embedding.Provider {
	case "ollama", "static":
	default:
		return qerrors.ConfigError(
			fmt.Sprintf("embedding.provider %q not recognized (want ollama or static)", c.Embedding.Provider), nil)
	}
	sum := c.Retrieval.SemanticWeight + c.Retrieval.LexicalWeight
	if sum < 0.99 || sum > 1.01 {
		return qerrors.ConfigError("retrieval weights must sum to 1.0", nil)
	}
	if !strings.EqualFold(c.LogLevel, "debug") && !strings.EqualFold(c.LogLevel, "info") &&
		!strings.EqualFold(c.LogLevel, "warn") && !strings.EqualFold(c.LogLevel, "error") {
		return qerrors.ConfigError(fmt.Sprintf("log_level %q not recognized", c.LogLevel), nil)
	}
	return nil
}

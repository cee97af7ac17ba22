package ingest

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/sourceflow/chunk"
	"github.com/hazyhaar/sourceflow/crawl"
	"github.com/hazyhaar/sourceflow/docpipe"
	"github.com/hazyhaar/sourceflow/embedding"
	"github.com/hazyhaar/sourceflow/observability"
)

// Config is the service configuration file.
type Config struct {
	DB     string                  `yaml:"db"`
	HTTP   HTTPConfig              `yaml:"http"`
	Queue  QueueConfig             `yaml:"queue"`
	Crawl  crawl.Config            `yaml:"crawl"`
	Chunk  ChunkConfig             `yaml:"chunk"`
	Embed  EmbedConfig             `yaml:"embed"`
	Files  docpipe.Config          `yaml:"files"`
	Events EventsConfig            `yaml:"events"`
	Log    observability.LogConfig `yaml:"log"`
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// TokenHash is the bcrypt hash of the bearer token. Empty disables auth.
	TokenHash string `yaml:"token_hash"`
	// RequestsPerSecond per client address. 0 disables the limiter.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// QueueConfig configures the job queue and the resident worker pool.
type QueueConfig struct {
	Workers         int           `yaml:"workers"`
	BatchSize       int           `yaml:"batch_size"`
	PollInterval    time.Duration `yaml:"poll_interval"`
	StuckTimeout    time.Duration `yaml:"stuck_timeout"`
	RecoverInterval time.Duration `yaml:"recover_interval"`
	JobTimeout      time.Duration `yaml:"job_timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
	BackoffMax      time.Duration `yaml:"backoff_max"`
	// WorkerID defaults to hostname-pid.
	WorkerID string `yaml:"worker_id"`
}

// ChunkConfig overrides per-type token targets.
type ChunkConfig struct {
	Targets map[string]int `yaml:"targets"`
}

// EmbedConfig configures the embedder and the search index.
type EmbedConfig struct {
	embedding.Config `yaml:",inline"`
	// IndexPath persists the similarity index. Empty keeps it in memory.
	IndexPath string `yaml:"index_path"`
}

// EventsConfig configures the NATS bridge.
type EventsConfig struct {
	NATSURL string `yaml:"nats_url"`
	Subject string `yaml:"subject"`
	// Buffer is the per-subscriber channel size of the in-process bus.
	Buffer int `yaml:"buffer"`
}

func (c *Config) defaults() {
	if c.DB == "" {
		c.DB = "data/sourceflow.db"
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.Burst <= 0 {
		c.HTTP.Burst = 20
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.StuckTimeout <= 0 {
		c.Queue.StuckTimeout = 5 * time.Minute
	}
	if c.Queue.JobTimeout <= 0 {
		c.Queue.JobTimeout = 2 * time.Minute
	}
	if c.Queue.WorkerID == "" {
		host, _ := os.Hostname()
		c.Queue.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if c.Events.Subject == "" {
		c.Events.Subject = "sourceflow"
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// LoadConfig reads path (optional) and applies environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("ingest: read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("ingest: parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	cfg.defaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	set := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	set("SOURCEFLOW_DB", &c.DB)
	set("SOURCEFLOW_ADDR", &c.HTTP.Addr)
	set("SOURCEFLOW_LOG_LEVEL", &c.Log.Level)
	set("SOURCEFLOW_EMBED_ENDPOINT", &c.Embed.Endpoint)
	set("SOURCEFLOW_NATS_URL", &c.Events.NATSURL)
	set("SOURCEFLOW_TOKEN_HASH", &c.HTTP.TokenHash)
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}

func chunkTargets(c ChunkConfig) map[string]int {
	out := make(map[string]int, len(chunk.DefaultTargets))
	for k, v := range chunk.DefaultTargets {
		out[k] = v
	}
	for k, v := range c.Targets {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}

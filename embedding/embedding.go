// Package embedding turns chunk text into vectors and indexes them for
// similarity search.
//
// Vectors come from any OpenAI-compatible /v1/embeddings server (vLLM,
// Ollama, OpenAI). With no endpoint configured a local feature-hashing
// embedder is used so the pipeline still trains end to end offline.
//
//	emb := embedding.New(embedding.Config{
//	    Endpoint: "http://localhost:8003",
//	    Model:    "multilingual-e5-large",
//	})
//	vecs, err := emb.EmbedBatch(ctx, texts)
package embedding

import (
	"context"
	"log/slog"
	"time"
)

// Embedder converts text to vectors.
type Embedder interface {
	// Embed returns the vector for one text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension is the vector size, 0 until the first remote call.
	Dimension() int
	// Model is the model name stored next to each vector.
	Model() string
}

// Config configures New.
type Config struct {
	// Endpoint is the embedding server base URL. Empty selects the local
	// hashing embedder.
	Endpoint string `yaml:"endpoint"`
	// Model is sent with every request.
	Model string `yaml:"model"`
	// Dimension is the expected vector size. 0 auto-detects remotely and
	// means 256 locally.
	Dimension int `yaml:"dimension"`
	// BatchSize caps texts per HTTP request. Default: 32.
	BatchSize int `yaml:"batch_size"`
	// Timeout per HTTP request. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`
	// APIKey is sent as a bearer token when set.
	APIKey string `yaml:"api_key"`

	Logger *slog.Logger `yaml:"-"`
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// New returns the Embedder selected by cfg.
func New(cfg Config) Embedder {
	cfg.defaults()
	if cfg.Endpoint == "" {
		model := cfg.Model
		if model == "" {
			model = "local-hashing"
		}
		return NewHashing(cfg.Dimension, model)
	}
	return newOpenAIClient(cfg)
}

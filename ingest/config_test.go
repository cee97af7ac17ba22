package ingest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hazyhaar/sourceflow/chunk"
)

func TestLoadConfig_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sourceflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
db: /var/lib/sourceflow/main.db
http:
  addr: ":9090"
  requests_per_second: 5
queue:
  workers: 8
  stuck_timeout: 90s
  backoff_base: 2s
crawl:
  user_agent: testbot/1.0
  max_body_bytes: 1048576
chunk:
  targets:
    website: 300
embed:
  model: nomic-embed-text
  index_path: /tmp/index
events:
  subject: ingest
log:
  level: debug
`), 0o600))
	t.Setenv("SOURCEFLOW_ADDR", ":7070")
	t.Setenv("SOURCEFLOW_NATS_URL", "nats://127.0.0.1:4222")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/sourceflow/main.db", cfg.DB)
	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.Equal(t, 5.0, cfg.HTTP.RequestsPerSecond)
	assert.Equal(t, 20, cfg.HTTP.Burst)
	assert.Equal(t, 8, cfg.Queue.Workers)
	assert.Equal(t, 90*time.Second, cfg.Queue.StuckTimeout)
	assert.Equal(t, 2*time.Second, cfg.Queue.BackoffBase)
	assert.Equal(t, "testbot/1.0", cfg.Crawl.UserAgent)
	assert.EqualValues(t, 1<<20, cfg.Crawl.MaxBodyBytes)
	assert.Equal(t, "nomic-embed-text", cfg.Embed.Model)
	assert.Equal(t, "/tmp/index", cfg.Embed.IndexPath)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Events.NATSURL)
	assert.Equal(t, "ingest", cfg.Events.Subject)
	assert.Equal(t, "debug", cfg.Log.Level)

	targets := chunkTargets(cfg.Chunk)
	assert.Equal(t, 300, targets[chunk.KindWebsite])
	assert.Equal(t, chunk.DefaultTargets[chunk.KindQA], targets[chunk.KindQA])
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "data/sourceflow.db", cfg.DB)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 4, cfg.Queue.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Queue.StuckTimeout)
	assert.NotEmpty(t, cfg.Queue.WorkerID)
	assert.Equal(t, 256, cfg.Events.Buffer)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("queue: [nope"), 0o600))
	_, err = LoadConfig(bad)
	assert.Error(t, err)
}

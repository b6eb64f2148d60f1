package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestParseYAML(t *testing.T) {
	p := writeConfig(t, "correctord.yaml", `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: /tmp/x.db
worker:
  concurrency: 3
  lease_ttl: 2m
http:
  enabled: true
  jwt_secret: s3cret
  cors_allowed_origins: ["http://localhost:3000"]
`)
	cfg, err := NewConfigManager(p).Parse()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "/tmp/x.db", cfg.Storage.Path)
	assert.Equal(t, 3, cfg.Worker.Concurrency)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.HTTP.CORSAllowedOrigins)

	s, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, s.LeaseTTL)
	assert.Equal(t, 3, s.Concurrency)
}

func TestParseRejectsUnknownField(t *testing.T) {
	p := writeConfig(t, "c.json", `{"storage":{"driver":"sqlite"},"mailer":{}}`)
	_, err := NewConfigManager(p).Parse()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mailer")
}

func TestParseTrailingData(t *testing.T) {
	p := writeConfig(t, "c.json", `{} {}`)
	_, err := NewConfigManager(p).Parse()
	require.Error(t, err)
}

func TestEmptyPathUsesDefaultsAndEnv(t *testing.T) {
	t.Setenv(EnvDatabaseURL, "postgres://u:p@db:5432/app")
	t.Setenv(EnvJWTSecret, "from-env")
	t.Setenv(EnvLLMAPIKey, "key")
	t.Setenv(EnvStorageDir, "/srv/storage")

	cfg, err := NewConfigManager("").Parse()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "postgres://u:p@db:5432/app", cfg.Storage.DSN)
	assert.Equal(t, "from-env", cfg.HTTP.JWTSecret)
	assert.Equal(t, "key", cfg.LLM.APIKey)
	assert.Equal(t, "/srv/storage", cfg.Artifacts.Dir)
}

func TestApplyEnvSQLiteURL(t *testing.T) {
	t.Setenv(EnvDatabaseURL, "sqlite:///var/lib/correctord.db")
	var cfg Config
	ApplyEnv(&cfg)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "/var/lib/correctord.db", cfg.Storage.Path)
}

func TestResolveDefaults(t *testing.T) {
	s, err := (&Config{}).Resolve()
	require.NoError(t, err)
	assert.Equal(t, 2, s.SystemMaxWorkers)
	assert.Equal(t, 2, s.Concurrency)
	assert.Equal(t, DefaultPollInterval, s.PollInterval)
	assert.Equal(t, DefaultLeaseTTL, s.LeaseTTL)
	assert.Zero(t, s.HeartbeatInterval)
	assert.Equal(t, "sqlite", s.StorageDriver)
	assert.Equal(t, DefaultSQLitePath, s.StoragePath)
	assert.Equal(t, DefaultArtifactsDir, s.ArtifactsDir)
	assert.True(t, s.ReaperEnabled)
	assert.Equal(t, DefaultReapSchedule, s.ReaperSchedule)
	assert.Equal(t, DefaultLLMModel, s.LLMModel)
	assert.Equal(t, DefaultHTTPAddr, s.HTTPAddr)
}

func TestResolveErrors(t *testing.T) {
	off := false
	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{"negative workers", Config{Scheduler: SchedulerConfig{SystemMaxWorkers: -1}}, "system_max_workers"},
		{"bad duration", Config{Worker: WorkerConfig{LeaseTTL: "soon"}}, "worker.lease_ttl"},
		{"heartbeat too long", Config{Worker: WorkerConfig{LeaseTTL: "1m", HeartbeatInterval: "1m"}}, "heartbeat_interval"},
		{"postgres without dsn", Config{Storage: StorageConfig{Driver: "postgres"}}, "storage.dsn"},
		{"unknown storage", Config{Storage: StorageConfig{Driver: "mongo"}}, "storage.driver"},
		{"mirror without bucket", Config{Artifacts: ArtifactsConfig{Mirror: &MirrorConfig{Enabled: true, Endpoint: "minio:9000"}}}, "artifacts.mirror"},
		{"redis without addr", Config{RateLimit: RateLimitConfig{Driver: "redis"}}, "ratelimit.addr"},
		{"http without secret", Config{HTTP: HTTPConfig{Enabled: true}}, "jwt_secret"},
		{"amqp without url", Config{Events: EventsConfig{AMQP: AMQPConfig{Enabled: true}}, Reaper: ReaperConfig{Enabled: &off}}, "events.amqp.url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.cfg.Resolve()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestDotEnvPaths(t *testing.T) {
	assert.Equal(t, []string{".env"}, DotEnvPaths(""))
	assert.Equal(t, []string{".env"}, DotEnvPaths("correctord.yaml"))
	assert.Equal(t, []string{filepath.Join("configs", ".env"), ".env"}, DotEnvPaths("configs/correctord.yaml"))
}

func TestLoadDotEnv(t *testing.T) {
	p := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(p, []byte("CORRECTORD_TEST_DOTENV=yes\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("CORRECTORD_TEST_DOTENV") })

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), p))
	assert.Equal(t, "yes", os.Getenv("CORRECTORD_TEST_DOTENV"))
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	p := writeConfig(t, "c.json", `{"logging":{"level":"info"}}`)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	published, err := m.Reload(context.Background())
	require.NoError(t, err)
	assert.False(t, published)

	require.NoError(t, os.WriteFile(p, []byte(`{"logging":{"level":"debug"}}`), 0o644))
	published, err = m.Reload(context.Background())
	require.NoError(t, err)
	require.True(t, published)

	got := <-ch
	assert.Equal(t, "debug", got.Logging.Level)
	assert.Same(t, got, m.Get())
}

func TestReloadRejectedByValidator(t *testing.T) {
	p := writeConfig(t, "c.json", `{}`)
	m := NewConfigManager(p)
	_, err := m.Load()
	require.NoError(t, err)
	before := m.Get()
	m.SetValidator(func(context.Context, *Config) error { return errors.New("nope") })

	require.NoError(t, os.WriteFile(p, []byte(`{"logging":{"level":"warn"}}`), 0o644))
	_, err = m.Reload(context.Background())
	require.Error(t, err)
	assert.Same(t, before, m.Get())
}

func TestWatchReloadsOnWrite(t *testing.T) {
	p := writeConfig(t, "c.json", `{}`)
	m := NewConfigManager(p)
	m.debounce = 10 * time.Millisecond
	_, err := m.Load()
	require.NoError(t, err)
	ch := m.Subscribe(1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case got := <-ch:
			assert.Equal(t, "debug", got.Logging.Level)
			return
		case <-tick.C:
			require.NoError(t, os.WriteFile(p, []byte(`{"logging":{"level":"debug"}}`), 0o644))
		case <-deadline:
			t.Fatal("no reload observed")
		}
	}
}

func TestWatchEmptyPathBlocksUntilDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, NewConfigManager("").Watch(ctx))
}

func TestSummarizeHidesSecrets(t *testing.T) {
	oldCfg := &Config{}
	newCfg := &Config{
		Logging: LoggingConfig{Level: "debug"},
		Storage: StorageConfig{Driver: "postgres", DSN: "postgres://user:pw@h/db"},
		LLM:     LLMConfig{APIKey: "secret-key"},
	}
	changed, fields := Summarize(oldCfg, newCfg)
	assert.Equal(t, []string{"logging", "storage", "llm"}, changed)
	assert.Len(t, fields, 6)
	assert.Equal(t, []string{"storage", "llm"}, RestartRequired(changed))
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := NewConfigManager(filepath.Join("..", "..", "configs", "correctord.example.yaml")).Parse()
	require.NoError(t, err)
	s, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, s.HeartbeatInterval)
	assert.Equal(t, "correctord.events", cfg.Events.AMQP.ExchangeOrDefault())
}

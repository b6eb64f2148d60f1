package config

import (
	"fmt"
	"strings"
	"time"

	"correctord/internal/plans"
)

// Defaults for omitted values.
const (
	DefaultSQLitePath        = "./data/correctord.db"
	DefaultArtifactsDir      = "./storage"
	DefaultPollInterval      = 500 * time.Millisecond
	DefaultLeaseTTL          = 5 * time.Minute
	DefaultReapSchedule      = "@every 1m"
	DefaultLLMEndpoint       = "https://generativelanguage.googleapis.com"
	DefaultLLMModel          = "gemini-2.5-flash"
	DefaultLLMTimeout        = 2 * time.Minute
	DefaultHTTPAddr          = ":8080"
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultAMQPExchange      = "correctord.events"
)

// Settings is Config with defaults filled in and durations parsed.
type Settings struct {
	SystemMaxWorkers  int
	WorkerID          string
	Concurrency       int
	PollInterval      time.Duration
	LeaseTTL          time.Duration
	HeartbeatInterval time.Duration
	ChunkChars        int
	OverlapChars      int

	StorageDriver string
	StoragePath   string
	StorageDSN    string
	BusyTimeout   time.Duration

	ArtifactsDir string

	ReaperEnabled  bool
	ReaperSchedule string

	LLMEndpoint string
	LLMModel    string
	LLMTimeout  time.Duration

	HTTPAddr          string
	ReadHeaderTimeout time.Duration
}

// Resolve validates cfg and returns its effective settings.
func (c *Config) Resolve() (Settings, error) {
	var (
		s   Settings
		err error
	)
	if c == nil {
		c = &Config{}
	}

	s.SystemMaxWorkers = c.Scheduler.SystemMaxWorkers
	if s.SystemMaxWorkers < 0 {
		return s, fmt.Errorf("scheduler.system_max_workers must be >= 0")
	}
	if s.SystemMaxWorkers == 0 {
		s.SystemMaxWorkers = plans.SystemMaxWorkers
	}

	s.WorkerID = strings.TrimSpace(c.Worker.ID)
	s.Concurrency = c.Worker.Concurrency
	if s.Concurrency < 0 {
		return s, fmt.Errorf("worker.concurrency must be >= 0")
	}
	if s.Concurrency == 0 {
		s.Concurrency = s.SystemMaxWorkers
	}
	if s.PollInterval, err = duration("worker.poll_interval", c.Worker.PollInterval, DefaultPollInterval); err != nil {
		return s, err
	}
	if s.LeaseTTL, err = duration("worker.lease_ttl", c.Worker.LeaseTTL, DefaultLeaseTTL); err != nil {
		return s, err
	}
	if s.HeartbeatInterval, err = duration("worker.heartbeat_interval", c.Worker.HeartbeatInterval, 0); err != nil {
		return s, err
	}
	if s.HeartbeatInterval > 0 && s.HeartbeatInterval >= s.LeaseTTL {
		return s, fmt.Errorf("worker.heartbeat_interval (%s) must be shorter than worker.lease_ttl (%s)", s.HeartbeatInterval, s.LeaseTTL)
	}
	if c.Worker.ChunkChars < 0 || c.Worker.OverlapChars < 0 {
		return s, fmt.Errorf("worker.chunk_chars and worker.overlap_chars must be >= 0")
	}
	s.ChunkChars, s.OverlapChars = c.Worker.ChunkChars, c.Worker.OverlapChars

	s.StorageDriver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	switch s.StorageDriver {
	case "", "sqlite":
		s.StorageDriver = "sqlite"
		s.StoragePath = strings.TrimSpace(c.Storage.Path)
		if s.StoragePath == "" {
			s.StoragePath = DefaultSQLitePath
		}
	case "postgres", "postgresql", "pg":
		s.StorageDriver = "postgres"
		s.StorageDSN = strings.TrimSpace(c.Storage.DSN)
		if s.StorageDSN == "" {
			return s, fmt.Errorf("storage.dsn is required for the postgres driver")
		}
	default:
		return s, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if s.BusyTimeout, err = duration("storage.busy_timeout", c.Storage.BusyTimeout, 0); err != nil {
		return s, err
	}

	s.ArtifactsDir = strings.TrimSpace(c.Artifacts.Dir)
	if s.ArtifactsDir == "" {
		s.ArtifactsDir = DefaultArtifactsDir
	}
	if m := c.Artifacts.Mirror; m != nil && m.Enabled && (m.Endpoint == "" || m.Bucket == "") {
		return s, fmt.Errorf("artifacts.mirror requires endpoint and bucket")
	}

	s.ReaperEnabled = c.Reaper.Enabled == nil || *c.Reaper.Enabled
	s.ReaperSchedule = strings.TrimSpace(c.Reaper.Schedule)
	if s.ReaperSchedule == "" {
		s.ReaperSchedule = DefaultReapSchedule
	}

	s.LLMEndpoint = strings.TrimRight(strings.TrimSpace(c.LLM.Endpoint), "/")
	if s.LLMEndpoint == "" {
		s.LLMEndpoint = DefaultLLMEndpoint
	}
	s.LLMModel = strings.TrimSpace(c.LLM.Model)
	if s.LLMModel == "" {
		s.LLMModel = DefaultLLMModel
	}
	if s.LLMTimeout, err = duration("llm.timeout", c.LLM.Timeout, DefaultLLMTimeout); err != nil {
		return s, err
	}

	switch strings.ToLower(strings.TrimSpace(c.RateLimit.Driver)) {
	case "", "memory", "none", "off":
	case "redis":
		if strings.TrimSpace(c.RateLimit.Addr) == "" {
			return s, fmt.Errorf("ratelimit.addr is required for the redis driver")
		}
	default:
		return s, fmt.Errorf("ratelimit.driver: unknown driver %q", c.RateLimit.Driver)
	}

	s.HTTPAddr = strings.TrimSpace(c.HTTP.Addr)
	if s.HTTPAddr == "" {
		s.HTTPAddr = DefaultHTTPAddr
	}
	if s.ReadHeaderTimeout, err = duration("http.read_header_timeout", c.HTTP.ReadHeaderTimeout, DefaultReadHeaderTimeout); err != nil {
		return s, err
	}
	if c.HTTP.Enabled && strings.TrimSpace(c.HTTP.JWTSecret) == "" {
		return s, fmt.Errorf("http.jwt_secret is required when http is enabled")
	}

	if c.Events.AMQP.Enabled && strings.TrimSpace(c.Events.AMQP.URL) == "" {
		return s, fmt.Errorf("events.amqp.url is required when amqp is enabled")
	}
	return s, nil
}

// ExchangeOrDefault returns the configured exchange or the default.
func (a AMQPConfig) ExchangeOrDefault() string {
	if strings.TrimSpace(a.Exchange) == "" {
		return DefaultAMQPExchange
	}
	return a.Exchange
}

package config

// Config is the on-disk configuration (JSON, or YAML coerced to JSON).
// Durations are Go duration strings ("500ms", "5m"); empty means default.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Artifacts ArtifactsConfig `json:"artifacts"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Worker    WorkerConfig    `json:"worker"`
	Reaper    ReaperConfig    `json:"reaper"`
	LLM       LLMConfig       `json:"llm"`
	RateLimit RateLimitConfig `json:"ratelimit"`
	HTTP      HTTPConfig      `json:"http"`
	Events    EventsConfig    `json:"events"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the task registry.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/correctord.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"` // do not log
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type ArtifactsConfig struct {
	Dir    string        `json:"dir"`
	Mirror *MirrorConfig `json:"mirror,omitempty"`
}

// MirrorConfig copies finished artifacts to an S3-compatible bucket.
type MirrorConfig struct {
	Enabled   bool   `json:"enabled"`
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"` // do not log
	Bucket    string `json:"bucket"`
	Secure    bool   `json:"secure,omitempty"`
}

type SchedulerConfig struct {
	SystemMaxWorkers int `json:"system_max_workers"`
}

// WorkerConfig controls the polling workers.
//
// Defaults:
//   - concurrency: scheduler.system_max_workers
//   - poll_interval: "500ms"
//   - lease_ttl: "5m"
//   - heartbeat_interval: "0s" (no lease renewal)
type WorkerConfig struct {
	ID                string `json:"id,omitempty"`
	Concurrency       int    `json:"concurrency,omitempty"`
	PollInterval      string `json:"poll_interval,omitempty"`
	LeaseTTL          string `json:"lease_ttl,omitempty"`
	HeartbeatInterval string `json:"heartbeat_interval,omitempty"`
	ChunkChars        int    `json:"chunk_chars,omitempty"`
	OverlapChars      int    `json:"overlap_chars,omitempty"`
}

// ReaperConfig schedules the expired-lease sweep. Enabled is a pointer so an
// omitted value defaults to true.
type ReaperConfig struct {
	Enabled  *bool  `json:"enabled,omitempty"`
	Schedule string `json:"schedule,omitempty"`
}

type LLMConfig struct {
	Endpoint   string `json:"endpoint,omitempty"`
	Model      string `json:"model,omitempty"`
	APIKey     string `json:"api_key,omitempty"` // do not log
	Timeout    string `json:"timeout,omitempty"`
	BasePrompt string `json:"base_prompt,omitempty"`
}

type RateLimitConfig struct {
	Driver string `json:"driver"`
	Addr   string `json:"addr,omitempty"`
	DB     int    `json:"db,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

type HTTPConfig struct {
	Enabled            bool     `json:"enabled"`
	Addr               string   `json:"addr,omitempty"`
	JWTSecret          string   `json:"jwt_secret,omitempty"` // do not log
	CORSAllowedOrigins []string `json:"cors_allowed_origins,omitempty"`
	ReadHeaderTimeout  string   `json:"read_header_timeout,omitempty"`
}

type EventsConfig struct {
	AMQP AMQPConfig `json:"amqp"`
}

type AMQPConfig struct {
	Enabled    bool   `json:"enabled"`
	URL        string `json:"url,omitempty"` // do not log
	Exchange   string `json:"exchange,omitempty"`
	RoutingKey string `json:"routing_key,omitempty"`
}

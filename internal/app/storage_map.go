package app

import (
	"correctord/internal/artifacts"
	"correctord/internal/config"
	"correctord/internal/correction"
	"correctord/internal/ratelimit"
	"correctord/internal/registry"
	"correctord/internal/worker"
	"correctord/pkg/logx"
)

func mapRegistryConfig(s config.Settings) registry.Config {
	return registry.Config{
		Driver:      s.StorageDriver,
		Path:        s.StoragePath,
		DSN:         s.StorageDSN,
		BusyTimeout: s.BusyTimeout,
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapRateLimitConfig(cfg *config.Config) ratelimit.Config {
	return ratelimit.Config{
		Driver: cfg.RateLimit.Driver,
		Addr:   cfg.RateLimit.Addr,
		DB:     cfg.RateLimit.DB,
		Prefix: cfg.RateLimit.Prefix,
	}
}

// mapMirrorConfig returns ok=false when mirroring is off.
func mapMirrorConfig(cfg *config.Config) (artifacts.MirrorConfig, bool) {
	m := cfg.Artifacts.Mirror
	if m == nil || !m.Enabled {
		return artifacts.MirrorConfig{}, false
	}
	return artifacts.MirrorConfig{
		Endpoint:  m.Endpoint,
		AccessKey: m.AccessKey,
		SecretKey: m.SecretKey,
		Bucket:    m.Bucket,
		Secure:    m.Secure,
	}, true
}

func mapAIConfig(cfg *config.Config, s config.Settings) correction.AIConfig {
	return correction.AIConfig{
		Endpoint:   s.LLMEndpoint,
		Model:      s.LLMModel,
		APIKey:     cfg.LLM.APIKey,
		Timeout:    s.LLMTimeout,
		BasePrompt: cfg.LLM.BasePrompt,
	}
}

func mapWorkerConfig(s config.Settings, id string) worker.Config {
	return worker.Config{
		ID:                id,
		PollInterval:      s.PollInterval,
		LeaseTTL:          s.LeaseTTL,
		HeartbeatInterval: s.HeartbeatInterval,
		ArtifactsDir:      s.ArtifactsDir,
		Chunk: correction.ChunkOptions{
			CharBudget:   s.ChunkChars,
			OverlapChars: s.OverlapChars,
		},
	}
}

package config

import (
	"reflect"
	"strings"

	"correctord/pkg/logx"
)

// Summarize returns the changed section names and safe log fields for a
// reload. Secrets (dsn, keys, jwt secret, amqp url) are never included.
func Summarize(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Artifacts, newCfg.Artifacts) {
		changed = append(changed, "artifacts")
		attrs = append(attrs,
			logx.String("artifacts.dir", newCfg.Artifacts.Dir),
			logx.Bool("artifacts.mirror", newCfg.Artifacts.Mirror != nil && newCfg.Artifacts.Mirror.Enabled),
		)
	}
	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.Int("scheduler.system_max_workers", newCfg.Scheduler.SystemMaxWorkers))
	}
	if oldCfg.Worker != newCfg.Worker {
		changed = append(changed, "worker")
		attrs = append(attrs,
			logx.Int("worker.concurrency", newCfg.Worker.Concurrency),
			logx.String("worker.lease_ttl", newCfg.Worker.LeaseTTL),
		)
	}
	if !reflect.DeepEqual(oldCfg.Reaper, newCfg.Reaper) {
		changed = append(changed, "reaper")
		attrs = append(attrs, logx.String("reaper.schedule", newCfg.Reaper.Schedule))
	}
	if oldCfg.LLM != newCfg.LLM {
		changed = append(changed, "llm")
		attrs = append(attrs,
			logx.String("llm.model", newCfg.LLM.Model),
			logx.Bool("llm.key_set", strings.TrimSpace(newCfg.LLM.APIKey) != ""),
		)
	}
	if oldCfg.RateLimit != newCfg.RateLimit {
		changed = append(changed, "ratelimit")
		attrs = append(attrs, logx.String("ratelimit.driver", newCfg.RateLimit.Driver))
	}
	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs, logx.String("http.addr", newCfg.HTTP.Addr))
	}
	if oldCfg.Events != newCfg.Events {
		changed = append(changed, "events")
		attrs = append(attrs, logx.Bool("events.amqp", newCfg.Events.AMQP.Enabled))
	}
	return changed, attrs
}

// RestartRequired reports sections that only take effect after a restart.
// Logging is applied live.
func RestartRequired(changed []string) []string {
	var out []string
	for _, c := range changed {
		if c != "logging" {
			out = append(out, c)
		}
	}
	return out
}

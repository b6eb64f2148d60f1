package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
)

// Environment overrides applied on every load.
const (
	EnvDatabaseURL = "CORRECTORD_DATABASE_URL"
	EnvJWTSecret   = "CORRECTORD_JWT_SECRET"
	EnvLLMAPIKey   = "CORRECTORD_LLM_API_KEY"
	EnvStorageDir  = "CORRECTORD_STORAGE_DIR"
)

// LoadDotEnv loads .env files into the process environment. Missing files
// are skipped and variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// DotEnvPaths returns the .env next to the config file and in the working directory.
func DotEnvPaths(configPath string) []string {
	out := []string{".env"}
	if configPath != "" {
		if p := filepath.Join(filepath.Dir(configPath), ".env"); filepath.Clean(p) != ".env" {
			out = append([]string{p}, out...)
		}
	}
	return out
}

// ApplyEnv overlays environment overrides onto cfg.
// A database URL selects the postgres driver unless it names a sqlite file.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(os.Getenv(EnvDatabaseURL)); v != "" {
		switch {
		case strings.HasPrefix(v, "sqlite://"):
			cfg.Storage.Driver = "sqlite"
			cfg.Storage.Path = strings.TrimPrefix(v, "sqlite://")
		default:
			cfg.Storage.Driver = "postgres"
			cfg.Storage.DSN = v
		}
	}
	if v := strings.TrimSpace(os.Getenv(EnvJWTSecret)); v != "" {
		cfg.HTTP.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLLMAPIKey)); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStorageDir)); v != "" {
		cfg.Artifacts.Dir = v
	}
}

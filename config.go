package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds the TOML-driven service configuration.
type Config struct {
	Server    ServerConfig `toml:"server"`
	Migration EngineConfig `toml:"migration"`
	Log       LogConfig    `toml:"log"`
}

type ServerConfig struct {
	Addr            string   `toml:"addr"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// EngineConfig holds defaults applied to every migration request.
type EngineConfig struct {
	Workers   int   `toml:"workers"`    // max tables transferred at once
	BatchSize int64 `toml:"batch_size"` // rows per fetch/insert batch
	MaxConns  int   `toml:"max_conns"`  // connection pool cap per connector
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text|json
}

// duration decodes TOML strings such as "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: duration{30 * time.Second},
		},
		Migration: EngineConfig{
			Workers:   defaultWorkers(),
			BatchSize: defaultBatchSize,
			MaxConns:  8,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// loadEnvFiles loads the first .env found. Variables already set win.
func loadEnvFiles(paths ...string) string {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err == nil {
			return p
		}
	}
	return ""
}

// loadConfig reads a TOML config file and returns a Config with defaults
// applied. An empty path yields the defaults. ${VAR} references in the file
// are expanded from the environment before parsing.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		md, err := toml.Decode(os.ExpandEnv(string(data)), &cfg)
		if err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
		if unknown := md.Undecoded(); len(unknown) > 0 {
			keys := make([]string, len(unknown))
			for i, k := range unknown {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
		}
	}

	if cfg.Migration.Workers <= 0 {
		cfg.Migration.Workers = defaultWorkers()
	}
	if cfg.Migration.BatchSize <= 0 {
		cfg.Migration.BatchSize = defaultBatchSize
	}
	if cfg.Migration.MaxConns < 0 {
		return nil, fmt.Errorf("migration.max_conns must be >= 0")
	}

	cfg.Server.Addr = strings.TrimSpace(cfg.Server.Addr)
	if cfg.Server.Addr == "" {
		return nil, fmt.Errorf("server.addr is required")
	}
	if cfg.Server.ShutdownTimeout.Duration <= 0 {
		return nil, fmt.Errorf("server.shutdown_timeout must be positive")
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	switch cfg.Log.Format {
	case "":
		cfg.Log.Format = "text"
	case "text", "json":
	default:
		return nil, fmt.Errorf("log.format must be one of: text, json")
	}

	return &cfg, nil
}

func defaultWorkers() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	if n > 8 {
		return 8
	}
	return n
}

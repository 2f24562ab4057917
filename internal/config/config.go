package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "strand.db"
	defaultQueueName  = "timerd"

	envListenAddr = "STRAND_LISTEN_ADDR"
	envDBPath     = "STRAND_DB_PATH"
	envLogLevel   = "STRAND_LOG_LEVEL"
	envQueueName  = "STRAND_QUEUE_NAME"
	envConfigFile = "STRAND_CONFIG"
)

// Config holds application configuration. Values come from defaults, then an
// optional YAML file named by STRAND_CONFIG, then environment variables, each
// layer overriding the one before it.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level
	QueueName  string
}

// fileConfig is the YAML shape of the optional config file. Empty fields
// leave the previous layer's value in place.
type fileConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   string `yaml:"log_level"`
	QueueName  string `yaml:"queue_name"`
}

// Load reads configuration with sensible defaults. It fails only when
// STRAND_CONFIG names a file that cannot be read or parsed.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		QueueName:  defaultQueueName,
	}

	if path := os.Getenv(envConfigFile); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envQueueName); v != "" {
		cfg.QueueName = v
	}

	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.ListenAddr != "" {
		cfg.ListenAddr = fc.ListenAddr
	}
	if fc.DBPath != "" {
		cfg.DBPath = fc.DBPath
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(fc.LogLevel)
	}
	if fc.QueueName != "" {
		cfg.QueueName = fc.QueueName
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}

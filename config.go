package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
	"gopkg.in/yaml.v3"
)

// Config is the server configuration. Values come from the built-in
// defaults, then the YAML file, then the environment.
type Config struct {
	Port       int    `yaml:"port" env:"ZAGREUS_PORT"`
	DataFolder string `yaml:"dataFolder" env:"ZAGREUS_DATA_FOLDER"`
	LogLevel   string `yaml:"logLevel" env:"ZAGREUS_LOG_LEVEL"`
	LogFormat  string `yaml:"logFormat" env:"ZAGREUS_LOG_FORMAT"`

	// RuntimeFile is the client runtime served at /static/zagreus-runtime.js.
	RuntimeFile string `yaml:"runtimeFile" env:"ZAGREUS_RUNTIME_FILE"`
	// SwaggerDocs is the folder served at /static/swagger-docs/.
	SwaggerDocs string `yaml:"swaggerDocs" env:"ZAGREUS_SWAGGER_DOCS"`

	// SendQueueLimit bounds a client's pending frames. 0 is unbounded.
	SendQueueLimit int           `yaml:"sendQueueLimit" env:"ZAGREUS_SEND_QUEUE_LIMIT"`
	PingPeriod     time.Duration `yaml:"pingPeriod" env:"ZAGREUS_PING_PERIOD"`
	PongWait       time.Duration `yaml:"pongWait" env:"ZAGREUS_PONG_WAIT"`
	WriteWait      time.Duration `yaml:"writeWait" env:"ZAGREUS_WRITE_WAIT"`
	WatchDebounce  time.Duration `yaml:"watchDebounce" env:"ZAGREUS_WATCH_DEBOUNCE"`

	// MaxUploadSize limits template and asset uploads in bytes.
	MaxUploadSize int64 `yaml:"maxUploadSize" env:"ZAGREUS_MAX_UPLOAD_SIZE"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Port:           58179,
		DataFolder:     "data",
		LogLevel:       "info",
		LogFormat:      "text",
		RuntimeFile:    "zagreus-runtime.js",
		SwaggerDocs:    "swagger-docs",
		SendQueueLimit: 0,
		PingPeriod:     30 * time.Second,
		PongWait:       60 * time.Second,
		WriteWait:      10 * time.Second,
		WatchDebounce:  200 * time.Millisecond,
		MaxUploadSize:  64 << 20,
	}
}

// LoadConfig reads the YAML file at path, if any, and applies environment
// overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			slog.Info("No configuration file found, using defaults", "path", path)
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.DataFolder == "" {
		return errors.New("data folder is required")
	}
	if c.SendQueueLimit < 0 {
		return fmt.Errorf("send queue limit must not be negative, got %d", c.SendQueueLimit)
	}
	if c.PingPeriod <= 0 || c.WriteWait <= 0 {
		return errors.New("ping period and write wait must be positive")
	}
	if c.PongWait <= c.PingPeriod {
		return fmt.Errorf("pong wait (%s) must be longer than ping period (%s)", c.PongWait, c.PingPeriod)
	}
	if c.MaxUploadSize <= 0 {
		return errors.New("max upload size must be positive")
	}
	return nil
}

// ServerOptions derives the websocket tuning from the configuration.
func (c *Config) ServerOptions() ServerOptions {
	return ServerOptions{
		QueueLimit: c.SendQueueLimit,
		PingPeriod: c.PingPeriod,
		PongWait:   c.PongWait,
		WriteWait:  c.WriteWait,
	}
}

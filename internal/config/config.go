// Package config loads engine configuration from defaults, an optional
// JSON/JSONC or YAML file, and environment variable overrides, in that order.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Identity   IdentityConfig   `json:"identity" yaml:"identity"`
	Hydration  HydrationConfig  `json:"hydration" yaml:"hydration"`
	Bus        BusConfig        `json:"bus" yaml:"bus"`
	Queue      QueueConfig      `json:"queue" yaml:"queue"`
	Conflict   ConflictConfig   `json:"conflict" yaml:"conflict"`
	Connection ConnectionConfig `json:"connection" yaml:"connection"`
	Server     ServerConfig     `json:"server" yaml:"server"`
	Log        LogConfig        `json:"log" yaml:"log"`
}

// IdentityConfig bounds the identity registry.
type IdentityConfig struct {
	MaxDepth     int      `json:"maxDepth" yaml:"maxDepth"`
	MaxInstances int      `json:"maxInstances" yaml:"maxInstances"`
	StaleAfter   Duration `json:"staleAfter" yaml:"staleAfter"`
	OrphanAfter  Duration `json:"orphanAfter" yaml:"orphanAfter"`
	SweepEvery   Duration `json:"sweepEvery" yaml:"sweepEvery"`
}

// HydrationConfig bounds snapshot sessions.
type HydrationConfig struct {
	MaxAge      Duration `json:"maxAge" yaml:"maxAge"`
	MaxAttempts int      `json:"maxAttempts" yaml:"maxAttempts"`
	// Secret keys the snapshot checksum. When empty a random key is
	// generated at engine init; snapshots then do not survive a restart.
	Secret     string   `json:"secret" yaml:"secret"`
	SweepEvery Duration `json:"sweepEvery" yaml:"sweepEvery"`
}

// BusConfig bounds event delivery.
type BusConfig struct {
	HistorySize    int      `json:"historySize" yaml:"historySize"`
	HandlerTimeout Duration `json:"handlerTimeout" yaml:"handlerTimeout"`
	DeliverEvery   Duration `json:"deliverEvery" yaml:"deliverEvery"`
	ChannelBuffer  int      `json:"channelBuffer" yaml:"channelBuffer"`
}

// QueueConfig bounds the offline action queue.
type QueueConfig struct {
	Capacity    int      `json:"capacity" yaml:"capacity"`
	Overflow    string   `json:"overflow" yaml:"overflow"`
	HistorySize int      `json:"historySize" yaml:"historySize"`
	MaxAttempts int      `json:"maxAttempts" yaml:"maxAttempts"`
	BackoffBase Duration `json:"backoffBase" yaml:"backoffBase"`
	Persist     bool     `json:"persist" yaml:"persist"`
	Dir         string   `json:"dir" yaml:"dir"`
}

// ConflictConfig tunes the resolver policy defaults.
type ConflictConfig struct {
	// AutoResolveSeverity is the highest severity three-way merge resolves
	// without user input: low, medium, high or critical.
	AutoResolveSeverity string   `json:"autoResolveSeverity" yaml:"autoResolveSeverity"`
	DecisionTimeout     Duration `json:"decisionTimeout" yaml:"decisionTimeout"`
}

// ConnectionConfig tunes the connection manager.
type ConnectionConfig struct {
	HeartbeatEvery   Duration `json:"heartbeatEvery" yaml:"heartbeatEvery"`
	ReconnectInitial Duration `json:"reconnectInitial" yaml:"reconnectInitial"`
	ReconnectMax     Duration `json:"reconnectMax" yaml:"reconnectMax"`
	ReconnectElapsed Duration `json:"reconnectElapsed" yaml:"reconnectElapsed"`
	OutboundBuffer   int      `json:"outboundBuffer" yaml:"outboundBuffer"`
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	Port       int  `json:"port" yaml:"port"`
	EnableCORS bool `json:"enableCors" yaml:"enableCors"`
}

// LogConfig tunes logging.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Pretty bool   `json:"pretty" yaml:"pretty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Identity: IdentityConfig{
			MaxDepth:     10,
			MaxInstances: 10000,
			StaleAfter:   Duration(10 * time.Minute),
			OrphanAfter:  Duration(30 * time.Minute),
			SweepEvery:   Duration(time.Minute),
		},
		Hydration: HydrationConfig{
			MaxAge:      Duration(30 * time.Minute),
			MaxAttempts: 3,
			SweepEvery:  Duration(time.Minute),
		},
		Bus: BusConfig{
			HistorySize:    500,
			HandlerTimeout: Duration(5 * time.Second),
			DeliverEvery:   Duration(50 * time.Millisecond),
			ChannelBuffer:  100,
		},
		Queue: QueueConfig{
			Capacity:    1000,
			Overflow:    "drop-oldest",
			HistorySize: 200,
			MaxAttempts: 3,
			BackoffBase: Duration(time.Second),
			Persist:     false,
			Dir:         "",
		},
		Conflict: ConflictConfig{
			AutoResolveSeverity: "medium",
			DecisionTimeout:     Duration(30 * time.Second),
		},
		Connection: ConnectionConfig{
			HeartbeatEvery:   Duration(30 * time.Second),
			ReconnectInitial: Duration(time.Second),
			ReconnectMax:     Duration(30 * time.Second),
			ReconnectElapsed: Duration(5 * time.Minute),
			OutboundBuffer:   256,
		},
		Server: ServerConfig{
			Port:       8080,
			EnableCORS: true,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: false,
		},
	}
}

// Load builds the configuration: defaults, then the file at path (when
// non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse yaml config %s: %w", path, err)
		}
	default:
		// Strip JSONC comments so commented config files work.
		data = jsonc.ToJSON(data)
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	return nil
}

// applyEnvOverrides applies LIVESYNC_* environment variables, the highest
// priority source.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LIVESYNC_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LIVESYNC_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LIVESYNC_LOG_PRETTY"); v != "" {
		cfg.Log.Pretty = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("LIVESYNC_SNAPSHOT_SECRET"); v != "" {
		cfg.Hydration.Secret = v
	}
	if v := os.Getenv("LIVESYNC_QUEUE_DIR"); v != "" {
		cfg.Queue.Dir = v
		cfg.Queue.Persist = true
	}
}

// Package config loads server and client settings: built-in defaults, then an
// optional TOML file, then WARDENCHAT_* environment overrides, then validation.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// ServerConfig configures cmd/server.
type ServerConfig struct {
	ListenAddress    string        `toml:"listen_address" env:"WARDENCHAT_LISTEN_ADDRESS" validate:"required,hostname_port"`
	MetricsAddress   string        `toml:"metrics_address" env:"WARDENCHAT_METRICS_ADDRESS" validate:"omitempty,hostname_port"`
	LogLevel         string        `toml:"log_level" env:"WARDENCHAT_LOG_LEVEL" validate:"oneof=debug info warn error"`
	HandshakeTimeout time.Duration `toml:"handshake_timeout" env:"WARDENCHAT_HANDSHAKE_TIMEOUT" validate:"gt=0"`
	OutboundQueue    int           `toml:"outbound_queue" env:"WARDENCHAT_OUTBOUND_QUEUE" validate:"min=1,max=65536"`
	EventBuffer      int           `toml:"event_buffer" env:"WARDENCHAT_EVENT_BUFFER" validate:"min=1,max=65536"`
	ArchivePath      string        `toml:"archive_path" env:"WARDENCHAT_ARCHIVE_PATH"`
}

// ClientConfig configures cmd/client.
type ClientConfig struct {
	ServerAddress string        `toml:"server_address" env:"WARDENCHAT_SERVER_ADDRESS" validate:"required"`
	ProxyAddress  string        `toml:"proxy_address" env:"WARDENCHAT_PROXY_ADDRESS"`
	DialTimeout   time.Duration `toml:"dial_timeout" env:"WARDENCHAT_DIAL_TIMEOUT" validate:"gt=0"`
	LogLevel      string        `toml:"log_level" env:"WARDENCHAT_LOG_LEVEL" validate:"oneof=debug info warn error"`
}

// DefaultServer returns the settings used when nothing overrides them.
func DefaultServer() *ServerConfig {
	return &ServerConfig{
		ListenAddress:    ":1234",
		LogLevel:         "info",
		HandshakeTimeout: 10 * time.Second,
		OutboundQueue:    64,
		EventBuffer:      128,
	}
}

// DefaultClient returns the settings used when nothing overrides them.
func DefaultClient() *ClientConfig {
	return &ClientConfig{
		ServerAddress: "localhost:1234",
		DialTimeout:   30 * time.Second,
		LogLevel:      "warn",
	}
}

// LoadServer builds a ServerConfig. path may be empty.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServer()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadClient builds a ClientConfig. path may be empty.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := DefaultClient()
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(path string, cfg any) error {
	if path != "" {
		md, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	if _, err := env.UnmarshalFromEnviron(cfg); err != nil {
		return fmt.Errorf("config: environment error: %w", err)
	}

	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: invalid settings: %w", err)
	}
	return nil
}

// Write stores cfg as TOML at path. An existing file is never overwritten.
func Write(path string, cfg any) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("config: %s already exists", path)
		}
		return fmt.Errorf("config: failed to create %s: %w", path, err)
	}

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		f.Close()
		return fmt.Errorf("config: failed to encode %s: %w", path, err)
	}
	return f.Close()
}

// Level maps a validated log level name to its slog.Level.
func Level(name string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(name)); err != nil {
		return slog.LevelInfo
	}
	return level
}

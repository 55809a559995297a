// Package config loads and validates the daemon configuration
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dobrevit/zta-core/pkg/authz"
	"github.com/dobrevit/zta-core/pkg/device"
	"github.com/dobrevit/zta-core/pkg/risk"
	"github.com/dobrevit/zta-core/pkg/scheduler"
	"github.com/dobrevit/zta-core/pkg/segment"
	"github.com/dobrevit/zta-core/pkg/session"
	"github.com/dobrevit/zta-core/pkg/storage"
)

// ServerConfig holds the HTTP server settings
type ServerConfig struct {
	Bind         string        `toml:"bind"`
	ReadTimeout  time.Duration `toml:"readTimeout"`
	WriteTimeout time.Duration `toml:"writeTimeout"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // "json" or "text"
}

// AuditConfig holds audit pipeline settings
type AuditConfig struct {
	QueueSize  int    `toml:"queueSize"`
	FilePath   string `toml:"filePath"` // empty disables the file sink
	BufferSize int    `toml:"bufferSize"`
}

// GeoIPConfig holds the optional GeoIP database settings
type GeoIPConfig struct {
	DatabasePath     string   `toml:"databasePath"`
	AllowedCountries []string `toml:"allowedCountries"`
}

// Settings is the full daemon configuration
type Settings struct {
	Server       ServerConfig     `toml:"server"`
	Logging      LoggingConfig    `toml:"logging"`
	Session      session.Config   `toml:"session"`
	Device       device.Config    `toml:"device"`
	Risk         risk.Config      `toml:"risk"`
	Authz        authz.Config     `toml:"authz"`
	Segmentation segment.Config   `toml:"segmentation"`
	Scheduler    scheduler.Config `toml:"scheduler"`
	Storage      storage.Config   `toml:"storage"`
	Audit        AuditConfig      `toml:"audit"`
	GeoIP        GeoIPConfig      `toml:"geoip"`
}

// Default returns the configuration used when no file is given
func Default() *Settings {
	return &Settings{
		Server: ServerConfig{
			Bind:         ":8443",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Session:      session.DefaultConfig(),
		Device:       device.DefaultConfig(),
		Risk:         risk.DefaultConfig(),
		Authz:        authz.DefaultConfig(),
		Segmentation: segment.DefaultConfig(),
		Scheduler:    scheduler.DefaultConfig(),
		Storage:      storage.DefaultConfig(),
		Audit: AuditConfig{
			QueueSize:  1024,
			BufferSize: 100,
		},
	}
}

// Load reads a TOML configuration file, applying defaults for any
// omitted section
func Load(path string) (*Settings, error) {
	settings := Default()
	if path == "" {
		return settings, nil
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file not accessible: %w", err)
	}
	if _, err := toml.DecodeFile(path, settings); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	return settings, nil
}

// Validate rejects configurations that would weaken the security
// posture in non-obvious ways
func (s *Settings) Validate() error {
	if s.Server.Bind == "" {
		return fmt.Errorf("server.bind is required")
	}
	if s.Session.TimeoutMinutes < 0 {
		return fmt.Errorf("session.timeoutMinutes must not be negative")
	}
	if t := s.Risk.Thresholds; t != (risk.Thresholds{}) {
		if !(t.Low < t.Medium && t.Medium < t.High) {
			return fmt.Errorf("risk.thresholds must be strictly increasing")
		}
	}
	if t := s.Device.Thresholds; t != (device.Thresholds{}) {
		if !(t.Low < t.Medium && t.Medium < t.High) {
			return fmt.Errorf("device.thresholds must be strictly increasing")
		}
	}
	switch s.Storage.Type {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("storage.type must be memory or redis, got %q", s.Storage.Type)
	}
	return nil
}

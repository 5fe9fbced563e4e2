// Package config loads and validates ctmprelay configuration.
//
// A Config starts from Defaults, may be overlaid by a YAML or TOML file,
// and is validated once before the server starts. After that it is treated
// as immutable.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/philsphicas/ctmprelay/internal/pool"
	"github.com/philsphicas/ctmprelay/internal/protocol"
	"github.com/philsphicas/ctmprelay/internal/relay"
	"github.com/philsphicas/ctmprelay/internal/stream"
)

const (
	DefaultSourceAddr = ":33333"
	DefaultDestAddr   = ":44444"
)

// Config is the full relay configuration.
type Config struct {
	Listen  ListenConfig  `yaml:"listen" toml:"listen"`
	Limits  LimitsConfig  `yaml:"limits" toml:"limits"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`
}

// ListenConfig holds the listen addresses.
type ListenConfig struct {
	Source string `yaml:"source" toml:"source"`
	Dest   string `yaml:"dest" toml:"dest"`
	// DestWS enables the WebSocket destination endpoint when non-empty.
	DestWS string `yaml:"dest_ws" toml:"dest_ws"`
}

// LimitsConfig holds the tunable limits.
type LimitsConfig struct {
	MaxPayload     int      `yaml:"max_payload" toml:"max_payload"`
	MaxResyncBytes int      `yaml:"max_resync_bytes" toml:"max_resync_bytes"`
	WriteTimeout   Duration `yaml:"write_timeout" toml:"write_timeout"`
	QueueDepth     int      `yaml:"queue_depth" toml:"queue_depth"`
	PoolSize       int      `yaml:"pool_size" toml:"pool_size"`
	QueueWait      Duration `yaml:"queue_wait" toml:"queue_wait"`
	TCPKeepAlive   Duration `yaml:"tcp_keepalive" toml:"tcp_keepalive"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is non-empty.
type MetricsConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Listen: ListenConfig{
			Source: DefaultSourceAddr,
			Dest:   DefaultDestAddr,
		},
		Limits: LimitsConfig{
			MaxPayload:     protocol.MaxPayloadLen,
			MaxResyncBytes: stream.DefaultMaxResyncBytes,
			WriteTimeout:   Duration(relay.DefaultWriteTimeout),
			QueueDepth:     relay.DefaultQueueDepth,
			PoolSize:       pool.DefaultSize,
			QueueWait:      Duration(pool.DefaultQueueWait),
			TCPKeepAlive:   Duration(30 * time.Second),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path on top of Defaults. The format is chosen by extension:
// .yaml/.yml or .toml.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("config parse failed (%s): %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("config parse failed (%s): unknown key %q", path, undecoded[0].String())
		}
	default:
		return Config{}, fmt.Errorf("config load failed (%s): unsupported extension %q", path, ext)
	}
	return cfg, nil
}

// ephemeralPort reports whether addr asks the OS to pick a port, in which
// case two listeners on the same address never collide.
func ephemeralPort(addr string) bool {
	_, port, err := net.SplitHostPort(addr)
	return err == nil && port == "0"
}

// Validate checks that every field is usable.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen.Source) == "" {
		return fmt.Errorf("listen.source is required")
	}
	if strings.TrimSpace(c.Listen.Dest) == "" {
		return fmt.Errorf("listen.dest is required")
	}
	if c.Listen.Source == c.Listen.Dest && !ephemeralPort(c.Listen.Source) {
		return fmt.Errorf("listen.source and listen.dest must differ (both %q)", c.Listen.Source)
	}
	l := c.Limits
	if l.MaxPayload < 1 || l.MaxPayload > protocol.MaxPayloadLen {
		return fmt.Errorf("limits.max_payload must be in [1, %d], got %d", protocol.MaxPayloadLen, l.MaxPayload)
	}
	if l.MaxResyncBytes < 1 {
		return fmt.Errorf("limits.max_resync_bytes must be > 0, got %d", l.MaxResyncBytes)
	}
	if l.WriteTimeout <= 0 {
		return fmt.Errorf("limits.write_timeout must be > 0, got %s", l.WriteTimeout)
	}
	if l.QueueDepth < 1 {
		return fmt.Errorf("limits.queue_depth must be > 0, got %d", l.QueueDepth)
	}
	if l.PoolSize < 2 {
		return fmt.Errorf("limits.pool_size must be >= 2, got %d", l.PoolSize)
	}
	if l.QueueWait < 0 {
		return fmt.Errorf("limits.queue_wait must be >= 0, got %s", l.QueueWait)
	}
	if l.TCPKeepAlive < 0 {
		return fmt.Errorf("limits.tcp_keepalive must be >= 0, got %s", l.TCPKeepAlive)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}
	return nil
}

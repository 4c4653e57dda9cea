package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/ymsgd/internal/protocol/session"
)

// Config is the ymsgd runtime configuration.
type Config struct {
	Node          string
	ListenAddr    string
	AdminAddr     string
	CorsOrigins   []string
	AuditInterval time.Duration
	Session       session.Config
}

func DefaultConfig() Config {
	return Config{
		Node:          "ymsgd",
		ListenAddr:    ":5050",
		AdminAddr:     "127.0.0.1:9050",
		CorsOrigins:   []string{"http://localhost:3000"},
		AuditInterval: 30 * time.Second,
		Session:       session.DefaultConfig(),
	}
}

// config.toml key mapping.
type fileConfig struct {
	Node             string   `toml:"node"`
	ListenAddr       string   `toml:"listen_addr"`
	AdminAddr        string   `toml:"admin_addr"`
	CorsOrigins      []string `toml:"cors_origins"`
	AuditInterval    string   `toml:"audit_interval"`
	ReadTimeout      string   `toml:"read_timeout"`
	WriteTimeout     string   `toml:"write_timeout"`
	ReadBufferBytes  int      `toml:"read_buffer_bytes"`
	MaxPacketBytes   int      `toml:"max_packet_bytes"`
	MaxBufferedBytes int      `toml:"max_buffered_bytes"`
}

// Load decodes path and overlays every defined key onto DefaultConfig.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("node") {
		cfg.Node = strings.TrimSpace(raw.Node)
	}
	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}
	if meta.IsDefined("admin_addr") {
		cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = trimAll(raw.CorsOrigins)
	}
	if meta.IsDefined("audit_interval") {
		if cfg.AuditInterval, err = parseDuration("audit_interval", raw.AuditInterval); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("read_timeout") {
		if cfg.Session.ReadTimeout, err = parseDuration("read_timeout", raw.ReadTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("write_timeout") {
		if cfg.Session.WriteTimeout, err = parseDuration("write_timeout", raw.WriteTimeout); err != nil {
			return Config{}, err
		}
	}
	if meta.IsDefined("read_buffer_bytes") {
		cfg.Session.ReadBufferBytes = raw.ReadBufferBytes
	}
	if meta.IsDefined("max_packet_bytes") {
		cfg.Session.Limits.MaxPacketBytes = raw.MaxPacketBytes
	}
	if meta.IsDefined("max_buffered_bytes") {
		cfg.Session.Limits.MaxBufferedBytes = raw.MaxBufferedBytes
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Node) == "" {
		return fmt.Errorf("node is required")
	}
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.AdminAddr != "" && c.AdminAddr == c.ListenAddr {
		return fmt.Errorf("admin_addr must differ from listen_addr")
	}
	if c.AuditInterval <= 0 {
		return fmt.Errorf("audit_interval must be positive")
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}
	return nil
}

func parseDuration(key, raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("load config: %s: %w", key, err)
	}
	return d, nil
}

func trimAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

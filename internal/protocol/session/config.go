package session

import (
	"fmt"
	"time"

	"github.com/danmuck/ymsgd/internal/protocol"
)

// Config defines per-connection transport and buffering defaults.
type Config struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ReadBufferBytes int
	Limits          protocol.Limits
}

func DefaultConfig() Config {
	return Config{
		ReadTimeout:     5 * time.Minute,
		WriteTimeout:    15 * time.Second,
		ReadBufferBytes: 4096,
		Limits:          protocol.DefaultLimits(),
	}
}

// WithDefaults fills zero-valued fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = def.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.ReadBufferBytes <= 0 {
		c.ReadBufferBytes = def.ReadBufferBytes
	}
	if c.Limits.MaxPacketBytes <= 0 {
		c.Limits.MaxPacketBytes = def.Limits.MaxPacketBytes
	}
	if c.Limits.MaxBufferedBytes <= 0 {
		c.Limits.MaxBufferedBytes = def.Limits.MaxBufferedBytes
	}
	return c
}

func (c Config) Validate() error {
	if c.ReadTimeout <= 0 {
		return fmt.Errorf("session: read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("session: write timeout must be positive")
	}
	if c.ReadBufferBytes <= 0 {
		return fmt.Errorf("session: read buffer must be positive")
	}
	if c.Limits.MaxPacketBytes <= 0 {
		return fmt.Errorf("session: max packet bytes must be positive")
	}
	// A partial packet plus one full read must fit, or legal traffic trips
	// the bound.
	if need := c.Limits.MaxPacketBytes + c.ReadBufferBytes; c.Limits.MaxBufferedBytes < need {
		return fmt.Errorf(
			"session: max buffered bytes %d below max packet bytes %d plus read buffer %d",
			c.Limits.MaxBufferedBytes,
			c.Limits.MaxPacketBytes,
			c.ReadBufferBytes,
		)
	}
	return nil
}

// Package client is a minimal YMSG peer used to probe a running gateway.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/danmuck/ymsgd/internal/logging"
	"github.com/danmuck/ymsgd/internal/protocol"
	"github.com/danmuck/ymsgd/internal/protocol/schema"
	"github.com/danmuck/ymsgd/internal/protocol/session"
	"github.com/rs/zerolog"
)

var (
	ErrAddressRequired = errors.New("client: address required")
	ErrNoReply         = errors.New("client: no reply")
)

type Config struct {
	Address            string
	ConnectTimeout     time.Duration
	ReplyTimeout       time.Duration
	MaxConnectAttempts int
	Backoff            BackoffConfig
	Session            session.Config
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     5 * time.Second,
		ReplyTimeout:       5 * time.Second,
		MaxConnectAttempts: 3,
		Backoff:            DefaultBackoff(),
		Session:            session.DefaultConfig(),
	}
}

// Result describes one answered request.
type Result struct {
	Service uint16
	Reply   protocol.Packet
	RTT     time.Duration
}

type Prober struct {
	cfg    Config
	rng    *rand.Rand
	logger zerolog.Logger
}

func NewProber(cfg Config) (*Prober, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrAddressRequired
	}
	def := DefaultConfig()
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = def.ReplyTimeout
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Prober{
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		logger: logging.Component("client"),
	}, nil
}

// Probe connects, sends VERIFY then PING carrying sessionID, and returns
// both replies in order.
func (p *Prober) Probe(ctx context.Context, sessionID uint32) ([]Result, error) {
	conn, err := p.connect(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	replies := make(chan protocol.Packet, 4)
	capture := session.HandlerFunc(func(_ context.Context, _ *session.Controller, pkt protocol.Packet) error {
		select {
		case replies <- pkt:
		default:
		}
		return nil
	})
	reg := session.NewRegistry()
	for _, code := range []uint16{schema.ServiceVerify, schema.ServicePing, schema.ServiceLogoff} {
		if err := reg.Register(code, capture); err != nil {
			return nil, err
		}
	}
	ctrl := session.NewController(reg, nil,
		session.WithLimits(p.cfg.Session.Limits),
		session.WithLogger(p.logger),
		session.WithContext(ctx),
	)
	defer ctrl.Close()
	if err := ctrl.Attach(&conn.transport); err != nil {
		return nil, err
	}

	readErr := make(chan error, 1)
	go func() {
		readErr <- conn.pump(ctrl, p.cfg.Session.ReadBufferBytes)
	}()

	ping := protocol.Packet{Service: schema.ServicePing, SessionID: sessionID}
	ping.Fields.Add(schema.FieldMessage, "probe")
	requests := []protocol.Packet{
		{Service: schema.ServiceVerify, SessionID: sessionID},
		ping,
	}

	results := make([]Result, 0, len(requests))
	for _, req := range requests {
		start := time.Now()
		if err := ctrl.SendReply(req); err != nil {
			return results, fmt.Errorf("client: send %s: %w", schema.ServiceName(req.Service), err)
		}
		reply, err := p.await(ctx, replies, readErr, req.Service)
		if err != nil {
			return results, err
		}
		results = append(results, Result{Service: req.Service, Reply: reply, RTT: time.Since(start)})
	}
	return results, nil
}

func (p *Prober) await(ctx context.Context, replies <-chan protocol.Packet, readErr <-chan error, service uint16) (protocol.Packet, error) {
	timer := time.NewTimer(p.cfg.ReplyTimeout)
	defer timer.Stop()
	for {
		select {
		case reply := <-replies:
			if reply.Service == service {
				return reply, nil
			}
			p.logger.Debug().Str("service", schema.ServiceName(reply.Service)).Msg("client_unexpected_reply")
		case err := <-readErr:
			if err == nil {
				err = net.ErrClosed
			}
			return protocol.Packet{}, fmt.Errorf("%w for %s: %w", ErrNoReply, schema.ServiceName(service), err)
		case <-timer.C:
			return protocol.Packet{}, fmt.Errorf("%w for %s: timeout", ErrNoReply, schema.ServiceName(service))
		case <-ctx.Done():
			return protocol.Packet{}, ctx.Err()
		}
	}
}

func (p *Prober) connect(ctx context.Context) (*probeConn, error) {
	var attempt int
	for {
		attempt++
		dialer := net.Dialer{Timeout: p.cfg.ConnectTimeout}
		conn, err := dialer.DialContext(ctx, "tcp", p.cfg.Address)
		if err == nil {
			return &probeConn{transport: connTransport{conn: conn, timeout: p.cfg.Session.WriteTimeout}}, nil
		}
		p.logger.Warn().Int("attempt", attempt).Str("addr", p.cfg.Address).Err(err).Msg("client_dial_failed")
		if !p.shouldRetry(attempt) {
			return nil, err
		}
		if err := p.sleepBackoff(ctx, attempt); err != nil {
			return nil, err
		}
	}
}

func (p *Prober) shouldRetry(attempt int) bool {
	if p.cfg.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < p.cfg.MaxConnectAttempts
}

func (p *Prober) sleepBackoff(ctx context.Context, attempt int) error {
	delay := NextBackoffDelay(p.cfg.Backoff, attempt, p.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type probeConn struct {
	transport connTransport
}

// pump feeds socket reads to ctrl until the connection ends.
func (c *probeConn) pump(ctrl *session.Controller, bufSize int) error {
	buf := make([]byte, bufSize)
	peer := c.transport.PeerAddress()
	for {
		n, err := c.transport.conn.Read(buf)
		if n > 0 {
			if derr := ctrl.DataReceived(peer, buf[:n]); derr != nil {
				return derr
			}
		}
		if err != nil {
			return err
		}
	}
}

func (c *probeConn) Close() error {
	return c.transport.conn.Close()
}

type connTransport struct {
	conn    net.Conn
	timeout time.Duration
}

func (t *connTransport) Write(b []byte) (int, error) {
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.timeout))
	return t.conn.Write(b)
}

func (t *connTransport) PeerAddress() string {
	return t.conn.RemoteAddr().String()
}

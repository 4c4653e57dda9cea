// Package server runs the ymsgd gateway: the YMSG TCP accept loop, one
// session controller per connection, and the admin HTTP surface.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/ymsgd/internal/config"
	"github.com/danmuck/ymsgd/internal/events"
	"github.com/danmuck/ymsgd/internal/ids"
	"github.com/danmuck/ymsgd/internal/logging"
	"github.com/danmuck/ymsgd/internal/observability"
	"github.com/danmuck/ymsgd/internal/presence"
	"github.com/danmuck/ymsgd/internal/protocol"
	"github.com/danmuck/ymsgd/internal/protocol/session"
	"github.com/danmuck/ymsgd/internal/ymsg"
	"github.com/rs/zerolog"
)

var Version = "0.1.0"

// Dependencies are the collaborators shared by every connection. Zero values
// are replaced with the baseline YMSG flavor, a fresh presence table and no
// event bus.
type Dependencies struct {
	Registry  *session.Registry
	CloseHook session.CloseHook
	Bus       *events.Bus
	Presence  *presence.Table
}

type trackedConn struct {
	conn net.Conn
	ctrl *session.Controller
}

// Service is the gateway runtime.
type Service struct {
	cfg     config.Config
	deps    Dependencies
	logger  zerolog.Logger
	started time.Time

	connsMu sync.Mutex
	conns   map[string]trackedConn
	closing bool
	wg      sync.WaitGroup

	activeClients atomic.Int64
	ready         atomic.Bool
}

func NewService(cfg config.Config, deps Dependencies) (*Service, error) {
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		cfg.ListenAddr = config.DefaultConfig().ListenAddr
	}
	if cfg.AuditInterval <= 0 {
		cfg.AuditInterval = config.DefaultConfig().AuditInterval
	}
	cfg.Session = cfg.Session.WithDefaults()
	if deps.Registry == nil {
		reg, err := ymsg.NewRegistry()
		if err != nil {
			return nil, err
		}
		deps.Registry = reg
	}
	if deps.CloseHook == nil {
		deps.CloseHook = ymsg.CloseHook(deps.Bus)
	}
	if deps.Presence == nil {
		deps.Presence = presence.NewTable()
	}
	return &Service{
		cfg:     cfg,
		deps:    deps,
		logger:  logging.Component("server"),
		started: time.Now(),
		conns:   make(map[string]trackedConn),
	}, nil
}

func (s *Service) Presence() *presence.Table {
	return s.deps.Presence
}

// Run listens on the configured address, serves the admin surface when one
// is configured, and blocks until ctx is done or a listener fails.
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("ymsg_listening")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.runAudit(ctx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.Serve(ctx, ln)
	}()

	var admin *http.Server
	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminAddr); addr != "" {
		admin = &http.Server{
			Addr:              addr,
			Handler:           s.AdminHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			s.logger.Info().Str("addr", addr).Msg("admin_listening")
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				adminErr <- err
			}
		}()
	}

	var runErr error
	select {
	case runErr = <-serveErr:
	case runErr = <-adminErr:
		cancel()
		<-serveErr
	}
	if admin != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := admin.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("admin_shutdown_failed")
		}
	}
	return runErr
}

// Serve accepts YMSG connections on ln until ctx is done. It returns after
// every connection handler has finished.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	stop := context.AfterFunc(ctx, func() {
		s.closeAllConns()
		_ = ln.Close()
	})
	defer stop()

	s.connsMu.Lock()
	s.closing = false
	s.connsMu.Unlock()
	s.ready.Store(true)
	defer s.ready.Store(false)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			s.closeAllConns()
			s.wg.Wait()
			return err
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Service) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	connID := ids.New()
	remote := conn.RemoteAddr().String()
	logger := s.logger.With().Str("conn_id", connID).Str("peer", remote).Logger()

	ctrl := session.NewController(
		s.deps.Registry,
		s.deps.CloseHook,
		session.WithConnID(connID),
		session.WithLimits(s.cfg.Session.Limits),
		session.WithContext(ctx),
		session.WithLogger(s.logger),
		session.WithCloseCallback(func() {
			s.deps.Presence.Remove(connID)
			s.publish(events.Event{Type: events.TypeSessionClosed, ConnID: connID, Peer: remote})
		}),
		session.WithDiagnostics(func(d session.Diagnostic) {
			s.publish(events.Event{
				Type:   events.TypeDiagnostic,
				ConnID: connID,
				Peer:   remote,
				Detail: protocol.KindLabel(d.Err),
			})
		}),
	)
	if !s.trackConn(connID, conn, ctrl) {
		return
	}
	defer s.untrackConn(connID)
	defer ctrl.Close()

	s.deps.Presence.Add(connID, remote)
	s.publish(events.Event{Type: events.TypeSessionOpened, ConnID: connID, Peer: remote})

	observability.ConnectionOpened()
	active := s.activeClients.Add(1)
	logger.Info().Int64("active_clients", active).Msg("ymsg_client_connected")
	defer func() {
		observability.ConnectionClosed()
		remaining := s.activeClients.Add(-1)
		logger.Info().Int64("active_clients", remaining).Msg("ymsg_client_disconnected")
	}()

	if err := ctrl.Attach(&connTransport{conn: conn, timeout: s.cfg.Session.WriteTimeout}); err != nil {
		logger.Warn().Err(err).Msg("ymsg_attach_failed")
		return
	}

	buf := make([]byte, s.cfg.Session.ReadBufferBytes)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Session.ReadTimeout))
		// Checked after arming the deadline so a concurrent stopConn cannot
		// be overwritten.
		if ctrl.IsClosed() {
			return
		}
		n, err := conn.Read(buf)
		if n > 0 {
			s.deps.Presence.Touch(connID)
			if derr := ctrl.DataReceived(remote, buf[:n]); derr != nil {
				logger.Warn().Err(derr).Msg("ymsg_conn_dropped")
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug().Err(err).Msg("ymsg_read_ended")
			}
			return
		}
	}
}

func (s *Service) publish(ev events.Event) {
	if err := s.deps.Bus.Publish(ev); err != nil {
		s.logger.Warn().Err(err).Str("type", ev.Type).Msg("session_event_publish_failed")
	}
}

// Kick closes one connection by id. It reports false for unknown ids.
func (s *Service) Kick(connID string) bool {
	s.connsMu.Lock()
	tc, ok := s.conns[connID]
	s.connsMu.Unlock()
	if !ok {
		return false
	}
	stopConn(tc)
	return true
}

// stopConn closes the session and wakes its reader. The socket itself is
// closed by handleConn once any in-flight handler and the close hook finish.
func stopConn(tc trackedConn) {
	tc.ctrl.Close()
	_ = tc.conn.SetReadDeadline(time.Now())
}

// trackConn registers a connection for coordinated shutdown. It refuses new
// connections once shutdown has begun.
func (s *Service) trackConn(connID string, conn net.Conn, ctrl *session.Controller) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.closing {
		return false
	}
	s.conns[connID] = trackedConn{conn: conn, ctrl: ctrl}
	return true
}

func (s *Service) untrackConn(connID string) {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	delete(s.conns, connID)
}

// closeAllConns runs every session's close path, which lets the flavor log
// the peer off, then wakes each reader so its socket is dropped.
func (s *Service) closeAllConns() {
	s.connsMu.Lock()
	s.closing = true
	tracked := make([]trackedConn, 0, len(s.conns))
	for id, tc := range s.conns {
		tracked = append(tracked, tc)
		delete(s.conns, id)
	}
	s.connsMu.Unlock()

	for _, tc := range tracked {
		stopConn(tc)
	}
}

func (s *Service) runAudit(ctx context.Context) {
	var evs <-chan events.Event
	if s.deps.Bus != nil {
		ch, err := s.deps.Bus.Subscribe(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("audit_subscribe_failed")
		} else {
			evs = ch
		}
	}
	ticker := time.NewTicker(s.cfg.AuditInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-evs:
			if !ok {
				evs = nil
				continue
			}
			s.auditEvent(ev)
		case now := <-ticker.C:
			idle := s.deps.Presence.Idle(now.Add(-s.cfg.Session.ReadTimeout))
			s.logger.Info().
				Int("sessions", s.deps.Presence.Len()).
				Int("idle", len(idle)).
				Msg("presence_audit")
		}
	}
}

func (s *Service) auditEvent(ev events.Event) {
	entry := s.logger.Info().
		Str("type", ev.Type).
		Str("conn_id", ev.ConnID).
		Str("peer", ev.Peer).
		Str("detail", ev.Detail)
	if lifetime, ok := sessionLifetime(ev); ok {
		entry = entry.Dur("lifetime", lifetime)
	}
	entry.Msg("session_event")
}

// sessionLifetime derives how long a closed session lived from the time
// encoded in its connection id. Presence has already dropped the session by
// the time its closed event arrives.
func sessionLifetime(ev events.Event) (time.Duration, bool) {
	if ev.Type != events.TypeSessionClosed || ev.At.IsZero() {
		return 0, false
	}
	opened, err := ids.Time(ev.ConnID)
	if err != nil {
		return 0, false
	}
	return max(ev.At.Sub(opened), 0), true
}

// connTransport writes replies with a per-write deadline.
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

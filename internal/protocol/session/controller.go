package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/ymsgd/internal/logging"
	"github.com/danmuck/ymsgd/internal/observability"
	"github.com/danmuck/ymsgd/internal/protocol"
	"github.com/danmuck/ymsgd/internal/protocol/schema"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/danmuck/ymsgd/internal/protocol/session"

// Transport carries encoded replies to the peer.
type Transport interface {
	Write(b []byte) (int, error)
	PeerAddress() string
}

// CloseHook is the protocol flavor's closing action. It runs once, after the
// controller is marked closed, so no further packet will be dispatched.
type CloseHook func(c *Controller)

// Diagnostic records one contained failure on a connection.
type Diagnostic struct {
	// Kind is one of the protocol error sentinels.
	Kind    error
	Service uint16
	Err     error
}

type Option func(*Controller)

func WithConnID(id string) Option {
	return func(c *Controller) { c.id = id }
}

// WithCloseCallback registers a notification for session-tracking
// collaborators. It runs before the close hook.
func WithCloseCallback(fn func()) Option {
	return func(c *Controller) { c.onClose = fn }
}

func WithLimits(l protocol.Limits) Option {
	return func(c *Controller) { c.limits = l }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

func WithDiagnostics(fn func(Diagnostic)) Option {
	return func(c *Controller) { c.onDiag = fn }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(c *Controller) { c.tracer = tracer }
}

// WithContext sets the parent context handed to handlers.
func WithContext(ctx context.Context) Option {
	return func(c *Controller) { c.ctx = ctx }
}

// Controller orchestrates one connection. DataReceived must be driven by a
// single goroutine; Close, SendReply and the accessors are safe to call from
// any goroutine.
//
// Close during a dispatch marks the controller closed at once, but the close
// callback and hook run on the dispatching goroutine after the handler
// returns, so they never overlap a handler.
type Controller struct {
	id       string
	registry *Registry
	hook     CloseHook
	onClose  func()
	onDiag   func(Diagnostic)
	limits   protocol.Limits
	logger   zerolog.Logger
	tracer   trace.Tracer
	ctx      context.Context

	dec *protocol.Decoder

	mu        sync.Mutex
	enc       *protocol.Encoder
	transport Transport
	peer      string
	closed    bool
	// dispatching is set while a handler runs; closePending records a Close
	// that arrived meanwhile.
	dispatching  bool
	closePending bool
	values       map[string]string
}

func NewController(registry *Registry, hook CloseHook, opts ...Option) *Controller {
	c := &Controller{
		registry: registry,
		hook:     hook,
		limits:   protocol.DefaultLimits(),
		logger:   logging.Component("session"),
		tracer:   otel.Tracer(tracerName),
		ctx:      context.Background(),
		enc:      protocol.NewEncoder(),
		values:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.dec = protocol.NewDecoder(c.limits)
	c.logger = c.logger.With().Str("conn_id", c.id).Logger()
	return c
}

func (c *Controller) ID() string {
	return c.id
}

func (c *Controller) Peer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

func (c *Controller) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetValue stores per-session metadata for handlers and hooks.
func (c *Controller) SetValue(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

func (c *Controller) Value(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	return v, ok
}

// Attach connects a live transport and flushes any pending output to it.
func (c *Controller) Attach(t Transport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = t
	if t == nil {
		return nil
	}
	if addr := t.PeerAddress(); addr != "" {
		c.peer = addr
	}
	return c.flushLocked()
}

// Detach drops the transport; later replies stay pending until Flush or
// the next Attach.
func (c *Controller) Detach() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transport = nil
}

// DataReceived feeds bytes read from peer and dispatches every packet that is
// now complete, in stream order. Unparsed bytes above MaxBufferedBytes right
// after the feed are a framing error and nothing from data is dispatched. A non-nil error wraps protocol.ErrFraming
// or protocol.ErrClosed; in both cases the controller is closed and the
// transport should drop the socket.
func (c *Controller) DataReceived(peer string, data []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.ErrClosed
	}
	if peer != "" {
		c.peer = peer
	}
	c.mu.Unlock()

	observability.RecordBytesIn(len(data))
	c.dec.Feed(data)
	if limit := c.limits.MaxBufferedBytes; limit > 0 && c.dec.Buffered() > limit {
		err := fmt.Errorf(
			"%w: %d buffered bytes exceed limit %d",
			protocol.ErrFraming,
			c.dec.Buffered(),
			limit,
		)
		c.report(Diagnostic{Kind: protocol.ErrFraming, Err: err})
		c.Close()
		return err
	}

	for p, err := range c.dec.Drain() {
		if c.IsClosed() {
			return nil
		}
		if err != nil {
			c.report(Diagnostic{Kind: protocol.Kind(err), Service: p.Service, Err: err})
			if errors.Is(err, protocol.ErrFraming) {
				c.Close()
				return err
			}
			continue
		}
		if !c.beginDispatch() {
			return nil
		}
		c.runDispatch(p)
	}
	return nil
}

// beginDispatch claims the dispatch slot unless the controller is closed.
func (c *Controller) beginDispatch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.dispatching = true
	return true
}

func (c *Controller) runDispatch(p protocol.Packet) {
	defer c.endDispatch()
	c.dispatch(p)
}

// endDispatch releases the dispatch slot and runs a close that was requested
// while the handler ran.
func (c *Controller) endDispatch() {
	c.mu.Lock()
	c.dispatching = false
	pending := c.closePending
	c.closePending = false
	c.mu.Unlock()
	if pending {
		c.runCloseActions()
	}
}

func (c *Controller) dispatch(p protocol.Packet) {
	label := schema.ServiceLabel(p.Service)
	observability.RecordPacketDecoded(label)

	h, ok := c.registry.Lookup(p.Service)
	if !ok {
		observability.RecordDispatch(label, observability.OutcomeUnknown, 0)
		c.report(Diagnostic{
			Kind:    protocol.ErrUnknownService,
			Service: p.Service,
			Err:     fmt.Errorf("%w: %s", protocol.ErrUnknownService, schema.ServiceName(p.Service)),
		})
		return
	}

	ctx, span := c.tracer.Start(c.ctx, "ymsg.dispatch", trace.WithAttributes(
		attribute.String("ymsg.conn_id", c.id),
		attribute.String("ymsg.service", schema.ServiceName(p.Service)),
		attribute.Int64("ymsg.session_id", int64(p.SessionID)),
	))
	defer span.End()

	start := time.Now()
	err := c.invoke(ctx, h, p)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordDispatch(label, observability.OutcomeFailed, time.Since(start))
		c.report(Diagnostic{Kind: protocol.ErrHandlerFailure, Service: p.Service, Err: err})
		return
	}
	observability.RecordDispatch(label, observability.OutcomeOK, time.Since(start))
}

func (c *Controller) invoke(ctx context.Context, h Handler, p protocol.Packet) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", protocol.ErrHandlerFailure, r)
		}
	}()
	if herr := h.ServeYMSG(ctx, c, p); herr != nil {
		return fmt.Errorf("%w: %w", protocol.ErrHandlerFailure, herr)
	}
	return nil
}

func (c *Controller) report(d Diagnostic) {
	kind := protocol.KindLabel(d.Err)
	observability.RecordDiagnostic(kind)

	event := c.logger.Warn()
	if errors.Is(d.Err, protocol.ErrFraming) {
		event = c.logger.Error()
	}
	event.
		Str("peer", c.Peer()).
		Str("kind", kind).
		Str("service", schema.ServiceName(d.Service)).
		Err(d.Err).
		Msg("ymsg_diagnostic")

	if c.onDiag != nil {
		c.onDiag(d)
	}
}

// SendReply encodes p after any pending output and, when a transport is
// attached, writes everything pending. Replies are allowed after Close so the
// close hook can notify the peer.
func (c *Controller) SendReply(p protocol.Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.enc.Write(p); err != nil {
		return err
	}
	if c.transport == nil {
		return nil
	}
	return c.flushLocked()
}

// Flush returns and clears pending output.
func (c *Controller) Flush() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enc.Flush()
}

func (c *Controller) flushLocked() error {
	b := c.enc.Flush()
	if len(b) == 0 {
		return nil
	}
	n, err := c.transport.Write(b)
	observability.RecordBytesOut(n)
	if err != nil {
		return fmt.Errorf("session: write reply: %w", err)
	}
	return nil
}

// Close marks the session closed, then runs the close callback and the close
// hook. With a handler in flight the callback and hook are deferred until it
// returns. Later calls do nothing.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.dispatching {
		c.closePending = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.runCloseActions()
}

func (c *Controller) runCloseActions() {
	c.safeCall("close_callback", c.onClose)
	if c.hook != nil {
		c.safeCall("close_hook", func() { c.hook(c) })
	}
	c.logger.Debug().Str("peer", c.Peer()).Msg("ymsg_session_closed")
}

func (c *Controller) safeCall(name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Str("stage", name).Interface("panic", r).Msg("ymsg_close_panic")
		}
	}()
	fn()
}

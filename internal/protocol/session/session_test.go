package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/ymsgd/internal/protocol"
	"github.com/danmuck/ymsgd/internal/protocol/frame"
	"github.com/danmuck/ymsgd/internal/testutil/testlog"
)

type fakeTransport struct {
	buf  bytes.Buffer
	peer string
	err  error
}

func (f *fakeTransport) Write(b []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.buf.Write(b)
}

func (f *fakeTransport) PeerAddress() string {
	return f.peer
}

func packet(service uint16, kv ...any) protocol.Packet {
	p := protocol.Packet{Service: service}
	for i := 0; i+1 < len(kv); i += 2 {
		p.Fields.Add(uint32(kv[i].(int)), kv[i+1].(string))
	}
	return p
}

func wire(t *testing.T, packets ...protocol.Packet) []byte {
	t.Helper()
	var out []byte
	for _, p := range packets {
		b, err := protocol.Encode(p)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		out = append(out, b...)
	}
	return out
}

type recorder struct {
	services []uint16
	diags    []Diagnostic
}

func (r *recorder) handler() Handler {
	return HandlerFunc(func(_ context.Context, _ *Controller, p protocol.Packet) error {
		r.services = append(r.services, p.Service)
		return nil
	})
}

func (r *recorder) onDiag(d Diagnostic) {
	r.diags = append(r.diags, d)
}

func TestServiceKeyInjectiveAndReversible(t *testing.T) {
	testlog.Start(t)
	seen := make(map[string]uint16, 1<<16)
	for code := 0; code <= 0xFFFF; code++ {
		key := ServiceKey(uint16(code))
		if prev, dup := seen[key]; dup {
			t.Fatalf("key %q shared by %d and %d", key, prev, code)
		}
		seen[key] = uint16(code)
		back, err := ParseServiceKey(key)
		if err != nil || back != uint16(code) {
			t.Fatalf("ParseServiceKey(%q) got=%d err=%v", key, back, err)
		}
	}
	if ServiceKey(0x4c) != "004c" {
		t.Fatalf("key got=%q", ServiceKey(0x4c))
	}
	for _, bad := range []string{"", "4c", "004C", "0x4c", "+04c", "0004c", "zzzz"} {
		if _, err := ParseServiceKey(bad); !errors.Is(err, ErrServiceKey) {
			t.Fatalf("ParseServiceKey(%q) err=%v", bad, err)
		}
	}
}

func TestRegistryRegisterLookupServices(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	rec := &recorder{}
	for _, code := range []uint16{0x4c, 0x01, 0x12} {
		if err := reg.Register(code, rec.handler()); err != nil {
			t.Fatalf("register %#x: %v", code, err)
		}
	}
	if err := reg.Register(0x12, rec.handler()); !errors.Is(err, ErrServiceExists) {
		t.Fatalf("duplicate register err=%v", err)
	}
	if err := reg.Register(0x02, nil); !errors.Is(err, ErrHandlerNil) {
		t.Fatalf("nil handler err=%v", err)
	}
	if err := reg.HandleFunc(0x03, nil); !errors.Is(err, ErrHandlerNil) {
		t.Fatalf("nil func err=%v", err)
	}
	if _, ok := reg.Lookup(0x4c); !ok {
		t.Fatalf("lookup registered code failed")
	}
	if _, ok := reg.Lookup(0x4d); ok {
		t.Fatalf("lookup of unregistered code succeeded")
	}
	got := reg.Services()
	want := []uint16{0x01, 0x12, 0x4c}
	if len(got) != len(want) || reg.Len() != len(want) {
		t.Fatalf("services got=%v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("services got=%v want=%v", got, want)
		}
	}

	var nilReg *Registry
	if _, ok := nilReg.Lookup(1); ok || nilReg.Len() != 0 || nilReg.Services() != nil {
		t.Fatalf("nil registry must behave as empty")
	}
}

func TestControllerDispatchesInStreamOrder(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	rec := &recorder{}
	for _, code := range []uint16{1, 2, 3} {
		_ = reg.Register(code, rec.handler())
	}
	c := NewController(reg, nil)

	b := wire(t, packet(3), packet(1, 1, "a"), packet(2), packet(1))
	for i := range b {
		if err := c.DataReceived("127.0.0.1:5050", b[i:i+1]); err != nil {
			t.Fatalf("byte %d: %v", i, err)
		}
	}
	want := []uint16{3, 1, 2, 1}
	if len(rec.services) != len(want) {
		t.Fatalf("dispatched got=%v want=%v", rec.services, want)
	}
	for i := range want {
		if rec.services[i] != want[i] {
			t.Fatalf("dispatched got=%v want=%v", rec.services, want)
		}
	}
	if c.Peer() != "127.0.0.1:5050" {
		t.Fatalf("peer got=%q", c.Peer())
	}
}

func TestUnknownServiceIsolation(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	rec := &recorder{}
	_ = reg.Register(0x12, rec.handler())
	c := NewController(reg, nil, WithDiagnostics(rec.onDiag))

	if err := c.DataReceived("", wire(t, packet(0x99), packet(0x12))); err != nil {
		t.Fatalf("data received: %v", err)
	}
	if len(rec.services) != 1 || rec.services[0] != 0x12 {
		t.Fatalf("dispatched got=%v", rec.services)
	}
	if len(rec.diags) != 1 || rec.diags[0].Kind != protocol.ErrUnknownService || rec.diags[0].Service != 0x99 {
		t.Fatalf("diagnostics got=%+v", rec.diags)
	}
	if c.IsClosed() {
		t.Fatalf("unknown service must not close the connection")
	}
}

func TestHandlerErrorAndPanicAreContained(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	rec := &recorder{}
	boom := errors.New("boom")
	_ = reg.HandleFunc(1, func(context.Context, *Controller, protocol.Packet) error { return boom })
	_ = reg.HandleFunc(2, func(context.Context, *Controller, protocol.Packet) error { panic("bad handler") })
	_ = reg.Register(3, rec.handler())
	c := NewController(reg, nil, WithDiagnostics(rec.onDiag))

	if err := c.DataReceived("", wire(t, packet(1), packet(2), packet(3))); err != nil {
		t.Fatalf("data received: %v", err)
	}
	if len(rec.services) != 1 || rec.services[0] != 3 {
		t.Fatalf("dispatched got=%v", rec.services)
	}
	if len(rec.diags) != 2 {
		t.Fatalf("diagnostics got=%+v", rec.diags)
	}
	for _, d := range rec.diags {
		if d.Kind != protocol.ErrHandlerFailure || !errors.Is(d.Err, protocol.ErrHandlerFailure) {
			t.Fatalf("diagnostic kind got=%v err=%v", d.Kind, d.Err)
		}
	}
	if !errors.Is(rec.diags[0].Err, boom) {
		t.Fatalf("handler error not wrapped: %v", rec.diags[0].Err)
	}
	if c.IsClosed() {
		t.Fatalf("handler failure must not close the connection")
	}
}

func TestMalformedPacketDroppedConnectionStaysOpen(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	rec := &recorder{}
	_ = reg.Register(1, rec.handler())
	_ = reg.Register(2, rec.handler())
	c := NewController(reg, nil, WithDiagnostics(rec.onDiag))

	payload := []byte("x")
	payload = append(payload, frame.Separator...)
	payload = append(payload, "v"...)
	payload = append(payload, frame.Separator...)
	h := frame.Header{Service: 1, PayloadLen: uint16(len(payload))}
	bad := append(frame.EncodeHeader(h), payload...)

	stream := append(bad, wire(t, packet(2))...)
	if err := c.DataReceived("", stream); err != nil {
		t.Fatalf("data received: %v", err)
	}
	if len(rec.services) != 1 || rec.services[0] != 2 {
		t.Fatalf("dispatched got=%v", rec.services)
	}
	if len(rec.diags) != 1 || rec.diags[0].Kind != protocol.ErrMalformedField || rec.diags[0].Service != 1 {
		t.Fatalf("diagnostics got=%+v", rec.diags)
	}
	if c.IsClosed() {
		t.Fatalf("malformed packet must not close the connection")
	}
}

func TestFramingErrorClosesController(t *testing.T) {
	testlog.Start(t)
	rec := &recorder{}
	closes := 0
	c := NewController(NewRegistry(), nil,
		WithDiagnostics(rec.onDiag),
		WithCloseCallback(func() { closes++ }),
	)

	err := c.DataReceived("", []byte("HTTP/1.1 200 OK\r\n"))
	if !errors.Is(err, protocol.ErrFraming) {
		t.Fatalf("err got=%v", err)
	}
	if !c.IsClosed() || closes != 1 {
		t.Fatalf("closed=%v closes=%d", c.IsClosed(), closes)
	}
	if len(rec.diags) != 1 || rec.diags[0].Kind != protocol.ErrFraming {
		t.Fatalf("diagnostics got=%+v", rec.diags)
	}
	if err := c.DataReceived("", wire(t, packet(1))); !errors.Is(err, protocol.ErrClosed) {
		t.Fatalf("data after close err=%v", err)
	}
}

func TestBufferedBytesBoundClosesController(t *testing.T) {
	testlog.Start(t)
	cfg := Config{
		ReadBufferBytes: 64,
		Limits:          protocol.Limits{MaxPacketBytes: 64, MaxBufferedBytes: 128},
	}.WithDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}

	var burst []protocol.Packet
	for i := 0; i < 10; i++ {
		burst = append(burst, packet(1))
	}
	stream := wire(t, burst...)

	// Fed in read-sized chunks the stream never crosses the bound.
	chunked := &recorder{}
	reg := NewRegistry()
	_ = reg.Register(1, chunked.handler())
	c := NewController(reg, nil, WithLimits(cfg.Limits))
	for off := 0; off < len(stream); off += cfg.ReadBufferBytes {
		end := min(off+cfg.ReadBufferBytes, len(stream))
		if err := c.DataReceived("", stream[off:end]); err != nil {
			t.Fatalf("chunk at %d: %v", off, err)
		}
	}
	if len(chunked.services) != len(burst) || c.IsClosed() {
		t.Fatalf("chunked dispatched=%d closed=%v", len(chunked.services), c.IsClosed())
	}

	// One oversized write is rejected before anything is dispatched.
	flooded := &recorder{}
	reg = NewRegistry()
	_ = reg.Register(1, flooded.handler())
	c = NewController(reg, nil, WithLimits(cfg.Limits), WithDiagnostics(flooded.onDiag))
	err := c.DataReceived("", stream)
	if !errors.Is(err, protocol.ErrFraming) {
		t.Fatalf("err got=%v", err)
	}
	if !c.IsClosed() {
		t.Fatalf("controller must close on buffer overflow")
	}
	if len(flooded.services) != 0 {
		t.Fatalf("dispatched after overflow: %v", flooded.services)
	}
	if len(flooded.diags) != 1 || flooded.diags[0].Kind != protocol.ErrFraming {
		t.Fatalf("diagnostics got=%+v", flooded.diags)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	testlog.Start(t)
	var order []string
	var closedInHook bool
	c := NewController(NewRegistry(), func(c *Controller) {
		order = append(order, "hook")
		closedInHook = c.IsClosed()
	}, WithCloseCallback(func() { order = append(order, "callback") }))

	c.Close()
	c.Close()
	c.Close()
	if len(order) != 2 || order[0] != "callback" || order[1] != "hook" {
		t.Fatalf("close order got=%v", order)
	}
	if !closedInHook {
		t.Fatalf("hook must observe the closed flag")
	}
}

func TestClosePanicsAreContained(t *testing.T) {
	testlog.Start(t)
	hooked := false
	c := NewController(NewRegistry(), func(*Controller) { hooked = true },
		WithCloseCallback(func() { panic("tracker gone") }))
	c.Close()
	if !hooked || !c.IsClosed() {
		t.Fatalf("hook=%v closed=%v", hooked, c.IsClosed())
	}
}

func TestNoDispatchAfterClose(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	rec := &recorder{}
	_ = reg.HandleFunc(1, func(_ context.Context, c *Controller, p protocol.Packet) error {
		rec.services = append(rec.services, p.Service)
		c.Close()
		return nil
	})
	_ = reg.Register(2, rec.handler())
	c := NewController(reg, nil)

	if err := c.DataReceived("", wire(t, packet(1), packet(2))); err != nil {
		t.Fatalf("data received: %v", err)
	}
	if len(rec.services) != 1 || rec.services[0] != 1 {
		t.Fatalf("dispatched got=%v", rec.services)
	}
}

func TestCloseDuringDispatchWaitsForHandler(t *testing.T) {
	testlog.Start(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string
	note := func(step string) {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, step)
	}

	reg := NewRegistry()
	_ = reg.HandleFunc(1, func(_ context.Context, c *Controller, p protocol.Packet) error {
		close(entered)
		<-release
		note("handler_reply")
		return c.SendReply(packet(1))
	})
	_ = reg.Register(3, HandlerFunc(func(context.Context, *Controller, protocol.Packet) error {
		note("late_dispatch")
		return nil
	}))
	c := NewController(reg, func(c *Controller) {
		note("hook_logoff")
		_ = c.SendReply(packet(2))
	}, WithCloseCallback(func() { note("callback") }))
	tr := &fakeTransport{}
	_ = c.Attach(tr)

	data := wire(t, packet(1), packet(3))
	done := make(chan error, 1)
	go func() {
		done <- c.DataReceived("", data)
	}()
	<-entered

	c.Close()
	if !c.IsClosed() {
		t.Fatalf("close must mark the controller closed immediately")
	}
	mu.Lock()
	early := len(order)
	mu.Unlock()
	if early != 0 {
		t.Fatalf("close actions ran during dispatch: %v", order)
	}

	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("data received: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("dispatch did not finish")
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"handler_reply", "callback", "hook_logoff"}
	if len(order) != len(want) {
		t.Fatalf("order got=%v want=%v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order got=%v want=%v", order, want)
		}
	}
	if !bytes.Equal(tr.buf.Bytes(), wire(t, packet(1), packet(2))) {
		t.Fatalf("wire got=% x", tr.buf.Bytes())
	}
}

func TestCloseFromHandlerRunsHookAfterReturn(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	var hooked bool
	_ = reg.HandleFunc(1, func(_ context.Context, c *Controller, _ protocol.Packet) error {
		c.Close()
		if hooked {
			t.Errorf("hook ran inside the handler")
		}
		return c.SendReply(packet(1))
	})
	c := NewController(reg, func(c *Controller) {
		hooked = true
		_ = c.SendReply(packet(2))
	})
	tr := &fakeTransport{}
	_ = c.Attach(tr)

	if err := c.DataReceived("", wire(t, packet(1))); err != nil {
		t.Fatalf("data received: %v", err)
	}
	if !hooked {
		t.Fatalf("hook did not run")
	}
	if !bytes.Equal(tr.buf.Bytes(), wire(t, packet(1), packet(2))) {
		t.Fatalf("wire got=% x", tr.buf.Bytes())
	}
}

func TestSendReplyFlushesInOrder(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	_ = reg.HandleFunc(0x12, func(_ context.Context, c *Controller, p protocol.Packet) error {
		if err := c.SendReply(packet(0x12, 1, "first")); err != nil {
			return err
		}
		return c.SendReply(packet(0x12, 1, "second"))
	})
	c := NewController(reg, nil)
	tr := &fakeTransport{peer: "10.0.0.7:40000"}
	if err := c.Attach(tr); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if c.Peer() != "10.0.0.7:40000" {
		t.Fatalf("peer got=%q", c.Peer())
	}
	if err := c.DataReceived("", wire(t, packet(0x12))); err != nil {
		t.Fatalf("data received: %v", err)
	}

	want := wire(t, packet(0x12, 1, "first"), packet(0x12, 1, "second"))
	if !bytes.Equal(tr.buf.Bytes(), want) {
		t.Fatalf("transport got=% x want=% x", tr.buf.Bytes(), want)
	}
	if pending := c.Flush(); pending != nil {
		t.Fatalf("pending after attached send: % x", pending)
	}
}

func TestSendReplyWithoutTransportBuffers(t *testing.T) {
	testlog.Start(t)
	c := NewController(NewRegistry(), nil)
	if err := c.SendReply(packet(1, 1, "a")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.SendReply(packet(2)); err != nil {
		t.Fatalf("send: %v", err)
	}
	want := wire(t, packet(1, 1, "a"), packet(2))

	tr := &fakeTransport{}
	if err := c.Attach(tr); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !bytes.Equal(tr.buf.Bytes(), want) {
		t.Fatalf("attach flush got=% x want=% x", tr.buf.Bytes(), want)
	}

	c.Detach()
	_ = c.SendReply(packet(3))
	if got := c.Flush(); !bytes.Equal(got, wire(t, packet(3))) {
		t.Fatalf("flush got=% x", got)
	}
	if got := c.Flush(); got != nil {
		t.Fatalf("second flush got=% x", got)
	}
}

func TestSendReplyRejectsInvalidPacket(t *testing.T) {
	testlog.Start(t)
	c := NewController(NewRegistry(), nil)
	if err := c.SendReply(packet(1, 1, "\xff")); !errors.Is(err, protocol.ErrInvalidEncoding) {
		t.Fatalf("err got=%v", err)
	}
	if got := c.Flush(); got != nil {
		t.Fatalf("rejected packet left output: % x", got)
	}
}

func TestSendReplyWriteErrorSurfaces(t *testing.T) {
	testlog.Start(t)
	c := NewController(NewRegistry(), nil)
	broken := errors.New("broken pipe")
	if err := c.Attach(&fakeTransport{err: broken}); err != nil {
		t.Fatalf("attach with nothing pending: %v", err)
	}
	if err := c.SendReply(packet(1)); !errors.Is(err, broken) {
		t.Fatalf("err got=%v", err)
	}
}

func TestCloseHookRepliesReachTransport(t *testing.T) {
	testlog.Start(t)
	c := NewController(NewRegistry(), func(c *Controller) {
		_ = c.SendReply(packet(2))
	})
	tr := &fakeTransport{}
	_ = c.Attach(tr)
	c.Close()
	if !bytes.Equal(tr.buf.Bytes(), wire(t, packet(2))) {
		t.Fatalf("hook reply got=% x", tr.buf.Bytes())
	}
}

func TestSessionValues(t *testing.T) {
	testlog.Start(t)
	c := NewController(NewRegistry(), nil, WithConnID("conn-1"))
	if c.ID() != "conn-1" {
		t.Fatalf("id got=%q", c.ID())
	}
	if _, ok := c.Value("user"); ok {
		t.Fatalf("unexpected value")
	}
	c.SetValue("user", "alice")
	if v, ok := c.Value("user"); !ok || v != "alice" {
		t.Fatalf("value got=%q ok=%v", v, ok)
	}
}

func TestConfigDefaultsAndValidate(t *testing.T) {
	testlog.Start(t)
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	cfg := Config{WriteTimeout: 3 * time.Second}.WithDefaults()
	if cfg.WriteTimeout != 3*time.Second {
		t.Fatalf("explicit value overwritten: %v", cfg.WriteTimeout)
	}
	if cfg.ReadTimeout != DefaultConfig().ReadTimeout || cfg.Limits != DefaultConfig().Limits {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	cfg.Limits.MaxBufferedBytes = cfg.Limits.MaxPacketBytes + cfg.ReadBufferBytes
	if err := cfg.Validate(); err != nil {
		t.Fatalf("packet plus read buffer must fit: %v", err)
	}
	cfg.Limits.MaxBufferedBytes--
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected buffer/packet limit error")
	}
}

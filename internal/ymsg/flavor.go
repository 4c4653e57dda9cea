// Package ymsg is the baseline YMSG protocol flavor: the handlers every
// gateway registers and the closing action that logs the peer off.
package ymsg

import (
	"context"
	"fmt"
	"strconv"

	"github.com/danmuck/ymsgd/internal/events"
	"github.com/danmuck/ymsgd/internal/logging"
	"github.com/danmuck/ymsgd/internal/protocol"
	"github.com/danmuck/ymsgd/internal/protocol/schema"
	"github.com/danmuck/ymsgd/internal/protocol/session"
)

// ValueSessionID is the controller value holding the last session id seen
// from the peer, in decimal.
const ValueSessionID = "ymsg.session_id"

// NewRegistry returns a registry holding the baseline handlers.
func NewRegistry() (*session.Registry, error) {
	reg := session.NewRegistry()
	if err := Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

// Register adds the baseline handlers to reg.
func Register(reg *session.Registry) error {
	handlers := []struct {
		code uint16
		fn   session.HandlerFunc
	}{
		{schema.ServiceVerify, handleVerify},
		{schema.ServicePing, handlePing},
	}
	for _, h := range handlers {
		if err := reg.HandleFunc(h.code, h.fn); err != nil {
			return fmt.Errorf("ymsg: register %s: %w", schema.ServiceName(h.code), err)
		}
	}
	return nil
}

// VERIFY opens a client login: answer with an empty acknowledgement.
func handleVerify(_ context.Context, c *session.Controller, p protocol.Packet) error {
	rememberSession(c, p)
	return c.SendReply(protocol.Packet{
		Service:   schema.ServiceVerify,
		Status:    schema.StatusServerAck,
		SessionID: p.SessionID,
	})
}

// PING is answered in kind with the caller's fields.
func handlePing(_ context.Context, c *session.Controller, p protocol.Packet) error {
	rememberSession(c, p)
	return c.SendReply(protocol.Packet{
		Service:   schema.ServicePing,
		Status:    schema.StatusAvailable,
		SessionID: p.SessionID,
		Fields:    p.Fields.Clone(),
	})
}

func rememberSession(c *session.Controller, p protocol.Packet) {
	if p.SessionID != 0 {
		c.SetValue(ValueSessionID, strconv.FormatUint(uint64(p.SessionID), 10))
	}
}

// SessionID returns the session id recorded on c, or zero.
func SessionID(c *session.Controller) uint32 {
	raw, ok := c.Value(ValueSessionID)
	if !ok {
		return 0
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

// CloseHook logs the peer off and announces it on bus. The LOGOFF write is
// best effort since the socket may already be gone.
func CloseHook(bus *events.Bus) session.CloseHook {
	logger := logging.Component("ymsg")
	return func(c *session.Controller) {
		err := c.SendReply(protocol.Packet{
			Service:   schema.ServiceLogoff,
			Status:    schema.StatusAvailable,
			SessionID: SessionID(c),
		})
		if err != nil {
			logger.Debug().Str("conn_id", c.ID()).Err(err).Msg("ymsg_logoff_write_failed")
		}
		if err := bus.Publish(events.Event{
			Type:   events.TypeLogoff,
			ConnID: c.ID(),
			Peer:   c.Peer(),
		}); err != nil {
			logger.Warn().Str("conn_id", c.ID()).Err(err).Msg("ymsg_logoff_publish_failed")
		}
	}
}

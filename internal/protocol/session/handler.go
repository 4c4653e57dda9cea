package session

import (
	"context"

	"github.com/danmuck/ymsgd/internal/protocol"
)

// Handler serves one service code. It may call c.SendReply to answer. A
// returned error or panic is contained to the packet being served.
type Handler interface {
	ServeYMSG(ctx context.Context, c *Controller, p protocol.Packet) error
}

type HandlerFunc func(ctx context.Context, c *Controller, p protocol.Packet) error

func (f HandlerFunc) ServeYMSG(ctx context.Context, c *Controller, p protocol.Packet) error {
	return f(ctx, c, p)
}

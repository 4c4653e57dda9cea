// Package events publishes session lifecycle events on an in-process
// watermill bus. Collaborators such as the presence table and the admin
// surface subscribe without coupling to the connection controller.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/bytedance/sonic"
	"github.com/danmuck/ymsgd/internal/ids"
	"github.com/danmuck/ymsgd/internal/observability"
	"github.com/rs/zerolog"
)

const TopicSessions = "ymsg.sessions"

const (
	TypeSessionOpened = "session.opened"
	TypeSessionClosed = "session.closed"
	TypeLogoff        = "session.logoff"
	TypeDiagnostic    = "session.diagnostic"
)

var ErrBusClosed = errors.New("events: bus closed")

var codec = sonic.ConfigStd

type Event struct {
	Type   string    `json:"type"`
	ConnID string    `json:"conn_id"`
	Peer   string    `json:"peer,omitempty"`
	Detail string    `json:"detail,omitempty"`
	At     time.Time `json:"at"`
}

func Marshal(ev Event) ([]byte, error) {
	return codec.Marshal(ev)
}

func Unmarshal(b []byte) (Event, error) {
	var ev Event
	err := codec.Unmarshal(b, &ev)
	return ev, err
}

type Bus struct {
	pubsub *gochannel.GoChannel
	logger zerolog.Logger
}

func NewBus(logger zerolog.Logger) *Bus {
	pubsub := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 256},
		observability.WatermillLogger(logger),
	)
	return &Bus{pubsub: pubsub, logger: logger}
}

// Publish stamps ev and fans it out to current subscribers. A nil bus drops
// the event.
func (b *Bus) Publish(ev Event) error {
	if b == nil {
		return nil
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := Marshal(ev)
	if err != nil {
		return err
	}
	msg := message.NewMessage(ids.New(), payload)
	msg.Metadata.Set("type", ev.Type)
	msg.Metadata.Set("conn_id", ev.ConnID)
	if err := b.pubsub.Publish(TopicSessions, msg); err != nil {
		return err
	}
	observability.RecordSessionEvent(ev.Type)
	return nil
}

// Subscribe returns decoded events until ctx is done or the bus closes.
func (b *Bus) Subscribe(ctx context.Context) (<-chan Event, error) {
	if b == nil {
		return nil, ErrBusClosed
	}
	msgs, err := b.pubsub.Subscribe(ctx, TopicSessions)
	if err != nil {
		return nil, err
	}
	out := make(chan Event, 64)
	go func() {
		defer close(out)
		for msg := range msgs {
			ev, err := Unmarshal(msg.Payload)
			if err != nil {
				b.logger.Warn().Err(err).Str("msg_id", msg.UUID).Msg("event_decode_failed")
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
				msg.Ack()
			case <-ctx.Done():
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	return b.pubsub.Close()
}

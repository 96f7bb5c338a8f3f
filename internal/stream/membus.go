package stream

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
)

// MemoryBus is a single-process Bus.
type MemoryBus struct {
	topic  string
	pubsub *gochannel.GoChannel
}

func NewMemoryBus(topic string, logger watermill.LoggerAdapter) *MemoryBus {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &MemoryBus{
		topic: topic,
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 64,
		}, logger),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, sessionID string) error {
	msg := message.NewMessage(watermill.NewUUID(), []byte(sessionID))
	msg.SetContext(ctx)
	return errors.Wrap(b.pubsub.Publish(b.topic, msg), "publish stop")
}

func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan string, error) {
	msgs, err := b.pubsub.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe stop")
	}
	out := make(chan string)
	go func() {
		defer close(out)
		for m := range msgs {
			id := string(m.Payload)
			m.Ack()
			select {
			case out <- id:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *MemoryBus) Close() error {
	return b.pubsub.Close()
}

var _ Bus = (*MemoryBus)(nil)

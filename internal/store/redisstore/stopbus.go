package redisstore

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// StopBus sends stop signals over a Redis pub/sub channel, so that the
// instance running a generation hears a stop received by any other.
type StopBus struct {
	rdb     *redis.Client
	channel string
	owned   bool
}

func NewStopBus(rdb *redis.Client, channel string) *StopBus {
	return &StopBus{rdb: rdb, channel: channel}
}

// NewOwnedStopBus closes rdb together with the bus.
func NewOwnedStopBus(rdb *redis.Client, channel string) *StopBus {
	return &StopBus{rdb: rdb, channel: channel, owned: true}
}

func (b *StopBus) Publish(ctx context.Context, sessionID string) error {
	return errors.Wrap(b.rdb.Publish(ctx, b.channel, sessionID).Err(), "redis publish stop")
}

func (b *StopBus) Subscribe(ctx context.Context) (<-chan string, error) {
	ps := b.rdb.Subscribe(ctx, b.channel)
	// wait for the subscription to be confirmed
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.Wrap(err, "redis subscribe stop")
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer ps.Close()
		msgs := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					log.Warn().Str("channel", b.channel).Msg("redis stop subscription closed")
					return
				}
				select {
				case out <- m.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *StopBus) Close() error {
	if b.owned {
		return b.rdb.Close()
	}
	return nil
}

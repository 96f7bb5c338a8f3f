package rabbitmq

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// StopBus broadcasts stop signals through a fanout exchange. Every
// subscriber gets its own exclusive, auto-deleted queue bound to it.
type StopBus struct {
	conn     *amqp.Connection
	exchange string

	mu sync.Mutex // amqp channels are not safe for concurrent publish
	ch *amqp.Channel
}

func NewStopBus(url, exchange string) (*StopBus, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errors.Wrap(err, "rabbit dial")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "rabbit channel")
	}

	if err := ch.ExchangeDeclare(
		exchange,
		amqp.ExchangeFanout,
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, errors.Wrap(err, "rabbit exchange declare")
	}

	return &StopBus{conn: conn, ch: ch, exchange: exchange}, nil
}

func (b *StopBus) Close() error {
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

func (b *StopBus) Publish(ctx context.Context, sessionID string) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	b.mu.Lock()
	defer b.mu.Unlock()
	err := b.ch.PublishWithContext(cctx,
		b.exchange,
		"", // fanout ignores the routing key
		false,
		false,
		amqp.Publishing{
			ContentType: "text/plain",
			Body:        []byte(sessionID),
			Timestamp:   time.Now(),
			// a stop nobody hears within a minute is stale
			Expiration: "60000",
		},
	)
	return errors.Wrap(err, "rabbit publish stop")
}

func (b *StopBus) Subscribe(ctx context.Context) (<-chan string, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, errors.Wrap(err, "rabbit channel")
	}

	q, err := ch.QueueDeclare(
		"",
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false,
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "rabbit queue declare")
	}
	if err := ch.QueueBind(q.Name, "", b.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "rabbit queue bind")
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, errors.Wrap(err, "rabbit consume")
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer ch.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case d, ok := <-deliveries:
				if !ok {
					log.Warn().Str("exchange", b.exchange).Msg("rabbit stop deliveries closed")
					return
				}
				select {
				case out <- string(d.Body):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

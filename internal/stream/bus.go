package stream

import "context"

// Bus carries stop signals addressed by session id between instances.
type Bus interface {
	Publish(ctx context.Context, sessionID string) error
	// Subscribe delivers every published id until ctx is done or the bus
	// is closed, then closes the channel.
	Subscribe(ctx context.Context) (<-chan string, error)
	Close() error
}

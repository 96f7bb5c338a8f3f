package ai

import "context"

// Delta is one increment of a streamed answer. Reasoning carries the model's
// thinking trace for providers that expose one.
type Delta struct {
	Content   string
	Reasoning string
}

func (d Delta) Empty() bool { return d.Content == "" && d.Reasoning == "" }

// StreamProvider is an optional interface. Providers may implement streaming chat.
// Both channels are closed when the stream ends.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan Delta, <-chan error)
}

package ai

import "context"

type Message struct {
	Role    string
	Content string
	// ImageURLs are sent as image parts alongside Content by providers that
	// accept multimodal input.
	ImageURLs []string
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

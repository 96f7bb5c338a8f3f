package ai

import (
	"context"
	"sync"
)

// Callbacks receive the output of one generation. Exactly one of OnDone and
// OnError is called, after the last OnChunk.
type Callbacks struct {
	OnChunk func(Delta)
	OnDone  func()
	OnError func(error)
}

// Generate runs provider in the background and reports through cb. Providers
// without streaming support deliver their whole answer as a single chunk.
// The returned cancel aborts the upstream call; callbacks may still fire for
// output that was already in flight.
func Generate(ctx context.Context, p Provider, messages []Message, cb Callbacks) (cancel func()) {
	ctx, stop := context.WithCancel(ctx)
	var once sync.Once
	cancel = func() { once.Do(stop) }

	go func() {
		defer cancel()

		sp, ok := p.(StreamProvider)
		if !ok {
			reply, err := p.Chat(ctx, messages)
			if err != nil {
				cb.fail(err)
				return
			}
			cb.chunk(Delta{Content: reply})
			cb.done()
			return
		}

		chunks, errs := sp.StreamChat(ctx, messages)
		for chunks != nil || errs != nil {
			select {
			case d, ok := <-chunks:
				if !ok {
					chunks = nil
					continue
				}
				if !d.Empty() {
					cb.chunk(d)
				}
			case err, ok := <-errs:
				if !ok {
					errs = nil
					continue
				}
				if err != nil {
					// drain what the provider already produced so order holds
					if chunks != nil {
						for d := range chunks {
							if !d.Empty() {
								cb.chunk(d)
							}
						}
					}
					cb.fail(err)
					return
				}
			}
		}
		if err := ctx.Err(); err != nil {
			cb.fail(err)
			return
		}
		cb.done()
	}()

	return cancel
}

func (cb Callbacks) chunk(d Delta) {
	if cb.OnChunk != nil {
		cb.OnChunk(d)
	}
}

func (cb Callbacks) done() {
	if cb.OnDone != nil {
		cb.OnDone()
	}
}

func (cb Callbacks) fail(err error) {
	if cb.OnError != nil {
		cb.OnError(err)
	}
}

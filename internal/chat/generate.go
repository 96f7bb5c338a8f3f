package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/suPer8Hu/ai-console/internal/ai"
	"github.com/suPer8Hu/ai-console/internal/stream"
)

type generation struct {
	userID   uint64
	chatID   uint64
	reqID    uint64
	bot      *Bot
	messages []ai.Message
}

// answer accumulates streamed output. Backend callbacks may outlive the
// session, so reads go through snapshot.
type answer struct {
	mu            sync.Mutex
	content       strings.Builder
	reasoning     strings.Builder
	started       time.Time
	firstAnswerAt time.Time
}

func (a *answer) add(d ai.Delta) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reasoning.WriteString(d.Reasoning)
	if d.Content != "" && a.firstAnswerAt.IsZero() {
		a.firstAnswerAt = time.Now()
	}
	a.content.WriteString(d.Content)
}

func (a *answer) snapshot() (content, reasoning string, thinking time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	end := a.firstAnswerAt
	if end.IsZero() {
		end = time.Now()
	}
	return a.content.String(), a.reasoning.String(), end.Sub(a.started)
}

func (s *Service) generate(sess *stream.Session, g generation) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runGeneration(sess, g)
	}()
}

func (s *Service) runGeneration(sess *stream.Session, g generation) {
	ctx := sess.Context()
	logger := log.With().Str("session_id", sess.ID()).Uint64("req_id", g.reqID).Logger()

	if err := s.gen.Acquire(ctx, 1); err != nil {
		// cancelled while queued
		return
	}
	defer s.gen.Release(1)

	provider, err := s.providers.Get(ctx, g.bot.Provider, g.bot.Model)
	if err != nil {
		logger.Error().Err(err).Str("provider", g.bot.Provider).Msg("resolve provider")
		sess.Error((&BackendError{Op: "setup", Cause: err}).Error())
		return
	}

	ans := &answer{started: time.Now()}
	finished := make(chan error, 1)
	cancel := ai.Generate(ctx, provider, g.messages, ai.Callbacks{
		OnChunk: func(d ai.Delta) {
			ans.add(d)
			if d.Reasoning != "" {
				sess.Push(stream.Event{Kind: stream.EventReasoning, Data: d.Reasoning})
			}
			if d.Content != "" {
				sess.Push(stream.Event{Kind: stream.EventChunk, Data: d.Content})
			}
		},
		OnDone:  func() { finished <- nil },
		OnError: func(err error) { finished <- err },
	})

	var genErr error
	select {
	case genErr = <-finished:
	case <-sess.Done():
	}
	cancel()

	content, reasoning, thinking := ans.snapshot()
	switch {
	case sess.State().Terminal():
		// stopped or idle; keep what the user already saw
		logger.Info().Int("chars", len(content)).Msg("generation cancelled")
		if content != "" {
			s.saveAnswer(ctx, g, content, reasoning, thinking)
		}
	case genErr != nil:
		logger.Warn().Err(genErr).Msg("generation failed")
		if content != "" {
			s.saveAnswer(ctx, g, content, reasoning, thinking)
		}
		sess.Error((&BackendError{Op: "stream", Cause: genErr}).Error())
	default:
		if err := s.saveAnswer(ctx, g, content, reasoning, thinking); err != nil {
			sess.Error("failed to save answer")
			return
		}
		logger.Info().Int("chars", len(content)).Msg("generation completed")
		sess.Complete()
	}
}

func (s *Service) saveAnswer(ctx context.Context, g generation, content, reasoning string, thinking time.Duration) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	resp := &ResponseTurn{
		ReqID:   g.reqID,
		ChatID:  g.chatID,
		UserID:  g.userID,
		Message: content,
		Type:    string(g.bot.Kind),
	}
	var reason *ReasonRecord
	if reasoning != "" {
		reason = &ReasonRecord{
			ReqID:              g.reqID,
			ChatID:             g.chatID,
			UserID:             g.userID,
			Content:            reasoning,
			ThinkingElapsedSec: int64(thinking / time.Second),
		}
	}
	if err := s.repo.SaveResponse(ctx, resp, reason); err != nil {
		log.Error().Err(err).Uint64("req_id", g.reqID).Msg("save answer")
		return err
	}
	return nil
}

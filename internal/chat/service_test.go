package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/ai-console/internal/ai"
	"github.com/suPer8Hu/ai-console/internal/stream"
)

type recordingProvider struct {
	mu    sync.Mutex
	reply string
	err   error
	calls [][]ai.Message
}

func (p *recordingProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// copy to avoid mutations
	p.calls = append(p.calls, append([]ai.Message(nil), messages...))
	if p.err != nil {
		return "", p.err
	}
	if p.reply == "" {
		return "ok", nil
	}
	return p.reply, nil
}

func (p *recordingProvider) last() []ai.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return nil
	}
	return p.calls[len(p.calls)-1]
}

// hangingProvider streams one chunk and then waits to be cancelled.
type hangingProvider struct{}

func (p *hangingProvider) Chat(ctx context.Context, messages []ai.Message) (string, error) {
	return "", errors.New("streaming only")
}

func (p *hangingProvider) StreamChat(ctx context.Context, messages []ai.Message) (<-chan ai.Delta, <-chan error) {
	chunks := make(chan ai.Delta, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		chunks <- ai.Delta{Content: "partial", Reasoning: "hmm"}
		<-ctx.Done()
		errs <- ctx.Err()
	}()
	return chunks, errs
}

type testEnv struct {
	svc      *Service
	repo     *Repo
	sessions *stream.Registry
	bus      *stream.MemoryBus
	prov     *recordingProvider
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	repo := NewRepo(openTestDB(t))

	prov := &recordingProvider{}
	hang := &hangingProvider{}
	reg := ai.NewRegistry()
	reg.Register("fake", func(ctx context.Context, model string) (ai.Provider, error) {
		return prov, nil
	})
	reg.Register("hang", func(ctx context.Context, model string) (ai.Provider, error) {
		return hang, nil
	})

	sessions := stream.NewRegistry(0, 16)
	bus := stream.NewMemoryBus("stop_generate", nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = sessions.Listen(ctx, bus) }()

	svc := NewService(repo, reg, sessions, bus, Options{
		HistoryCap:          500,
		MaxInputTokens:      8000,
		DefaultSystemPrompt: "be brief",
		DefaultProvider:     "fake",
		DefaultModel:        "default",
	})
	t.Cleanup(func() {
		sessions.CancelAll()
		svc.Wait()
		cancel()
		_ = bus.Close()
	})
	return &testEnv{svc: svc, repo: repo, sessions: sessions, bus: bus, prov: prov}
}

func awaitSession(t *testing.T, s *stream.Session) []stream.Event {
	t.Helper()
	var out []stream.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("session %s did not finish", s.ID())
		}
	}
}

func nextEvent(t *testing.T, s *stream.Session) stream.Event {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		require.True(t, ok, "session closed early")
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no event")
	}
	return stream.Event{}
}

func (e *testEnv) turn(t *testing.T, chatID uint64, text, sid string) *stream.Session {
	t.Helper()
	s, err := e.svc.StartTurn(context.Background(), TurnInput{UserID: 1, ChatID: chatID, Text: text, SessionID: sid})
	require.NoError(t, err)
	awaitSession(t, s)
	require.Equal(t, stream.StateCompleted, s.State(), s.Err())
	// the answer is persisted before completion; wait for the goroutine anyway
	e.svc.Wait()
	return s
}

func TestStartTurn_StreamsAndPersists(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c, err := e.svc.CreateChat(ctx, 1, 0, "first")
	require.NoError(t, err)

	s, err := e.svc.StartTurn(ctx, TurnInput{UserID: 1, ChatID: c.ID, Text: "Hello", SessionID: "s1"})
	require.NoError(t, err)
	events := awaitSession(t, s)
	e.svc.Wait()

	assert.Equal(t, stream.StateCompleted, s.State())
	require.Len(t, events, 2)
	assert.Equal(t, stream.EventMeta, events[0].Kind)
	assert.JSONEq(t, fmt.Sprintf(`{"chat_id":%d,"request_id":1}`, c.ID), events[0].Data)
	assert.Equal(t, stream.Event{Kind: stream.EventChunk, Data: "ok"}, events[1])

	msgs := e.prov.last()
	require.Len(t, msgs, 2)
	assert.Equal(t, ai.Message{Role: RoleSystem, Content: "be brief"}, msgs[0])
	assert.Equal(t, ai.Message{Role: RoleUser, Content: "Hello"}, msgs[1])

	hist, err := e.svc.History(ctx, 1, c.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "Hello", hist[0].Content)
	assert.Equal(t, "ok", hist[1].Content)

	// the next turn carries the previous pair
	e.turn(t, c.ID, "again", "s2")
	msgs = e.prov.last()
	require.Len(t, msgs, 4)
	assert.Equal(t, "Hello", msgs[1].Content)
	assert.Equal(t, "ok", msgs[2].Content)
	assert.Equal(t, "again", msgs[3].Content)
}

func TestStartTurn_Rejections(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	c, err := e.svc.CreateChat(ctx, 1, 0, "")
	require.NoError(t, err)

	_, err = e.svc.StartTurn(ctx, TurnInput{UserID: 2, ChatID: c.ID, Text: "hi", SessionID: "x1"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.svc.StartTurn(ctx, TurnInput{UserID: 1, ChatID: 4040, Text: "hi", SessionID: "x2"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = e.svc.StartTurn(ctx, TurnInput{UserID: 1, ChatID: c.ID, Text: "  ", SessionID: "x3"})
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = e.svc.CreateChat(ctx, 1, 999, "")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, e.svc.Clear(ctx, 1, c.ID))
	_, err = e.svc.StartTurn(ctx, TurnInput{UserID: 1, ChatID: c.ID, Text: "hi", SessionID: "x4"})
	assert.ErrorIs(t, err, ErrChatDeleted)

	require.NoError(t, e.svc.Reactivate(ctx, 1, c.ID))
	e.turn(t, c.ID, "hi", "x5")

	require.NoError(t, e.repo.DisableChat(ctx, c.ID))
	_, err = e.svc.StartTurn(ctx, TurnInput{UserID: 1, ChatID: c.ID, Text: "hi", SessionID: "x6"})
	assert.ErrorIs(t, err, ErrChatDisabled)
	assert.ErrorIs(t, e.svc.Reactivate(ctx, 1, c.ID), ErrChatDisabled)
}

func TestStartTurn_DuplicateSession(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, e.svc.CreateBot(ctx, &Bot{Name: "slow", Provider: "hang", Model: "m", SupportContext: true}))
	c, err := e.svc.CreateChat(ctx, 1, 1, "")
	require.NoError(t, err)

	s, err := e.svc.StartTurn(ctx, TurnInput{UserID: 1, ChatID: c.ID, Text: "one", SessionID: "dup"})
	require.NoError(t, err)

	_, err = e.svc.StartTurn(ctx, TurnInput{UserID: 1, ChatID: c.ID, Text: "two", SessionID: "dup"})
	assert.ErrorIs(t, err, stream.ErrDuplicateSession)

	s.Cancel()
	awaitSession(t, s)
}

func TestStop_CancelsAndKeepsPartialAnswer(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, e.svc.CreateBot(ctx, &Bot{Name: "slow", Provider: "hang", Model: "m", SupportContext: true}))
	c, err := e.svc.CreateChat(ctx, 1, 1, "")
	require.NoError(t, err)

	s, err := e.svc.StartTurn(ctx, TurnInput{UserID: 1, ChatID: c.ID, Text: "long story", SessionID: "stop-me"})
	require.NoError(t, err)
	assert.Equal(t, stream.EventMeta, nextEvent(t, s).Kind)
	first := nextEvent(t, s)
	second := nextEvent(t, s)
	assert.Equal(t, stream.Event{Kind: stream.EventReasoning, Data: "hmm"}, first)
	assert.Equal(t, stream.Event{Kind: stream.EventChunk, Data: "partial"}, second)

	assert.ErrorIs(t, e.svc.Stop(ctx, 2, "stop-me"), ErrNotFound)

	// keep publishing until the listener is subscribed
	require.Eventually(t, func() bool {
		assert.NoError(t, e.svc.Stop(ctx, 1, "stop-me"))
		return s.State() == stream.StateCancelled
	}, 2*time.Second, 20*time.Millisecond)

	assert.Empty(t, awaitSession(t, s))
	e.svc.Wait()

	// stopping again is a no-op
	assert.NoError(t, e.svc.Stop(ctx, 1, "stop-me"))
	assert.Equal(t, stream.StateCancelled, s.State())

	hist, err := e.svc.History(ctx, 1, c.ID)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, "partial", hist[1].Content)
	assert.Equal(t, "hmm", hist[1].Reasoning)
}

func TestStartTurn_BackendErrorEndsSession(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	e.prov.err = errors.New("upstream 500")
	c, err := e.svc.CreateChat(ctx, 1, 0, "")
	require.NoError(t, err)

	s, err := e.svc.StartTurn(ctx, TurnInput{UserID: 1, ChatID: c.ID, Text: "hi", SessionID: "err"})
	require.NoError(t, err)
	awaitSession(t, s)
	e.svc.Wait()

	assert.Equal(t, stream.StateErrored, s.State())
	assert.Contains(t, s.Err(), "upstream 500")

	// the question is kept, no answer stored
	hist, err := e.svc.History(ctx, 1, c.ID)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, RoleUser, hist[0].Role)
}

func TestStartTurn_UnknownProviderIsBackendError(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, e.svc.CreateBot(ctx, &Bot{Name: "ghost", Provider: "nowhere", Model: "m"}))
	c, err := e.svc.CreateChat(ctx, 1, 1, "")
	require.NoError(t, err)

	s, err := e.svc.StartTurn(ctx, TurnInput{UserID: 1, ChatID: c.ID, Text: "hi", SessionID: "ghost"})
	require.NoError(t, err)
	awaitSession(t, s)
	assert.Equal(t, stream.StateErrored, s.State())
}

func TestRestart_NewTurnsGoToNewChat(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c, err := e.svc.CreateChat(ctx, 1, 0, "trip")
	require.NoError(t, err)
	e.turn(t, c.ID, "before restart", "r1")

	next, err := e.svc.Restart(ctx, 1, c.ID)
	require.NoError(t, err)
	assert.NotEqual(t, c.ID, next.ID)
	assert.Equal(t, "trip", next.Title)

	cur, err := e.svc.Tree().CurrentChatID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, next.ID, cur)

	// a turn addressed to the old chat lands on the current one, without old context
	e.turn(t, c.ID, "after restart", "r2")
	msgs := e.prov.last()
	require.Len(t, msgs, 2)
	assert.Equal(t, "after restart", msgs[1].Content)

	reqs, err := e.repo.ListRequestsDesc(ctx, 1, next.ID, 10)
	require.NoError(t, err)
	require.Len(t, reqs, 1)

	// restarting again chains off the current chat
	third, err := e.svc.Restart(ctx, 1, next.ID)
	require.NoError(t, err)
	cur, err = e.svc.Tree().CurrentChatID(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, third.ID, cur)

	// history spans the whole branch
	hist, err := e.svc.History(ctx, 1, third.ID)
	require.NoError(t, err)
	require.Len(t, hist, 4)
	assert.Equal(t, "before restart", hist[0].Content)
	assert.Equal(t, "after restart", hist[2].Content)

	_, err = e.svc.Restart(ctx, 2, c.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReAnswer_EditModeOverwrites(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c, err := e.svc.CreateChat(ctx, 1, 0, "")
	require.NoError(t, err)

	e.prov.reply = "first answer"
	e.turn(t, c.ID, "q1", "a1")
	e.turn(t, c.ID, "q2", "a2")

	reqs, err := e.repo.ListRequestsDesc(ctx, 1, c.ID, 10)
	require.NoError(t, err)
	q2 := reqs[0]

	e.prov.mu.Lock()
	e.prov.reply = "better answer"
	e.prov.mu.Unlock()

	s, err := e.svc.ReAnswer(ctx, 1, q2.ID, "re")
	require.NoError(t, err)
	awaitSession(t, s)
	e.svc.Wait()
	require.Equal(t, stream.StateCompleted, s.State())

	// q2 and its old answer are not history, q2 is the live turn
	msgs := e.prov.last()
	require.Len(t, msgs, 4)
	assert.Equal(t, "q1", msgs[1].Content)
	assert.Equal(t, "first answer", msgs[2].Content)
	assert.Equal(t, ai.Message{Role: RoleUser, Content: "q2"}, msgs[3])

	hist, err := e.svc.History(ctx, 1, c.ID)
	require.NoError(t, err)
	require.Len(t, hist, 4)
	assert.Equal(t, "better answer", hist[3].Content)

	_, err = e.svc.ReAnswer(ctx, 2, q2.ID, "re2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStartTurn_HidesWorkflowMarkers(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c, err := e.svc.CreateChat(ctx, 1, 0, "")
	require.NoError(t, err)

	e.prov.reply = `{"type":"OPTION","option":["yes","no"]}`
	e.turn(t, c.ID, "start the flow", "w1")
	e.prov.mu.Lock()
	e.prov.reply = "done"
	e.prov.mu.Unlock()
	e.turn(t, c.ID, `{"type":"RESUME","value":"yes"}`, "w2")
	e.turn(t, c.ID, "thanks", "w3")

	msgs := e.prov.last()
	var contents []string
	for _, m := range msgs {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"be brief", "start the flow", "done", "thanks"}, contents)

	hist, err := e.svc.History(ctx, 1, c.ID)
	require.NoError(t, err)
	for _, m := range hist {
		assert.False(t, IsResumeMarker(m.Content), m.Content)
	}
}

func TestStartTurn_HidesStoredEventValue(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c, err := e.svc.CreateChat(ctx, 1, 0, "")
	require.NoError(t, err)

	stored := `{"content":"A,B","message":"please pick one","type":"option"}`
	e.prov.mu.Lock()
	e.prov.reply = stored
	e.prov.mu.Unlock()
	e.turn(t, c.ID, "pick a letter", "ev1")

	e.prov.mu.Lock()
	e.prov.reply = "ok"
	e.prov.mu.Unlock()
	e.turn(t, c.ID, "A", "ev2")
	e.turn(t, c.ID, "next", "ev3")

	var contents []string
	for _, m := range e.prov.last() {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"be brief", "pick a letter", "A", "ok", "next"}, contents)

	hist, err := e.svc.History(ctx, 1, c.ID)
	require.NoError(t, err)
	for _, m := range hist {
		assert.NotEqual(t, stored, m.Content)
	}
	assert.Len(t, hist, 5)
}

func TestStartTurn_BotWithoutContext(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, e.svc.CreateBot(ctx, &Bot{Name: "oneshot", Provider: "fake", SystemPrompt: "translate", SupportContext: false}))
	c, err := e.svc.CreateChat(ctx, 1, 1, "")
	require.NoError(t, err)

	e.turn(t, c.ID, "hola", "o1")
	e.turn(t, c.ID, "adios", "o2")
	msgs := e.prov.last()
	require.Len(t, msgs, 2)
	assert.Equal(t, "translate", msgs[0].Content)
	assert.Equal(t, "adios", msgs[1].Content)
}

func TestStartTurn_AttachmentReachesProvider(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()
	c, err := e.svc.CreateChat(ctx, 1, 0, "")
	require.NoError(t, err)

	s, err := e.svc.StartTurn(ctx, TurnInput{
		UserID: 1, ChatID: c.ID, Text: "what is it", SessionID: "img",
		Attachment: &AttachmentRef{Type: "image", URL: "http://img/x.png"},
	})
	require.NoError(t, err)
	awaitSession(t, s)
	e.svc.Wait()

	msgs := e.prov.last()
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"http://img/x.png"}, msgs[1].ImageURLs)

	hist, err := e.svc.History(ctx, 1, c.ID)
	require.NoError(t, err)
	assert.Equal(t, "http://img/x.png", hist[0].ImageURL)
}

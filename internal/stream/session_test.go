package stream

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(s *Session) []Event {
	var out []Event
	for ev := range s.Events() {
		out = append(out, ev)
	}
	return out
}

func TestSession_PushCompleteInOrder(t *testing.T) {
	reg := NewRegistry(0, 8)
	s, err := reg.Open("s1", 7)
	require.NoError(t, err)
	assert.Equal(t, StateOpen, s.State())

	go func() {
		for _, c := range []string{"a", "b", "c"} {
			s.PushChunk(c)
		}
		s.Complete()
	}()

	got := drain(s)
	assert.Equal(t, []Event{{EventChunk, "a"}, {EventChunk, "b"}, {EventChunk, "c"}}, got)
	assert.Equal(t, StateCompleted, s.State())
	assert.Equal(t, uint64(7), s.OwnerID())
}

func TestSession_TerminalIsAbsorbing(t *testing.T) {
	reg := NewRegistry(0, 8)
	s, err := reg.Open("s1", 1)
	require.NoError(t, err)

	var calls atomic.Int32
	s.OnTerminal(func(*Session) { calls.Add(1) })

	require.True(t, s.Error("backend down"))
	assert.False(t, s.Complete())
	assert.False(t, s.Cancel())
	assert.False(t, s.PushChunk("late"))

	assert.Empty(t, drain(s))
	assert.Equal(t, StateErrored, s.State())
	assert.Equal(t, "backend down", s.Err())
	assert.Equal(t, int32(1), calls.Load())
	assert.Error(t, s.Context().Err())

	// late registration still fires once
	s.OnTerminal(func(*Session) { calls.Add(1) })
	assert.Equal(t, int32(2), calls.Load())
}

func TestSession_CancelUnblocksFullBuffer(t *testing.T) {
	reg := NewRegistry(0, 1)
	s, err := reg.Open("s1", 1)
	require.NoError(t, err)

	require.True(t, s.PushChunk("fills buffer"))
	pushed := make(chan bool)
	go func() { pushed <- s.PushChunk("blocks") }()

	time.Sleep(20 * time.Millisecond)
	require.True(t, s.Cancel())

	select {
	case ok := <-pushed:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("push stayed blocked after cancel")
	}
	assert.Equal(t, []Event{{EventChunk, "fills buffer"}}, drain(s))
	assert.Equal(t, StateCancelled, s.State())
}

func TestSession_IdleTimeoutCancels(t *testing.T) {
	reg := NewRegistry(30*time.Millisecond, 8)
	s, err := reg.Open("idle", 1)
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("idle session was not cancelled")
	}
	assert.Equal(t, StateCancelled, s.State())
	assert.Eventually(t, func() bool { return reg.Len() == 0 }, time.Second, 5*time.Millisecond)
}

func TestSession_PushResetsIdle(t *testing.T) {
	reg := NewRegistry(80*time.Millisecond, 64)
	s, err := reg.Open("busy", 1)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		time.Sleep(30 * time.Millisecond)
		require.True(t, s.PushChunk("tick"))
	}
	assert.Equal(t, StateStreaming, s.State())
	s.Complete()
}

func TestSession_ConcurrentTerminalCallsFireOnce(t *testing.T) {
	reg := NewRegistry(0, 8)
	s, err := reg.Open("race", 1)
	require.NoError(t, err)

	var calls atomic.Int32
	s.OnTerminal(func(*Session) { calls.Add(1) })

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var ok bool
			switch i % 3 {
			case 0:
				ok = s.Cancel()
			case 1:
				ok = s.Complete()
			default:
				ok = s.Error("x")
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(1), calls.Load())
}

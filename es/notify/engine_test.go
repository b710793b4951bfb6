package notify_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/getpup/pupstore/es"
	"github.com/getpup/pupstore/es/notify"
)

func event(stream es.StreamID, n es.EventNumber, payload string) es.StoredEvent[string] {
	return es.StoredEvent[string]{
		Position:    es.At(stream, n),
		Payload:     payload,
		CommittedAt: time.Now(),
	}
}

func receive(t *testing.T, s *notify.Subscriber[string], n int) []es.StoredEvent[string] {
	t.Helper()
	out := make([]es.StoredEvent[string], 0, n)
	timeout := time.After(5 * time.Second)
	for len(out) < n {
		select {
		case ev := <-s.C():
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func assertNothing(t *testing.T, s *notify.Subscriber[string]) {
	t.Helper()
	select {
	case ev := <-s.C():
		t.Fatalf("unexpected event %s", ev.Position)
	case <-time.After(20 * time.Millisecond):
	}
}

func newEngine(opts ...notify.Option) *notify.Engine[string] {
	return notify.New[string](notify.NewConfig(opts...))
}

func TestEngine_FanOut(t *testing.T) {
	e := newEngine()
	defer e.Close()

	a, err := e.Subscribe("S")
	require.NoError(t, err)
	b, err := e.Subscribe("S")
	require.NoError(t, err)
	assert.Equal(t, 2, e.RefCount("S"))

	e.Publish(event("S", 0, "a"), event("S", 1, "b"), event("S", 2, "c"))

	gotA := receive(t, a, 3)
	gotB := receive(t, b, 3)
	assert.Equal(t, gotA, gotB)
	for i, ev := range gotA {
		assert.Equal(t, es.EventNumber(i), ev.Number())
	}
}

func TestEngine_OnlySubscribedStream(t *testing.T) {
	e := newEngine()
	defer e.Close()

	s, err := e.Subscribe("S")
	require.NoError(t, err)

	e.Publish(event("other", 0, "x"))
	assertNothing(t, s)

	e.Publish(event("S", 0, "a"))
	got := receive(t, s, 1)
	assert.Equal(t, "a", got[0].Payload)
}

func TestEngine_LiveOnly(t *testing.T) {
	e := newEngine()
	defer e.Close()

	e.Publish(event("S", 0, "before"))

	s, err := e.Subscribe("S")
	require.NoError(t, err)
	all, err := e.SubscribeAll()
	require.NoError(t, err)

	assertNothing(t, s)
	assertNothing(t, all)

	e.Publish(event("S", 1, "after"))
	assert.Equal(t, "after", receive(t, s, 1)[0].Payload)
	assert.Equal(t, "after", receive(t, all, 1)[0].Payload)
}

func TestEngine_GlobalFeed(t *testing.T) {
	e := newEngine()
	defer e.Close()

	all, err := e.SubscribeAll()
	require.NoError(t, err)
	assert.Equal(t, 1, e.GlobalCount())

	e.Publish(event("A", 0, "a0"), event("B", 0, "b0"), event("A", 1, "a1"))

	got := receive(t, all, 3)
	assert.Equal(t, []string{"a0", "b0", "a1"}, []string{got[0].Payload, got[1].Payload, got[2].Payload})
}

func TestEngine_ResourceReclamation(t *testing.T) {
	e := newEngine()
	defer e.Close()

	a, err := e.Subscribe("S")
	require.NoError(t, err)
	b, err := e.Subscribe("S")
	require.NoError(t, err)
	assert.Equal(t, 1, e.Topics())

	a.Close()
	assert.Equal(t, 1, e.RefCount("S"))
	assert.Equal(t, 1, e.Topics())

	b.Close()
	b.Close()
	assert.Equal(t, 0, e.RefCount("S"))
	assert.Equal(t, 0, e.Topics())
	assert.NoError(t, b.Err())

	// A fresh subscription after reclamation works.
	c, err := e.Subscribe("S")
	require.NoError(t, err)
	e.Publish(event("S", 0, "a"))
	assert.Len(t, receive(t, c, 1), 1)
}

func TestEngine_ConcurrentSubscribeUnsubscribe(t *testing.T) {
	e := newEngine()
	defer e.Close()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := es.StreamID(fmt.Sprintf("s-%d", i%5))
			for j := 0; j < 20; j++ {
				s, err := e.Subscribe(id)
				if err != nil {
					t.Error(err)
					return
				}
				e.Publish(event(id, es.EventNumber(j), "x"))
				s.Close()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, e.Topics())
	for i := 0; i < 5; i++ {
		assert.Equal(t, 0, e.RefCount(es.StreamID(fmt.Sprintf("s-%d", i))))
	}
}

func TestEngine_SlowSubscriberDropped(t *testing.T) {
	e := newEngine(
		notify.WithCapacity(2),
		notify.WithBackoff(notify.Backoff{Initial: time.Millisecond, Multiplier: 2, Max: 8 * time.Millisecond}),
	)
	defer e.Close()

	slow, err := e.Subscribe("S")
	require.NoError(t, err)
	fast, err := e.Subscribe("S")
	require.NoError(t, err)

	received := make(chan int)
	go func() {
		n := 0
		timeout := time.After(5 * time.Second)
		for n < 5 {
			select {
			case <-fast.C():
				n++
			case <-timeout:
				received <- n
				return
			}
		}
		received <- n
	}()

	for i := 0; i < 5; i++ {
		e.Publish(event("S", es.EventNumber(i), "x"))
	}
	assert.Equal(t, 5, <-received)

	select {
	case <-slow.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("slow subscriber was not dropped")
	}
	assert.Equal(t, es.KindDelivery, es.KindOf(slow.Err()))
	assert.Equal(t, 1, e.RefCount("S"))

	// Events queued before the drop remain readable.
	assert.Len(t, receive(t, slow, 2), 2)
}

func TestEngine_BackoffWaitsForSpace(t *testing.T) {
	e := newEngine(
		notify.WithCapacity(1),
		notify.WithBackoff(notify.Backoff{Initial: 50 * time.Millisecond, Multiplier: 1.5, Max: time.Second}),
	)
	defer e.Close()

	s, err := e.Subscribe("S")
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		<-s.C()
	}()

	e.Publish(event("S", 0, "a"), event("S", 1, "b"))

	got := receive(t, s, 1)
	assert.Equal(t, es.EventNumber(1), got[0].Number())
	assert.NoError(t, s.Err())
}

func TestEngine_Close(t *testing.T) {
	e := newEngine()

	s, err := e.Subscribe("S")
	require.NoError(t, err)
	all, err := e.SubscribeAll()
	require.NoError(t, err)

	require.NoError(t, e.Close())
	require.NoError(t, e.Close())

	<-s.Done()
	<-all.Done()
	assert.ErrorIs(t, s.Err(), notify.ErrClosed)
	assert.ErrorIs(t, all.Err(), notify.ErrClosed)

	_, err = e.Subscribe("S")
	assert.ErrorIs(t, err, notify.ErrClosed)
	_, err = e.SubscribeAll()
	assert.ErrorIs(t, err, notify.ErrClosed)
}

func TestEngine_InstancesIsolated(t *testing.T) {
	e1 := newEngine()
	defer e1.Close()
	e2 := newEngine()
	defer e2.Close()

	s, err := e2.Subscribe("S")
	require.NoError(t, err)

	e1.Publish(event("S", 0, "a"))
	assertNothing(t, s)
}

func TestEngine_EmptyStreamID(t *testing.T) {
	e := newEngine()
	defer e.Close()

	_, err := e.Subscribe("")
	assert.ErrorIs(t, err, es.ErrEmptyStreamID)
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *recordingLogger) Debug(context.Context, string, ...interface{}) {}
func (l *recordingLogger) Info(context.Context, string, ...interface{})  {}
func (l *recordingLogger) Error(_ context.Context, msg string, _ ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func TestEngine_DropIsLogged(t *testing.T) {
	logger := &recordingLogger{}
	e := newEngine(
		notify.WithLogger(logger),
		notify.WithCapacity(1),
		notify.WithBackoff(notify.Backoff{Initial: time.Millisecond, Multiplier: 2, Max: 2 * time.Millisecond}),
	)
	defer e.Close()

	s, err := e.Subscribe("S")
	require.NoError(t, err)

	e.Publish(event("S", 0, "a"), event("S", 1, "b"))
	<-s.Done()

	logger.mu.Lock()
	defer logger.mu.Unlock()
	assert.Contains(t, logger.errors, "subscriber dropped")
}

// Package storetest provides a conformance suite for store.Store implementations.
//
// Backends call Run from their own tests with a factory that returns a fresh,
// empty store. Live delivery is awaited with a timeout, so backends that deliver
// asynchronously (SQL stores fed by a notify bridge) run the same suite.
package storetest

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
	"github.com/getpup/pupstore/es/store"
)

// Payload is the event type used by the suite.
type Payload struct {
	Name string            `json:"name"`
	Tags map[string]string `json:"tags,omitempty"`
	Seq  int               `json:"seq"`
}

// P returns a payload with the given name.
func P(name string) Payload {
	return Payload{Name: name}
}

// Factory returns an empty store. The suite closes it.
type Factory func(t *testing.T) store.Store[Payload]

// RefCounter is implemented by stores that expose their notification engine's
// per-stream subscriber count.
type RefCounter interface {
	RefCount(id es.StreamID) int
}

// Timeout bounds every wait for a live event.
var Timeout = 5 * time.Second

// Quiet is how long the suite waits to conclude that no event is coming.
var Quiet = 150 * time.Millisecond

// Run executes the conformance suite.
func Run(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store[Payload])
	}{
		{"Scenario", testScenario},
		{"EmptyAppend", testEmptyAppend},
		{"Contiguity", testContiguity},
		{"ConcurrentAppendConflict", testConcurrentAppendConflict},
		{"ExpectedHeadAhead", testExpectedHeadAhead},
		{"ReadSnapshotAndRestart", testReadSnapshotAndRestart},
		{"ReadCancel", testReadCancel},
		{"RoundTrip", testRoundTrip},
		{"Head", testHead},
		{"StreamsIndependent", testStreamsIndependent},
		{"LiveOnlySubscribe", testLiveOnlySubscribe},
		{"LiveOnlySubscribeAll", testLiveOnlySubscribeAll},
		{"HistoryThenLive", testHistoryThenLive},
		{"FanOut", testFanOut},
		{"SubscribeAllOrder", testSubscribeAllOrder},
		{"ResourceReclamation", testResourceReclamation},
		{"CloseStopsSubscriptions", testCloseStopsSubscriptions},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := factory(t)
			t.Cleanup(func() { s.Close() })
			tt.fn(t, s)
		})
	}
}

func ctx(t *testing.T) context.Context {
	t.Helper()
	c, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return c
}

// Receive waits for n events on sub.
func Receive(t *testing.T, sub *store.Subscription[Payload], n int) []es.StoredEvent[Payload] {
	t.Helper()
	out := make([]es.StoredEvent[Payload], 0, n)
	timeout := time.After(Timeout)
	for len(out) < n {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				t.Fatalf("subscription ended after %d of %d events: %v", len(out), n, sub.Err())
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

// NarrowNotify is a notification config with a tiny inbox and a short
// backoff, for tests that overflow subscriber inboxes on purpose.
func NarrowNotify() notify.Config {
	return notify.NewConfig(
		notify.WithCapacity(2),
		notify.WithBackoff(notify.Backoff{Initial: 10 * time.Millisecond, Multiplier: 2, Max: 160 * time.Millisecond}),
	)
}

// ReaderKeepsUp checks that a subscriber that keeps reading is never dropped
// while appends overflow its inbox, including while it is still replaying
// history. s should be built with NarrowNotify.
func ReaderKeepsUp(t *testing.T, s store.Store[Payload]) {
	t.Helper()
	const history, live = 20, 100
	c := ctx(t)
	id := es.StreamID("busy")

	pos := es.Start(id)
	var err error
	for i := 0; i < history; i++ {
		pos, err = s.Append(c, pos, Payload{Name: "history", Seq: i})
		require.NoError(t, err)
	}

	sub, err := s.Subscribe(c, es.Start(id))
	require.NoError(t, err)
	defer sub.Close()

	appended := make(chan error, 1)
	go func() {
		p := pos
		for i := history; i < history+live; i++ {
			var err error
			if p, err = s.Append(c, p, Payload{Name: "live", Seq: i}); err != nil {
				appended <- err
				return
			}
		}
		appended <- nil
	}()

	got := Receive(t, sub, history+live)
	for i, ev := range got {
		require.Equal(t, es.EventNumber(i), ev.Number())
		require.Equal(t, i, ev.Payload.Seq)
	}
	require.NoError(t, <-appended)
	assert.NoError(t, sub.Err())
	assert.Equal(t, store.StateActive, sub.State())
}

// ExpectNothing fails if sub delivers an event within Quiet.
func ExpectNothing(t *testing.T, sub *store.Subscription[Payload]) {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		if ok {
			t.Fatalf("unexpected event %s (%s)", ev.Position, ev.Payload.Name)
		}
	case <-time.After(Quiet):
	}
}

func names(events []es.StoredEvent[Payload]) []string {
	out := make([]string, len(events))
	for i := range events {
		out[i] = events[i].Payload.Name
	}
	return out
}

func numbers(events []es.StoredEvent[Payload]) []es.EventNumber {
	out := make([]es.EventNumber, len(events))
	for i := range events {
		out[i] = events[i].Number()
	}
	return out
}

func testScenario(t *testing.T, s store.Store[Payload]) {
	c := ctx(t)

	head, err := s.Append(c, es.Start("S"), P("a"), P("b"))
	require.NoError(t, err)
	assert.Equal(t, es.At("S", 2), head)

	_, err = s.Append(c, es.Start("S"), P("c"))
	require.ErrorIs(t, err, store.ErrOptimisticConcurrency)
	conflict, ok := es.AsConflict(err)
	require.True(t, ok)
	assert.Equal(t, es.StreamID("S"), conflict.StreamID)
	assert.Equal(t, es.EventNumber(0), conflict.Expected)
	assert.Equal(t, es.EventNumber(2), conflict.Actual)

	head, err = s.Append(c, es.At("S", 2), P("c"))
	require.NoError(t, err)
	assert.Equal(t, es.At("S", 3), head)

	events, err := store.Collect(s.Read(c, es.Start("S")))
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names(events))
	assert.Equal(t, []es.EventNumber{0, 1, 2}, numbers(events))
}

func testEmptyAppend(t *testing.T, s store.Store[Payload]) {
	c := ctx(t)

	_, err := s.Append(c, es.Start("S"))
	assert.ErrorIs(t, err, store.ErrNoEvents)

	_, err = s.Append(c, es.Start(""), P("a"))
	assert.ErrorIs(t, err, es.ErrEmptyStreamID)

	head, err := s.Head(c, "S")
	require.NoError(t, err)
	assert.Equal(t, es.Start("S"), head)
}

func testContiguity(t *testing.T, s store.Store[Payload]) {
	c := ctx(t)

	pos := es.Start("S")
	total := 0
	for batch := 1; batch <= 4; batch++ {
		payloads := make([]Payload, batch)
		for i := range payloads {
			payloads[i] = Payload{Name: fmt.Sprintf("e%d", total), Seq: total}
			total++
		}
		var err error
		pos, err = s.Append(c, pos, payloads...)
		require.NoError(t, err)
	}
	assert.Equal(t, es.At("S", es.EventNumber(total)), pos)

	events, err := store.Collect(s.Read(c, es.Start("S")))
	require.NoError(t, err)
	require.Len(t, events, total)
	for i, ev := range events {
		assert.Equal(t, es.EventNumber(i), ev.Number())
		assert.Equal(t, i, ev.Payload.Seq)
		assert.False(t, ev.CommittedAt.IsZero())
	}
}

func testConcurrentAppendConflict(t *testing.T, s store.Store[Payload]) {
	c := ctx(t)

	_, err := s.Append(c, es.Start("S"), P("seed"))
	require.NoError(t, err)

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Append(c, es.At("S", 1), P(fmt.Sprintf("w%d", i)), P(fmt.Sprintf("w%d-2", i)))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case es.KindOf(err) == es.KindConcurrencyConflict:
				conflicts++
			default:
				t.Errorf("unexpected append error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, writers-1, conflicts)

	head, err := s.Head(c, "S")
	require.NoError(t, err)
	assert.Equal(t, es.At("S", 3), head)

	events, err := store.Collect(s.Read(c, es.Start("S")))
	require.NoError(t, err)
	assert.Equal(t, []es.EventNumber{0, 1, 2}, numbers(events))
}

func testExpectedHeadAhead(t *testing.T, s store.Store[Payload]) {
	c := ctx(t)

	_, err := s.Append(c, es.At("S", 5), P("a"))
	conflict, ok := es.AsConflict(err)
	require.True(t, ok, "expected conflict, got %v", err)
	assert.Equal(t, es.EventNumber(5), conflict.Expected)
	assert.Equal(t, es.EventNumber(0), conflict.Actual)

	events, err := store.Collect(s.Read(c, es.Start("S")))
	require.NoError(t, err)
	assert.Empty(t, events)
}

func testReadSnapshotAndRestart(t *testing.T, s store.Store[Payload]) {
	c := ctx(t)

	_, err := s.Append(c, es.Start("S"), P("a"), P("b"), P("c"))
	require.NoError(t, err)

	seq := s.Read(c, es.At("S", 1))
	first, err := store.Collect(seq)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, names(first))

	_, err = s.Append(c, es.At("S", 3), P("d"))
	require.NoError(t, err)

	again, err := store.Collect(seq)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c", "d"}, names(again))

	past, err := store.Collect(s.Read(c, es.At("S", 10)))
	require.NoError(t, err)
	assert.Empty(t, past)

	missing, err := store.Collect(s.Read(c, es.Start("nope")))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func testReadCancel(t *testing.T, s store.Store[Payload]) {
	c := ctx(t)

	_, err := s.Append(c, es.Start("S"), P("a"), P("b"), P("c"))
	require.NoError(t, err)

	var got []string
	for ev, err := range s.Read(c, es.Start("S")) {
		require.NoError(t, err)
		got = append(got, ev.Payload.Name)
		break
	}
	assert.Equal(t, []string{"a"}, got)

	head, err := s.Head(c, "S")
	require.NoError(t, err)
	assert.Equal(t, es.At("S", 3), head)
}

func testRoundTrip(t *testing.T, s store.Store[Payload]) {
	c := ctx(t)

	in := Payload{Name: "ünïcödé \"quoted\"\nline", Seq: 42, Tags: map[string]string{"k": "v", "empty": ""}}
	_, err := s.Append(c, es.Start("S"), in)
	require.NoError(t, err)

	events, err := store.Collect(s.Read(c, es.Start("S")))
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, in, events[0].Payload)
	assert.NotEqual(t, [16]byte{}, [16]byte(events[0].EventID))
}

func testHead(t *testing.T, s store.Store[Payload]) {
	c := ctx(t)

	head, err := s.Head(c, "S")
	require.NoError(t, err)
	assert.Equal(t, es.Start("S"), head)

	_, err = s.Append(c, head, P("a"), P("b"))
	require.NoError(t, err)

	head, err = s.Head(c, "S")
	require.NoError(t, err)
	assert.Equal(t, es.At("S", 2), head)
}

func testStreamsIndependent(t *testing.T, s store.Store[Payload]) {
	c := ctx(t)

	_, err := s.Append(c, es.Start("A"), P("a0"), P("a1"))
	require.NoError(t, err)
	_, err = s.Append(c, es.Start("B"), P("b0"))
	require.NoError(t, err)

	a, err := store.Collect(s.Read(c, es.Start("A")))
	require.NoError(t, err)
	b, err := store.Collect(s.Read(c, es.Start("B")))
	require.NoError(t, err)
	assert.Equal(t, []string{"a0", "a1"}, names(a))
	assert.Equal(t, []string{"b0"}, names(b))
	assert.Equal(t, []es.EventNumber{0}, numbers(b))
}

func testLiveOnlySubscribe(t *testing.T, s store.Store[Payload]) {
	c := ctx(t)

	head, err := s.Append(c, es.Start("S"), P("old0"), P("old1"))
	require.NoError(t, err)

	sub, err := s.Subscribe(c, head)
	require.NoError(t, err)
	defer sub.Close()
	ExpectNothing(t, sub)

	_, err = s.Append(c, head, P("new"))
	require.NoError(t, err)

	got := Receive(t, sub, 1)
	assert.Equal(t, "new", got[0].Payload.Name)
	assert.Equal(t, es.EventNumber(2), got[0].Number())
}

func testLiveOnlySubscribeAll(t *testing.T, s store.Store[Payload]) {
	c := ctx(t)

	_, err := s.Append(c, es.Start("S"), P("old"))
	require.NoError(t, err)

	sub, err := s.SubscribeAll(c)
	require.NoError(t, err)
	defer sub.Close()
	ExpectNothing(t, sub)

	_, err = s.Append(c, es.At("S", 1), P("new"))
	require.NoError(t, err)

	got := Receive(t, sub, 1)
	assert.Equal(t, "new", got[0].Payload.Name)
	ExpectNothing(t, sub)
}

func testHistoryThenLive(t *testing.T, s store.Store[Payload]) {
	c := ctx(t)

	_, err := s.Append(c, es.Start("S"), P("h0"), P("h1"), P("h2"))
	require.NoError(t, err)

	sub, err := s.Subscribe(c, es.Start("S"))
	require.NoError(t, err)
	defer sub.Close()

	history := Receive(t, sub, 3)

	_, err = s.Append(c, es.At("S", 3), P("l3"))
	require.NoError(t, err)
	_, err = s.Append(c, es.At("S", 4), P("l4"))
	require.NoError(t, err)

	live := Receive(t, sub, 2)
	all := append(history, live...)
	assert.Equal(t, []es.EventNumber{0, 1, 2, 3, 4}, numbers(all))
	assert.Equal(t, []string{"h0", "h1", "h2", "l3", "l4"}, names(all))
	ExpectNothing(t, sub)
}

func testFanOut(t *testing.T, s store.Store[Payload]) {
	c := ctx(t)

	head, err := s.Head(c, "S")
	require.NoError(t, err)

	a, err := s.Subscribe(c, head)
	require.NoError(t, err)
	defer a.Close()
	b, err := s.Subscribe(c, head)
	require.NoError(t, err)
	defer b.Close()

	pos := head
	for i := 0; i < 5; i++ {
		pos, err = s.Append(c, pos, Payload{Name: fmt.Sprintf("e%d", i), Seq: i})
		require.NoError(t, err)
	}

	gotA := Receive(t, a, 5)
	gotB := Receive(t, b, 5)
	assert.Equal(t, numbers(gotA), numbers(gotB))
	assert.Equal(t, names(gotA), names(gotB))
	assert.Equal(t, []es.EventNumber{0, 1, 2, 3, 4}, numbers(gotA))
}

func testSubscribeAllOrder(t *testing.T, s store.Store[Payload]) {
	c := ctx(t)

	sub, err := s.SubscribeAll(c)
	require.NoError(t, err)
	defer sub.Close()

	_, err = s.Append(c, es.Start("A"), P("a0"))
	require.NoError(t, err)
	_, err = s.Append(c, es.Start("B"), P("b0"), P("b1"))
	require.NoError(t, err)
	_, err = s.Append(c, es.At("A", 1), P("a1"))
	require.NoError(t, err)

	got := Receive(t, sub, 4)
	assert.Equal(t, []string{"a0", "b0", "b1", "a1"}, names(got))
}

func testResourceReclamation(t *testing.T, s store.Store[Payload]) {
	rc, ok := s.(RefCounter)
	if !ok {
		t.Skip("store does not expose subscriber counts")
	}
	c := ctx(t)

	a, err := s.Subscribe(c, es.Start("S"))
	require.NoError(t, err)
	b, err := s.Subscribe(c, es.Start("S"))
	require.NoError(t, err)
	assert.Equal(t, 2, rc.RefCount("S"))

	require.NoError(t, a.Close())
	assert.Equal(t, 1, rc.RefCount("S"))
	require.NoError(t, b.Close())
	assert.Equal(t, 0, rc.RefCount("S"))
}

func testCloseStopsSubscriptions(t *testing.T, s store.Store[Payload]) {
	c := ctx(t)

	sub, err := s.Subscribe(c, es.Start("S"))
	require.NoError(t, err)
	all, err := s.SubscribeAll(c)
	require.NoError(t, err)

	require.NoError(t, s.Close())

	for _, x := range []*store.Subscription[Payload]{sub, all} {
		select {
		case <-x.Done():
		case <-time.After(Timeout):
			t.Fatal("subscription still running after store close")
		}
	}

	_, err = s.Append(c, es.Start("S"), P("late"))
	assert.ErrorIs(t, err, store.ErrClosed)
	_, err = s.Subscribe(c, es.Start("S"))
	assert.ErrorIs(t, err, store.ErrClosed)
}

package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/counselcall/internal/docstore"
)

func newTestManager(t *testing.T) (*Manager, *docstore.Engine) {
	t.Helper()
	eng := docstore.NewMemoryEngine()
	t.Cleanup(func() { eng.Close() })
	return New(eng, Options{}), eng
}

// collector records every delivery of a subscription.
type collector struct {
	mu   sync.Mutex
	runs [][]Message
	ch   chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 64)}
}

func (c *collector) onMessages(msgs []Message) {
	c.mu.Lock()
	c.runs = append(c.runs, msgs)
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *collector) waitFor(t *testing.T, n int) []Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		c.mu.Lock()
		if len(c.runs) > 0 && len(c.runs[len(c.runs)-1]) >= n {
			last := c.runs[len(c.runs)-1]
			c.mu.Unlock()
			return last
		}
		c.mu.Unlock()
		select {
		case <-c.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d messages", n)
		}
	}
}

func contents(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestOpenThreadIsPerPair(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	a, err := m.OpenThread(ctx, "counselor-1", "student-1")
	require.NoError(t, err)
	b, err := m.OpenThread(ctx, "counselor-1", "student-1")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := m.OpenThread(ctx, "counselor-1", "student-2")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	threads, err := m.ListThreads(ctx, "counselor-1")
	require.NoError(t, err)
	assert.Len(t, threads, 2)
}

func TestConcurrentOpenThreadConverges(t *testing.T) {
	ctx := context.Background()
	m, eng := newTestManager(t)

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := m.OpenThread(ctx, "c", "s")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()
	for _, id := range ids[1:] {
		assert.Equal(t, ids[0], id)
	}

	docs, err := eng.Query(ctx, docstore.Query{Collection: threadsCollection})
	require.NoError(t, err)
	require.Len(t, docs, 1, "empty duplicates must be cleaned up")
	assert.Equal(t, ids[0], docs[0].ID)
}

func TestDuplicateThreadEarliestWins(t *testing.T) {
	ctx := context.Background()
	m, eng := newTestManager(t)
	key := PairKey("c", "s")

	// two threads created by racing clients; the later one already has a message
	first, err := docstore.Create(ctx, eng, threadPath("t-first"), docstore.Fields{
		fieldCounselorID: "c", fieldStudentID: "s", fieldPairKey: key, fieldCreatedAt: docstore.ServerTimestamp,
	})
	require.NoError(t, err)
	_, err = docstore.Create(ctx, eng, threadPath("t-second"), docstore.Fields{
		fieldCounselorID: "c", fieldStudentID: "s", fieldPairKey: key, fieldCreatedAt: docstore.ServerTimestamp,
	})
	require.NoError(t, err)
	_, err = m.Send(ctx, "t-second", "s", "Sam", "sent before reconcile")
	require.NoError(t, err)

	canon, err := m.Reconcile(ctx, "s", "c")
	require.NoError(t, err)
	assert.Equal(t, first.ID, canon.ID)

	second, err := m.GetThread(ctx, "t-second")
	require.NoError(t, err, "non-empty orphan must be kept")
	assert.Equal(t, "t-first", second.OrphanOf)

	_, err = m.Send(ctx, "t-second", "s", "Sam", "late")
	assert.True(t, errors.Is(err, ErrSendFailed))
	assert.True(t, errors.Is(err, ErrThreadClosed))

	id, err := m.OpenThread(ctx, "c", "s")
	require.NoError(t, err)
	assert.Equal(t, "t-first", id)

	threads, err := m.ListThreads(ctx, "s")
	require.NoError(t, err)
	require.Len(t, threads, 1)
	assert.Equal(t, "t-first", threads[0].ID)
}

func TestMessagesOrderedByTimestamp(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	id, err := m.OpenThread(ctx, "counselor", "student")
	require.NoError(t, err)

	_, err = m.Send(ctx, id, "student", "Sam", "Hello")
	require.NoError(t, err)
	_, err = m.Send(ctx, id, "counselor", "Dr. Lee", "Hi")
	require.NoError(t, err)

	live := newCollector()
	cancel, err := m.Subscribe(ctx, id, live.onMessages)
	require.NoError(t, err)
	defer cancel()
	got := live.waitFor(t, 2)
	assert.Equal(t, []string{"Hello", "Hi"}, contents(got))
	assert.LessOrEqual(t, got[0].Timestamp, got[1].Timestamp)

	_, err = m.Send(ctx, id, "student", "Sam", "How are you?")
	require.NoError(t, err)
	got = live.waitFor(t, 3)
	assert.Equal(t, []string{"Hello", "Hi", "How are you?"}, contents(got))

	// a fresh subscription replays the same order
	replay := newCollector()
	cancel2, err := m.Subscribe(ctx, id, replay.onMessages)
	require.NoError(t, err)
	defer cancel2()
	assert.Equal(t, contents(got), contents(replay.waitFor(t, 3)))

	hist, err := m.History(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, contents(got), contents(hist))
}

func TestSendValidation(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)

	_, err := m.Send(ctx, "nope", "s", "Sam", "hello")
	assert.True(t, errors.Is(err, ErrThreadClosed), "got %v", err)

	id, _ := m.OpenThread(ctx, "c", "s")
	_, err = m.Send(ctx, id, "s", "Sam", "   ")
	assert.True(t, errors.Is(err, ErrSendFailed), "got %v", err)
}

func TestDeleteThread(t *testing.T) {
	ctx := context.Background()
	m, eng := newTestManager(t)
	id, err := m.OpenThread(ctx, "c", "s")
	require.NoError(t, err)
	for _, text := range []string{"one", "two", "three"} {
		_, err := m.Send(ctx, id, "s", "Sam", text)
		require.NoError(t, err)
	}

	require.NoError(t, m.DeleteThread(ctx, id))
	_, err = eng.Get(ctx, threadPath(id))
	assert.True(t, errors.Is(err, docstore.ErrNotFound))
	msgs, err := eng.Query(ctx, docstore.Query{Collection: messagesPath(id)})
	require.NoError(t, err)
	assert.Empty(t, msgs)

	// deleting again is a no-op; sending is refused
	assert.NoError(t, m.DeleteThread(ctx, id))
	_, err = m.Send(ctx, id, "s", "Sam", "anyone?")
	assert.True(t, errors.Is(err, ErrThreadClosed))

	// the pair gets a fresh thread afterwards
	next, err := m.OpenThread(ctx, "c", "s")
	require.NoError(t, err)
	assert.NotEqual(t, id, next)
}

// failingStore fails commits that delete documents.
type failingStore struct {
	docstore.Store
}

func (f failingStore) Commit(ctx context.Context, writes ...docstore.Write) ([]*docstore.Document, error) {
	for _, w := range writes {
		if w.Op == docstore.OpDelete {
			return nil, docstore.ErrUnavailable
		}
	}
	return f.Store.Commit(ctx, writes...)
}

func TestDeleteThreadFailureIsReported(t *testing.T) {
	ctx := context.Background()
	m, eng := newTestManager(t)
	id, _ := m.OpenThread(ctx, "c", "s")
	m.Send(ctx, id, "s", "Sam", "keep me")

	broken := New(failingStore{eng}, Options{})
	err := broken.DeleteThread(ctx, id)
	require.Error(t, err)
	assert.True(t, errors.Is(err, docstore.ErrUnavailable))

	// nothing was removed, and a retry through a healthy store completes
	msgs, _ := m.History(ctx, id)
	assert.Len(t, msgs, 1)
	require.NoError(t, m.DeleteThread(ctx, id))
	_, err = eng.Get(ctx, threadPath(id))
	assert.True(t, errors.Is(err, docstore.ErrNotFound))
}

func TestViewReconcilesPendingMessages(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	id, _ := m.OpenThread(ctx, "c", "s")

	v := NewView(nil)
	cancel, err := m.Subscribe(ctx, id, v.Confirm)
	require.NoError(t, err)
	defer cancel()

	sent, err := v.Send(ctx, m, id, "s", "Sam", "Hello")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		msgs := v.Messages()
		return len(msgs) == 1 && !msgs[0].Pending && msgs[0].ID == sent.ID
	}, 2*time.Second, 10*time.Millisecond)

	// a send that fails leaves nothing behind
	require.NoError(t, m.DeleteThread(ctx, id))
	_, err = v.Send(ctx, m, id, "s", "Sam", "lost")
	require.Error(t, err)
	for _, msg := range v.Messages() {
		assert.NotEqual(t, "lost", msg.Content)
	}
}

func TestViewPendingShownUntilEcho(t *testing.T) {
	var seen [][]Message
	v := NewView(func(msgs []Message) { seen = append(seen, msgs) })

	out := NewOutgoing("t1", "s", "Sam", "Hello")
	v.AddPending(out)
	msgs := v.Messages()
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Pending)

	v.Confirm([]Message{{ID: out.ID, ThreadID: "t1", Content: "Hello", Timestamp: 5}})
	msgs = v.Messages()
	require.Len(t, msgs, 1)
	assert.False(t, msgs[0].Pending)
	assert.Len(t, seen, 2)
}

func TestViewNotifiesInOrder(t *testing.T) {
	var (
		lens     []int
		inFlight int
		overlap  bool
	)
	v := NewView(func(msgs []Message) {
		inFlight++
		if inFlight > 1 {
			overlap = true
		}
		lens = append(lens, len(msgs))
		time.Sleep(time.Millisecond)
		inFlight--
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.AddPending(NewOutgoing("t1", "s", "Sam", "hi"))
		}()
	}
	wg.Wait()

	assert.False(t, overlap, "onChange calls overlapped")
	require.Len(t, lens, 20)
	for i := 1; i < len(lens); i++ {
		assert.GreaterOrEqual(t, lens[i], lens[i-1], "older list delivered after a newer one")
	}
	assert.Equal(t, 20, lens[len(lens)-1])
}

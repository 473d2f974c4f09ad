package hub

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/counselcall/internal/docstore"
)

type testHub struct {
	engine *docstore.Engine
	server *Server
	http   *httptest.Server
}

func (h *testHub) url() string {
	return "ws" + strings.TrimPrefix(h.http.URL, "http") + "/ws"
}

func newTestHub(t *testing.T, opts Options) *testHub {
	t.Helper()
	eng := docstore.NewMemoryEngine()
	srv := NewServer(eng, opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		eng.Close()
	})
	return &testHub{engine: eng, server: srv, http: ts}
}

func dialTest(t *testing.T, h *testHub, token string) *Client {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, ClientOptions{URL: h.url(), Token: token, User: t.Name(), MaxBackoff: 200 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func recvDoc(t *testing.T, ch <-chan docstore.DocSnapshot) docstore.DocSnapshot {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "doc channel closed")
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for doc snapshot")
	}
	return docstore.DocSnapshot{}
}

func recvQuery(t *testing.T, ch <-chan docstore.QuerySnapshot) docstore.QuerySnapshot {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "query channel closed")
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for query snapshot")
	}
	return docstore.QuerySnapshot{}
}

func TestRemoteCommitAndGet(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t, Options{})
	c := dialTest(t, h, "")

	d, err := docstore.Create(ctx, c, "calls/c1", docstore.Fields{"status": "calling", "createdAt": docstore.ServerTimestamp})
	require.NoError(t, err)
	assert.Equal(t, int64(1), d.Version)
	_, ok := docstore.Millis(d.Data["createdAt"])
	assert.True(t, ok, "server timestamp not resolved: %v", d.Data["createdAt"])

	_, err = docstore.Create(ctx, c, "calls/c1", docstore.Fields{})
	assert.True(t, errors.Is(err, docstore.ErrAlreadyExists), "got %v", err)

	_, err = docstore.Update(ctx, c, "calls/c1", docstore.Fields{"answer": "a"}, docstore.FieldSet("offer"))
	assert.True(t, errors.Is(err, docstore.ErrPreconditionFailed), "got %v", err)

	_, err = c.Get(ctx, "calls/missing")
	assert.True(t, errors.Is(err, docstore.ErrNotFound), "got %v", err)

	got, err := c.Get(ctx, "calls/c1")
	require.NoError(t, err)
	assert.Equal(t, "calling", got.String("status"))

	docs, err := c.Query(ctx, docstore.Query{Collection: "calls", Where: []docstore.Filter{docstore.Eq("status", "calling")}})
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestRemoteWatchSeesOtherClient(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t, Options{})
	a := dialTest(t, h, "")
	b := dialTest(t, h, "")

	q := docstore.Query{Collection: "chats/t1/messages", OrderBy: "timestamp"}
	ch, cancel, err := b.WatchQuery(ctx, q)
	require.NoError(t, err)
	defer cancel()

	first := recvQuery(t, ch)
	assert.Empty(t, first.Docs)

	_, err = docstore.Create(ctx, a, "chats/t1/messages/m1", docstore.Fields{"content": "Hello", "timestamp": docstore.ServerTimestamp})
	require.NoError(t, err)

	s := recvQuery(t, ch)
	require.Len(t, s.Changes, 1)
	assert.Equal(t, docstore.Added, s.Changes[0].Type)
	assert.Equal(t, "Hello", s.Docs[0].String("content"))

	dch, dcancel, err := b.WatchDoc(ctx, "calls/c9")
	require.NoError(t, err)
	defer dcancel()
	assert.False(t, recvDoc(t, dch).Exists())

	_, err = docstore.Create(ctx, a, "calls/c9", docstore.Fields{"status": "calling"})
	require.NoError(t, err)
	assert.Equal(t, "calling", recvDoc(t, dch).Doc.String("status"))
}

func TestTokenRequired(t *testing.T) {
	h := newTestHub(t, Options{Token: "s3cret"})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Dial(ctx, ClientOptions{URL: h.url(), Token: "wrong"})
	assert.True(t, errors.Is(err, docstore.ErrUnavailable), "got %v", err)

	c := dialTest(t, h, "s3cret")
	_, err = docstore.Create(context.Background(), c, "a/b", docstore.Fields{})
	assert.NoError(t, err)
}

func TestHealthz(t *testing.T) {
	h := newTestHub(t, Options{})
	resp, err := http.Get(h.http.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestResubscribeAfterDrop(t *testing.T) {
	ctx := context.Background()
	h := newTestHub(t, Options{})
	c := dialTest(t, h, "")

	ch, cancel, err := c.WatchQuery(ctx, docstore.Query{Collection: "calls"})
	require.NoError(t, err)
	defer cancel()
	recvQuery(t, ch)

	// drop every server side connection; the client must notice and recover
	h.server.Close()
	lost := recvQuery(t, ch)
	assert.True(t, errors.Is(lost.Err, docstore.ErrSubscriptionLost), "got %v", lost.Err)

	h.server.mu.Lock()
	h.server.closed = false
	h.server.mu.Unlock()

	require.Eventually(t, c.Connected, 5*time.Second, 20*time.Millisecond)

	// a change made while resubscribing arrives either in the resubscribe
	// snapshot or as a later change; in both cases it is reported once
	_, err = docstore.Create(ctx, h.engine, "calls/late", docstore.Fields{"status": "calling"})
	require.NoError(t, err)

	for {
		s := recvQuery(t, ch)
		if s.Err != nil {
			continue
		}
		require.Len(t, s.Changes, 1)
		assert.Equal(t, "late", s.Changes[0].Doc.ID)
		break
	}
}

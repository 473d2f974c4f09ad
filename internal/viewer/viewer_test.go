package viewer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/counselcall/internal/call"
	"github.com/petervdpas/counselcall/internal/chat"
	"github.com/petervdpas/counselcall/internal/docstore"
	"github.com/petervdpas/counselcall/internal/storage"
	"github.com/petervdpas/counselcall/internal/viewer/routes"
)

// failingCapturer refuses the devices, so no negotiator is ever needed.
type failingCapturer struct{ err error }

func (c failingCapturer) Capture(context.Context, string) (*call.Capture, error) {
	return nil, c.err
}

type stubSession struct {
	self    call.Identity
	calls   *call.Manager
	watcher *call.Watcher
	chat    *chat.Manager

	mu       sync.Mutex
	contacts []storage.Contact
}

func (s *stubSession) Self() call.Identity { return s.self }
func (s *stubSession) Calls() *call.Manager { return s.calls }
func (s *stubSession) Incoming() *call.Watcher { return s.watcher }
func (s *stubSession) Chat() *chat.Manager { return s.chat }

func (s *stubSession) Contacts() ([]storage.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.Contact(nil), s.contacts...), nil
}

func (s *stubSession) Remember(userID, name string) {
	s.mu.Lock()
	s.contacts = append(s.contacts, storage.Contact{UserID: userID, Name: name})
	s.mu.Unlock()
}

func newStubSession(t *testing.T, store docstore.Store, id string) *stubSession {
	t.Helper()
	self := call.Identity{ID: id, Name: "name-" + id}
	calls := call.New(store, call.Options{
		Self:     self,
		Capturer: failingCapturer{err: fmt.Errorf("%w: camera blocked", call.ErrMediaAccessDenied)},
	})
	w := call.NewWatcher(calls, call.WatcherOptions{MaxBackoff: 100 * time.Millisecond})
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() {
		w.Stop()
		calls.Close()
	})
	return &stubSession{self: self, calls: calls, watcher: w, chat: chat.New(store, chat.Options{})}
}

type testViewer struct {
	srv  *httptest.Server
	logs *LogBuffer

	mu   sync.Mutex
	sess routes.Session
}

func newTestViewer(t *testing.T) *testViewer {
	t.Helper()
	tv := &testViewer{logs: NewLogBuffer(10)}
	v := Viewer{
		Session: func() routes.Session {
			tv.mu.Lock()
			defer tv.mu.Unlock()
			return tv.sess
		},
		Logs: tv.logs,
	}
	tv.srv = httptest.NewServer(v.Handler())
	t.Cleanup(tv.srv.Close)
	return tv
}

func (tv *testViewer) signIn(s routes.Session) {
	tv.mu.Lock()
	tv.sess = s
	tv.mu.Unlock()
}

func (tv *testViewer) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, tv.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var sb strings.Builder
	_, err = bufio.NewReader(resp.Body).WriteTo(&sb)
	require.NoError(t, err)
	return resp, sb.String()
}

func decode[T any](t *testing.T, body string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(body), &v))
	return v
}

// readEvent returns the next SSE event of type name.
func readEvent(t *testing.T, r *bufio.Reader, name string) string {
	t.Helper()
	event := ""
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && event == name:
			return strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestSignedOut(t *testing.T) {
	tv := newTestViewer(t)

	resp, body := tv.do(t, http.MethodGet, "/api/self", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, decode[map[string]any](t, body)["signed_in"])

	resp, _ = tv.do(t, http.MethodGet, "/api/call/debug", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, _ = tv.do(t, http.MethodPost, "/api/chat/open", `{"student_id":"s1"}`)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, body = tv.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body)
	assert.Contains(t, resp.Header.Get("Cache-Control"), "no-store")
}

func TestSelf(t *testing.T) {
	eng := docstore.NewMemoryEngine()
	defer eng.Close()
	tv := newTestViewer(t)
	tv.signIn(newStubSession(t, eng, "c1"))

	resp, body := tv.do(t, http.MethodGet, "/api/self", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	self := decode[map[string]any](t, body)
	assert.Equal(t, true, self["signed_in"])
	assert.Equal(t, "c1", self["id"])
	assert.Equal(t, false, self["busy"])
}

func TestChatRoutes(t *testing.T) {
	eng := docstore.NewMemoryEngine()
	defer eng.Close()
	tv := newTestViewer(t)
	tv.signIn(newStubSession(t, eng, "c1"))

	resp, body := tv.do(t, http.MethodPost, "/api/chat/open", `{"student_id":"s1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	threadID := decode[map[string]string](t, body)["thread_id"]
	require.NotEmpty(t, threadID)

	resp, body = tv.do(t, http.MethodPost, "/api/chat/open", `{"counselor_id":"c1","student_id":"s1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, threadID, decode[map[string]string](t, body)["thread_id"], "open is idempotent")

	resp, body = tv.do(t, http.MethodPost, "/api/chat/send", `{"thread_id":"`+threadID+`","id":"m-1","content":"hello"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	msg := decode[chat.Message](t, body)
	assert.Equal(t, "m-1", msg.ID)
	assert.Equal(t, "c1", msg.SenderID)
	assert.NotZero(t, msg.Timestamp)

	resp, _ = tv.do(t, http.MethodPost, "/api/chat/send", `{"thread_id":"`+threadID+`","content":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = tv.do(t, http.MethodGet, "/api/chat/"+threadID+"/messages", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	msgs := decode[[]chat.Message](t, body)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Content)

	resp, body = tv.do(t, http.MethodGet, "/api/chat/threads", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	threads := decode[[]chat.Thread](t, body)
	require.Len(t, threads, 1)
	assert.Equal(t, "s1", threads[0].StudentID)

	resp, _ = tv.do(t, http.MethodDelete, "/api/chat/"+threadID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = tv.do(t, http.MethodGet, "/api/chat/"+threadID+"/messages", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatMembership(t *testing.T) {
	eng := docstore.NewMemoryEngine()
	defer eng.Close()
	tv := newTestViewer(t)

	owner := newStubSession(t, eng, "c1")
	threadID, err := owner.Chat().OpenThread(context.Background(), "c1", "s1")
	require.NoError(t, err)

	tv.signIn(newStubSession(t, eng, "s2"))
	resp, _ := tv.do(t, http.MethodGet, "/api/chat/"+threadID+"/messages", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = tv.do(t, http.MethodPost, "/api/chat/send", `{"thread_id":"`+threadID+`","content":"hi"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = tv.do(t, http.MethodPost, "/api/chat/open", `{"counselor_id":"c1","student_id":"s1"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = tv.do(t, http.MethodGet, "/api/chat/nope/messages", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatEvents(t *testing.T) {
	eng := docstore.NewMemoryEngine()
	defer eng.Close()
	tv := newTestViewer(t)
	sess := newStubSession(t, eng, "c1")
	tv.signIn(sess)

	threadID, err := sess.Chat().OpenThread(context.Background(), "c1", "s1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tv.srv.URL+"/api/chat/"+threadID+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	r := bufio.NewReader(resp.Body)

	assert.Equal(t, "[]", readEvent(t, r, "messages"))

	_, err = sess.Chat().Send(context.Background(), threadID, "s1", "Sam", "are you there?")
	require.NoError(t, err)

	msgs := decode[[]chat.Message](t, readEvent(t, r, "messages"))
	require.Len(t, msgs, 1)
	assert.Equal(t, "are you there?", msgs[0].Content)
}

func TestCallRoutes(t *testing.T) {
	eng := docstore.NewMemoryEngine()
	defer eng.Close()
	tv := newTestViewer(t)
	sess := newStubSession(t, eng, "c1")
	tv.signIn(sess)

	resp, _ := tv.do(t, http.MethodPost, "/api/call/start", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = tv.do(t, http.MethodPost, "/api/call/start", `{"peer_id":"s1","extra":1}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown fields are rejected")

	resp, _ = tv.do(t, http.MethodPost, "/api/call/start", `{"peer_id":"s1","peer_name":"Sam"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "camera blocked")
	contacts, _ := sess.Contacts()
	assert.Empty(t, contacts, "failed calls are not remembered")

	resp, _ = tv.do(t, http.MethodPost, "/api/call/answer", `{"call_id":"missing"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body := tv.do(t, http.MethodPost, "/api/call/hangup", `{"call_id":"missing"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "not_found", decode[map[string]string](t, body)["status"])

	resp, _ = tv.do(t, http.MethodPost, "/api/call/toggle-audio", `{"call_id":"missing"}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = tv.do(t, http.MethodGet, "/api/call/debug", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dbg := decode[map[string]any](t, body)
	assert.Equal(t, float64(0), dbg["session_count"])

	resp, body = tv.do(t, http.MethodGet, "/api/contacts", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]\n", body)
}

func TestCallEvents(t *testing.T) {
	eng := docstore.NewMemoryEngine()
	defer eng.Close()
	tv := newTestViewer(t)
	sess := newStubSession(t, eng, "s1")
	tv.signIn(sess)
	require.Eventually(t, sess.Incoming().Available, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, tv.srv.URL+"/api/call/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	r := bufio.NewReader(resp.Body)
	readEvent(t, r, "connected")

	_, err = docstore.Create(context.Background(), eng, docstore.Join("calls", "call-9"), docstore.Fields{
		"callerId":   "c1",
		"callerName": "Ana",
		"receiverId": "s1",
		"status":     "calling",
		"offer":      map[string]any{"type": "offer", "sdp": "v=0"},
		"createdAt":  docstore.ServerTimestamp,
	})
	require.NoError(t, err)

	for {
		ev := decode[call.WatchEvent](t, readEvent(t, r, "call"))
		if ev.Type != call.EventIncoming {
			continue
		}
		require.NotNil(t, ev.Call)
		assert.Equal(t, "call-9", ev.Call.CallID)
		assert.Equal(t, "Ana", ev.Call.CallerName)
		break
	}

	// the receiver cannot open its devices, so answering declines the call
	resp2, _ := tv.do(t, http.MethodPost, "/api/call/answer", `{"call_id":"call-9"}`)
	assert.Equal(t, http.StatusForbidden, resp2.StatusCode)
	doc, err := eng.Get(context.Background(), docstore.Join("calls", "call-9"))
	require.NoError(t, err)
	assert.Equal(t, "declined", doc.String("status"))
}

func TestLogRoutes(t *testing.T) {
	tv := newTestViewer(t)
	_, err := tv.logs.Write([]byte("first line\nsecond line\npartial"))
	require.NoError(t, err)

	resp, body := tv.do(t, http.MethodGet, "/api/logs", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries := decode[[]LogEntry](t, body)
	require.Len(t, entries, 2)
	assert.Equal(t, "second line", entries[1].Msg)

	resp, body = tv.do(t, http.MethodGet, "/api/logs?tail=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	entries = decode[[]LogEntry](t, body)
	require.Len(t, entries, 1)
	assert.Equal(t, "second line", entries[0].Msg)

	resp, _ = tv.do(t, http.MethodGet, "/api/logs?tail=x", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLogBufferSubscribe(t *testing.T) {
	b := NewLogBuffer(3)
	ch, cancel := b.Subscribe()
	_, _ = b.Write([]byte("a\n\nb\r\n"))
	assert.Equal(t, "a", (<-ch).Msg)
	assert.Equal(t, "b", (<-ch).Msg)
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)

	_, _ = b.Write([]byte("c\nd\ne\n"))
	got := b.Snapshot()
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].Msg)
}

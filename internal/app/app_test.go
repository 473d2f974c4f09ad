package app

import (
	"bytes"
	"context"
	"net"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/counselcall/internal/config"
	"github.com/petervdpas/counselcall/internal/docstore"
	"github.com/petervdpas/counselcall/internal/hub"
	"github.com/petervdpas/counselcall/internal/storage"
	"github.com/petervdpas/counselcall/internal/viewer"
)

const wait = 5 * time.Second
const tick = 10 * time.Millisecond

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Store.Backend = config.BackendMemory
	cfg.Call.ReceiveOnlyFallback = true
	cfg.Hub.MaxBackoffSec = 1
	return cfg
}

func ringCall(t *testing.T, store docstore.Store, id, caller, callerName, receiver string) {
	t.Helper()
	_, err := docstore.Create(context.Background(), store, docstore.Join("calls", id), docstore.Fields{
		"callerId":   caller,
		"callerName": callerName,
		"receiverId": receiver,
		"status":     "calling",
		"offer":      map[string]any{"type": "offer", "sdp": "v=0"},
		"createdAt":  docstore.ServerTimestamp,
	})
	require.NoError(t, err)
}

func TestOpenStoreSQLitePersists(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Store.Backend = config.BackendSQLite

	s, err := OpenStore(ctx, cfg, dir)
	require.NoError(t, err)
	_, err = docstore.Create(ctx, s, "threads/t1", docstore.Fields{"counselorId": "c1"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.FileExists(t, filepath.Join(dir, "data", "data.db"))

	s, err = OpenStore(ctx, cfg, dir)
	require.NoError(t, err)
	defer s.Close()
	doc, err := s.Get(ctx, "threads/t1")
	require.NoError(t, err)
	assert.Equal(t, "c1", doc.String("counselorId"))
}

func TestOpenStoreHub(t *testing.T) {
	ctx := context.Background()
	eng := docstore.NewMemoryEngine()
	defer eng.Close()
	srv := hub.NewServer(eng, hub.Options{Token: "tok"})
	defer srv.Close()
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	cfg := testConfig()
	cfg.Store.Backend = config.BackendHub
	cfg.Hub.URL = "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	cfg.Hub.Token = "tok"

	s, err := OpenStore(ctx, cfg, t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, err = docstore.Create(ctx, s, "threads/t1", docstore.Fields{"studentId": "s1"})
	require.NoError(t, err)
	doc, err := eng.Get(ctx, "threads/t1")
	require.NoError(t, err)
	assert.Equal(t, "s1", doc.String("studentId"))

	cfg.Hub.Token = "wrong"
	_, err = OpenStore(ctx, cfg, t.TempDir())
	assert.ErrorIs(t, err, docstore.ErrUnavailable)
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestRunHubServesPeers(t *testing.T) {
	cfg := testConfig()
	cfg.Hub.ListenAddr = freeAddr(t)
	cfg.Viewer.HTTPAddr = ""

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- RunHub(ctx, Options{Dir: t.TempDir(), Cfg: cfg}) }()
	require.NoError(t, WaitTCP(cfg.Hub.ListenAddr, wait))

	peerCfg := testConfig()
	peerCfg.Store.Backend = config.BackendHub
	peerCfg.Hub.URL = "ws://" + cfg.Hub.ListenAddr + "/ws"
	s, err := OpenStore(ctx, peerCfg, t.TempDir())
	require.NoError(t, err)
	_, err = docstore.Create(ctx, s, "chats/t1", docstore.Fields{"pairKey": "a|b"})
	require.NoError(t, err)
	doc, err := s.Get(ctx, "chats/t1")
	require.NoError(t, err)
	assert.Equal(t, "a|b", doc.String("pairKey"))
	require.NoError(t, s.Close())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(wait):
		t.Fatal("hub did not stop")
	}
}

func TestRunHubRefusesHubBackend(t *testing.T) {
	cfg := config.Default()
	assert.Error(t, RunHub(context.Background(), Options{Dir: t.TempDir(), Cfg: cfg}))
}

func TestOpenStoreRejectsUnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Store.Backend = "postgres"
	_, err := OpenStore(context.Background(), cfg, t.TempDir())
	assert.ErrorIs(t, err, docstore.ErrInvalidArgument)
}

func TestStartSessionRequiresUser(t *testing.T) {
	eng := docstore.NewMemoryEngine()
	defer eng.Close()
	_, err := StartSession(context.Background(), eng, config.Identity{}, testConfig(), nil)
	assert.Error(t, err)
}

func TestSessionRemembersCaller(t *testing.T) {
	eng := docstore.NewMemoryEngine()
	defer eng.Close()
	contacts, err := storage.OpenMemory()
	require.NoError(t, err)
	defer contacts.Close()

	cfg := testConfig()
	s, err := StartSession(context.Background(), eng, config.Identity{UserID: "s1", Name: "Sam"}, cfg, contacts)
	require.NoError(t, err)
	defer s.Stop()

	assert.Equal(t, "s1", s.Self().ID)
	require.Eventually(t, s.Incoming().Available, wait, tick)

	ringCall(t, eng, "call-1", "c1", "Ana", "s1")
	require.Eventually(t, func() bool {
		_, ok := s.Incoming().Ringing()
		return ok
	}, wait, tick)

	require.Eventually(t, func() bool { return contacts.ContactName("c1") == "Ana" }, wait, tick)
	list, err := s.Contacts()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "c1", list[0].UserID)

	// the local user is never a contact
	s.Remember("s1", "Sam")
	list, err = s.Contacts()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSessionStopIsIdempotent(t *testing.T) {
	eng := docstore.NewMemoryEngine()
	defer eng.Close()
	s, err := StartSession(context.Background(), eng, config.Identity{UserID: "c1"}, testConfig(), nil)
	require.NoError(t, err)

	s.Stop()
	s.Stop()
	assert.False(t, s.Incoming().Available())

	list, err := s.Contacts()
	assert.NoError(t, err)
	assert.Empty(t, list)
}

func TestSessionApplyRingTimeout(t *testing.T) {
	eng := docstore.NewMemoryEngine()
	defer eng.Close()
	s, err := StartSession(context.Background(), eng, config.Identity{UserID: "c1"}, testConfig(), nil)
	require.NoError(t, err)
	defer s.Stop()

	assert.Equal(t, 45*time.Second, s.Calls().RingTimeout())
	cfg := testConfig()
	cfg.Call.RingTimeoutSec = 20
	s.Apply(cfg)
	assert.Equal(t, 20*time.Second, s.Calls().RingTimeout())
}

func TestPeerReloadSwitchesIdentity(t *testing.T) {
	ctx := context.Background()
	eng := docstore.NewMemoryEngine()
	defer eng.Close()

	cfg := testConfig()
	p := &peer{store: eng, cfg: cfg}
	require.NoError(t, p.signIn(ctx, cfg))
	assert.Nil(t, p.current(), "no identity means signed out")

	next := cfg
	next.Identity = config.Identity{UserID: "c1", Name: "Ana"}
	p.reload(ctx, next)
	require.NotNil(t, p.current())
	assert.Equal(t, "c1", p.current().Self().ID)

	timeout := next
	timeout.Call.RingTimeoutSec = 30
	p.reload(ctx, timeout)
	assert.Equal(t, "c1", p.current().Self().ID)
	assert.Equal(t, 30*time.Second, p.current().Calls().RingTimeout())

	p.reload(ctx, cfg)
	assert.Nil(t, p.current())
}

func TestSetupLoggingFeedsBuffer(t *testing.T) {
	buf := viewer.NewLogBuffer(50)
	require.NoError(t, SetupLogging(buf, false))
	require.NoError(t, SetupLogging(buf, true), "setup can run again")

	log.Infof("SESSION: hello from the test")
	require.Eventually(t, func() bool {
		for _, e := range buf.Snapshot() {
			if strings.Contains(e.Msg, "hello from the test") {
				return true
			}
		}
		return false
	}, wait, tick)
	SetDebug(false)
}

func TestNormalizeLocalViewer(t *testing.T) {
	addr, url, tcp := NormalizeLocalViewer(":8791")
	assert.Equal(t, "127.0.0.1:8791", addr)
	assert.Equal(t, "http://127.0.0.1:8791", url)
	assert.Equal(t, addr, tcp)

	addr, _, _ = NormalizeLocalViewer(" 0.0.0.0:9000 ")
	assert.Equal(t, "127.0.0.1:9000", addr)
}

func TestPromptInteractive(t *testing.T) {
	in := strings.NewReader(strings.Join([]string{
		"c7",        // user id
		"Ana",       // name
		"counselor", // role
		"",          // backend: keep hub
		"",          // hub url
		"secret",    // token
		"soon",      // ring timeout: not a number
		"30",        // ring timeout
		"y",         // receive-only
		"",          // viewer addr
	}, "\n") + "\n")
	var out bytes.Buffer

	cfg := PromptInteractive(in, &out, "/tmp/x", "/tmp/x/counselcall.json", config.Default())
	assert.Equal(t, "c7", cfg.Identity.UserID)
	assert.Equal(t, "Ana", cfg.Identity.Name)
	assert.Equal(t, "counselor", cfg.Identity.Role)
	assert.Equal(t, "secret", cfg.Hub.Token)
	assert.Equal(t, 30, cfg.Call.RingTimeoutSec)
	assert.True(t, cfg.Call.ReceiveOnlyFallback)
	assert.Contains(t, out.String(), "Please enter a number.")
}

func TestPromptInteractiveKeepsConfigOnInvalid(t *testing.T) {
	in := strings.NewReader("c7\nAna\nadmin\n\n\n\n\n\n\n")
	base := config.Default()
	cfg := PromptInteractive(in, &bytes.Buffer{}, "d", "p", base)
	assert.Equal(t, base, cfg)
}

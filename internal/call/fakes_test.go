package call

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/petervdpas/counselcall/internal/docstore"
)

// ── negotiator ───────────────────────────────────────────────────────────────

type fakeSender struct {
	mu      sync.Mutex
	current webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	s.current = t
	s.mu.Unlock()
	return nil
}

type fakeNegotiator struct {
	callID string

	mu          sync.Mutex
	remote      []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
	earlyCands  int
	tracks      []webrtc.TrackLocal
	senders     []*fakeSender
	recvOnly    bool
	closed      bool
	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
}

func strPtr(s string) *string { return &s }

func (n *fakeNegotiator) AddTrack(t webrtc.TrackLocal) (TrackSender, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	s := &fakeSender{current: t}
	n.tracks = append(n.tracks, t)
	n.senders = append(n.senders, s)
	return s, nil
}

func (n *fakeNegotiator) AddReceiveOnly() error {
	n.mu.Lock()
	n.recvOnly = true
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) local(typ webrtc.SDPType) webrtc.SessionDescription {
	n.mu.Lock()
	fn := n.onCandidate
	n.mu.Unlock()
	if fn != nil {
		go fn(webrtc.ICECandidateInit{
			Candidate: "candidate:1 1 udp 2122260223 10.0.0.1 50000 typ host",
			SDPMid:    strPtr("0"),
		})
	}
	return webrtc.SessionDescription{Type: typ, SDP: "v=0 " + typ.String() + " " + n.callID}
}

func (n *fakeNegotiator) CreateOffer() (webrtc.SessionDescription, error) {
	return n.local(webrtc.SDPTypeOffer), nil
}

func (n *fakeNegotiator) CreateAnswer() (webrtc.SessionDescription, error) {
	n.mu.Lock()
	ok := len(n.remote) > 0
	n.mu.Unlock()
	if !ok {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	return n.local(webrtc.SDPTypeAnswer), nil
}

func (n *fakeNegotiator) SetRemoteDescription(sd webrtc.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return errors.New("closed")
	}
	n.remote = append(n.remote, sd)
	if len(n.remote) > 1 {
		return errors.New("remote description applied twice")
	}
	return nil
}

func (n *fakeNegotiator) AddICECandidate(c webrtc.ICECandidateInit) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.remote) == 0 {
		n.earlyCands++
		return errors.New("remote description not set")
	}
	n.candidates = append(n.candidates, c)
	return nil
}

func (n *fakeNegotiator) OnICECandidate(fn func(webrtc.ICECandidateInit)) {
	n.mu.Lock()
	n.onCandidate = fn
	n.mu.Unlock()
}

func (n *fakeNegotiator) OnTrack(fn func(RemoteTrack)) {
	n.mu.Lock()
	n.onTrack = fn
	n.mu.Unlock()
}

func (n *fakeNegotiator) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	n.mu.Lock()
	n.onState = fn
	n.mu.Unlock()
}

func (n *fakeNegotiator) Close() error {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	return nil
}

func (n *fakeNegotiator) setState(st webrtc.PeerConnectionState) {
	n.mu.Lock()
	fn := n.onState
	n.mu.Unlock()
	fn(st)
}

func (n *fakeNegotiator) remoteCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.remote)
}

func (n *fakeNegotiator) candidateCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.candidates)
}

func (n *fakeNegotiator) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

type negRegistry struct {
	mu   sync.Mutex
	negs map[string]*fakeNegotiator
	err  error
}

func (r *negRegistry) factory(callID string) (Negotiator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	n := &fakeNegotiator{callID: callID}
	r.negs[callID] = n
	return n, nil
}

func (r *negRegistry) get(t *testing.T, callID string) *fakeNegotiator {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.negs[callID]
	require.True(t, ok, "no negotiator for %s", callID)
	return n
}

// ── capturer ─────────────────────────────────────────────────────────────────

type fakeCapturer struct {
	err      error
	captured atomic.Int32
	stopped  atomic.Int32
}

func (c *fakeCapturer) Capture(context.Context, string) (*Capture, error) {
	if c.err != nil {
		return nil, c.err
	}
	video, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "local")
	if err != nil {
		return nil, err
	}
	audio, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	if err != nil {
		return nil, err
	}
	c.captured.Add(1)
	return &Capture{
		Tracks: []webrtc.TrackLocal{video, audio},
		Stop:   func() { c.stopped.Add(1) },
	}, nil
}

// ── remote track ─────────────────────────────────────────────────────────────

type fakeTrack struct {
	kind webrtc.RTPCodecType
	pkts chan *rtp.Packet
}

func newFakeTrack(kind webrtc.RTPCodecType) *fakeTrack {
	return &fakeTrack{kind: kind, pkts: make(chan *rtp.Packet, 16)}
}

func (t *fakeTrack) ID() string                { return t.kind.String() }
func (t *fakeTrack) Kind() webrtc.RTPCodecType { return t.kind }
func (t *fakeTrack) SSRC() webrtc.SSRC         { return 1 }
func (t *fakeTrack) Codec() webrtc.RTPCodecParameters {
	return webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}}
}

func (t *fakeTrack) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-t.pkts
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}

type recordingSink struct {
	mu     sync.Mutex
	tracks []RemoteTrack
}

func (s *recordingSink) AddRemoteTrack(t RemoteTrack) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

// ── store that redelivers everything ─────────────────────────────────────────

// dupStore delivers every snapshot twice and counts answer writes.
type dupStore struct {
	docstore.Store
	answers atomic.Int32
}

func (d *dupStore) Commit(ctx context.Context, writes ...docstore.Write) ([]*docstore.Document, error) {
	docs, err := d.Store.Commit(ctx, writes...)
	if err == nil {
		for _, w := range writes {
			if _, ok := w.Data[fieldAnswer]; ok {
				d.answers.Add(1)
			}
		}
	}
	return docs, err
}

func (d *dupStore) WatchDoc(ctx context.Context, path string) (<-chan docstore.DocSnapshot, func(), error) {
	ch, cancel, err := d.Store.WatchDoc(ctx, path)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan docstore.DocSnapshot)
	go func() {
		defer close(out)
		for s := range ch {
			out <- s
			out <- s
		}
	}()
	return out, cancel, nil
}

func (d *dupStore) WatchQuery(ctx context.Context, q docstore.Query) (<-chan docstore.QuerySnapshot, func(), error) {
	ch, cancel, err := d.Store.WatchQuery(ctx, q)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan docstore.QuerySnapshot)
	go func() {
		defer close(out)
		for s := range ch {
			out <- s
			out <- s
		}
	}()
	return out, cancel, nil
}

// laggingBus replays the previous batch after each new one, like a shared
// bus where an older publish reaches subscribers late.
type laggingBus struct {
	docstore.Bus
	mu   sync.Mutex
	prev []docstore.ChangeEvent
}

func (b *laggingBus) Publish(ctx context.Context, events []docstore.ChangeEvent) error {
	b.mu.Lock()
	prev := b.prev
	b.prev = events
	b.mu.Unlock()
	if err := b.Bus.Publish(ctx, events); err != nil {
		return err
	}
	if prev == nil {
		return nil
	}
	return b.Bus.Publish(ctx, prev)
}

// ── peers ────────────────────────────────────────────────────────────────────

type testPeer struct {
	m    *Manager
	negs *negRegistry
	capt *fakeCapturer
}

func newTestPeer(t *testing.T, store docstore.Store, id string, ringTimeout time.Duration) *testPeer {
	t.Helper()
	p := &testPeer{
		negs: &negRegistry{negs: make(map[string]*fakeNegotiator)},
		capt: &fakeCapturer{},
	}
	p.m = New(store, Options{
		Self:          Identity{ID: id, Name: "name-" + id},
		Capturer:      p.capt,
		NewNegotiator: p.negs.factory,
		RingTimeout:   ringTimeout,
	})
	t.Cleanup(p.m.Close)
	return p
}

func (p *testPeer) session(t *testing.T, callID string) *Session {
	t.Helper()
	s, ok := p.m.GetSession(callID)
	require.True(t, ok, "no session %s", callID)
	return s
}

func startWatcher(t *testing.T, p *testPeer) (*Watcher, <-chan IncomingCall) {
	t.Helper()
	w := NewWatcher(p.m, WatcherOptions{MaxBackoff: 100 * time.Millisecond})
	incoming := make(chan IncomingCall, 8)
	w.OnIncoming(func(ic IncomingCall) { incoming <- ic })
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(w.Stop)
	require.Eventually(t, w.Available, 5*time.Second, 10*time.Millisecond)
	return w, incoming
}

func waitIncoming(t *testing.T, ch <-chan IncomingCall) IncomingCall {
	t.Helper()
	select {
	case ic := <-ch:
		return ic
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for incoming call")
	}
	return IncomingCall{}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not end (status %s)", s.ID(), s.Status())
	}
}

func getCall(t *testing.T, store docstore.Store, callID string) *docstore.Document {
	t.Helper()
	d, err := store.Get(context.Background(), callPath(callID))
	require.NoError(t, err)
	return d
}

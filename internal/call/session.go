package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/counselcall/internal/docstore"
	"github.com/petervdpas/counselcall/internal/util"
)

// Events consumed by the session loop.
type (
	evDoc            struct{ snap docstore.DocSnapshot }
	evCandidates     struct{ snap docstore.QuerySnapshot }
	evWatchClosed    struct{ what string }
	evLocalCandidate struct{ c webrtc.ICECandidateInit }
	evTrack          struct{ t RemoteTrack }
	evConnState      struct{ state webrtc.PeerConnectionState }
	evHangup         struct{ reason string }
	evRingTimeout    struct{}
)

// Session is one call from the local side. All protocol decisions are made
// on a single goroutine that consumes the session's event queue: document
// and candidate snapshots, local candidates, remote tracks, connection state
// changes, hangups and the ring timeout. Every event arriving after the call
// ended is dropped.
type Session struct {
	id    string
	inv   Invitation
	mgr   *Manager
	media *Media
	neg   Negotiator

	events *util.Mailbox[any]
	ctx    context.Context
	cancel context.CancelFunc

	// loop-owned
	remoteDesc Once[webrtc.SessionDescription]
	answer     Once[webrtc.SessionDescription]
	pending    []webrtc.ICECandidateInit
	seenCands  map[string]bool
	watches    []func()
	ringTimer  *time.Timer

	endOnce sync.Once
	done    chan struct{}

	mu           sync.Mutex
	status       Status
	reason       string
	err          error
	subs         map[chan State]struct{}
	remoteStream *WebMStream
	selfStream   *WebMStream
}

func newSession(m *Manager, inv Invitation) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        inv.CallID,
		inv:       inv,
		mgr:       m,
		media:     NewMedia(inv.CallID, m.opts.Capturer),
		events:    util.NewMailbox[any](),
		ctx:       ctx,
		cancel:    cancel,
		seenCands: make(map[string]bool),
		done:      make(chan struct{}),
		status:    StatusIdle,
		subs:      make(map[chan State]struct{}),
	}
}

// ID returns the call ID.
func (s *Session) ID() string { return s.id }

// Invitation returns the navigation payload of the call.
func (s *Session) Invitation() Invitation { return s.inv }

// Media returns the media pipeline of the call.
func (s *Session) Media() *Media { return s.media }

// Done is closed when the call is over.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns the local view of the call status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Err returns the last error reported on the session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns a snapshot for dashboards.
func (s *Session) State() State {
	s.mu.Lock()
	st := State{CallID: s.id, Status: s.status, IsCaller: s.inv.IsCaller, Reason: s.reason}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	s.mu.Unlock()
	st.Muted, st.VideoOff = s.media.Muted()
	st.Remote = s.media.HasRemote()
	return st
}

// Subscribe streams state changes. The channel receives the current state
// first and is closed after the final state.
func (s *Session) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 16)
	ch <- s.State()
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	default:
	}
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		if _, ok := s.subs[ch]; ok {
			delete(s.subs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
}

func (s *Session) publish() {
	st := s.State()
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- st:
		default: // slow reader misses an intermediate state
		}
	}
}

func (s *Session) setStatus(st Status) {
	s.mu.Lock()
	changed := s.status != st
	s.status = st
	s.mu.Unlock()
	if changed {
		log.Infof("CALL [%s]: status %s", s.id, st)
		s.publish()
	}
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.publish()
}

// ToggleAudio mutes or unmutes the microphone; it returns true when muted.
func (s *Session) ToggleAudio() (bool, error) {
	muted, err := s.media.ToggleAudio()
	if err == nil {
		s.publish()
	}
	return muted, err
}

// ToggleVideo disables or enables the camera; it returns true when disabled.
func (s *Session) ToggleVideo() (bool, error) {
	off, err := s.media.ToggleVideo()
	if err == nil {
		s.publish()
	}
	return off, err
}

// Hangup ends the call and waits until teardown completed. It is safe to
// call more than once.
func (s *Session) Hangup(ctx context.Context) error {
	if !s.events.Push(evHangup{reason: ReasonHangup}) {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RemoteStream returns the WebM stream of the remote media, attaching it to
// the pipeline on first use.
func (s *Session) RemoteStream() *WebMStream {
	s.mu.Lock()
	ws := s.remoteStream
	created := ws == nil
	if created {
		ws = NewWebMStream(s.id + "/remote")
		s.remoteStream = ws
	}
	s.mu.Unlock()
	if created {
		s.media.AttachRemote(ws)
	}
	return ws
}

// SelfStream returns the WebM stream of the local camera.
func (s *Session) SelfStream() *WebMStream {
	s.mu.Lock()
	ws := s.selfStream
	created := ws == nil
	if created {
		ws = NewWebMStream(s.id + "/self")
		s.selfStream = ws
	}
	s.mu.Unlock()
	if created {
		s.media.AttachLocal(ws)
	}
	return ws
}

// ── Setup (runs on the caller of StartCall / AcceptCall) ─────────────────────

func (s *Session) bind(neg Negotiator) error {
	s.neg = neg
	neg.OnICECandidate(func(c webrtc.ICECandidateInit) { s.events.Push(evLocalCandidate{c}) })
	neg.OnTrack(func(t RemoteTrack) { s.events.Push(evTrack{t}) })
	neg.OnConnectionStateChange(func(st webrtc.PeerConnectionState) { s.events.Push(evConnState{st}) })
	return s.media.AttachTo(neg)
}

func (s *Session) ownCandidates() string {
	if s.inv.IsCaller {
		return collCallerCandidates
	}
	return collReceiverCandidates
}

func (s *Session) peerCandidates() string {
	if s.inv.IsCaller {
		return collReceiverCandidates
	}
	return collCallerCandidates
}

// startWatches subscribes to the call document and the peer's candidates.
func (s *Session) startWatches() error {
	store := s.mgr.store
	dch, dcancel, err := store.WatchDoc(s.ctx, callPath(s.id))
	if err != nil {
		return err
	}
	s.watches = append(s.watches, dcancel)

	q := docstore.Query{Collection: candidatesPath(s.id, s.peerCandidates()), OrderBy: fieldCreatedAt}
	qch, qcancel, err := store.WatchQuery(s.ctx, q)
	if err != nil {
		return err
	}
	s.watches = append(s.watches, qcancel)

	go func() {
		for snap := range dch {
			s.events.Push(evDoc{snap})
		}
		s.events.Push(evWatchClosed{"call document"})
	}()
	go func() {
		for snap := range qch {
			s.events.Push(evCandidates{snap})
		}
		s.events.Push(evWatchClosed{"candidates"})
	}()
	return nil
}

func (s *Session) armRingTimer(d time.Duration) {
	if d <= 0 {
		return
	}
	s.ringTimer = time.AfterFunc(d, func() { s.events.Push(evRingTimeout{}) })
}

// ── Event loop ───────────────────────────────────────────────────────────────

func (s *Session) run() {
	for ev := range s.events.Out() {
		select {
		case <-s.done:
			continue
		default:
		}
		switch e := ev.(type) {
		case evDoc:
			s.onDoc(e.snap)
		case evCandidates:
			s.onCandidates(e.snap)
		case evWatchClosed:
			log.Warnf("CALL [%s]: %s subscription ended", s.id, e.what)
			s.teardown(ReasonSubscriptionLost, true, StatusEnded)
		case evLocalCandidate:
			s.writeCandidate(e.c)
		case evTrack:
			s.media.addRemote(e.t)
			s.publish()
		case evConnState:
			s.onConnState(e.state)
		case evHangup:
			s.teardown(e.reason, true, StatusEnded)
		case evRingTimeout:
			if !s.remoteDesc.IsSet() {
				log.Infof("CALL [%s]: no answer, giving up", s.id)
				s.teardown(ReasonNoAnswer, true, StatusEnded)
			}
		}
	}
}

func (s *Session) onDoc(snap docstore.DocSnapshot) {
	if snap.Err != nil {
		log.Warnf("CALL [%s]: call document subscription: %v", s.id, snap.Err)
		s.setErr(snap.Err)
		return
	}
	if !snap.Exists() {
		s.teardown(ReasonRemoteEnded, false, StatusEnded)
		return
	}
	doc := snap.Doc
	switch Status(doc.String(fieldStatus)) {
	case StatusDeclined:
		log.Infof("CALL [%s]: declined by %s", s.id, s.inv.PeerID)
		s.teardown(reasonOr(doc.String(fieldReason), ReasonDeclined), false, StatusDeclined)
		return
	case StatusEnded:
		s.teardown(reasonOr(doc.String(fieldReason), ReasonRemoteEnded), false, StatusEnded)
		return
	}

	if s.inv.IsCaller {
		if sd, ok := descriptionFrom(doc.Data[fieldAnswer]); ok {
			if s.applyRemote(sd) {
				s.setStatus(StatusInCall)
			}
			return
		}
		if Status(doc.String(fieldStatus)) == StatusAccepted {
			s.setStatus(StatusAccepted)
		}
		return
	}
	if sd, ok := descriptionFrom(doc.Data[fieldOffer]); ok && s.applyRemote(sd) {
		s.writeAnswer()
	}
}

// applyRemote sets the remote description the first time one is seen and
// flushes the candidates that arrived before it. Later deliveries of the
// same document are no-ops.
func (s *Session) applyRemote(sd webrtc.SessionDescription) bool {
	if !s.remoteDesc.Set(sd) {
		return false
	}
	if s.ringTimer != nil {
		s.ringTimer.Stop()
	}
	if err := s.neg.SetRemoteDescription(sd); err != nil {
		log.Errorf("CALL [%s]: set remote %s: %v", s.id, sd.Type, err)
		s.setErr(err)
		s.teardown(ReasonSignalingFailed, true, StatusEnded)
		return false
	}
	log.Infof("CALL [%s]: remote %s applied, %d buffered candidates", s.id, sd.Type, len(s.pending))
	for _, c := range s.pending {
		s.addCandidate(c)
	}
	s.pending = nil
	return true
}

func (s *Session) writeAnswer() {
	ans, err := s.neg.CreateAnswer()
	if err != nil {
		log.Errorf("CALL [%s]: create answer: %v", s.id, err)
		s.setErr(err)
		s.teardown(ReasonSignalingFailed, true, StatusEnded)
		return
	}
	_, err = docstore.Update(s.ctx, s.mgr.store, callPath(s.id), docstore.Fields{
		fieldAnswer:    descriptionFields(ans),
		fieldStatus:    string(StatusInCall),
		fieldUpdatedAt: docstore.ServerTimestamp,
	},
		docstore.FieldUnset(fieldAnswer),
		docstore.FieldSet(fieldOffer),
		transitionTo(StatusInCall),
	)
	switch {
	case errors.Is(err, docstore.ErrPreconditionFailed):
		// the caller left before we answered; its ended status follows
		log.Debugf("CALL [%s]: answer rejected: %v", s.id, err)
	case err != nil:
		err = fmt.Errorf("%w: answer: %v", ErrSignalingWrite, err)
		log.Errorf("CALL [%s]: %v", s.id, err)
		s.setErr(err)
		s.teardown(ReasonSignalingFailed, true, StatusEnded)
	default:
		s.answer.Set(ans)
		s.setStatus(StatusInCall)
	}
}

func (s *Session) onCandidates(snap docstore.QuerySnapshot) {
	if snap.Err != nil {
		log.Warnf("CALL [%s]: candidate subscription: %v", s.id, snap.Err)
		return
	}
	for _, ch := range snap.Changes {
		if ch.Type != docstore.Added || s.seenCands[ch.Doc.ID] {
			continue
		}
		s.seenCands[ch.Doc.ID] = true
		c, ok := candidateFrom(ch.Doc)
		if !ok {
			continue
		}
		if !s.remoteDesc.IsSet() {
			s.pending = append(s.pending, c)
			continue
		}
		s.addCandidate(c)
	}
}

func (s *Session) addCandidate(c webrtc.ICECandidateInit) {
	if err := s.neg.AddICECandidate(c); err != nil {
		log.Debugf("CALL [%s]: add candidate: %v", s.id, err)
	}
}

// writeCandidate appends a local candidate without holding up the loop.
// Candidates are unordered, so concurrent appends are fine.
func (s *Session) writeCandidate(c webrtc.ICECandidateInit) {
	path := candidatesPath(s.id, s.ownCandidates())
	go func() {
		if _, err := docstore.Add(s.ctx, s.mgr.store, path, candidateFields(c)); err != nil {
			if s.ctx.Err() != nil {
				return
			}
			err = fmt.Errorf("%w: candidate: %v", ErrSignalingWrite, err)
			log.Warnf("CALL [%s]: %v", s.id, err)
			s.setErr(err)
		}
	}()
}

func (s *Session) onConnState(st webrtc.PeerConnectionState) {
	log.Infof("CALL [%s]: connection %s", s.id, st)
	switch st {
	case webrtc.PeerConnectionStateFailed:
		s.teardown(ReasonConnectionFailed, true, StatusEnded)
	case webrtc.PeerConnectionStateConnected:
		s.publish()
	}
}

// ── Teardown ─────────────────────────────────────────────────────────────────

// teardown runs once on every exit path: it releases subscriptions, the
// negotiator and local media, then marks the call ended when write is set.
func (s *Session) teardown(reason string, write bool, final Status) {
	s.endOnce.Do(func() {
		if s.ringTimer != nil {
			s.ringTimer.Stop()
		}
		for _, cancel := range s.watches {
			cancel()
		}
		if s.neg != nil {
			if err := s.neg.Close(); err != nil {
				log.Debugf("CALL [%s]: close negotiator: %v", s.id, err)
			}
		}
		s.media.Release()
		s.cancel()

		if write {
			s.writeEnded(reason)
		}

		s.mu.Lock()
		s.status = final
		s.reason = reason
		s.mu.Unlock()
		s.events.Close()

		st := s.State()
		s.mu.Lock()
		for ch := range s.subs {
			select {
			case ch <- st:
			default:
			}
			close(ch)
		}
		s.subs = make(map[chan State]struct{})
		close(s.done)
		s.mu.Unlock()

		log.Infof("CALL [%s]: %s (%s)", s.id, final, reason)
		s.mgr.remove(s)
	})
}

func (s *Session) writeEnded(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), util.ShortTimeout)
	defer cancel()
	_, err := docstore.Update(ctx, s.mgr.store, callPath(s.id), docstore.Fields{
		fieldStatus:    string(StatusEnded),
		fieldEndedBy:   s.inv.SelfID,
		fieldReason:    reason,
		fieldUpdatedAt: docstore.ServerTimestamp,
	}, transitionTo(StatusEnded))
	if err != nil && !errors.Is(err, docstore.ErrPreconditionFailed) && !errors.Is(err, docstore.ErrNotFound) {
		log.Warnf("CALL [%s]: mark ended: %v", s.id, err)
	}
}

func reasonOr(reason, def string) string {
	if reason == "" {
		return def
	}
	return reason
}

// Package call runs audio/video calls whose signaling goes through the shared
// document store: the caller writes an offer into a call document, the
// receiver answers in the same document, and both sides append ICE
// candidates to their own sub-collection.
package call

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/counselcall/internal/docstore"
)

var log = logging.Logger("call")

// DefaultRingTimeout is how long a caller waits for an answer.
const DefaultRingTimeout = 45 * time.Second

// Identity is the local user.
type Identity struct {
	ID   string
	Name string
}

// Options configures a Manager.
type Options struct {
	Self          Identity
	Capturer      Capturer
	NewNegotiator NegotiatorFactory
	// RingTimeout abandons unanswered outgoing calls; 0 means DefaultRingTimeout.
	RingTimeout time.Duration
}

// Manager owns the call sessions of one user. At most one call is active at
// a time.
type Manager struct {
	store docstore.Store
	opts  Options

	mu          sync.Mutex
	sessions    map[string]*Session
	reserved    int
	ringTimeout time.Duration
	closed      bool
}

// New creates a call Manager for opts.Self over store.
func New(store docstore.Store, opts Options) *Manager {
	if opts.Capturer == nil {
		opts.Capturer = DeviceCapturer{}
	}
	if opts.NewNegotiator == nil {
		opts.NewNegotiator = PionFactory(NegotiatorConfig{})
	}
	rt := opts.RingTimeout
	if rt <= 0 {
		rt = DefaultRingTimeout
	}
	return &Manager{
		store:       store,
		opts:        opts,
		sessions:    make(map[string]*Session),
		ringTimeout: rt,
	}
}

// Self returns the local identity.
func (m *Manager) Self() Identity { return m.opts.Self }

// Store returns the store the manager signals through.
func (m *Manager) Store() docstore.Store { return m.store }

// RingTimeout returns the current ring timeout.
func (m *Manager) RingTimeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ringTimeout
}

// SetRingTimeout changes the ring timeout of later calls.
func (m *Manager) SetRingTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultRingTimeout
	}
	m.mu.Lock()
	m.ringTimeout = d
	m.mu.Unlock()
}

// Busy reports whether a call is active or being set up.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)+m.reserved > 0
}

// reserve claims the single call slot.
func (m *Manager) reserve() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSessionClosed
	}
	if len(m.sessions)+m.reserved > 0 {
		return ErrBusy
	}
	m.reserved++
	return nil
}

// commit turns the reservation into a registered session; s is nil when
// setup failed.
func (m *Manager) commit(s *Session) {
	m.mu.Lock()
	m.reserved--
	if s != nil {
		m.sessions[s.id] = s
	}
	m.mu.Unlock()
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
}

// GetSession returns the live session of callID.
func (m *Manager) GetSession(callID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[callID]
	return s, ok
}

// AllSessions returns the live sessions ordered by call ID.
func (m *Manager) AllSessions() []*Session {
	m.mu.Lock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// StartCall calls peerID. It acquires local media, writes the offer into a
// fresh call document and returns once the call is ringing. If capture
// fails no document is written.
func (m *Manager) StartCall(ctx context.Context, peerID, peerName string) (Invitation, error) {
	self := m.opts.Self
	if peerID == "" || peerID == self.ID {
		return Invitation{}, fmt.Errorf("%w: bad peer %q", docstore.ErrInvalidArgument, peerID)
	}
	if err := m.reserve(); err != nil {
		return Invitation{}, err
	}

	inv := Invitation{CallID: uuid.NewString(), IsCaller: true, SelfID: self.ID, PeerID: peerID, PeerName: peerName}
	s := newSession(m, inv)
	if err := m.startCaller(ctx, s); err != nil {
		m.commit(nil)
		return Invitation{}, err
	}
	m.commit(s)
	go s.run()
	log.Infof("CALL [%s]: calling %s", inv.CallID, peerID)
	return inv, nil
}

func (m *Manager) startCaller(ctx context.Context, s *Session) error {
	if err := s.media.Acquire(ctx); err != nil {
		s.teardown(ReasonMediaUnavailable, false, StatusEnded)
		return err
	}
	neg, err := m.opts.NewNegotiator(s.id)
	if err != nil {
		s.teardown(ReasonMediaUnavailable, false, StatusEnded)
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := s.bind(neg); err != nil {
		s.teardown(ReasonMediaUnavailable, false, StatusEnded)
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	offer, err := neg.CreateOffer()
	if err != nil {
		s.teardown(ReasonSignalingFailed, false, StatusEnded)
		return fmt.Errorf("create offer: %w", err)
	}

	_, err = docstore.Create(ctx, m.store, callPath(s.id), docstore.Fields{
		fieldCallerID:     s.inv.SelfID,
		fieldCallerName:   m.opts.Self.Name,
		fieldReceiverID:   s.inv.PeerID,
		fieldReceiverName: s.inv.PeerName,
		fieldStatus:       string(StatusCalling),
		fieldOffer:        descriptionFields(offer),
		fieldCreatedAt:    docstore.ServerTimestamp,
		fieldUpdatedAt:    docstore.ServerTimestamp,
	})
	if err != nil {
		// the write may have landed even though it reported failure
		s.teardown(ReasonSignalingFailed, true, StatusEnded)
		return fmt.Errorf("%w: create call: %v", ErrSignalingWrite, err)
	}
	s.setStatus(StatusCalling)

	if err := s.startWatches(); err != nil {
		s.teardown(ReasonSubscriptionLost, true, StatusEnded)
		return fmt.Errorf("watch call: %w", err)
	}
	s.armRingTimer(m.RingTimeout())
	return nil
}

// AcceptCall answers a ringing call addressed to the local user. If capture
// fails the call is declined with reason media_unavailable.
func (m *Manager) AcceptCall(ctx context.Context, callID string) (Invitation, error) {
	if err := m.reserve(); err != nil {
		return Invitation{}, err
	}
	inv, s, err := m.startReceiver(ctx, callID)
	if err != nil {
		m.commit(nil)
		return Invitation{}, err
	}
	m.commit(s)
	go s.run()
	log.Infof("CALL [%s]: accepted from %s", callID, inv.PeerID)
	return inv, nil
}

func (m *Manager) startReceiver(ctx context.Context, callID string) (Invitation, *Session, error) {
	self := m.opts.Self
	doc, err := m.store.Get(ctx, callPath(callID))
	if errors.Is(err, docstore.ErrNotFound) {
		return Invitation{}, nil, fmt.Errorf("%w: %s", ErrCallNotRinging, callID)
	}
	if err != nil {
		return Invitation{}, nil, fmt.Errorf("load call: %w", err)
	}
	if doc.String(fieldReceiverID) != self.ID || Status(doc.String(fieldStatus)) != StatusCalling {
		return Invitation{}, nil, fmt.Errorf("%w: %s", ErrCallNotRinging, callID)
	}

	inv := Invitation{
		CallID:   callID,
		SelfID:   self.ID,
		PeerID:   doc.String(fieldCallerID),
		PeerName: doc.String(fieldCallerName),
	}
	s := newSession(m, inv)

	if err := s.media.Acquire(ctx); err != nil {
		if derr := m.DeclineCall(ctx, callID, ReasonMediaUnavailable); derr != nil {
			log.Warnf("CALL [%s]: decline after capture failure: %v", callID, derr)
		}
		s.teardown(ReasonMediaUnavailable, false, StatusDeclined)
		return Invitation{}, nil, err
	}

	_, err = docstore.Update(ctx, m.store, callPath(callID), docstore.Fields{
		fieldStatus:       string(StatusAccepted),
		fieldReceiverName: self.Name,
		fieldUpdatedAt:    docstore.ServerTimestamp,
	}, transitionTo(StatusAccepted))
	if err != nil {
		s.teardown(ReasonSignalingFailed, false, StatusEnded)
		if errors.Is(err, docstore.ErrPreconditionFailed) {
			return Invitation{}, nil, fmt.Errorf("%w: %s", ErrCallNotRinging, callID)
		}
		return Invitation{}, nil, fmt.Errorf("%w: accept: %v", ErrSignalingWrite, err)
	}
	s.setStatus(StatusAccepted)

	neg, err := m.opts.NewNegotiator(callID)
	if err != nil {
		s.teardown(ReasonMediaUnavailable, true, StatusEnded)
		return Invitation{}, nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := s.bind(neg); err != nil {
		s.teardown(ReasonMediaUnavailable, true, StatusEnded)
		return Invitation{}, nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}
	if err := s.startWatches(); err != nil {
		s.teardown(ReasonSubscriptionLost, true, StatusEnded)
		return Invitation{}, nil, fmt.Errorf("watch call: %w", err)
	}
	return inv, s, nil
}

// DeclineCall rejects a ringing call addressed to the local user. It never
// overrides an answer or a later status.
func (m *Manager) DeclineCall(ctx context.Context, callID, reason string) error {
	if reason == "" {
		reason = ReasonDeclined
	}
	self := m.opts.Self.ID
	_, err := docstore.Update(ctx, m.store, callPath(callID), docstore.Fields{
		fieldStatus:    string(StatusDeclined),
		fieldReason:    reason,
		fieldEndedBy:   self,
		fieldUpdatedAt: docstore.ServerTimestamp,
	},
		transitionTo(StatusDeclined),
		docstore.FieldUnset(fieldAnswer),
		docstore.FieldIn(fieldReceiverID, self),
	)
	switch {
	case errors.Is(err, docstore.ErrPreconditionFailed), errors.Is(err, docstore.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrCallNotRinging, callID)
	case err != nil:
		return fmt.Errorf("%w: decline: %v", ErrSignalingWrite, err)
	}
	log.Infof("CALL [%s]: declined (%s)", callID, reason)
	return nil
}

// Hangup ends the session of callID. Ending an unknown call is a no-op.
func (m *Manager) Hangup(ctx context.Context, callID string) error {
	s, ok := m.GetSession(callID)
	if !ok {
		return nil
	}
	return s.Hangup(ctx)
}

// Close hangs up every session and refuses new calls.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, s := range m.AllSessions() {
		if err := s.Hangup(ctx); err != nil {
			log.Warnf("CALL [%s]: hangup on close: %v", s.id, err)
		}
	}
}

package call

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/petervdpas/counselcall/internal/docstore"
)

// Watch event types sent to SubscribeIncoming consumers.
const (
	EventIncoming    = "incoming"
	EventCancelled   = "cancelled"
	EventUnavailable = "unavailable"
	EventAvailable   = "available"
)

// WatchEvent is one notification of the incoming call watcher.
type WatchEvent struct {
	Type string        `json:"type"`
	Call *IncomingCall `json:"call,omitempty"`
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	// MaxBackoff caps the resubscribe delay; default 30s.
	MaxBackoff time.Duration
	// Now is the clock used to detect stale calls.
	Now func() time.Time
}

// Watcher rings for calls addressed to the local user.
//
// Busy policy: the first call added wins. A call added while another one is
// ringing, or while a session is active, is declined with reason busy. Calls
// added in the same snapshot are taken in (createdAt, seq) order. A call
// older than the ring timeout is ignored; its caller has given up. Each
// callId rings at most once, however often the store redelivers it.
type Watcher struct {
	mgr  *Manager
	opts WatcherOptions

	mu          sync.Mutex
	seen        map[string]time.Time
	ringing     *IncomingCall
	available   bool
	onIncoming  []func(IncomingCall)
	onCancelled []func(string)
	subs        map[chan WatchEvent]struct{}
	cancel      context.CancelFunc
	done        chan struct{}
}

// NewWatcher creates a watcher for mgr's user. Call Start to begin.
func NewWatcher(mgr *Manager, opts WatcherOptions) *Watcher {
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Watcher{
		mgr:  mgr,
		opts: opts,
		seen: make(map[string]time.Time),
		subs: make(map[chan WatchEvent]struct{}),
	}
}

// OnIncoming registers fn for calls that start ringing.
func (w *Watcher) OnIncoming(fn func(IncomingCall)) {
	w.mu.Lock()
	w.onIncoming = append(w.onIncoming, fn)
	w.mu.Unlock()
}

// OnCancelled registers fn for ringing calls that stopped ringing, whatever
// the reason (answered, declined, given up).
func (w *Watcher) OnCancelled(fn func(callID string)) {
	w.mu.Lock()
	w.onCancelled = append(w.onCancelled, fn)
	w.mu.Unlock()
}

// SubscribeIncoming streams watcher events. A call ringing at subscribe
// time is sent first.
func (w *Watcher) SubscribeIncoming() (<-chan WatchEvent, func()) {
	ch := make(chan WatchEvent, 16)
	w.mu.Lock()
	if w.ringing != nil {
		ic := *w.ringing
		ch <- WatchEvent{Type: EventIncoming, Call: &ic}
	}
	w.subs[ch] = struct{}{}
	w.mu.Unlock()
	return ch, func() {
		w.mu.Lock()
		if _, ok := w.subs[ch]; ok {
			delete(w.subs, ch)
			close(ch)
		}
		w.mu.Unlock()
	}
}

// Ringing returns the call currently ringing, if any.
func (w *Watcher) Ringing() (IncomingCall, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ringing == nil {
		return IncomingCall{}, false
	}
	return *w.ringing, true
}

// Available reports whether the subscription is currently live.
func (w *Watcher) Available() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.available
}

// Start begins watching until Stop or ctx is done.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return errors.New("watcher already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})
	go w.run(ctx, w.done)
	return nil
}

// Stop cancels the subscription, waits for the watcher to exit and closes
// every event channel.
func (w *Watcher) Stop() {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done

	w.mu.Lock()
	for ch := range w.subs {
		close(ch)
	}
	w.subs = make(map[chan WatchEvent]struct{})
	w.ringing = nil
	w.available = false
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
}

func (w *Watcher) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	const minBackoff = 500 * time.Millisecond
	backoff := minBackoff
	for {
		live, err := w.watchOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		w.setAvailable(false)
		if live {
			backoff = minBackoff
		}
		log.Warnf("CALL: incoming call watch lost: %v (retry in %s)", err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > w.opts.MaxBackoff {
			backoff = w.opts.MaxBackoff
		}
	}
}

// watchOnce runs one subscription until it ends. live reports whether it
// delivered at least one snapshot.
func (w *Watcher) watchOnce(ctx context.Context) (live bool, err error) {
	self := w.mgr.Self().ID
	q := docstore.Query{
		Collection: collCalls,
		Where: []docstore.Filter{
			docstore.Eq(fieldReceiverID, self),
			docstore.Eq(fieldStatus, string(StatusCalling)),
		},
		OrderBy: fieldCreatedAt,
	}
	ch, cancel, err := w.mgr.Store().WatchQuery(ctx, q)
	if err != nil {
		return false, err
	}
	defer cancel()

	first := true
	for snap := range ch {
		if snap.Err != nil {
			log.Warnf("CALL: incoming call watch: %v", snap.Err)
			w.setAvailable(false)
			err = snap.Err
			continue
		}
		live = true
		w.setAvailable(true)
		if first {
			w.resync(snap.Docs)
			first = false
		}
		w.handle(ctx, snap.Changes)
	}
	if err == nil {
		err = docstore.ErrSubscriptionLost
	}
	return live, err
}

// resync stops ringing for a call that left the result while no
// subscription was live.
func (w *Watcher) resync(docs []*docstore.Document) {
	present := make(map[string]bool, len(docs))
	for _, d := range docs {
		present[d.ID] = true
	}
	w.mu.Lock()
	var gone string
	if w.ringing != nil && !present[w.ringing.CallID] {
		gone = w.ringing.CallID
		w.ringing = nil
	}
	w.mu.Unlock()
	if gone != "" {
		w.fireCancelled(gone)
	}
}

func (w *Watcher) handle(ctx context.Context, changes []docstore.Change) {
	var added []*docstore.Document
	for _, ch := range changes {
		switch ch.Type {
		case docstore.Added:
			added = append(added, ch.Doc)
		case docstore.Removed:
			w.mu.Lock()
			stopped := w.ringing != nil && w.ringing.CallID == ch.Doc.ID
			if stopped {
				w.ringing = nil
			}
			w.mu.Unlock()
			if stopped {
				w.fireCancelled(ch.Doc.ID)
			}
		}
	}
	sort.SliceStable(added, func(i, j int) bool { return callBefore(added[i], added[j]) })
	if len(added) > 0 {
		w.prune()
	}

	for _, d := range added {
		now := w.opts.Now()
		w.mu.Lock()
		if _, ok := w.seen[d.ID]; ok {
			w.mu.Unlock()
			continue
		}
		w.seen[d.ID] = now
		ic := incomingFromDoc(d)
		stale := !ic.CreatedAt.IsZero() && now.Sub(ic.CreatedAt) > w.mgr.RingTimeout()
		busy := w.ringing != nil || w.mgr.Busy()
		if !stale && !busy {
			w.ringing = &ic
		}
		w.mu.Unlock()

		switch {
		case stale:
			log.Debugf("CALL [%s]: ignoring stale call from %s", ic.CallID, ic.CallerID)
		case busy:
			log.Infof("CALL [%s]: busy, declining call from %s", ic.CallID, ic.CallerID)
			if err := w.mgr.DeclineCall(ctx, ic.CallID, ReasonBusy); err != nil && !errors.Is(err, ErrCallNotRinging) {
				log.Warnf("CALL [%s]: busy decline: %v", ic.CallID, err)
			}
		default:
			log.Infof("CALL [%s]: incoming from %s (%s)", ic.CallID, ic.CallerName, ic.CallerID)
			w.fireIncoming(ic)
		}
	}
}

// prune forgets callIds seen more than two ring timeouts ago. A redelivery
// that late is ignored as stale anyway.
func (w *Watcher) prune() {
	cutoff := w.opts.Now().Add(-2 * w.mgr.RingTimeout())
	w.mu.Lock()
	for id, at := range w.seen {
		if at.Before(cutoff) {
			delete(w.seen, id)
		}
	}
	w.mu.Unlock()
}

func callBefore(a, b *docstore.Document) bool {
	ta, _ := a.Data[fieldCreatedAt].(float64)
	tb, _ := b.Data[fieldCreatedAt].(float64)
	if ta != tb {
		return ta < tb
	}
	return a.Seq < b.Seq
}

func (w *Watcher) setAvailable(ok bool) {
	w.mu.Lock()
	changed := w.available != ok
	w.available = ok
	w.mu.Unlock()
	if !changed {
		return
	}
	typ := EventUnavailable
	if ok {
		typ = EventAvailable
	}
	w.broadcast(WatchEvent{Type: typ})
}

func (w *Watcher) fireIncoming(ic IncomingCall) {
	w.mu.Lock()
	fns := append([]func(IncomingCall){}, w.onIncoming...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(ic)
	}
	w.broadcast(WatchEvent{Type: EventIncoming, Call: &ic})
}

func (w *Watcher) fireCancelled(callID string) {
	w.mu.Lock()
	fns := append([]func(string){}, w.onCancelled...)
	w.mu.Unlock()
	for _, fn := range fns {
		fn(callID)
	}
	w.broadcast(WatchEvent{Type: EventCancelled, Call: &IncomingCall{CallID: callID}})
}

func (w *Watcher) broadcast(ev WatchEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for ch := range w.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

package docstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/counselcall/internal/util"
)

var log = logging.Logger("docstore")

// maxCommitRetries bounds optimistic retries against shared backends.
const maxCommitRetries = 5

// Engine is the in-process Store: commits are serialized, validated against
// preconditions, persisted through a Backend and fanned out through a Bus.
type Engine struct {
	backend Backend
	bus     Bus
	now     func() time.Time

	commitMu sync.Mutex
	lastTS   int64

	watchMu  sync.Mutex
	docWs    map[*docWatcher]struct{}
	queryWs  map[*queryWatcher]struct{}
	unsubBus func()
	closed   bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithBus replaces the in-process bus, e.g. with a Redis bus shared by
// several hubs over one backend.
func WithBus(b Bus) EngineOption {
	return func(e *Engine) { e.bus = b }
}

// WithClock overrides the store clock.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine takes ownership of backend (and of the bus, if given).
func NewEngine(backend Backend, opts ...EngineOption) (*Engine, error) {
	e := &Engine{
		backend: backend,
		now:     time.Now,
		docWs:   make(map[*docWatcher]struct{}),
		queryWs: make(map[*queryWatcher]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	if e.bus == nil {
		e.bus = NewLocalBus()
	}
	unsub, err := e.bus.Subscribe(e.dispatch)
	if err != nil {
		return nil, fmt.Errorf("subscribe bus: %w", err)
	}
	e.unsubBus = unsub
	return e, nil
}

// NewMemoryEngine is an Engine over a fresh in-memory backend.
func NewMemoryEngine(opts ...EngineOption) *Engine {
	e, err := NewEngine(NewMemoryBackend(), opts...)
	if err != nil {
		// the local bus never fails to subscribe
		panic(err)
	}
	return e
}

func (e *Engine) isClosed() bool {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	return e.closed
}

// Get implements Store.
func (e *Engine) Get(ctx context.Context, path string) (*Document, error) {
	if !ValidDocPath(path) {
		return nil, fmt.Errorf("%w: bad document path %q", ErrInvalidArgument, path)
	}
	if e.isClosed() {
		return nil, ErrClosed
	}
	return e.backend.Get(ctx, path)
}

// Query implements Store.
func (e *Engine) Query(ctx context.Context, q Query) ([]*Document, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	nq, err := q.Normalized()
	if err != nil {
		return nil, err
	}
	if e.isClosed() {
		return nil, ErrClosed
	}
	docs, err := e.backend.List(ctx, nq.Collection)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if nq.Matches(d) {
			out = append(out, d)
		}
	}
	nq.Sort(out)
	return out, nil
}

// Commit implements Store.
func (e *Engine) Commit(ctx context.Context, writes ...Write) ([]*Document, error) {
	if len(writes) == 0 {
		return nil, nil
	}
	prepared := make([]Write, len(writes))
	for i, w := range writes {
		if err := w.validate(); err != nil {
			return nil, err
		}
		data, err := Normalize(w.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
		}
		w.Data = data
		prepared[i] = w
	}
	if e.isClosed() {
		return nil, ErrClosed
	}

	var lastErr error
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		docs, err := e.commitOnce(ctx, prepared)
		if !errors.Is(err, ErrConflict) {
			return docs, err
		}
		lastErr = err
		log.Debugf("DOCSTORE: commit conflict, retry %d", attempt+1)
	}
	return nil, lastErr
}

// stamp returns the commit timestamp in unix ms; it never goes backwards.
func (e *Engine) stamp() int64 {
	ts := e.now().UnixMilli()
	if ts < e.lastTS {
		ts = e.lastTS
	}
	e.lastTS = ts
	return ts
}

func (e *Engine) commitOnce(ctx context.Context, writes []Write) ([]*Document, error) {
	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	ts := e.stamp()
	at := time.UnixMilli(ts)

	state := make(map[string]*Document)
	prev := make(map[string]int64)
	prevSeq := make(map[string]int64)
	touched := make(map[string]bool)
	var order []string

	load := func(path string) (*Document, error) {
		if d, ok := state[path]; ok {
			return d, nil
		}
		d, err := e.backend.Get(ctx, path)
		if errors.Is(err, ErrNotFound) {
			d, err = nil, nil
		}
		if err != nil {
			return nil, err
		}
		state[path] = d
		if d != nil {
			prev[path] = d.Version
			prevSeq[path] = d.Seq
		}
		order = append(order, path)
		return d, nil
	}

	results := make([]*Document, len(writes))
	for i, w := range writes {
		cur, err := load(w.Path)
		if err != nil {
			return nil, err
		}
		for _, c := range w.Conds {
			if !c.Holds(cur) {
				return nil, fmt.Errorf("%w: %s on %s", ErrPreconditionFailed, c, w.Path)
			}
		}

		var next *Document
		switch w.Op {
		case OpCheck:
			continue
		case OpDelete:
			if cur != nil {
				state[w.Path] = nil
				touched[w.Path] = true
			}
			continue
		case OpCreate:
			if cur != nil {
				return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, w.Path)
			}
			next, err = e.newDoc(ctx, w.Path, resolve(w.Data, ts), at)
		case OpSet:
			if cur == nil {
				next, err = e.newDoc(ctx, w.Path, resolve(w.Data, ts), at)
			} else {
				next = cur.Clone()
				next.Data = resolve(w.Data, ts)
			}
		case OpMerge, OpUpdate:
			if cur == nil {
				if w.Op == OpUpdate {
					return nil, fmt.Errorf("%w: %s", ErrNotFound, w.Path)
				}
				next, err = e.newDoc(ctx, w.Path, resolve(w.Data, ts), at)
			} else {
				next = cur.Clone()
				if next.Data == nil {
					next.Data = Fields{}
				}
				for k, v := range resolve(w.Data, ts) {
					next.Data[k] = v
				}
			}
		}
		if err != nil {
			return nil, err
		}
		if cur != nil {
			next.Version = cur.Version + 1
			next.UpdateTime = at
		}
		state[w.Path] = next
		touched[w.Path] = true
		results[i] = next.Clone()
	}

	var muts []Mutation
	var events []ChangeEvent
	for _, p := range order {
		if !touched[p] {
			continue
		}
		d := state[p]
		if d == nil && prev[p] == 0 {
			// created and deleted within the batch
			continue
		}
		muts = append(muts, Mutation{Path: p, Doc: d, PrevVersion: prev[p]})
		if d == nil {
			events = append(events, ChangeEvent{Path: p, Deleted: true, Version: prev[p] + 1, Seq: prevSeq[p]})
		} else {
			events = append(events, ChangeEvent{Path: p, Doc: d.Clone(), Version: d.Version})
		}
	}
	if len(muts) == 0 {
		return results, nil
	}
	if err := e.backend.Apply(ctx, muts); err != nil {
		return nil, err
	}
	if err := e.bus.Publish(ctx, events); err != nil {
		log.Warnf("DOCSTORE: publish %d change(s) failed: %v", len(events), err)
	}
	return results, nil
}

func (e *Engine) newDoc(ctx context.Context, path string, data Fields, at time.Time) (*Document, error) {
	seq, err := e.backend.NextSeq(ctx)
	if err != nil {
		return nil, err
	}
	_, id := Split(path)
	return &Document{
		Path:       path,
		ID:         id,
		Data:       data,
		Version:    1,
		Seq:        seq,
		CreateTime: at,
		UpdateTime: at,
	}, nil
}

// resolve replaces ServerTimestamp sentinels with ts.
func resolve(data Fields, ts int64) Fields {
	out := make(Fields, len(data))
	for k, v := range data {
		if isServerTimestamp(v) {
			out[k] = float64(ts)
			continue
		}
		out[k] = cloneValue(v)
	}
	return out
}

// ── Subscriptions ────────────────────────────────────────────────────────────

type docWatcher struct {
	path    string
	version int64
	exists  bool
	box     *util.Mailbox[DocSnapshot]
}

func (w *docWatcher) handle(ev ChangeEvent) {
	if ev.Path != w.path {
		return
	}
	switch {
	case ev.Deleted:
		if !w.exists || ev.Version <= w.version {
			return
		}
		w.exists = false
		w.version = ev.Version
		w.box.Push(DocSnapshot{Path: w.path})
	default:
		if w.exists && ev.Version <= w.version {
			return
		}
		w.exists = true
		w.version = ev.Version
		w.box.Push(DocSnapshot{Path: w.path, Doc: ev.Doc.Clone()})
	}
}

type queryWatcher struct {
	q   Query
	rs  *ResultSet
	box *util.Mailbox[QuerySnapshot]
}

func (w *queryWatcher) handle(events []ChangeEvent) {
	var changes []Change
	for _, ev := range events {
		c, _ := Split(ev.Path)
		if c != w.q.Collection {
			continue
		}
		if ch, ok := w.rs.Apply(ev); ok {
			changes = append(changes, ch)
		}
	}
	if len(changes) == 0 {
		return
	}
	w.box.Push(QuerySnapshot{Docs: w.rs.Docs(), Changes: changes})
}

func (e *Engine) dispatch(events []ChangeEvent) {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	for w := range e.docWs {
		for _, ev := range events {
			w.handle(ev)
		}
	}
	for w := range e.queryWs {
		w.handle(events)
	}
}

// WatchDoc implements Store.
func (e *Engine) WatchDoc(ctx context.Context, path string) (<-chan DocSnapshot, func(), error) {
	if !ValidDocPath(path) {
		return nil, nil, fmt.Errorf("%w: bad document path %q", ErrInvalidArgument, path)
	}

	e.commitMu.Lock()
	cur, err := e.backend.Get(ctx, path)
	if errors.Is(err, ErrNotFound) {
		cur, err = nil, nil
	}
	if err != nil {
		e.commitMu.Unlock()
		return nil, nil, err
	}
	w := &docWatcher{path: path, box: util.NewMailbox[DocSnapshot]()}
	if cur != nil {
		w.exists = true
		w.version = cur.Version
	}
	w.box.Push(DocSnapshot{Path: path, Doc: cur})

	e.watchMu.Lock()
	if e.closed {
		e.watchMu.Unlock()
		e.commitMu.Unlock()
		w.box.Close()
		return nil, nil, ErrClosed
	}
	e.docWs[w] = struct{}{}
	e.watchMu.Unlock()
	e.commitMu.Unlock()

	cancel := e.cancelFunc(func() { delete(e.docWs, w) }, w.box.Close)
	stop := context.AfterFunc(ctx, cancel)
	return w.box.Out(), func() { stop(); cancel() }, nil
}

// WatchQuery implements Store.
func (e *Engine) WatchQuery(ctx context.Context, q Query) (<-chan QuerySnapshot, func(), error) {
	if err := q.validate(); err != nil {
		return nil, nil, err
	}
	nq, err := q.Normalized()
	if err != nil {
		return nil, nil, err
	}

	e.commitMu.Lock()
	docs, err := e.backend.List(ctx, nq.Collection)
	if err != nil {
		e.commitMu.Unlock()
		return nil, nil, err
	}
	w := &queryWatcher{q: nq, rs: NewResultSet(nq), box: util.NewMailbox[QuerySnapshot]()}
	changes := w.rs.Reset(docs)
	w.box.Push(QuerySnapshot{Docs: w.rs.Docs(), Changes: changes})

	e.watchMu.Lock()
	if e.closed {
		e.watchMu.Unlock()
		e.commitMu.Unlock()
		w.box.Close()
		return nil, nil, ErrClosed
	}
	e.queryWs[w] = struct{}{}
	e.watchMu.Unlock()
	e.commitMu.Unlock()

	cancel := e.cancelFunc(func() { delete(e.queryWs, w) }, w.box.Close)
	stop := context.AfterFunc(ctx, cancel)
	return w.box.Out(), func() { stop(); cancel() }, nil
}

func (e *Engine) cancelFunc(unregister func(), closeBox func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.watchMu.Lock()
			unregister()
			e.watchMu.Unlock()
			closeBox()
		})
	}
}

// Close stops every subscription and closes the bus and backend.
func (e *Engine) Close() error {
	e.watchMu.Lock()
	if e.closed {
		e.watchMu.Unlock()
		return nil
	}
	e.closed = true
	docWs, queryWs := e.docWs, e.queryWs
	e.docWs = make(map[*docWatcher]struct{})
	e.queryWs = make(map[*queryWatcher]struct{})
	e.watchMu.Unlock()

	for w := range docWs {
		w.box.Close()
	}
	for w := range queryWs {
		w.box.Close()
	}
	if e.unsubBus != nil {
		e.unsubBus()
	}
	return errors.Join(e.bus.Close(), e.backend.Close())
}

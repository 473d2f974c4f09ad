package docstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Mutation is a versioned write handed to a Backend. Doc is nil for deletes.
// PrevVersion is the version the engine read (0 when the document was
// missing); backends reject the mutation with ErrConflict when the stored
// version differs.
type Mutation struct {
	Path        string
	Doc         *Document
	PrevVersion int64
}

// Backend persists documents for an Engine.
type Backend interface {
	Get(ctx context.Context, path string) (*Document, error)
	List(ctx context.Context, collection string) ([]*Document, error)
	// Apply stores all mutations or none of them where the backend supports
	// transactions.
	Apply(ctx context.Context, muts []Mutation) error
	// NextSeq returns a store-wide increasing creation counter.
	NextSeq(ctx context.Context) (int64, error)
	Close() error
}

// Bus fans committed changes out to every engine sharing a backend.
type Bus interface {
	Publish(ctx context.Context, events []ChangeEvent) error
	Subscribe(fn func([]ChangeEvent)) (cancel func(), err error)
	Close() error
}

// memoryBackend keeps documents in a map. It is the default for tests and
// for a single hub that does not need durability.
type memoryBackend struct {
	mu   sync.RWMutex
	docs map[string]*Document
	seq  int64
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() Backend {
	return &memoryBackend{docs: make(map[string]*Document)}
}

func (b *memoryBackend) Get(_ context.Context, path string) (*Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

func (b *memoryBackend) List(_ context.Context, collection string) ([]*Document, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	prefix := collection + "/"
	var out []*Document
	for p, d := range b.docs {
		if !strings.HasPrefix(p, prefix) || strings.Contains(p[len(prefix):], "/") {
			continue
		}
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (b *memoryBackend) Apply(_ context.Context, muts []Mutation) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range muts {
		var cur int64
		if d, ok := b.docs[m.Path]; ok {
			cur = d.Version
		}
		if cur != m.PrevVersion {
			return ErrConflict
		}
	}
	for _, m := range muts {
		if m.Doc == nil {
			delete(b.docs, m.Path)
			continue
		}
		b.docs[m.Path] = m.Doc.Clone()
	}
	return nil
}

func (b *memoryBackend) NextSeq(context.Context) (int64, error) {
	b.mu.Lock()
	b.seq++
	n := b.seq
	b.mu.Unlock()
	return n, nil
}

func (b *memoryBackend) Close() error { return nil }

// localBus delivers events synchronously to in-process subscribers.
type localBus struct {
	mu   sync.RWMutex
	next int
	subs map[int]func([]ChangeEvent)
}

// NewLocalBus returns a bus for a single engine process.
func NewLocalBus() Bus {
	return &localBus{subs: make(map[int]func([]ChangeEvent))}
}

func (b *localBus) Publish(_ context.Context, events []ChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, fn := range b.subs {
		fn(events)
	}
	return nil
}

func (b *localBus) Subscribe(fn func([]ChangeEvent)) (func(), error) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

func (b *localBus) Close() error {
	b.mu.Lock()
	b.subs = make(map[int]func([]ChangeEvent))
	b.mu.Unlock()
	return nil
}

// Package chat keeps one ordered message thread per counselor/student pair
// in the shared document store.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/time/rate"

	"github.com/petervdpas/counselcall/internal/docstore"
)

var log = logging.Logger("chat")

var (
	// ErrSendFailed wraps every Send failure.
	ErrSendFailed = errors.New("send failed")
	// ErrThreadClosed means the thread was deleted, closed for deletion, or
	// superseded by an earlier duplicate.
	ErrThreadClosed = errors.New("thread closed")
)

// Options configures a Manager.
type Options struct {
	// SendRate limits outgoing messages per second; 0 disables the limit.
	SendRate  float64
	SendBurst int
	// OnSubscriptionError is told about transient subscription failures.
	// Delivery resumes on the same subscription when the store recovers.
	OnSubscriptionError func(threadID string, err error)
}

// Manager handles chat operations for one client.
type Manager struct {
	store   docstore.Store
	limiter *rate.Limiter
	onError func(threadID string, err error)
}

// New creates a chat manager over store.
func New(store docstore.Store, opts Options) *Manager {
	m := &Manager{store: store, onError: opts.OnSubscriptionError}
	if opts.SendRate > 0 {
		burst := opts.SendBurst
		if burst <= 0 {
			burst = 5
		}
		m.limiter = rate.NewLimiter(rate.Limit(opts.SendRate), burst)
	}
	return m
}

// OpenThread returns the thread of the pair, creating it when none exists.
//
// Two clients opening the same pair at once may both create a thread. After
// creating, the pair is looked up again and reconciled: the earliest thread
// wins and the other is marked orphaned, so both clients return the same ID.
func (m *Manager) OpenThread(ctx context.Context, counselorID, studentID string) (string, error) {
	if counselorID == "" || studentID == "" {
		return "", fmt.Errorf("%w: empty participant", docstore.ErrInvalidArgument)
	}
	key := PairKey(counselorID, studentID)

	threads, err := m.pairThreads(ctx, key)
	if err != nil {
		return "", fmt.Errorf("lookup thread: %w", err)
	}
	if len(threads) == 1 && threads[0].Usable() {
		return threads[0].ID, nil
	}
	if len(threads) == 0 {
		id := docstore.NewID()
		_, err := docstore.Create(ctx, m.store, threadPath(id), docstore.Fields{
			fieldCounselorID: counselorID,
			fieldStudentID:   studentID,
			fieldPairKey:     key,
			fieldCreatedAt:   docstore.ServerTimestamp,
		})
		if err != nil {
			return "", fmt.Errorf("create thread: %w", err)
		}
		log.Infof("CHAT: created thread %s for %s", id, key)
	}

	t, err := m.reconcile(ctx, key)
	if err != nil {
		return "", err
	}
	return t.ID, nil
}

// Reconcile resolves duplicate threads of a pair and returns the canonical
// one. It is safe to run from several clients at once.
func (m *Manager) Reconcile(ctx context.Context, a, b string) (Thread, error) {
	return m.reconcile(ctx, PairKey(a, b))
}

func (m *Manager) pairThreads(ctx context.Context, key string) ([]Thread, error) {
	docs, err := m.store.Query(ctx, docstore.Query{
		Collection: threadsCollection,
		Where:      []docstore.Filter{docstore.Eq(fieldPairKey, key)},
	})
	if err != nil {
		return nil, err
	}
	threads := make([]Thread, 0, len(docs))
	for _, d := range docs {
		t := threadFromDoc(d)
		if t.ClosedAt != 0 {
			continue
		}
		threads = append(threads, t)
	}
	sort.Slice(threads, func(i, j int) bool { return threadBefore(threads[i], threads[j]) })
	return threads, nil
}

// reconcile picks the earliest thread of the pair. Later threads are marked
// orphaned and deleted when empty; non-empty orphans are kept untouched so
// that no history is merged or lost.
func (m *Manager) reconcile(ctx context.Context, key string) (Thread, error) {
	threads, err := m.pairThreads(ctx, key)
	if err != nil {
		return Thread{}, fmt.Errorf("lookup thread: %w", err)
	}
	if len(threads) == 0 {
		return Thread{}, fmt.Errorf("lookup thread: %w", docstore.ErrNotFound)
	}

	canon := threads[0]
	if canon.OrphanOf != "" {
		// the thread it deferred to is gone
		_, err := docstore.Update(ctx, m.store, threadPath(canon.ID),
			docstore.Fields{fieldOrphanOf: nil},
			docstore.FieldIn(fieldOrphanOf, canon.OrphanOf))
		if err != nil && !errors.Is(err, docstore.ErrPreconditionFailed) {
			return Thread{}, fmt.Errorf("reinstate thread: %w", err)
		}
		canon.OrphanOf = ""
	}

	for _, dup := range threads[1:] {
		if dup.OrphanOf == "" {
			_, err := docstore.Update(ctx, m.store, threadPath(dup.ID),
				docstore.Fields{fieldOrphanOf: canon.ID},
				docstore.FieldUnset(fieldOrphanOf))
			switch {
			case err == nil:
				log.Warnf("CHAT: thread %s duplicates %s for %s, marked orphaned", dup.ID, canon.ID, key)
			case errors.Is(err, docstore.ErrPreconditionFailed), errors.Is(err, docstore.ErrNotFound):
			default:
				return Thread{}, fmt.Errorf("mark orphan: %w", err)
			}
		}
		if err := m.deleteIfEmpty(ctx, dup.ID); err != nil {
			log.Warnf("CHAT: cleanup of orphan %s: %v", dup.ID, err)
		}
	}
	return canon, nil
}

// deleteIfEmpty removes an orphaned thread without messages. The orphan
// mark already blocks sends, so emptiness cannot change underneath.
func (m *Manager) deleteIfEmpty(ctx context.Context, threadID string) error {
	msgs, err := m.store.Query(ctx, docstore.Query{Collection: messagesPath(threadID)})
	if err != nil {
		return err
	}
	if len(msgs) > 0 {
		return nil
	}
	_, err = m.store.Commit(ctx, docstore.Write{
		Op:    docstore.OpDelete,
		Path:  threadPath(threadID),
		Conds: []docstore.Precondition{docstore.FieldSet(fieldOrphanOf)},
	})
	if errors.Is(err, docstore.ErrPreconditionFailed) {
		return nil
	}
	return err
}

// Send appends a message with a store-assigned timestamp. Success means the
// message is stored; it is shown once the subscription echoes it.
func (m *Manager) Send(ctx context.Context, threadID, senderID, senderName, content string) (Message, error) {
	return m.SendMessage(ctx, NewOutgoing(threadID, senderID, senderName, content))
}

// SendMessage stores a message prepared with NewOutgoing.
func (m *Manager) SendMessage(ctx context.Context, msg Message) (Message, error) {
	if strings.TrimSpace(msg.Content) == "" {
		return Message{}, fmt.Errorf("%w: %w: empty message", ErrSendFailed, docstore.ErrInvalidArgument)
	}
	if msg.ThreadID == "" || msg.ID == "" || msg.SenderID == "" {
		return Message{}, fmt.Errorf("%w: %w: incomplete message", ErrSendFailed, docstore.ErrInvalidArgument)
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
	}

	docs, err := m.store.Commit(ctx,
		docstore.Write{
			Op:   docstore.OpCheck,
			Path: threadPath(msg.ThreadID),
			Conds: []docstore.Precondition{
				docstore.Exists(),
				docstore.FieldUnset(fieldOrphanOf),
				docstore.FieldUnset(fieldClosedAt),
			},
		},
		docstore.Write{
			Op:   docstore.OpCreate,
			Path: messagePath(msg.ThreadID, msg.ID),
			Data: docstore.Fields{
				fieldSenderID:   msg.SenderID,
				fieldSenderName: msg.SenderName,
				fieldContent:    msg.Content,
				fieldTimestamp:  docstore.ServerTimestamp,
			},
		},
	)
	if errors.Is(err, docstore.ErrPreconditionFailed) {
		return Message{}, fmt.Errorf("%w: %w", ErrSendFailed, ErrThreadClosed)
	}
	if err != nil {
		log.Warnf("CHAT: send to %s failed: %v", msg.ThreadID, err)
		return Message{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	log.Debugf("CHAT: sent %s to %s", msg.ID, msg.ThreadID)
	return messageFromDoc(msg.ThreadID, docs[1]), nil
}

// Subscribe delivers the full ordered history of the thread on attach and
// again after every change. Messages are ordered by timestamp, ties by
// arrival. onMessages is called from one goroutine, never concurrently.
func (m *Manager) Subscribe(ctx context.Context, threadID string, onMessages func([]Message)) (func(), error) {
	ch, cancel, err := m.store.WatchQuery(ctx, docstore.Query{
		Collection: messagesPath(threadID),
		OrderBy:    fieldTimestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", threadID, err)
	}
	go func() {
		for snap := range ch {
			if snap.Err != nil {
				log.Warnf("CHAT: subscription to %s: %v", threadID, snap.Err)
				if m.onError != nil {
					m.onError(threadID, snap.Err)
				}
				continue
			}
			msgs := make([]Message, 0, len(snap.Docs))
			for _, d := range snap.Docs {
				msgs = append(msgs, messageFromDoc(threadID, d))
			}
			onMessages(msgs)
		}
	}()
	return cancel, nil
}

// History returns the current ordered messages of a thread.
func (m *Manager) History(ctx context.Context, threadID string) ([]Message, error) {
	docs, err := m.store.Query(ctx, docstore.Query{Collection: messagesPath(threadID), OrderBy: fieldTimestamp})
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(docs))
	for _, d := range docs {
		msgs = append(msgs, messageFromDoc(threadID, d))
	}
	return msgs, nil
}

// DeleteThread removes every message and then the thread as one batch. The
// thread is closed first so that no message can slip in between the listing
// and the batch. On error nothing is reported deleted and the call can be
// repeated.
func (m *Manager) DeleteThread(ctx context.Context, threadID string) error {
	_, err := docstore.Update(ctx, m.store, threadPath(threadID),
		docstore.Fields{fieldClosedAt: docstore.ServerTimestamp})
	if errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("close thread: %w", err)
	}

	docs, err := m.store.Query(ctx, docstore.Query{Collection: messagesPath(threadID)})
	if err != nil {
		return fmt.Errorf("list messages: %w", err)
	}
	writes := make([]docstore.Write, 0, len(docs)+1)
	for _, d := range docs {
		writes = append(writes, docstore.Write{Op: docstore.OpDelete, Path: d.Path})
	}
	writes = append(writes, docstore.Write{Op: docstore.OpDelete, Path: threadPath(threadID)})
	if _, err := m.store.Commit(ctx, writes...); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	log.Infof("CHAT: deleted thread %s (%d messages)", threadID, len(docs))
	return nil
}

// ListThreads returns the usable threads a user takes part in, oldest first.
func (m *Manager) ListThreads(ctx context.Context, participantID string) ([]Thread, error) {
	seen := make(map[string]bool)
	var out []Thread
	for _, field := range []string{fieldCounselorID, fieldStudentID} {
		docs, err := m.store.Query(ctx, docstore.Query{
			Collection: threadsCollection,
			Where:      []docstore.Filter{docstore.Eq(field, participantID)},
		})
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			t := threadFromDoc(d)
			if seen[t.ID] || !t.Usable() {
				continue
			}
			seen[t.ID] = true
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return threadBefore(out[i], out[j]) })
	return out, nil
}

// GetThread returns one thread.
func (m *Manager) GetThread(ctx context.Context, threadID string) (Thread, error) {
	d, err := m.store.Get(ctx, threadPath(threadID))
	if err != nil {
		return Thread{}, err
	}
	return threadFromDoc(d), nil
}

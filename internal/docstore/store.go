package docstore

import (
	"context"
	"errors"
)

var (
	ErrNotFound           = errors.New("document not found")
	ErrAlreadyExists      = errors.New("document already exists")
	ErrPreconditionFailed = errors.New("precondition failed")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrConflict           = errors.New("concurrent modification")
	ErrUnavailable        = errors.New("store unavailable")
	ErrSubscriptionLost   = errors.New("subscription lost")
	ErrClosed             = errors.New("store closed")
)

// Store is the document store as seen by clients. Engine implements it
// in-process; hub.Client implements it over a websocket.
type Store interface {
	// Get returns the document at path or ErrNotFound.
	Get(ctx context.Context, path string) (*Document, error)

	// Query returns the current result of q.
	Query(ctx context.Context, q Query) ([]*Document, error)

	// Commit applies writes atomically and returns the resulting documents
	// (nil entries for deletes and checks).
	Commit(ctx context.Context, writes ...Write) ([]*Document, error)

	// WatchDoc subscribes to one document. The first snapshot is its current
	// state. cancel stops the subscription and closes the channel.
	//
	// A snapshot with Err set reports a failure. If the store recovers on its
	// own (a reconnecting client) the channel stays open and delivery resumes;
	// otherwise the channel is closed after the error.
	WatchDoc(ctx context.Context, path string) (ch <-chan DocSnapshot, cancel func(), err error)

	// WatchQuery subscribes to a query result. The first snapshot holds the
	// full current result with every document marked Added.
	WatchQuery(ctx context.Context, q Query) (ch <-chan QuerySnapshot, cancel func(), err error)

	Close() error
}

// Create writes a new document, failing with ErrAlreadyExists.
func Create(ctx context.Context, s Store, path string, data Fields) (*Document, error) {
	docs, err := s.Commit(ctx, Write{Op: OpCreate, Path: path, Data: data})
	if err != nil {
		return nil, err
	}
	return docs[0], nil
}

// Add appends a document with a fresh ID to collection.
func Add(ctx context.Context, s Store, collection string, data Fields) (*Document, error) {
	return Create(ctx, s, Join(collection, NewID()), data)
}

// Merge creates the document or merges data into its top-level fields.
func Merge(ctx context.Context, s Store, path string, data Fields) (*Document, error) {
	docs, err := s.Commit(ctx, Write{Op: OpMerge, Path: path, Data: data})
	if err != nil {
		return nil, err
	}
	return docs[0], nil
}

// Update merges data into an existing document if every precondition holds.
func Update(ctx context.Context, s Store, path string, data Fields, conds ...Precondition) (*Document, error) {
	docs, err := s.Commit(ctx, Write{Op: OpUpdate, Path: path, Data: data, Conds: conds})
	if err != nil {
		return nil, err
	}
	return docs[0], nil
}

// Delete removes the document at path.
func Delete(ctx context.Context, s Store, path string) error {
	_, err := s.Commit(ctx, Write{Op: OpDelete, Path: path})
	return err
}

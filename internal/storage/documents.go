package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/petervdpas/counselcall/internal/docstore"
)

// DB is a durable docstore.Backend.
var _ docstore.Backend = (*DB)(nil)

const seqKey = "doc_seq"

// Get implements docstore.Backend.
func (d *DB) Get(ctx context.Context, path string) (*docstore.Document, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	row := d.db.QueryRowContext(ctx, `
		SELECT path, doc_id, data, version, seq, create_time, update_time
		FROM _documents WHERE path = ?`, path)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, docstore.ErrNotFound
	}
	return doc, err
}

// List implements docstore.Backend.
func (d *DB) List(ctx context.Context, collection string) ([]*docstore.Document, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT path, doc_id, data, version, seq, create_time, update_time
		FROM _documents WHERE collection = ? ORDER BY seq`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*docstore.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(r rowScanner) (*docstore.Document, error) {
	var doc docstore.Document
	var data string
	var created, updated int64
	if err := r.Scan(&doc.Path, &doc.ID, &data, &doc.Version, &doc.Seq, &created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &doc.Data); err != nil {
		return nil, fmt.Errorf("decode %s: %w", doc.Path, err)
	}
	if doc.Data == nil {
		doc.Data = docstore.Fields{}
	}
	doc.CreateTime = time.UnixMilli(created)
	doc.UpdateTime = time.UnixMilli(updated)
	return &doc, nil
}

// Apply implements docstore.Backend. All mutations commit in one transaction.
func (d *DB) Apply(ctx context.Context, muts []docstore.Mutation) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, m := range muts {
		var cur int64
		err := tx.QueryRowContext(ctx, `SELECT version FROM _documents WHERE path = ?`, m.Path).Scan(&cur)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if cur != m.PrevVersion {
			return docstore.ErrConflict
		}

		if m.Doc == nil {
			if _, err := tx.ExecContext(ctx, `DELETE FROM _documents WHERE path = ?`, m.Path); err != nil {
				return err
			}
			continue
		}

		data, err := json.Marshal(m.Doc.Data)
		if err != nil {
			return fmt.Errorf("encode %s: %w", m.Path, err)
		}
		collection, _ := docstore.Split(m.Path)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO _documents (path, collection, doc_id, data, version, seq, create_time, update_time)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(path) DO UPDATE SET
				data        = excluded.data,
				version     = excluded.version,
				update_time = excluded.update_time`,
			m.Path, collection, m.Doc.ID, string(data), m.Doc.Version, m.Doc.Seq,
			m.Doc.CreateTime.UnixMilli(), m.Doc.UpdateTime.UnixMilli(),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// NextSeq implements docstore.Backend.
func (d *DB) NextSeq(ctx context.Context) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var cur int64
	var raw string
	err = tx.QueryRowContext(ctx, `SELECT value FROM _meta WHERE key = ?`, seqKey).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return 0, err
	default:
		if cur, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return 0, fmt.Errorf("corrupt %s: %w", seqKey, err)
		}
	}
	next := cur + 1
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO _meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		seqKey, strconv.FormatInt(next, 10),
	); err != nil {
		return 0, err
	}
	return next, tx.Commit()
}

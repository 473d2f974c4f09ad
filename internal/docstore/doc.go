// Package docstore is a small shared document store with realtime subscriptions.
//
// It is the only medium two clients use to reach each other: a call is a
// document both sides write to, a chat thread is a collection both sides
// append to. The consistency model is deliberately narrow:
//
//   - writes to one document are linearizable (each write bumps Version);
//   - a Commit of several writes is atomic on backends that support it;
//   - subscriptions deliver a full initial snapshot and then incremental
//     changes, at least once, ordered per document but not across documents.
//
// Every protocol built on top must therefore tolerate duplicate delivery and
// express its invariants as write preconditions (see Precondition) rather than
// read-then-write sequences.
package docstore

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Fields is the content of a document. Values are JSON-compatible; after a
// write every number is a float64 and every object a map[string]any.
type Fields map[string]any

// Document is one stored record.
type Document struct {
	Path       string    `json:"path"`
	ID         string    `json:"id"`
	Data       Fields    `json:"data"`
	Version    int64     `json:"version"`
	Seq        int64     `json:"seq"`
	CreateTime time.Time `json:"create_time"`
	UpdateTime time.Time `json:"update_time"`
}

// Collection returns the path of the collection holding the document.
func (d *Document) Collection() string {
	c, _ := Split(d.Path)
	return c
}

// DataTo decodes the document fields into v (a pointer to a struct with json tags).
func (d *Document) DataTo(v any) error {
	b, err := json.Marshal(d.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

// String reads a string field, returning "" when absent or not a string.
func (d *Document) String(field string) string {
	s, _ := d.Data[field].(string)
	return s
}

// Has reports whether the field is present and non-null.
func (d *Document) Has(field string) bool {
	v, ok := d.Data[field]
	return ok && v != nil
}

// Clone returns a deep copy so snapshots handed to subscribers never alias
// engine state.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Data = cloneFields(d.Data)
	return &cp
}

func cloneFields(f Fields) Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, x := range t {
			m[k] = cloneValue(x)
		}
		return m
	case Fields:
		return map[string]any(cloneFields(t))
	case []any:
		s := make([]any, len(t))
		for i, x := range t {
			s[i] = cloneValue(x)
		}
		return s
	default:
		return v
	}
}

// Join builds a path from alternating collection and document segments.
func Join(segments ...string) string {
	return strings.Join(segments, "/")
}

// Split returns the parent collection path and the document ID of a document
// path. Document paths have an even number of segments.
func Split(path string) (collection, id string) {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

// ValidDocPath reports whether path names a document (even, non-empty segments).
func ValidDocPath(path string) bool {
	segs := strings.Split(path, "/")
	if len(segs) < 2 || len(segs)%2 != 0 {
		return false
	}
	for _, s := range segs {
		if s == "" {
			return false
		}
	}
	return true
}

// ValidCollectionPath reports whether path names a collection (odd, non-empty segments).
func ValidCollectionPath(path string) bool {
	segs := strings.Split(path, "/")
	if len(segs)%2 != 1 {
		return false
	}
	for _, s := range segs {
		if s == "" {
			return false
		}
	}
	return true
}

// NewID returns a fresh random document ID.
func NewID() string {
	return uuid.NewString()
}

// serverTimestampKey marks a value the store replaces with its own clock.
const serverTimestampKey = "$serverTimestamp"

type serverTimestamp struct{}

func (serverTimestamp) MarshalJSON() ([]byte, error) {
	return []byte(`{"` + serverTimestampKey + `":true}`), nil
}

// ServerTimestamp is a field value replaced at commit time by the store clock
// (unix milliseconds). Store timestamps never decrease.
var ServerTimestamp any = serverTimestamp{}

func isServerTimestamp(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return false
	}
	b, _ := m[serverTimestampKey].(bool)
	return b
}

// Normalize converts arbitrary Go values to their JSON form so that equality
// filters, backends and the wire all see the same representation.
func Normalize(f Fields) (Fields, error) {
	if f == nil {
		return Fields{}, nil
	}
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("normalize fields: %w", err)
	}
	var out Fields
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("normalize fields: %w", err)
	}
	if out == nil {
		out = Fields{}
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// FromStruct encodes a tagged struct into Fields.
func FromStruct(v any) (Fields, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var f Fields
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	return f, nil
}

// Millis converts a store timestamp field (unix ms) into a time.Time.
func Millis(v any) (time.Time, bool) {
	f, ok := v.(float64)
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(int64(f)), true
}

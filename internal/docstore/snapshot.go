package docstore

// ChangeType classifies a change within a query result.
type ChangeType string

const (
	Added    ChangeType = "added"
	Modified ChangeType = "modified"
	Removed  ChangeType = "removed"
)

// Change is one document entering, changing within, or leaving a query result.
type Change struct {
	Type ChangeType `json:"type"`
	Doc  *Document  `json:"doc"`
}

// DocSnapshot is delivered by WatchDoc. Doc is nil when the document does not
// exist. A snapshot with Err set reports a subscription failure.
type DocSnapshot struct {
	Path string
	Doc  *Document
	Err  error
}

// Exists reports whether the watched document exists in this snapshot.
func (s DocSnapshot) Exists() bool { return s.Doc != nil }

// QuerySnapshot is delivered by WatchQuery. Docs is the full ordered result;
// Changes lists what differs from the previous snapshot (on the first
// snapshot, every document is Added). A snapshot with Err set reports a
// subscription failure.
type QuerySnapshot struct {
	Docs    []*Document
	Changes []Change
	Err     error
}

// ChangeEvent is what a commit publishes on the Bus: the new state of one
// document. Deleted events carry the version the deletion would have had and
// the Seq of the deleted document.
type ChangeEvent struct {
	Path    string    `json:"path"`
	Doc     *Document `json:"doc,omitempty"`
	Deleted bool      `json:"deleted,omitempty"`
	Version int64     `json:"version"`
	Seq     int64     `json:"seq,omitempty"`
}

// incarnation returns the Seq of the document the event belongs to; a path
// deleted and created again gets a higher Seq and restarts at version 1.
func (ev ChangeEvent) incarnation() int64 {
	if ev.Doc != nil {
		return ev.Doc.Seq
	}
	return ev.Seq
}

// mark is the last state a ResultSet saw for one path.
type mark struct {
	seq     int64
	version int64
}

// covers reports whether ev is not newer than m. Zero seqs are unknown and
// compare by version only.
func (m mark) covers(ev ChangeEvent) bool {
	if s := ev.incarnation(); s != 0 && m.seq != 0 && s != m.seq {
		return s < m.seq
	}
	return ev.Version <= m.version
}

// ResultSet maintains the current result of a query while change events are
// folded into it. Events not newer than the last version seen for their path
// are dropped, including paths that have left the result, so redelivered or
// reordered events are harmless.
type ResultSet struct {
	q    Query
	docs map[string]*Document
	// gone holds the last state seen for paths outside the result.
	gone map[string]mark
}

// NewResultSet returns an empty result for q.
func NewResultSet(q Query) *ResultSet {
	return &ResultSet{q: q, docs: make(map[string]*Document), gone: make(map[string]mark)}
}

// Reset replaces the result with docs and returns the changes relative to the
// previous content: documents not seen before are Added, changed ones are
// Modified and vanished ones Removed.
func (r *ResultSet) Reset(docs []*Document) []Change {
	next := make(map[string]*Document, len(docs))
	gone := make(map[string]mark)
	var changes []Change
	ordered := append([]*Document(nil), docs...)
	r.q.Sort(ordered)
	for _, d := range ordered {
		if !r.q.Matches(d) {
			gone[d.Path] = mark{seq: d.Seq, version: d.Version}
			continue
		}
		next[d.Path] = d
		old, ok := r.docs[d.Path]
		switch {
		case !ok:
			changes = append(changes, Change{Type: Added, Doc: d.Clone()})
		case old.Version != d.Version || old.Seq != d.Seq:
			changes = append(changes, Change{Type: Modified, Doc: d.Clone()})
		}
	}
	for p, old := range r.docs {
		if _, ok := next[p]; !ok {
			changes = append(changes, Change{Type: Removed, Doc: old.Clone()})
			if _, ok := gone[p]; !ok {
				gone[p] = mark{seq: old.Seq, version: old.Version}
			}
		}
	}
	r.docs = next
	r.gone = gone
	return changes
}

// Apply folds one event into the result.
func (r *ResultSet) Apply(ev ChangeEvent) (Change, bool) {
	held, ok := r.docs[ev.Path]
	if ok && (mark{seq: held.Seq, version: held.Version}).covers(ev) {
		return Change{}, false
	}
	if m, seen := r.gone[ev.Path]; !ok && seen && m.covers(ev) {
		return Change{}, false
	}
	if ev.Deleted || !r.q.Matches(ev.Doc) {
		m := mark{seq: ev.incarnation(), version: ev.Version}
		if m.seq == 0 && ok {
			m.seq = held.Seq
		}
		r.gone[ev.Path] = m
		if !ok {
			return Change{}, false
		}
		delete(r.docs, ev.Path)
		return Change{Type: Removed, Doc: held.Clone()}, true
	}
	delete(r.gone, ev.Path)
	r.docs[ev.Path] = ev.Doc.Clone()
	if ok {
		return Change{Type: Modified, Doc: ev.Doc.Clone()}, true
	}
	return Change{Type: Added, Doc: ev.Doc.Clone()}, true
}

// Docs returns the ordered result.
func (r *ResultSet) Docs() []*Document {
	out := make([]*Document, 0, len(r.docs))
	for _, d := range r.docs {
		out = append(out, d.Clone())
	}
	r.q.Sort(out)
	return out
}

// Len returns the number of documents in the result.
func (r *ResultSet) Len() int { return len(r.docs) }

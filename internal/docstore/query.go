package docstore

import (
	"fmt"
	"sort"
)

// Filter is an equality predicate on a top-level field.
type Filter struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Eq builds an equality filter.
func Eq(field string, value any) Filter {
	return Filter{Field: field, Value: value}
}

// Query selects documents of one collection.
type Query struct {
	Collection string   `json:"collection"`
	Where      []Filter `json:"where,omitempty"`
	// OrderBy sorts ascending on a field; ties (and the empty OrderBy) fall
	// back to Seq, i.e. creation order.
	OrderBy string `json:"order_by,omitempty"`
}

func (q Query) validate() error {
	if !ValidCollectionPath(q.Collection) {
		return fmt.Errorf("%w: bad collection path %q", ErrInvalidArgument, q.Collection)
	}
	return nil
}

// Normalized returns a copy whose filter values are in JSON form.
func (q Query) Normalized() (Query, error) {
	out := q
	out.Where = make([]Filter, len(q.Where))
	for i, f := range q.Where {
		v, err := normalizeValue(f.Value)
		if err != nil {
			return Query{}, fmt.Errorf("%w: filter %s: %v", ErrInvalidArgument, f.Field, err)
		}
		out.Where[i] = Filter{Field: f.Field, Value: v}
	}
	return out, nil
}

// Matches reports whether doc belongs to the query result. q must be normalized.
func (q Query) Matches(doc *Document) bool {
	if doc == nil || doc.Collection() != q.Collection {
		return false
	}
	for _, f := range q.Where {
		if !valuesEqual(doc.Data[f.Field], f.Value) {
			return false
		}
	}
	return true
}

// Less orders two documents of the query result.
func (q Query) Less(a, b *Document) bool {
	if q.OrderBy != "" {
		if c := compareValues(a.Data[q.OrderBy], b.Data[q.OrderBy]); c != 0 {
			return c < 0
		}
	}
	return a.Seq < b.Seq
}

// Sort orders docs in place.
func (q Query) Sort(docs []*Document) {
	sort.SliceStable(docs, func(i, j int) bool { return q.Less(docs[i], docs[j]) })
}

// compareValues orders nil < bool < number < string; other kinds compare equal.
func compareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case float64:
		y := b.(float64)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	case string:
		y := b.(string)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
	}
	return 0
}

func rank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	default:
		return 4
	}
}

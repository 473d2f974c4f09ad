package docstore

import (
	"fmt"
	"reflect"
)

// Op is the kind of a Write.
type Op string

const (
	OpCreate Op = "create" // fails with ErrAlreadyExists
	OpSet    Op = "set"    // replace or create
	OpMerge  Op = "merge"  // merge top-level fields, create when missing
	OpUpdate Op = "update" // merge top-level fields, fails with ErrNotFound
	OpDelete Op = "delete" // no-op when missing
	OpCheck  Op = "check"  // evaluate preconditions only
)

// Write is one element of a Commit.
type Write struct {
	Op    Op             `json:"op"`
	Path  string         `json:"path"`
	Data  Fields         `json:"data,omitempty"`
	Conds []Precondition `json:"conds,omitempty"`
}

// CondKind names a Precondition test.
type CondKind string

const (
	CondExists     CondKind = "exists"
	CondMissing    CondKind = "missing"
	CondFieldUnset CondKind = "unset"
	CondFieldSet   CondKind = "set"
	CondFieldIn    CondKind = "in"
)

// Precondition is evaluated against the current state of the written
// document, inside the commit. A failed precondition aborts the whole commit
// with ErrPreconditionFailed.
type Precondition struct {
	Kind   CondKind `json:"kind"`
	Field  string   `json:"field,omitempty"`
	Values []any    `json:"values,omitempty"`
}

// Exists requires the document to exist.
func Exists() Precondition { return Precondition{Kind: CondExists} }

// Missing requires the document not to exist.
func Missing() Precondition { return Precondition{Kind: CondMissing} }

// FieldUnset requires the field to be absent or null. It is how write-once
// fields are guarded.
func FieldUnset(field string) Precondition {
	return Precondition{Kind: CondFieldUnset, Field: field}
}

// FieldSet requires the field to be present and non-null.
func FieldSet(field string) Precondition {
	return Precondition{Kind: CondFieldSet, Field: field}
}

// FieldIn requires the field to equal one of values. It is how monotonic
// status transitions are guarded.
func FieldIn(field string, values ...any) Precondition {
	return Precondition{Kind: CondFieldIn, Field: field, Values: values}
}

// Holds evaluates the precondition against doc (nil when missing).
func (p Precondition) Holds(doc *Document) bool {
	switch p.Kind {
	case CondExists:
		return doc != nil
	case CondMissing:
		return doc == nil
	case CondFieldUnset:
		return doc == nil || !doc.Has(p.Field)
	case CondFieldSet:
		return doc != nil && doc.Has(p.Field)
	case CondFieldIn:
		if doc == nil {
			return false
		}
		cur := doc.Data[p.Field]
		for _, v := range p.Values {
			nv, err := normalizeValue(v)
			if err != nil {
				continue
			}
			if valuesEqual(cur, nv) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (p Precondition) String() string {
	if p.Field == "" {
		return string(p.Kind)
	}
	if len(p.Values) > 0 {
		return fmt.Sprintf("%s %s %v", p.Field, p.Kind, p.Values)
	}
	return fmt.Sprintf("%s %s", p.Field, p.Kind)
}

func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

func (w Write) validate() error {
	switch w.Op {
	case OpCreate, OpSet, OpMerge, OpUpdate, OpDelete, OpCheck:
	default:
		return fmt.Errorf("%w: unknown op %q", ErrInvalidArgument, w.Op)
	}
	if !ValidDocPath(w.Path) {
		return fmt.Errorf("%w: bad document path %q", ErrInvalidArgument, w.Path)
	}
	return nil
}

// Package batch holds the per-batch staging state: raw facts written by the
// upstream decoder and the entity instances generated from them.
//
// State is owned by a single goroutine for the lifetime of a batch. Neither
// Facts nor Registry is safe for concurrent mutation.
package batch

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Shape is the shape a fact key is fixed to for the lifetime of a batch.
type Shape int

const (
	ShapeScalar Shape = iota + 1
	ShapeVector
)

func (s Shape) String() string {
	switch s {
	case ShapeScalar:
		return "scalar"
	case ShapeVector:
		return "vector"
	default:
		return "unknown"
	}
}

// ErrStaging is the sentinel matched by every staging error.
var ErrStaging = errors.New("batch: staging error")

// StagingError reports a write that does not match the shape a key already has.
// It signals a programming error in the fact producer, not bad input data.
type StagingError struct {
	Key  string
	Have Shape
	Want Shape
}

func (e *StagingError) Error() string {
	return fmt.Sprintf("batch: fact %q holds a %s, cannot write it as a %s", e.Key, e.Have, e.Want)
}

func (e *StagingError) Is(target error) bool { return target == ErrStaging }

// Fact is the current value stored under a key.
type Fact struct {
	Shape  Shape
	Value  any   // set for ShapeScalar
	Values []any // set for ShapeVector
}

// Facts maps string keys to scalar or append-only vector values.
type Facts struct {
	scalars map[string]any
	vectors map[string][]any
}

// NewFacts returns an empty fact store.
func NewFacts() *Facts {
	return &Facts{
		scalars: make(map[string]any),
		vectors: make(map[string][]any),
	}
}

// SetScalar stores value under key, overwriting any previous scalar.
func (f *Facts) SetScalar(key string, value any) error {
	if _, ok := f.vectors[key]; ok {
		return &StagingError{Key: key, Have: ShapeVector, Want: ShapeScalar}
	}
	f.scalars[key] = value
	return nil
}

// Append adds value to the vector under key, creating it on first use.
func (f *Facts) Append(key string, value any) error {
	if _, ok := f.scalars[key]; ok {
		return &StagingError{Key: key, Have: ShapeScalar, Want: ShapeVector}
	}
	f.vectors[key] = append(f.vectors[key], value)
	return nil
}

// Get returns the fact stored under key. The second result is false if the
// key was never written in this batch.
func (f *Facts) Get(key string) (Fact, bool) {
	if v, ok := f.scalars[key]; ok {
		return Fact{Shape: ShapeScalar, Value: v}, true
	}
	if vs, ok := f.vectors[key]; ok {
		out := make([]any, len(vs))
		copy(out, vs)
		return Fact{Shape: ShapeVector, Values: out}, true
	}
	return Fact{}, false
}

// Len returns the number of keys currently staged.
func (f *Facts) Len() int {
	return len(f.scalars) + len(f.vectors)
}

// Clear removes every key.
func (f *Facts) Clear() {
	clear(f.scalars)
	clear(f.vectors)
}

// Vector returns the typed elements stored under key. A key that was never
// written reads as an empty vector, since not every batch carries every
// fact type.
func Vector[T any](f *Facts, key string) ([]T, error) {
	if _, ok := f.scalars[key]; ok {
		return nil, &StagingError{Key: key, Have: ShapeScalar, Want: ShapeVector}
	}
	vs := f.vectors[key]
	out := make([]T, 0, len(vs))
	for i, v := range vs {
		t, ok := v.(T)
		if !ok {
			return nil, eris.Errorf("batch: fact %q element %d has type %T", key, i, v)
		}
		out = append(out, t)
	}
	return out, nil
}

// Scalar returns the typed value stored under key. The second result is
// false if the key was never written.
func Scalar[T any](f *Facts, key string) (T, bool, error) {
	var zero T
	if _, ok := f.vectors[key]; ok {
		return zero, false, &StagingError{Key: key, Have: ShapeVector, Want: ShapeScalar}
	}
	v, ok := f.scalars[key]
	if !ok {
		return zero, false, nil
	}
	t, ok := v.(T)
	if !ok {
		return zero, false, eris.Errorf("batch: fact %q has type %T", key, v)
	}
	return t, true, nil
}

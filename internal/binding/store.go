// v0
// internal/binding/store.go
package binding

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrInconsistent marks a binding set that violates the one-to-one rule or
// cannot be represented on disk.
var ErrInconsistent = errors.New("inconsistent bindings")

// Value is the candidate or choice a reader stands for.
type Value string

// Binding associates one reader identity with one value.
type Binding struct {
	Reader string `json:"reader"`
	Value  Value  `json:"value"`
}

// Store is an immutable reader → value snapshot. It is never written after
// NewStore returns, so concurrent lookups need no locking.
type Store struct {
	byReader map[string]Value
	bindings []Binding
}

// NewStore validates bindings and freezes them into a Store.
func NewStore(bindings []Binding) (*Store, error) {
	s := &Store{
		byReader: make(map[string]Value, len(bindings)),
		bindings: make([]Binding, 0, len(bindings)),
	}
	owners := make(map[Value]string, len(bindings))
	for _, b := range bindings {
		if err := validReader(b.Reader); err != nil {
			return nil, err
		}
		if err := ValidValue(b.Value); err != nil {
			return nil, fmt.Errorf("%w: reader %q: %v", ErrInconsistent, b.Reader, err)
		}
		if prev, ok := s.byReader[b.Reader]; ok {
			return nil, fmt.Errorf("%w: reader %q bound to both %q and %q", ErrInconsistent, b.Reader, prev, b.Value)
		}
		if owner, ok := owners[b.Value]; ok {
			return nil, fmt.Errorf("%w: value %q bound to both %q and %q", ErrInconsistent, b.Value, owner, b.Reader)
		}
		s.byReader[b.Reader] = b.Value
		owners[b.Value] = b.Reader
		s.bindings = append(s.bindings, b)
	}
	sort.Slice(s.bindings, func(i, j int) bool { return s.bindings[i].Reader < s.bindings[j].Reader })
	return s, nil
}

// Lookup returns the value bound to reader; ok is false when not bound.
func (s *Store) Lookup(reader string) (Value, bool) {
	if s == nil {
		return "", false
	}
	v, ok := s.byReader[reader]
	return v, ok
}

// All returns a copy of the bindings sorted by reader identity.
func (s *Store) All() []Binding {
	if s == nil {
		return nil
	}
	return append([]Binding(nil), s.bindings...)
}

// Len reports the number of bindings.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.bindings)
}

// Equal reports whether both stores hold the same mapping.
func (s *Store) Equal(other *Store) bool {
	if s.Len() != other.Len() {
		return false
	}
	for _, b := range s.All() {
		if v, ok := other.Lookup(b.Reader); !ok || v != b.Value {
			return false
		}
	}
	return true
}

// ValidValue rejects values that cannot round-trip through the comma
// separated value list or the properties file.
func ValidValue(v Value) error {
	s := string(v)
	if strings.TrimSpace(s) == "" {
		return errors.New("value must not be empty")
	}
	if s != strings.TrimSpace(s) {
		return errors.New("value must not have surrounding whitespace")
	}
	if strings.ContainsAny(s, ",\r\n") {
		return errors.New("value must not contain commas or newlines")
	}
	return nil
}

func validReader(r string) error {
	if strings.TrimSpace(r) == "" || r != strings.TrimSpace(r) {
		return fmt.Errorf("%w: blank or padded reader identity %q", ErrInconsistent, r)
	}
	if strings.ContainsAny(r, "=\r\n") {
		return fmt.Errorf("%w: reader identity %q contains '=' or a newline", ErrInconsistent, r)
	}
	return nil
}

// ParseValues splits a comma separated value list, dropping blanks.
func ParseValues(raw string) []Value {
	var out []Value
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, Value(p))
	}
	return out
}

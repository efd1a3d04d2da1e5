package tsql

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Registry maps logical type ids to converters.
//
// A Registry is built once by NewRegistry and never changes afterwards, so it
// can be shared by any number of goroutines without locking. Every id has
// one canonical spelling; pointer forms ("*int32") and aliases ("integer",
// "[]uint8") resolve to the same converter as the canonical id.
type Registry struct {
	convs   map[string]Converter
	aliases map[string]string
}

// Registration adds something to a Registry under construction.
type Registration func(r *Registry) error

// WithConverter registers c under the canonical id.
func WithConverter(id string, c Converter) Registration {
	return func(r *Registry) error {
		if !validTypeID(id) || strings.HasPrefix(id, "*") {
			return fmt.Errorf("%w: invalid type id %q", ErrUnknownType, id)
		}
		if c == nil {
			return fmt.Errorf("%w: nil converter for %q", ErrUnknownType, id)
		}
		if r.taken(id) {
			return fmt.Errorf("%w: %q", ErrDuplicateType, id)
		}
		r.convs[id] = c
		return nil
	}
}

// WithAlias makes alias resolve to the converter registered under id.
func WithAlias(alias, id string) Registration {
	return func(r *Registry) error {
		canon, ok := r.Canonical(id)
		if !ok {
			return fmt.Errorf("%w: alias %q targets %q", ErrUnknownType, alias, id)
		}
		if alias == "" || strings.HasPrefix(alias, "*") {
			return fmt.Errorf("%w: invalid alias %q", ErrUnknownType, alias)
		}
		if r.taken(alias) {
			return fmt.Errorf("%w: %q", ErrDuplicateType, alias)
		}
		r.aliases[alias] = canon
		return nil
	}
}

// NewRegistry returns a Registry holding the built-in converters plus extra,
// applied in order.
func NewRegistry(extra ...Registration) (*Registry, error) {
	r := &Registry{
		convs:   builtins(),
		aliases: builtinAliases(),
	}
	for _, reg := range extra {
		if err := reg(r); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// MustRegistry is like NewRegistry but panics on error. Meant for package
// initialisation.
func MustRegistry(extra ...Registration) *Registry {
	r, err := NewRegistry(extra...)
	if err != nil {
		panic(err)
	}
	return r
}

// Resolve returns the converter for id. Leading '*' are ignored, so a
// pointer type resolves like its element type.
func (r *Registry) Resolve(id string) (Converter, error) {
	canon, ok := r.Canonical(id)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, id)
	}
	return r.convs[canon], nil
}

// ResolveType returns the converter for a Go type.
func (r *Registry) ResolveType(t reflect.Type) (Converter, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: <nil>", ErrUnknownType)
	}
	return r.Resolve(TypeID(t))
}

// Canonical returns the canonical spelling of id and whether it is known.
func (r *Registry) Canonical(id string) (string, bool) {
	id = strings.TrimLeft(id, "*")
	if _, ok := r.convs[id]; ok {
		return id, true
	}
	if canon, ok := r.aliases[id]; ok {
		return canon, true
	}
	return "", false
}

// IDs returns the canonical ids, sorted.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.convs))
	for id := range r.convs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// taken reports whether name is already a canonical id or an alias.
func (r *Registry) taken(name string) bool {
	if _, ok := r.convs[name]; ok {
		return true
	}
	_, ok := r.aliases[name]
	return ok
}

// TypeID returns the logical type id of a Go type, e.g. "int64",
// "*string" or "uuid.UUID".
func TypeID(t reflect.Type) string {
	if t == nil {
		return ""
	}
	return t.String()
}

// validTypeID reports whether id could appear inside a #{...} type placeholder.
func validTypeID(id string) bool {
	if id == "" {
		return false
	}
	for i := 0; i < len(id); i++ {
		if !isTypeChar(id[i]) {
			return false
		}
	}
	return true
}

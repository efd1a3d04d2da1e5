package tsql

import (
	"database/sql"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/mitranim/refut"
)

// Accessor exposes the named getters and setters of one value to the binder
// and the materializer. Get returns the getter's value together with its
// declared type id; Set passes v to the setter accepting typeID.
type Accessor interface {
	Get(name string) (v any, typeID string, err error)
	Set(name, typeID string, v any) error
}

// Mapping is the table of getters, setters and constructor of a type T.
// It is built once, usually at package initialisation, and is read-only
// afterwards.
//
//	var userMapping = tsql.NewMapping[User]()
//
//	func init() {
//		tsql.Field(userMapping, "id", func(u *User) *int64 { return &u.ID })
//		tsql.Field(userMapping, "name", func(u *User) *string { return &u.Name })
//		tsql.Setter(userMapping, "setName", func(u *User, v *string) {
//			if v != nil {
//				u.Name = *v
//			}
//		})
//	}
type Mapping[T any] struct {
	getters map[string]getter[T]
	setters map[string]map[string]setter[T] // name -> declared type id -> setter
	ctor    *constructor[T]
}

type getter[T any] struct {
	typeID string
	fn     func(*T) any
}

type setter[T any] struct {
	typeID string
	fn     func(*T, any) error
}

type constructor[T any] struct {
	types []string
	fn    func(args []any) (T, error)
}

// object is an Accessor bound to one *T.
type object[T any] struct {
	m *Mapping[T]
	v *T
}

var mappingCache = newTypeCache(cacheSize)

// NewMapping returns an empty Mapping for T.
func NewMapping[T any]() *Mapping[T] {
	return &Mapping[T]{
		getters: make(map[string]getter[T]),
		setters: make(map[string]map[string]setter[T]),
	}
}

// Getter registers fn as the getter called name. The declared type id is
// the one of V.
func Getter[T, V any](m *Mapping[T], name string, fn func(*T) V) *Mapping[T] {
	m.getters[name] = getter[T]{
		typeID: TypeID(reflect.TypeFor[V]()),
		fn:     func(t *T) any { return fn(t) },
	}
	return m
}

// Setter registers fn as a setter called name. Several setters may share a
// name as long as their declared types differ.
func Setter[T, V any](m *Mapping[T], name string, fn func(*T, V)) *Mapping[T] {
	id := TypeID(reflect.TypeFor[V]())
	m.addSetter(name, setter[T]{
		typeID: id,
		fn: func(t *T, v any) error {
			x, err := assign[V](v)
			if err != nil {
				return fmt.Errorf("%s(%s): %w", name, id, err)
			}
			fn(t, x)
			return nil
		},
	})
	return m
}

// Field registers the getter and setter of a column label, named after the
// naming convention: Field(m, "employee_id", ...) adds getEmployeeId and
// setEmployeeId.
func Field[T, V any](m *Mapping[T], label string, field func(*T) *V) *Mapping[T] {
	Getter(m, GetterName(label), func(t *T) V { return *field(t) })
	Setter(m, SetterName(label), func(t *T, v V) { *field(t) = v })
	return m
}

// Constructor registers the canonical constructor of T: fn receives one
// value per declared type id, in order. A NULL column arrives as nil.
func Constructor[T any](m *Mapping[T], types []string, fn func(args []any) (T, error)) *Mapping[T] {
	m.ctor = &constructor[T]{types: append([]string(nil), types...), fn: fn}
	return m
}

// Ctor1 registers a one-argument constructor.
func Ctor1[T, A any](m *Mapping[T], fn func(A) T) *Mapping[T] {
	return Constructor(m, typeIDs[A](), func(args []any) (T, error) {
		var zero T
		a, err := assign[A](args[0])
		if err != nil {
			return zero, err
		}
		return fn(a), nil
	})
}

// Ctor2 registers a two-argument constructor.
func Ctor2[T, A, B any](m *Mapping[T], fn func(A, B) T) *Mapping[T] {
	types := append(typeIDs[A](), typeIDs[B]()...)
	return Constructor(m, types, func(args []any) (T, error) {
		var zero T
		a, err := assign[A](args[0])
		if err != nil {
			return zero, err
		}
		b, err := assign[B](args[1])
		if err != nil {
			return zero, err
		}
		return fn(a, b), nil
	})
}

// Ctor3 registers a three-argument constructor.
func Ctor3[T, A, B, C any](m *Mapping[T], fn func(A, B, C) T) *Mapping[T] {
	types := append(append(typeIDs[A](), typeIDs[B]()...), typeIDs[C]()...)
	return Constructor(m, types, func(args []any) (T, error) {
		var zero T
		a, err := assign[A](args[0])
		if err != nil {
			return zero, err
		}
		b, err := assign[B](args[1])
		if err != nil {
			return zero, err
		}
		c, err := assign[C](args[2])
		if err != nil {
			return zero, err
		}
		return fn(a, b, c), nil
	})
}

// Ctor4 registers a four-argument constructor.
func Ctor4[T, A, B, C, D any](m *Mapping[T], fn func(A, B, C, D) T) *Mapping[T] {
	types := append(append(append(typeIDs[A](), typeIDs[B]()...), typeIDs[C]()...), typeIDs[D]()...)
	return Constructor(m, types, func(args []any) (T, error) {
		var zero T
		a, err := assign[A](args[0])
		if err != nil {
			return zero, err
		}
		b, err := assign[B](args[1])
		if err != nil {
			return zero, err
		}
		c, err := assign[C](args[2])
		if err != nil {
			return zero, err
		}
		d, err := assign[D](args[3])
		if err != nil {
			return zero, err
		}
		return fn(a, b, c, d), nil
	})
}

// Of binds the mapping to v.
func (m *Mapping[T]) Of(v *T) Accessor {
	return object[T]{m: m, v: v}
}

// Getters returns the getter names, sorted.
func (m *Mapping[T]) Getters() []string {
	names := make([]string, 0, len(m.getters))
	for name := range m.getters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Setters returns the setter names, sorted. Overloads are listed once.
func (m *Mapping[T]) Setters() []string {
	names := make([]string, 0, len(m.setters))
	for name := range m.setters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Mapping[T]) addSetter(name string, s setter[T]) {
	byType := m.setters[name]
	if byType == nil {
		byType = make(map[string]setter[T], 1)
		m.setters[name] = byType
	}
	byType[s.typeID] = s
}

// setter finds the setter called name that accepts typeID. The exact
// declared type wins; otherwise the pointer and non-pointer forms of the
// same type are tried. An empty typeID selects a setter that is not
// overloaded.
func (m *Mapping[T]) setter(name, typeID string) (setter[T], error) {
	byType, ok := m.setters[name]
	if !ok {
		return setter[T]{}, fmt.Errorf("%w: setter %q on %s", ErrAccessorNotFound, name, TypeID(reflect.TypeFor[T]()))
	}
	if typeID == "" {
		if len(byType) == 1 {
			for _, s := range byType {
				return s, nil
			}
		}
		return setter[T]{}, fmt.Errorf("%w: setter %q is overloaded, a column type is required", ErrAccessorNotFound, name)
	}
	if s, ok := byType[typeID]; ok {
		return s, nil
	}

	base := strings.TrimLeft(typeID, "*")
	if s, ok := byType[base]; ok {
		return s, nil
	}
	if s, ok := byType["*"+base]; ok {
		return s, nil
	}
	return setter[T]{}, fmt.Errorf("%w: setter %q(%s) on %s", ErrAccessorNotFound, name, typeID, TypeID(reflect.TypeFor[T]()))
}

// setterType returns the declared type of the setter called name, which
// must not be overloaded.
func (m *Mapping[T]) setterType(name string) (string, error) {
	s, err := m.setter(name, "")
	if err != nil {
		return "", err
	}
	return s.typeID, nil
}

func (o object[T]) Get(name string) (any, string, error) {
	g, ok := o.m.getters[name]
	if !ok {
		return nil, "", fmt.Errorf("%w: getter %q on %s", ErrAccessorNotFound, name, TypeID(reflect.TypeFor[T]()))
	}
	if o.v == nil {
		return nil, "", fmt.Errorf("%w: getter %q on nil %s", ErrAccessorNotFound, name, TypeID(reflect.TypeFor[T]()))
	}
	return g.fn(o.v), g.typeID, nil
}

func (o object[T]) Set(name, typeID string, v any) error {
	s, err := o.m.setter(name, typeID)
	if err != nil {
		return err
	}
	if o.v == nil {
		return fmt.Errorf("%w: setter %q on nil %s", ErrAccessorNotFound, name, TypeID(reflect.TypeFor[T]()))
	}
	return s.fn(o.v, v)
}

// StructMapping returns a Mapping built from the exported fields of the
// struct T, or of the struct T points to. Each field gets the getter and
// setter of its column label: the name in its `db` tag, or the field name.
// Nested structs are flattened, except time.Time and types implementing
// sql.Scanner. Labels claimed by more than one field are left out. A T that
// is not a struct gets an empty Mapping. The result is cached per type.
//
// For a pointer T, getters on a nil pointer read as NULL and setters
// allocate it.
//
//	type User struct {
//		ID        int64      `db:"id"`         // getId / setId
//		UpdatedOn *time.Time `db:"updated_on"` // getUpdatedOn / setUpdatedOn
//	}
func StructMapping[T any]() *Mapping[T] {
	rt := reflect.TypeFor[T]()
	if m, ok := mappingCache.get(rt); ok {
		return m.(*Mapping[T])
	}

	m := NewMapping[T]()
	for label, path := range fieldPaths(rt) {
		if path == nil {
			continue
		}
		addField(m, label, path, refut.RtypeDeref(rt).FieldByIndex(path).Type)
	}
	mappingCache.put(rt, m)
	return m
}

// addField registers reflection-backed accessors for the field at path.
func addField[T any](m *Mapping[T], label string, path []int, ft reflect.Type) {
	id := TypeID(ft)
	m.getters[GetterName(label)] = getter[T]{
		typeID: id,
		fn: func(t *T) any {
			rv := structValue(t, false)
			if !rv.IsValid() {
				return nil
			}
			f, err := rv.FieldByIndexErr(path)
			if err != nil {
				// nil embedded pointer on the way
				return nil
			}
			return f.Interface()
		},
	}
	m.addSetter(SetterName(label), setter[T]{
		typeID: id,
		fn: func(t *T, v any) error {
			rv, err := convertTo(ft, v)
			if err != nil {
				return fmt.Errorf("%s: %w", label, err)
			}
			refut.RvalFieldByPathAlloc(structValue(t, true), path).Set(rv)
			return nil
		},
	})
}

// structValue returns the struct t refers to, following the pointers of a
// pointer T. With alloc, nil pointers on the way are allocated; without it
// a nil pointer yields the invalid Value.
func structValue[T any](t *T, alloc bool) reflect.Value {
	rv := reflect.ValueOf(t).Elem()
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			if !alloc {
				return reflect.Value{}
			}
			rv.Set(reflect.New(rv.Type().Elem()))
		}
		rv = rv.Elem()
	}
	return rv
}

// fieldPaths maps each column label of the struct type t to the index path
// of its field. Ambiguous labels map to nil.
func fieldPaths(t reflect.Type) map[string][]int {
	out := make(map[string][]int)
	base := refut.RtypeDeref(t)
	if base.Kind() != reflect.Struct {
		return out
	}

	visited := map[reflect.Type]bool{}
	var walk func(rt reflect.Type, path []int)

	walk = func(rt reflect.Type, path []int) {
		rt = refut.RtypeDeref(rt)
		if rt.Kind() != reflect.Struct || visited[rt] {
			return
		}
		visited[rt] = true
		defer delete(visited, rt)

		for i := 0; i < rt.NumField(); i++ {
			f := rt.Field(i)
			if !refut.IsSfieldExported(f) {
				continue
			}
			tag := f.Tag.Get("db")
			if tag == "-" {
				continue
			}
			label := refut.TagIdent(tag)
			if label == "" {
				label = f.Name
			}

			if shouldFlatten(f.Type) {
				walk(f.Type, appendIndex(path, i))
				continue
			}
			if _, exists := out[label]; exists {
				out[label] = nil
				continue
			}
			out[label] = appendIndex(path, i)
		}
	}

	walk(base, nil)
	return out
}

var scannerIface = reflect.TypeFor[sql.Scanner]()

// shouldFlatten decides whether to descend into ft (struct or *struct).
func shouldFlatten(ft reflect.Type) bool {
	if reflect.PointerTo(ft).Implements(scannerIface) || ft.Implements(scannerIface) {
		return false
	}
	tt := refut.RtypeDeref(ft)
	if tt.Kind() != reflect.Struct {
		return false
	}
	// Do not flatten time.Time (common leaf struct)
	if tt.PkgPath() == "time" && tt.Name() == "Time" {
		return false
	}
	return true
}

// appendIndex returns a new index path with idx appended.
func appendIndex(path []int, idx int) []int {
	out := make([]int, len(path)+1)
	copy(out, path)
	out[len(path)] = idx
	return out
}

// assign converts v to V for a setter or constructor argument.
func assign[V any](v any) (V, error) {
	if x, ok := v.(V); ok {
		return x, nil
	}
	var zero V
	rv, err := convertTo(reflect.TypeFor[V](), v)
	if err != nil {
		return zero, err
	}
	x, _ := rv.Interface().(V)
	return x, nil
}

// convertTo returns v as a value of type rt. nil becomes the zero value of
// nilable types, T is wrapped when rt is *T, *T is unwrapped when rt is T,
// and named types convert to and from their underlying kind.
func convertTo(rt reflect.Type, v any) (reflect.Value, error) {
	if v == nil {
		if refut.IsRkindNilable(rt.Kind()) {
			return reflect.Zero(rt), nil
		}
		return reflect.Value{}, fmt.Errorf("%w: %s", ErrNullValue, rt)
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer && rt.Kind() != reflect.Pointer {
		if rv.IsNil() {
			return convertTo(rt, nil)
		}
		rv = rv.Elem()
	}

	switch {
	case rv.Type().AssignableTo(rt):
		out := reflect.New(rt).Elem()
		out.Set(rv)
		return out, nil
	case rt.Kind() == reflect.Pointer:
		elem, err := convertTo(rt.Elem(), rv.Interface())
		if err != nil {
			return reflect.Value{}, err
		}
		p := reflect.New(rt.Elem())
		p.Elem().Set(elem)
		return p, nil
	case rv.Kind() == rt.Kind() && rv.Type().ConvertibleTo(rt):
		return rv.Convert(rt), nil
	}
	return reflect.Value{}, fmt.Errorf("%w: cannot assign %s to %s", ErrConversion, rv.Type(), rt)
}

// typeIDs returns the type id of V as a one-element slice.
func typeIDs[V any]() []string {
	return []string{TypeID(reflect.TypeFor[V]())}
}

// --------------------------------
// Cache
// --------------------------------

// typeCache implements a two-tier map with cheap rotation to bound memory.
// 'curr' is the hot set; 'prev' is the previous generation. Lookups promote.
type typeCache struct {
	mu   sync.RWMutex
	curr map[reflect.Type]any
	prev map[reflect.Type]any
	max  int
}

// newTypeCache creates a new two-tier cache with a max size hint.
func newTypeCache(max int) *typeCache {
	if max <= 0 {
		max = cacheSize
	}
	return &typeCache{
		curr: make(map[reflect.Type]any, max/2),
		prev: make(map[reflect.Type]any),
		max:  max,
	}
}

// get returns the cached value for t if present, promoting it to the
// current generation when found in the previous one.
func (c *typeCache) get(t reflect.Type) (any, bool) {
	c.mu.RLock()
	if v, ok := c.curr[t]; ok {
		c.mu.RUnlock()
		return v, true
	}
	if v, ok := c.prev[t]; ok {
		c.mu.RUnlock()
		c.put(t, v)
		return v, true
	}
	c.mu.RUnlock()
	return nil, false
}

// put stores v for t, rotating generations if needed.
func (c *typeCache) put(t reflect.Type, v any) {
	c.mu.Lock()
	if len(c.curr) >= c.max {
		c.prev = c.curr
		c.curr = make(map[reflect.Type]any, c.max/2)
	}
	c.curr[t] = v
	c.mu.Unlock()
}

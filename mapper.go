package tsql

import (
	"database/sql"
	"fmt"
	"iter"
	"reflect"
)

// Rows is the part of *sql.Rows the materializer reads from. The caller
// keeps ownership and closes it.
type Rows interface {
	Columns() ([]string, error)
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// Strategy selects how ToStructs turns a row into a T.
type Strategy uint8

const (
	// AccessorGuess passes every column to the setter named after its label
	// (updated_on -> setUpdatedOn).
	AccessorGuess Strategy = iota
	// ConstructorGuess passes all columns, in result order, to the
	// registered constructor. Column order must match the parameter order.
	ConstructorGuess
)

// ColumnTypes declares the logical type id of result columns by label,
// e.g. {"total": "int64", "updated_on": "timestamp"}. Columns without an
// entry take the type declared by their setter or constructor parameter.
type ColumnTypes map[string]string

// String returns the string representation of the strategy.
func (s Strategy) String() string {
	switch s {
	case AccessorGuess:
		return "accessor-guess"
	case ConstructorGuess:
		return "constructor-guess"
	default:
		return "unknown"
	}
}

// ValuesOf returns a lazy, one-shot sequence of the single column of rows,
// read with the converter of typeID. SQL NULL yields nil. The sequence stops
// at the first error, which it yields.
func ValuesOf(rows Rows, reg *Registry, typeID string) iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {
		conv, err := reg.Resolve(typeID)
		if err != nil {
			yield(nil, err)
			return
		}
		if err := singleColumn(rows); err != nil {
			yield(nil, err)
			return
		}

		cell := conv.NewCell()
		for rows.Next() {
			if err := rows.Scan(cell); err != nil {
				yield(nil, err)
				return
			}
			v, valid, err := conv.Read(cell)
			if err != nil {
				yield(nil, err)
				return
			}
			if !valid {
				v = nil
			}
			if !yield(v, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

// Values is ValuesOf typed by T. A NULL is the zero value of a pointer T
// and fails with ErrNullValue for any other T.
func Values[T any](rows Rows, reg *Registry) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		for v, err := range ValuesOf(rows, reg, TypeID(reflect.TypeFor[T]())) {
			if err != nil {
				yield(zero, err)
				return
			}
			x, err := assign[T](v)
			if err != nil {
				yield(zero, err)
				return
			}
			if !yield(x, nil) {
				return
			}
		}
	}
}

// ToList reads the single column of every row into a slice.
func ToList[T any](rows Rows, reg *Registry) ([]T, error) {
	var out []T
	for v, err := range Values[T](rows, reg) {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ToOne reads the single column of the only row. It returns sql.ErrNoRows
// for an empty result and ErrMoreThanOneRow when a second row exists.
func ToOne[T any](rows Rows, reg *Registry) (T, error) {
	return one(Values[T](rows, reg))
}

// ToStructs builds one T per row. A nil m means StructMapping[T](). Hints
// declare column types where the setter alone cannot tell.
func ToStructs[T any](rows Rows, reg *Registry, m *Mapping[T], strategy Strategy, hints ...ColumnTypes) ([]T, error) {
	var out []T
	for v, err := range structs(rows, reg, m, strategy, hints) {
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// ToStruct builds the T of the only row, with ToOne's errors.
func ToStruct[T any](rows Rows, reg *Registry, m *Mapping[T], strategy Strategy, hints ...ColumnTypes) (T, error) {
	return one(structs(rows, reg, m, strategy, hints))
}

// rowPlan describes how each result column reaches a T (immutable).
// Per-row cells are created via newCells().
type rowPlan[T any] struct {
	convs   []Converter
	setters []setter[T]     // AccessorGuess
	ctor    *constructor[T] // ConstructorGuess
}

// structs yields one T per row following plan.
func structs[T any](rows Rows, reg *Registry, m *Mapping[T], strategy Strategy, hints []ColumnTypes) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		if m == nil {
			m = StructMapping[T]()
		}
		cols, err := rows.Columns()
		if err != nil {
			yield(zero, err)
			return
		}
		plan, err := buildRowPlan(reg, m, strategy, cols, mergeHints(hints))
		if err != nil {
			yield(zero, err)
			return
		}

		cells := plan.newCells()
		for rows.Next() {
			if err := rows.Scan(cells...); err != nil {
				yield(zero, err)
				return
			}
			v, err := plan.build(cols, cells)
			if err != nil {
				yield(zero, err)
				return
			}
			if !yield(v, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(zero, err)
		}
	}
}

// buildRowPlan resolves, per column, the converter and (for AccessorGuess)
// the setter. It fails before any row is read.
func buildRowPlan[T any](reg *Registry, m *Mapping[T], strategy Strategy, cols []string, hints ColumnTypes) (*rowPlan[T], error) {
	p := &rowPlan[T]{convs: make([]Converter, len(cols))}

	switch strategy {
	case AccessorGuess:
		p.setters = make([]setter[T], len(cols))
		for i, col := range cols {
			name := SetterName(col)
			typeID, err := columnType(reg, hints, col)
			if err != nil {
				return nil, err
			}
			if typeID == "" {
				if typeID, err = m.setterType(name); err != nil {
					return nil, fmt.Errorf("column %q: %w", col, err)
				}
			}
			conv, err := reg.Resolve(typeID)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", col, err)
			}
			s, err := m.setter(name, typeID)
			if err != nil {
				return nil, fmt.Errorf("column %q: %w", col, err)
			}
			p.convs[i], p.setters[i] = conv, s
		}

	case ConstructorGuess:
		if m.ctor == nil {
			return nil, fmt.Errorf("%w: no constructor registered for %s", ErrAccessorNotFound, TypeID(reflect.TypeFor[T]()))
		}
		if len(cols) != len(m.ctor.types) {
			return nil, fmt.Errorf("%w: constructor of %s takes %d arguments, result has %d columns",
				ErrAccessorNotFound, TypeID(reflect.TypeFor[T]()), len(m.ctor.types), len(cols))
		}
		for i, col := range cols {
			want, ok := reg.Canonical(m.ctor.types[i])
			if !ok {
				return nil, fmt.Errorf("%w: constructor argument %d %q", ErrUnknownType, i+1, m.ctor.types[i])
			}
			typeID, err := columnType(reg, hints, col)
			if err != nil {
				return nil, err
			}
			if typeID != "" && typeID != want {
				return nil, fmt.Errorf("%w: column %q is %s, constructor argument %d is %s",
					ErrAccessorNotFound, col, typeID, i+1, want)
			}
			if p.convs[i], err = reg.Resolve(want); err != nil {
				return nil, err
			}
		}
		p.ctor = m.ctor

	default:
		return nil, fmt.Errorf("tsql: unknown strategy %d", strategy)
	}
	return p, nil
}

// newCells allocates one scan destination per column.
func (p *rowPlan[T]) newCells() []any {
	cells := make([]any, len(p.convs))
	for i, c := range p.convs {
		cells[i] = c.NewCell()
	}
	return cells
}

// build turns one scanned row into a T.
func (p *rowPlan[T]) build(cols []string, cells []any) (T, error) {
	var v T
	vals := make([]any, len(cells))
	for i, c := range p.convs {
		x, valid, err := c.Read(cells[i])
		if err != nil {
			return v, fmt.Errorf("column %q: %w", cols[i], err)
		}
		if valid {
			vals[i] = x
		}
	}

	if p.ctor != nil {
		return p.ctor.fn(vals)
	}
	for i, s := range p.setters {
		if err := s.fn(&v, vals[i]); err != nil {
			return v, fmt.Errorf("column %q: %w", cols[i], err)
		}
	}
	return v, nil
}

// columnType returns the canonical type id hinted for col, or "" when there
// is no hint.
func columnType(reg *Registry, hints ColumnTypes, col string) (string, error) {
	id, ok := hints[col]
	if !ok {
		return "", nil
	}
	canon, ok := reg.Canonical(id)
	if !ok {
		return "", fmt.Errorf("column %q: %w: %q", col, ErrUnknownType, id)
	}
	return canon, nil
}

// mergeHints folds several ColumnTypes into one; later entries win.
func mergeHints(hints []ColumnTypes) ColumnTypes {
	switch len(hints) {
	case 0:
		return nil
	case 1:
		return hints[0]
	}
	out := make(ColumnTypes)
	for _, h := range hints {
		for k, v := range h {
			out[k] = v
		}
	}
	return out
}

// singleColumn checks that rows has exactly one column.
func singleColumn(rows Rows) error {
	cols, err := rows.Columns()
	if err != nil {
		return err
	}
	if len(cols) != 1 {
		return fmt.Errorf("%w: scalar read requires 1 column, got %d", ErrConversion, len(cols))
	}
	return nil
}

// one returns the only element of seq.
func one[T any](seq iter.Seq2[T, error]) (T, error) {
	var (
		out   T
		found bool
	)
	for v, err := range seq {
		if err != nil {
			return out, err
		}
		if found {
			var zero T
			return zero, ErrMoreThanOneRow
		}
		out, found = v, true
	}
	if !found {
		return out, sql.ErrNoRows
	}
	return out, nil
}

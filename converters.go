package tsql

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLType is the database type code a converter declares for its slots.
// It travels with NULL arguments (see TypedNull) up to the driver boundary.
type SQLType int

const (
	SQLOther SQLType = iota
	SQLBoolean
	SQLSmallInt
	SQLInteger
	SQLBigInt
	SQLReal
	SQLDouble
	SQLText
	SQLBytea
	SQLUUID
	SQLTimestamp
	SQLRefCursor
)

// Converter moves values of one logical type between Go and the driver.
// Converters are stateless and safe for concurrent use.
type Converter interface {
	// SQLType returns the database type of the converter's slots.
	SQLType() SQLType
	// Write turns v (a value, a pointer to one, or nil) into a driver
	// argument. nil and nil pointers become TypedNull.
	Write(v any) (any, error)
	// NewCell returns a scan destination for one result column.
	NewCell() any
	// Read extracts the value from a scanned cell. valid is false when the
	// column was SQL NULL; v is then nil.
	Read(cell any) (v any, valid bool, err error)
	// RegisterOut prepares an in/out parameter for a procedure call,
	// preloaded with in.
	RegisterOut(in any) (sql.Out, error)
	// ReadOut extracts the value of an executed in/out parameter.
	ReadOut(out sql.Out) (v any, valid bool, err error)
}

// TypedNull is the SQL NULL written for a slot of a known type. The type is
// visible to callers inspecting bound arguments; database/sql hands the
// driver a plain nil.
type TypedNull struct {
	Type SQLType
}

// Value implements driver.Valuer.
func (n TypedNull) Value() (driver.Value, error) {
	return nil, nil
}

// String returns the string representation of the type code.
func (t SQLType) String() string {
	switch t {
	case SQLBoolean:
		return "boolean"
	case SQLSmallInt:
		return "smallint"
	case SQLInteger:
		return "integer"
	case SQLBigInt:
		return "bigint"
	case SQLReal:
		return "real"
	case SQLDouble:
		return "double precision"
	case SQLText:
		return "text"
	case SQLBytea:
		return "bytea"
	case SQLUUID:
		return "uuid"
	case SQLTimestamp:
		return "timestamp"
	case SQLRefCursor:
		return "refcursor"
	default:
		return "other"
	}
}

// NewConverter returns a Converter for values of type T. value maps a T to
// a driver.Value-compatible argument; nil keeps T as is.
func NewConverter[T any](typ SQLType, value func(T) any) Converter {
	return scalar[T]{typ: typ, value: value}
}

// scalar is the Converter behind every built-in type. Cells are sql.Null[T],
// so NULL is reported through Valid rather than a zero value.
type scalar[T any] struct {
	typ   SQLType
	value func(T) any
	null  func(T) bool
}

func (c scalar[T]) SQLType() SQLType {
	return c.typ
}

func (c scalar[T]) Write(v any) (any, error) {
	x, ok, err := c.unwrap(v)
	if err != nil {
		return nil, err
	}
	if !ok {
		return TypedNull{Type: c.typ}, nil
	}
	if c.value != nil {
		return c.value(x), nil
	}
	return x, nil
}

func (c scalar[T]) NewCell() any {
	return new(sql.Null[T])
}

func (c scalar[T]) Read(cell any) (any, bool, error) {
	n, ok := cell.(*sql.Null[T])
	if !ok {
		return nil, false, fmt.Errorf("%w: %s cannot read cell %T", ErrConversion, c.typ, cell)
	}
	if !n.Valid {
		return nil, false, nil
	}
	return n.V, true, nil
}

func (c scalar[T]) RegisterOut(in any) (sql.Out, error) {
	x, ok, err := c.unwrap(in)
	if err != nil {
		return sql.Out{}, err
	}
	return sql.Out{Dest: &sql.Null[T]{V: x, Valid: ok}, In: true}, nil
}

func (c scalar[T]) ReadOut(out sql.Out) (any, bool, error) {
	return c.Read(out.Dest)
}

// unwrap accepts T, *T or nil. ok is false for NULL.
func (c scalar[T]) unwrap(v any) (x T, ok bool, err error) {
	switch t := v.(type) {
	case nil:
		return x, false, nil
	case T:
		if c.null != nil && c.null(t) {
			return x, false, nil
		}
		return t, true, nil
	case *T:
		if t == nil {
			return x, false, nil
		}
		return c.unwrap(*t)
	}
	return x, false, fmt.Errorf("%w: cannot write %T as %s", ErrConversion, v, c.typ)
}

// builtins returns the converters every Registry starts with, keyed by
// canonical type id. Canonical ids are the reflect.Type strings of the Go
// values they carry, so TypeID of a struct field finds its converter.
func builtins() map[string]Converter {
	return map[string]Converter{
		"bool":      scalar[bool]{typ: SQLBoolean},
		"int":       scalar[int]{typ: SQLBigInt, value: func(v int) any { return int64(v) }},
		"int16":     scalar[int16]{typ: SQLSmallInt, value: func(v int16) any { return int64(v) }},
		"int32":     scalar[int32]{typ: SQLInteger, value: func(v int32) any { return int64(v) }},
		"int64":     scalar[int64]{typ: SQLBigInt},
		"float32":   scalar[float32]{typ: SQLReal, value: func(v float32) any { return float64(v) }},
		"float64":   scalar[float64]{typ: SQLDouble},
		"string":    scalar[string]{typ: SQLText},
		"[]uint8":   scalar[[]byte]{typ: SQLBytea, null: func(v []byte) bool { return v == nil }},
		"time.Time": scalar[time.Time]{typ: SQLTimestamp},
		"uuid.UUID": scalar[uuid.UUID]{typ: SQLUUID, value: func(v uuid.UUID) any { return v.String() }},

		RefCursorKeyword: scalar[string]{typ: SQLRefCursor},
	}
}

// builtinAliases maps alternative spellings to canonical ids. Pointer forms
// ("*int32") are handled by Registry.Resolve itself.
func builtinAliases() map[string]string {
	return map[string]string{
		"[]byte":                      "[]uint8",
		"github.com/google/uuid.UUID": "uuid.UUID",
		"boolean":                     "bool",
		"smallint":                    "int16",
		"integer":                     "int32",
		"bigint":                      "int64",
		"real":                        "float32",
		"double":                      "float64",
		"text":                        "string",
		"bytea":                       "[]uint8",
		"timestamp":                   "time.Time",
		"uuid":                        "uuid.UUID",
	}
}

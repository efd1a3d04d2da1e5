package tsql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Dialect identifies the SQL dialect used to render positional markers.
type Dialect int

// TSQL is the main entry point. It holds the selected dialect, configuration,
// the converter registry and a pool of reusable *Builder instances.
// A single TSQL instance is safe for concurrent use.
type TSQL struct {
	dialect Dialect
	config  Config
	reg     *Registry
	log     *slog.Logger
	pool    sync.Pool
}

// Builder assembles a single template, compiles it and binds its parameters.
// It is NOT safe for concurrent use and is single-use: after Build() it is
// automatically released back to the pool and must not be used again.
type Builder struct {
	s        *TSQL
	parts    []string
	args     []any
	obj      Accessor
	cursor   bool
	released bool
	err      error
}

// Config defines limits and behavior tweaks for the compiler and binder.
type Config struct {
	// MaxParams limits the total number of placeholders a single template
	// may contain.
	// If = 0 (or omitted), it uses a sensible per-dialect default.
	// If < 0, it's treated as "unlimited".
	MaxParams int
	// MaxNameLen limits the length of a placeholder body, e.g. the
	// "getFirst/setFirst" in #{getFirst/setFirst}.
	MaxNameLen int
	// Logger receives the final SQL of every statement at debug level.
	// If nil, nothing is logged.
	Logger *slog.Logger
}

// Statement is a compiled template together with its bound driver arguments.
type Statement struct {
	SQL         string
	Args        []any
	Descriptors []Descriptor
}

// Execer abstracts *sql.DB / *sql.Tx ExecContext for easy testing.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Queryer abstracts *sql.DB / *sql.Tx QueryContext for easy testing.
type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// Conn is satisfied by *sql.Tx and *sql.Conn.
type Conn interface {
	Execer
	Queryer
}

const (
	Postgres Dialect = iota
	MySQL
	SQLite
	SQLServer
)

const cacheSize = 4096 // Default size for the mapping cache

var (
	ErrTemplateSyntax   = errors.New("tsql: template syntax error")
	ErrUnknownType      = errors.New("tsql: unknown type")
	ErrAccessorNotFound = errors.New("tsql: accessor not found")
	ErrConversion       = errors.New("tsql: conversion error")
	ErrNullValue        = errors.New("tsql: null value for non-nullable destination")
	ErrArgCount         = errors.New("tsql: wrong number of arguments")
	ErrDuplicateType    = errors.New("tsql: type already registered")
	ErrTooManyParams    = errors.New("tsql: too many parameters")
	ErrBuilderReleased  = errors.New("tsql: builder already released; call Write() on *TSQL for a new statement")
	ErrMoreThanOneRow   = errors.New("tsql: more than one row")
)

// String returns the string representation of the dialect.
func (d Dialect) String() string {
	switch d {
	case Postgres:
		return "postgres"
	case MySQL:
		return "mysql"
	case SQLite:
		return "sqlite"
	case SQLServer:
		return "sqlserver"
	default:
		return "unknown"
	}
}

// New returns a new TSQL for the given dialect and registry. A nil registry
// means the built-in converters only. Optionally provide a Config;
// unspecified fields fall back to sensible per-dialect defaults.
func New(dialect Dialect, reg *Registry, cfg ...Config) *TSQL {
	if reg == nil {
		reg = MustRegistry()
	}
	s := &TSQL{
		dialect: dialect,
		config:  defaultConfig(dialect, cfg...),
		reg:     reg,
	}
	s.log = s.config.Logger
	s.pool.New = func() any {
		return &Builder{
			s:     s,
			parts: make([]string, 0, 16),
			args:  make([]any, 0, 8),
		}
	}
	return s
}

// Registry returns the converter registry used by s.
func (s *TSQL) Registry() *Registry {
	return s.reg
}

// Dialect returns the dialect s renders markers for.
func (s *TSQL) Dialect() Dialect {
	return s.dialect
}

// Write starts a new statement and returns a single-use Builder.
// You can add more chunks via Write/Writef, and supply data via Args() or Bind().
func (s *TSQL) Write(tmpl string) *Builder {
	b := s.pool.Get().(*Builder)
	b.s = s
	b.released = false
	b.err = nil
	b.obj = nil
	b.cursor = false
	b.parts = b.parts[:0]
	b.args = b.args[:0]
	if tmpl != "" {
		b.parts = append(b.parts, tmpl)
	}
	return b
}

// Write appends a raw template fragment. No auto-spacing is performed.
func (b *Builder) Write(tmpl string) *Builder {
	if b.released {
		b.err = ErrBuilderReleased
		return b
	}
	if b.err != nil {
		return b
	}
	b.parts = append(b.parts, tmpl)
	return b
}

// Writef appends a formatted template fragment. No auto-spacing is performed.
func (b *Builder) Writef(format string, args ...any) *Builder {
	if b.released {
		b.err = ErrBuilderReleased
		return b
	}
	if b.err != nil {
		return b
	}
	b.parts = append(b.parts, fmt.Sprintf(format, args...))
	return b
}

// Args supplies positional arguments. The template is then compiled with
// type-name placeholders such as #{int64}, and args[i] is bound to the i-th
// placeholder. Multiple calls append.
func (b *Builder) Args(args ...any) *Builder {
	if b.released {
		b.err = ErrBuilderReleased
		return b
	}
	if b.err != nil {
		return b
	}
	if b.obj != nil {
		b.err = fmt.Errorf("tsql: Args cannot be combined with Bind")
		return b
	}
	b.args = append(b.args, args...)
	return b
}

// Bind supplies a structured argument. The template is then compiled with
// accessor placeholders such as #{getId} or #{getTotal/setTotal}.
func (b *Builder) Bind(obj Accessor) *Builder {
	if b.released {
		b.err = ErrBuilderReleased
		return b
	}
	if b.err != nil {
		return b
	}
	if len(b.args) > 0 {
		b.err = fmt.Errorf("tsql: Bind cannot be combined with Args")
		return b
	}
	b.obj = obj
	return b
}

// RefCursor marks the template as a stored procedure call whose first
// placeholder is the #{refcursor} output slot.
func (b *Builder) RefCursor() *Builder {
	if b.released {
		b.err = ErrBuilderReleased
		return b
	}
	b.cursor = true
	return b
}

// Build compiles the template, binds the arguments, and RELEASES the builder
// back into the pool. After Build(), the builder must not be used again.
func (b *Builder) Build() (*Statement, error) {
	if b.released {
		return nil, ErrBuilderReleased
	}
	defer b.Release()
	if b.err != nil {
		return nil, b.err
	}
	return b.statement()
}

// Preview compiles and binds without releasing the Builder.
// Safe to call multiple times; identical to Build() except it does NOT Release().
//
// If the builder has already been released, it returns ErrBuilderReleased.
func (b *Builder) Preview() (*Statement, error) {
	if b.released {
		return nil, ErrBuilderReleased
	}
	if b.err != nil {
		return nil, b.err
	}
	return b.statement()
}

// Release clears the builder and puts it back into the pool.
// It is safe to call Release multiple times; subsequent calls are no-ops.
func (b *Builder) Release() {
	if b.released {
		return
	}
	b.released = true

	for i := range b.parts {
		b.parts[i] = ""
	}
	b.parts = b.parts[:0]

	for i := range b.args {
		b.args[i] = nil
	}
	b.args = b.args[:0]

	b.obj = nil
	b.cursor = false
	b.err = nil
	b.s.pool.Put(b)
}

// Exec is a convenience that builds and executes the statement with context.Background().
func (b *Builder) Exec(db Execer) (sql.Result, error) {
	return b.ExecContext(context.Background(), db)
}

// Query is a convenience that builds and runs the statement with context.Background().
func (b *Builder) Query(db Queryer) (*sql.Rows, error) {
	return b.QueryContext(context.Background(), db)
}

// ExecContext builds and executes the statement with the provided context.
func (b *Builder) ExecContext(ctx context.Context, db Execer) (sql.Result, error) {
	st, err := b.Build()
	if err != nil {
		return nil, err
	}
	return db.ExecContext(ctx, st.SQL, st.Args...)
}

// QueryContext builds and runs the statement, returning the driver's rows.
// The caller must close them; see ToList, ToOne and ToStructs.
func (b *Builder) QueryContext(ctx context.Context, db Queryer) (*sql.Rows, error) {
	st, err := b.Build()
	if err != nil {
		return nil, err
	}
	return db.QueryContext(ctx, st.SQL, st.Args...)
}

// CallContext executes a stored procedure call built from accessor
// placeholders. Every #{getter/setter} placeholder is passed as an in/out
// parameter and, after execution, its output is written back through the
// setter. The driver must support sql.Out (e.g. SQL Server, Oracle).
func (b *Builder) CallContext(ctx context.Context, db Execer) (sql.Result, error) {
	if b.released {
		return nil, ErrBuilderReleased
	}
	defer b.Release()
	if b.err != nil {
		return nil, b.err
	}
	if b.obj == nil {
		return nil, fmt.Errorf("%w: CallContext requires Bind()", ErrAccessorNotFound)
	}
	s := b.s
	c, err := CompileTemplate(b.template(), s.dialect, VariantAccessor, b.cursor, s.config)
	if err != nil {
		return nil, err
	}
	args, outs, err := BindCall(c, s.reg, b.obj)
	if err != nil {
		return nil, err
	}
	s.debug(c.SQL, len(args))
	res, err := db.ExecContext(ctx, c.SQL, args...)
	if err != nil {
		return nil, err
	}
	if err := Writeback(outs, b.obj); err != nil {
		return nil, err
	}
	return res, nil
}

// RefCursorContext calls a Postgres procedure or function whose first
// parameter is a refcursor, then fetches everything the cursor holds.
// The template's first placeholder must be #{refcursor}; the cursor is given
// a generated name, bound into that slot. Cursors only live inside a
// transaction, so db is usually a *sql.Tx.
func (b *Builder) RefCursorContext(ctx context.Context, db Conn) (*sql.Rows, error) {
	if b.released {
		return nil, ErrBuilderReleased
	}
	s := b.s
	b.cursor = true
	st, err := b.Build()
	if err != nil {
		return nil, err
	}
	name := cursorName()
	if err := BindCursor(st.Args, s.reg, name); err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, st.SQL, st.Args...); err != nil {
		return nil, err
	}
	fetch := "FETCH ALL FROM " + pq.QuoteIdentifier(name)
	s.debug(fetch, 0)
	return db.QueryContext(ctx, fetch)
}

// statement compiles the accumulated template with the variant implied by
// the supplied data and binds it.
func (b *Builder) statement() (*Statement, error) {
	s := b.s
	v := VariantType
	if b.obj != nil {
		v = VariantAccessor
	}
	c, err := CompileTemplate(b.template(), s.dialect, v, b.cursor, s.config)
	if err != nil {
		return nil, err
	}

	var args []any
	if b.obj != nil {
		args, err = BindObject(c, s.reg, b.obj)
	} else {
		args, err = BindArgs(c, s.reg, b.args...)
	}
	if err != nil {
		return nil, err
	}
	s.debug(c.SQL, len(args))
	return &Statement{SQL: c.SQL, Args: args, Descriptors: c.Descriptors}, nil
}

// template joins the written fragments.
func (b *Builder) template() string {
	return strings.Join(b.parts, "")
}

// debug logs the final SQL handed to the driver.
func (s *TSQL) debug(q string, nargs int) {
	if s.log == nil {
		return
	}
	s.log.Debug("tsql: final SQL", "dialect", s.dialect.String(), "sql", q, "args", nargs)
}

// cursorName returns a fresh, identifier-safe refcursor name.
func cursorName() string {
	return "tsql_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// defaultConfig merges user config with per-dialect defaults.
func defaultConfig(dialect Dialect, config ...Config) Config {
	c := Config{}

	if len(config) > 0 {
		c = config[0]
	}

	if c.MaxParams == 0 {
		switch dialect {
		case SQLServer:
			c.MaxParams = 2100
		case SQLite:
			c.MaxParams = 999
		case Postgres, MySQL:
			c.MaxParams = 65535
		}
	}

	if c.MaxNameLen <= 0 {
		c.MaxNameLen = 128
	}

	return c
}

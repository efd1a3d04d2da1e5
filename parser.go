package tsql

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind classifies what a placeholder binds to.
type Kind uint8

// Variant selects how placeholder bodies are read.
type Variant uint8

// RefCursorKeyword is the only body allowed in the first placeholder of a
// refcursor call template.
const RefCursorKeyword = "refcursor"

const (
	KindAccessor Kind = iota // getter, with an optional setter
	KindType                 // logical type id of a positional argument
	KindSpecial              // reserved keyword (refcursor)
)

const (
	VariantAccessor Variant = iota // #{getFoo} or #{getFoo/setFoo}
	VariantType                    // #{int64}
)

// Descriptor describes one placeholder, in template order. Exactly one of
// Getter (with optional Setter) or TypeID is meaningful, as told by Kind;
// an empty placeholder leaves both empty.
type Descriptor struct {
	Raw    string
	Kind   Kind
	Getter string
	Setter string
	TypeID string
}

// Compiled is the output of CompileTemplate: driver-ready SQL plus one
// descriptor per positional marker, in marker order.
type Compiled struct {
	SQL         string
	Descriptors []Descriptor
	Variant     Variant
	// Reserved reports that marker 1 is the refcursor slot and regular
	// arguments start at slot 2.
	Reserved bool
}

// Listener receives the body of every placeholder, left to right, and
// returns the text that replaces the whole #{...} token.
type Listener interface {
	Placeholder(body string) (string, error)
}

// Collector is the Listener used by CompileTemplate. It records one
// Descriptor per placeholder and replaces it with the dialect's positional
// marker. Use NewAccessorListener, NewTypeListener or NewRefCursorListener.
// Every Compile starts a fresh descriptor list, so a Collector can be reused
// for several templates, one at a time.
type Collector struct {
	dialect Dialect
	variant Variant
	special bool
	config  Config
	descs   []Descriptor
}

// String returns the string representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindAccessor:
		return "accessor"
	case KindType:
		return "type"
	case KindSpecial:
		return "special"
	default:
		return "unknown"
	}
}

// NewAccessorListener reads #{getter} and #{getter/setter} bodies.
func NewAccessorListener(d Dialect, cfg ...Config) *Collector {
	return &Collector{dialect: d, variant: VariantAccessor, config: defaultConfig(d, cfg...)}
}

// NewTypeListener reads #{type.id} bodies naming a registered logical type.
func NewTypeListener(d Dialect, cfg ...Config) *Collector {
	return &Collector{dialect: d, variant: VariantType, config: defaultConfig(d, cfg...)}
}

// NewRefCursorListener requires the first body to be RefCursorKeyword and
// reads the rest like the inner variant.
func NewRefCursorListener(d Dialect, inner Variant, cfg ...Config) *Collector {
	return &Collector{dialect: d, variant: inner, special: true, config: defaultConfig(d, cfg...)}
}

// Placeholder implements Listener.
func (c *Collector) Placeholder(body string) (string, error) {
	if c.config.MaxNameLen > 0 && len(body) > c.config.MaxNameLen {
		return "", fmt.Errorf("%w: placeholder #{%s} too long (%d > %d)", ErrTemplateSyntax, body, len(body), c.config.MaxNameLen)
	}
	n := len(c.descs) + 1
	if c.config.MaxParams > 0 && n > c.config.MaxParams {
		return "", fmt.Errorf("%w: requested=%d, limit=%d", ErrTooManyParams, n, c.config.MaxParams)
	}

	var (
		d   Descriptor
		err error
	)
	switch {
	case c.special && n == 1:
		d, err = parseSpecial(body)
	case c.variant == VariantAccessor:
		d, err = parseAccessor(body)
	default:
		d, err = parseType(body)
	}
	if err != nil {
		return "", err
	}
	c.descs = append(c.descs, d)
	return marker(c.dialect, n), nil
}

// Descriptors returns the descriptors recorded so far.
func (c *Collector) Descriptors() []Descriptor {
	return c.descs
}

// start forgets the descriptors of a previous template.
func (c *Collector) start() {
	c.descs = nil
}

// finish validates the template as a whole once scanning is over.
func (c *Collector) finish() error {
	if c.special && len(c.descs) == 0 {
		return fmt.Errorf("%w: missing #{%s} argument", ErrTemplateSyntax, RefCursorKeyword)
	}
	return nil
}

// Compile walks tmpl once, hands every #{...} body to l and writes l's
// replacement in its place. Everything else is copied verbatim, including
// string literals and comments: a literal containing "#{" is read as a
// placeholder.
func Compile(tmpl string, l Listener) (string, error) {
	if s, ok := l.(interface{ start() }); ok {
		s.start()
	}

	var buf strings.Builder
	buf.Grow(len(tmpl) + 16)

	for i := 0; i < len(tmpl); {
		c := tmpl[i]
		if c == '#' && i+1 < len(tmpl) && tmpl[i+1] == '{' {
			end := strings.IndexByte(tmpl[i+2:], '}')
			if end < 0 {
				return "", fmt.Errorf("%w: unterminated placeholder at offset %d", ErrTemplateSyntax, i)
			}
			rep, err := l.Placeholder(tmpl[i+2 : i+2+end])
			if err != nil {
				return "", err
			}
			buf.WriteString(rep)
			i += end + 3
			continue
		}
		buf.WriteByte(c)
		i++
	}

	if f, ok := l.(interface{ finish() error }); ok {
		if err := f.finish(); err != nil {
			return "", err
		}
	}
	return buf.String(), nil
}

// CompileTemplate compiles tmpl with the listener matching v. With cursor
// set, the first placeholder must be #{refcursor}.
func CompileTemplate(tmpl string, d Dialect, v Variant, cursor bool, cfg ...Config) (*Compiled, error) {
	var l *Collector
	switch {
	case cursor:
		l = NewRefCursorListener(d, v, cfg...)
	case v == VariantAccessor:
		l = NewAccessorListener(d, cfg...)
	default:
		l = NewTypeListener(d, cfg...)
	}
	out, err := Compile(tmpl, l)
	if err != nil {
		return nil, err
	}
	return &Compiled{SQL: out, Descriptors: l.Descriptors(), Variant: v, Reserved: cursor}, nil
}

// parseAccessor reads "getter" or "getter/setter".
func parseAccessor(body string) (Descriptor, error) {
	d := Descriptor{Raw: body, Kind: KindAccessor}
	if body == "" {
		return d, nil
	}
	getter, setter, slash := strings.Cut(body, "/")
	if !isIdent(getter) {
		return d, fmt.Errorf("%w: bad getter in #{%s}", ErrTemplateSyntax, body)
	}
	if slash && !isIdent(setter) {
		return d, fmt.Errorf("%w: bad setter in #{%s}", ErrTemplateSyntax, body)
	}
	d.Getter, d.Setter = getter, setter
	return d, nil
}

// parseType reads a logical type id such as "int64", "*string" or "uuid.UUID".
func parseType(body string) (Descriptor, error) {
	d := Descriptor{Raw: body, Kind: KindType}
	for i := 0; i < len(body); i++ {
		if !isTypeChar(body[i]) {
			return d, fmt.Errorf("%w: bad type name #{%s}", ErrTemplateSyntax, body)
		}
	}
	d.TypeID = body
	return d, nil
}

// parseSpecial accepts only the refcursor keyword.
func parseSpecial(body string) (Descriptor, error) {
	if body != RefCursorKeyword {
		return Descriptor{}, fmt.Errorf("%w: first argument #{%s} must be the %q keyword", ErrTemplateSyntax, body, RefCursorKeyword)
	}
	return Descriptor{Raw: body, Kind: KindSpecial, TypeID: RefCursorKeyword}, nil
}

// marker returns the dialect-specific positional marker for argument idx.
func marker(d Dialect, idx int) string {
	switch d {
	case Postgres:
		return "$" + strconv.Itoa(idx)
	case SQLServer:
		return "@p" + strconv.Itoa(idx)
	default: // MySQL, SQLite
		return "?"
	}
}

// isIdent reports whether s is [A-Za-z_][A-Za-z0-9_]* .
func isIdent(s string) bool {
	if s == "" || !isAlphaUnderscore(s[0]) {
		return false
	}
	for i := 1; i < len(s); i++ {
		if !isAlphaNumUnderscore(s[i]) {
			return false
		}
	}
	return true
}

// isTypeChar reports whether b may appear in a logical type id.
func isTypeChar(b byte) bool {
	return isAlphaNumUnderscore(b) || b == '.' || b == '*' || b == '[' || b == ']'
}

// isAlphaUnderscore reports whether b is [A-Za-z_] .
func isAlphaUnderscore(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || b == '_'
}

// isAlphaNumUnderscore reports whether b is [A-Za-z0-9_] .
func isAlphaNumUnderscore(b byte) bool {
	return isAlphaUnderscore(b) || (b >= '0' && b <= '9')
}

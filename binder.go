package tsql

import (
	"database/sql"
	"fmt"
)

// OutSlot is an in/out parameter of a call, read back by Writeback once the
// statement has run.
type OutSlot struct {
	Index  int    // 1-based parameter slot
	Setter string // setter receiving the output
	TypeID string // declared type of the matching getter
	conv   Converter
	out    sql.Out
}

// BindArgs converts positional arguments for a template compiled with type
// placeholders. args[i] goes to slot i+1, or i+2 when the template reserves
// slot 1 for a refcursor. The returned slice is ready for the driver; on
// error it is nil.
//
// An empty placeholder #{} passes its argument through unconverted.
func BindArgs(c *Compiled, reg *Registry, args ...any) ([]any, error) {
	if c.Variant != VariantType {
		return nil, fmt.Errorf("%w: positional arguments need #{type} placeholders", ErrTemplateSyntax)
	}
	out, start := reserve(c)
	if want := len(c.Descriptors) - start; len(args) != want {
		return nil, fmt.Errorf("%w: template has %d placeholders, got %d arguments", ErrArgCount, want, len(args))
	}

	for i, d := range c.Descriptors[start:] {
		if d.TypeID == "" {
			out[start+i] = args[i]
			continue
		}
		conv, err := reg.Resolve(d.TypeID)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i+1, err)
		}
		v, err := conv.Write(args[i])
		if err != nil {
			return nil, fmt.Errorf("argument %d #{%s}: %w", i+1, d.Raw, err)
		}
		out[start+i] = v
	}
	return out, nil
}

// BindObject converts the getter values of obj for a template compiled with
// accessor placeholders. Each value is written by the converter of the
// getter's declared type, so a nil *int32 still binds as an integer NULL.
// An empty placeholder #{} binds an untyped NULL.
func BindObject(c *Compiled, reg *Registry, obj Accessor) ([]any, error) {
	if c.Variant != VariantAccessor {
		return nil, fmt.Errorf("%w: a bound object needs #{getter} placeholders", ErrTemplateSyntax)
	}
	out, start := reserve(c)
	for i, d := range c.Descriptors[start:] {
		v, err := getArg(reg, obj, d)
		if err != nil {
			return nil, err
		}
		out[start+i] = v
	}
	return out, nil
}

// BindCall is BindObject for stored procedure calls: placeholders naming a
// setter (#{getTotal/setTotal}) become in/out parameters, preloaded with
// the getter's value. Pass the returned slots to Writeback after execution.
func BindCall(c *Compiled, reg *Registry, obj Accessor) ([]any, []OutSlot, error) {
	if c.Variant != VariantAccessor {
		return nil, nil, fmt.Errorf("%w: a bound object needs #{getter} placeholders", ErrTemplateSyntax)
	}
	out, start := reserve(c)
	var outs []OutSlot
	for i, d := range c.Descriptors[start:] {
		if d.Setter == "" {
			v, err := getArg(reg, obj, d)
			if err != nil {
				return nil, nil, err
			}
			out[start+i] = v
			continue
		}

		in, typeID, err := obj.Get(d.Getter)
		if err != nil {
			return nil, nil, err
		}
		conv, err := reg.Resolve(typeID)
		if err != nil {
			return nil, nil, fmt.Errorf("#{%s}: %w", d.Raw, err)
		}
		o, err := conv.RegisterOut(in)
		if err != nil {
			return nil, nil, fmt.Errorf("#{%s}: %w", d.Raw, err)
		}
		out[start+i] = o
		outs = append(outs, OutSlot{Index: start + i + 1, Setter: d.Setter, TypeID: typeID, conv: conv, out: o})
	}
	return out, outs, nil
}

// Writeback reads every executed in/out parameter and passes it to its
// setter on obj. A NULL output reaches the setter as nil.
func Writeback(outs []OutSlot, obj Accessor) error {
	for _, s := range outs {
		v, valid, err := s.conv.ReadOut(s.out)
		if err != nil {
			return fmt.Errorf("parameter %d: %w", s.Index, err)
		}
		if !valid {
			v = nil
		}
		if err := obj.Set(s.Setter, s.TypeID, v); err != nil {
			return err
		}
	}
	return nil
}

// BindCursor writes the cursor name into the slot reserved by a refcursor
// template. args is the slice returned by BindArgs or BindObject.
func BindCursor(args []any, reg *Registry, name string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: no #{%s} slot to bind", ErrArgCount, RefCursorKeyword)
	}
	if n, ok := args[0].(TypedNull); !ok || n.Type != SQLRefCursor {
		return fmt.Errorf("%w: slot 1 is not a #{%s} slot", ErrArgCount, RefCursorKeyword)
	}
	conv, err := reg.Resolve(RefCursorKeyword)
	if err != nil {
		return err
	}
	v, err := conv.Write(name)
	if err != nil {
		return err
	}
	args[0] = v
	return nil
}

// reserve allocates the argument slice and, for refcursor templates, fills
// slot 1 with a refcursor NULL. start is the first descriptor left to bind.
func reserve(c *Compiled) (out []any, start int) {
	out = make([]any, len(c.Descriptors))
	if c.Reserved && len(out) > 0 {
		out[0] = TypedNull{Type: SQLRefCursor}
		start = 1
	}
	return out, start
}

// getArg calls the getter of d and converts its value with the converter of
// the getter's declared type.
func getArg(reg *Registry, obj Accessor, d Descriptor) (any, error) {
	if d.Getter == "" {
		return TypedNull{Type: SQLOther}, nil
	}
	v, typeID, err := obj.Get(d.Getter)
	if err != nil {
		return nil, err
	}
	conv, err := reg.Resolve(typeID)
	if err != nil {
		return nil, fmt.Errorf("#{%s}: %w", d.Raw, err)
	}
	arg, err := conv.Write(v)
	if err != nil {
		return nil, fmt.Errorf("#{%s}: %w", d.Raw, err)
	}
	return arg, nil
}

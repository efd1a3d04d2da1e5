package tsql

import (
	"reflect"
	"testing"
	"time"
)

// --------------------------------
// Fixtures
// --------------------------------

// Invoice has an explicit mapping with a canonical constructor.
type Invoice struct {
	ID        int64
	Customer  string
	Total     *float64
	UpdatedOn *time.Time
}

var invoiceMapping = newInvoiceMapping()

func newInvoiceMapping() *Mapping[Invoice] {
	m := NewMapping[Invoice]()
	Field(m, "id", func(v *Invoice) *int64 { return &v.ID })
	Field(m, "customer", func(v *Invoice) *string { return &v.Customer })
	Field(m, "total", func(v *Invoice) **float64 { return &v.Total })
	Field(m, "updated_on", func(v *Invoice) **time.Time { return &v.UpdatedOn })
	Ctor4(m, func(id int64, customer string, total *float64, updated *time.Time) Invoice {
		return Invoice{ID: id, Customer: customer, Total: total, UpdatedOn: updated}
	})
	return m
}

// Status is a named string used to test conversions.
type Status string

// Audit is embedded in Employee and flattened by StructMapping.
type Audit struct {
	CreatedAt time.Time `db:"created_at"`
}

// Employee is mapped by StructMapping from its db tags.
type Employee struct {
	EmployeeID int64  `db:"employee_id"`
	Name       string `db:"name,omitempty"`
	ManagerID  *int64 `db:"manager_id"`
	Status     Status `db:"status"`
	Audit
	Skip   string `db:"-"`
	secret string
}

// Node embeds a pointer; its labels are only reachable through the pointer.
type Node struct {
	ID    int64 `db:"id"`
	*Audit
}

// Dup has two fields claiming the same label.
type Dup struct {
	A int64 `db:"x"`
	B int64 `db:"x"`
	C int64 `db:"c"`
}

func ptr[T any](v T) *T { return &v }

// --------------------------------
// Tests: explicit mappings
// --------------------------------

// TestMapping_GetDeclaredTypes ensures getters report their declared type,
// not the dynamic type of the value.
func TestMapping_GetDeclaredTypes(t *testing.T) {
	inv := Invoice{ID: 3, Customer: "acme"}
	obj := invoiceMapping.Of(&inv)

	tests := []struct {
		name   string
		value  any
		typeID string
	}{
		{"getId", int64(3), "int64"},
		{"getCustomer", "acme", "string"},
		{"getTotal", (*float64)(nil), "*float64"},
		{"getUpdatedOn", (*time.Time)(nil), "*time.Time"},
	}
	for _, tt := range tests {
		v, typeID, err := obj.Get(tt.name)
		assertNoError(t, err)
		if typeID != tt.typeID {
			t.Fatalf("%s: typeID=%q, want %q", tt.name, typeID, tt.typeID)
		}
		if !reflect.DeepEqual(v, tt.value) {
			t.Fatalf("%s: value=%#v, want %#v", tt.name, v, tt.value)
		}
	}

	want := []string{"getCustomer", "getId", "getTotal", "getUpdatedOn"}
	if got := invoiceMapping.Getters(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Getters()=%v, want %v", got, want)
	}
}

// TestMapping_Set covers exact and pointer/non-pointer setter lookup.
func TestMapping_Set(t *testing.T) {
	var inv Invoice
	obj := invoiceMapping.Of(&inv)

	assertNoError(t, obj.Set("setId", "int64", int64(9)))
	assertNoError(t, obj.Set("setCustomer", "*string", "acme"))
	assertNoError(t, obj.Set("setTotal", "float64", 12.5))
	assertNoError(t, obj.Set("setUpdatedOn", "*time.Time", nil))

	if inv.ID != 9 || inv.Customer != "acme" || inv.Total == nil || *inv.Total != 12.5 || inv.UpdatedOn != nil {
		t.Fatalf("inv=%+v", inv)
	}

	// A pointer value reaches a non-pointer setter through its element.
	assertNoError(t, obj.Set("setId", "int64", ptr(int64(10))))
	if inv.ID != 10 {
		t.Fatalf("ID=%d, want 10", inv.ID)
	}
}

// TestMapping_SetErrors covers missing accessors, NULL and type mismatches.
func TestMapping_SetErrors(t *testing.T) {
	var inv Invoice
	obj := invoiceMapping.Of(&inv)

	assertErrorIs(t, obj.Set("setNope", "int64", int64(1)), ErrAccessorNotFound)
	assertErrorIs(t, obj.Set("setId", "string", "x"), ErrAccessorNotFound)
	assertErrorIs(t, obj.Set("setId", "int64", nil), ErrNullValue)
	assertErrorIs(t, obj.Set("setId", "int64", "seven"), ErrConversion)

	_, _, err := obj.Get("getNope")
	assertErrorIs(t, err, ErrAccessorNotFound)

	_, _, err = invoiceMapping.Of(nil).Get("getId")
	assertErrorIs(t, err, ErrAccessorNotFound)
}

// TestMapping_OverloadedSetter ensures overloads are chosen by type id.
func TestMapping_OverloadedSetter(t *testing.T) {
	type Price struct{ Cents int64 }
	m := NewMapping[Price]()
	Setter(m, "setAmount", func(p *Price, v int64) { p.Cents = v })
	Setter(m, "setAmount", func(p *Price, v float64) { p.Cents = int64(v * 100) })

	var p Price
	obj := m.Of(&p)
	assertNoError(t, obj.Set("setAmount", "float64", 1.25))
	if p.Cents != 125 {
		t.Fatalf("Cents=%d, want 125", p.Cents)
	}
	assertNoError(t, obj.Set("setAmount", "*int64", int64(7)))
	if p.Cents != 7 {
		t.Fatalf("Cents=%d, want 7", p.Cents)
	}

	_, err := m.setterType("setAmount")
	assertErrorIs(t, err, ErrAccessorNotFound)
	if got := m.Setters(); !reflect.DeepEqual(got, []string{"setAmount"}) {
		t.Fatalf("Setters()=%v", got)
	}
}

// TestMapping_Constructor checks the constructor receives converted arguments.
func TestMapping_Constructor(t *testing.T) {
	c := invoiceMapping.ctor
	if c == nil {
		t.Fatal("no constructor")
	}
	want := []string{"int64", "string", "*float64", "*time.Time"}
	if !reflect.DeepEqual(c.types, want) {
		t.Fatalf("types=%v, want %v", c.types, want)
	}

	inv, err := c.fn([]any{int64(1), "acme", 3.5, nil})
	assertNoError(t, err)
	if inv.ID != 1 || inv.Customer != "acme" || *inv.Total != 3.5 || inv.UpdatedOn != nil {
		t.Fatalf("inv=%+v", inv)
	}

	_, err = c.fn([]any{nil, "acme", nil, nil})
	assertErrorIs(t, err, ErrNullValue)
}

// TestMapping_SmallConstructors covers Ctor1..Ctor3.
func TestMapping_SmallConstructors(t *testing.T) {
	type One struct{ A string }
	type Two struct {
		A string
		B int32
	}
	type Three struct {
		A string
		B int32
		C bool
	}

	m1 := Ctor1(NewMapping[One](), func(a string) One { return One{a} })
	v1, err := m1.ctor.fn([]any{"a"})
	assertNoError(t, err)

	m2 := Ctor2(NewMapping[Two](), func(a string, b int32) Two { return Two{a, b} })
	v2, err := m2.ctor.fn([]any{"a", int32(2)})
	assertNoError(t, err)

	m3 := Ctor3(NewMapping[Three](), func(a string, b int32, c bool) Three { return Three{a, b, c} })
	v3, err := m3.ctor.fn([]any{"a", int32(2), true})
	assertNoError(t, err)

	if v1.A != "a" || v2.B != 2 || !v3.C {
		t.Fatalf("v1=%+v v2=%+v v3=%+v", v1, v2, v3)
	}
	if !reflect.DeepEqual(m3.ctor.types, []string{"string", "int32", "bool"}) {
		t.Fatalf("types=%v", m3.ctor.types)
	}
}

// --------------------------------
// Tests: StructMapping
// --------------------------------

// TestStructMapping_Labels ensures tags, embedding and exclusions are honored.
func TestStructMapping_Labels(t *testing.T) {
	m := StructMapping[Employee]()

	wantGetters := []string{"getCreatedAt", "getEmployeeId", "getManagerId", "getName", "getStatus"}
	if got := m.Getters(); !reflect.DeepEqual(got, wantGetters) {
		t.Fatalf("Getters()=%v, want %v", got, wantGetters)
	}
	wantSetters := []string{"setCreatedAt", "setEmployeeId", "setManagerId", "setName", "setStatus"}
	if got := m.Setters(); !reflect.DeepEqual(got, wantSetters) {
		t.Fatalf("Setters()=%v, want %v", got, wantSetters)
	}

	if m2 := StructMapping[Employee](); m2 != m {
		t.Fatal("StructMapping not cached")
	}
}

// TestStructMapping_GetSet round-trips values through reflection accessors.
func TestStructMapping_GetSet(t *testing.T) {
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var e Employee
	obj := StructMapping[Employee]().Of(&e)

	assertNoError(t, obj.Set("setEmployeeId", "int64", int64(42)))
	assertNoError(t, obj.Set("setName", "string", "Ada"))
	assertNoError(t, obj.Set("setManagerId", "int64", int64(7)))
	assertNoError(t, obj.Set("setStatus", "tsql.Status", "active"))
	assertNoError(t, obj.Set("setCreatedAt", "time.Time", ts))

	if e.EmployeeID != 42 || e.Name != "Ada" || *e.ManagerID != 7 || e.Status != "active" || !e.CreatedAt.Equal(ts) {
		t.Fatalf("e=%+v", e)
	}

	v, typeID, err := obj.Get("getManagerId")
	assertNoError(t, err)
	if typeID != "*int64" || *(v.(*int64)) != 7 {
		t.Fatalf("getManagerId=%#v (%s)", v, typeID)
	}

	assertNoError(t, obj.Set("setManagerId", "*int64", nil))
	if e.ManagerID != nil {
		t.Fatalf("ManagerID=%v, want nil", e.ManagerID)
	}
	assertErrorIs(t, obj.Set("setEmployeeId", "int64", nil), ErrNullValue)
}

// TestStructMapping_PointerEmbed ensures nil embedded pointers read as NULL and
// are allocated on write.
func TestStructMapping_PointerEmbed(t *testing.T) {
	var n Node
	obj := StructMapping[Node]().Of(&n)

	v, _, err := obj.Get("getCreatedAt")
	assertNoError(t, err)
	if v != nil {
		t.Fatalf("getCreatedAt=%#v, want nil", v)
	}

	ts := time.Unix(0, 0).UTC()
	assertNoError(t, obj.Set("setCreatedAt", "time.Time", ts))
	if n.Audit == nil || !n.CreatedAt.Equal(ts) {
		t.Fatalf("n=%+v", n)
	}
}

// TestStructMapping_AmbiguousLabel ensures labels claimed twice are left out.
func TestStructMapping_AmbiguousLabel(t *testing.T) {
	m := StructMapping[Dup]()
	if got := m.Getters(); !reflect.DeepEqual(got, []string{"getC"}) {
		t.Fatalf("Getters()=%v", got)
	}
	var d Dup
	assertErrorIs(t, m.Of(&d).Set("setX", "int64", int64(1)), ErrAccessorNotFound)
}

// TestStructMapping_PointerType ensures a pointer T reads NULL through a nil
// pointer and allocates it on write.
func TestStructMapping_PointerType(t *testing.T) {
	m := StructMapping[*Node]()
	if got := m.Getters(); !reflect.DeepEqual(got, []string{"getCreatedAt", "getId"}) {
		t.Fatalf("Getters()=%v", got)
	}

	var n *Node
	obj := m.Of(&n)
	v, typeID, err := obj.Get("getId")
	assertNoError(t, err)
	if v != nil || typeID != "int64" {
		t.Fatalf("getId=%#v (%s), want nil (int64)", v, typeID)
	}

	assertNoError(t, obj.Set("setId", "int64", int64(5)))
	if n == nil || n.ID != 5 {
		t.Fatalf("n=%+v", n)
	}
	v, _, err = obj.Get("getId")
	assertNoError(t, err)
	if v != int64(5) {
		t.Fatalf("getId=%#v, want 5", v)
	}
}

// TestStructMapping_NotAStruct ensures non-struct types get no accessors.
func TestStructMapping_NotAStruct(t *testing.T) {
	m := StructMapping[int64]()
	if len(m.Getters()) != 0 || len(m.Setters()) != 0 {
		t.Fatalf("getters=%v setters=%v", m.Getters(), m.Setters())
	}
	var x int64
	_, _, err := m.Of(&x).Get("getId")
	assertErrorIs(t, err, ErrAccessorNotFound)
}

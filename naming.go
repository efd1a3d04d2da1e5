package tsql

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SetterName converts a snake_case column label into the setter name used
// by mappings: "updated_on" -> "setUpdatedOn", "id" -> "setId".
func SetterName(label string) string {
	return accessorName("set", label)
}

// GetterName is SetterName with a "get" prefix: "employee_id" -> "getEmployeeId".
func GetterName(label string) string {
	return accessorName("get", label)
}

// accessorName upper-cases the first rune of label and every rune that
// follows an underscore, drops the underscores and prepends prefix.
// Nothing else changes case.
func accessorName(prefix, label string) string {
	var b strings.Builder
	b.Grow(len(prefix) + len(label))
	b.WriteString(prefix)

	upper := true
	for len(label) > 0 {
		r, size := utf8.DecodeRuneInString(label)
		label = label[size:]
		if r == '_' {
			upper = true
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

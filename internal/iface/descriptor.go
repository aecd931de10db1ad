package iface

import "strings"

// Descriptor is an interface label split into its name and optional alias.
type Descriptor struct {
	Name  string
	Alias *string
}

// AliasOr returns the alias, or fallback when there is none.
func (d Descriptor) AliasOr(fallback string) string {
	if d.Alias == nil {
		return fallback
	}
	return *d.Alias
}

// ParseDescriptor splits a "name (alias)" label. The name ends at the first
// space; the alias is the content of the first balanced parenthesised group
// after it, nested parentheses included. Parsing never fails: anything that
// does not fit stops the scan and the partial result is returned.
func ParseDescriptor(label string) Descriptor {
	runes := []rune(label)

	i := 0
	for i < len(runes) && runes[i] != ' ' {
		i++
	}
	d := Descriptor{Name: string(runes[:i])}
	if i == len(runes) {
		return d
	}
	i++ // the space

	var alias strings.Builder
	depth := 0
scan:
	for ; i < len(runes); i++ {
		switch c := runes[i]; c {
		case '(':
			if depth > 0 {
				alias.WriteRune(c)
			}
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
			if depth == 0 {
				break scan
			}
			alias.WriteRune(c)
		default:
			if depth == 0 {
				break scan
			}
			alias.WriteRune(c)
		}
	}

	if alias.Len() > 0 {
		s := alias.String()
		d.Alias = &s
	}
	return d
}

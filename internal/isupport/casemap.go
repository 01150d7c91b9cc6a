package isupport

import "strings"

// Casemapping selects which characters compare equal regardless of case
type Casemapping int

const (
	// CasemapRFC1459 folds A-Z and []\^ onto a-z and {}|~
	CasemapRFC1459 Casemapping = iota
	// CasemapStrictRFC1459 folds A-Z and []\ onto a-z and {}|
	CasemapStrictRFC1459
	// CasemapASCII folds A-Z only
	CasemapASCII
)

// ParseCasemapping maps a CASEMAPPING value. Unknown values return
// CasemapRFC1459, the mapping that treats the most characters as equal.
func ParseCasemapping(value string) (Casemapping, bool) {
	switch strings.ToLower(value) {
	case "rfc1459":
		return CasemapRFC1459, true
	case "strict-rfc1459":
		return CasemapStrictRFC1459, true
	case "ascii":
		return CasemapASCII, true
	}
	return CasemapRFC1459, false
}

func (c Casemapping) String() string {
	switch c {
	case CasemapStrictRFC1459:
		return "strict-rfc1459"
	case CasemapASCII:
		return "ascii"
	}
	return "rfc1459"
}

// FoldRune lower-cases a single rune under the mapping
func (c Casemapping) FoldRune(r rune) rune {
	if 'A' <= r && r <= 'Z' {
		return r + ('a' - 'A')
	}
	switch c {
	case CasemapRFC1459:
		if r == '[' || r == ']' || r == '\\' || r == '^' {
			return r + ('{' - '[')
		}
	case CasemapStrictRFC1459:
		if r == '[' || r == ']' || r == '\\' {
			return r + ('{' - '[')
		}
	}
	return r
}

// Fold lower-cases a name under the mapping, for use as a map key
func (c Casemapping) Fold(name string) string {
	return strings.Map(c.FoldRune, name)
}

// Compare orders two names by their folded form, like strings.Compare
func (c Casemapping) Compare(a, b string) int {
	return strings.Compare(c.Fold(a), c.Fold(b))
}

// Equal reports whether two names are the same under the mapping
func (c Casemapping) Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return c.Fold(a) == c.Fold(b)
}

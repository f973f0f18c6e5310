package identitymap

import (
	"strings"
	"unicode"
)

// tableName derives the physical table of a collection that did not declare
// one: "NamesTable" becomes "names_table", "Obj2" becomes "obj_2".
// Punctuation collapses into a single underscore so names taken from
// reflected Go types ("*pkg.Account") still produce a valid identifier.
func tableName(s string) string {
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		s = s[i+1:]
	}
	if s == "" {
		return ""
	}

	runes := []rune(s)
	var b strings.Builder
	b.Grow(len(runes) + len(runes)/2)

	underscore := false
	sep := func() {
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}

	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					sep()
				}
			}
			b.WriteRune(unicode.ToLower(r))
			underscore = false
		case unicode.IsDigit(r):
			if i > 0 && !unicode.IsDigit(runes[i-1]) {
				sep()
			}
			b.WriteRune(r)
			underscore = false
		case unicode.IsLower(r):
			b.WriteRune(r)
			underscore = false
		default:
			sep()
		}
	}

	return strings.Trim(b.String(), "_")
}

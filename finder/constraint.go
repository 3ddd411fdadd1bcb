package finder

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/dicomstore/dicomstore/index"
)

// ConstraintKind selects how a Constraint's Value(s) are matched against a
// stored tag value.
type ConstraintKind int

const (
	// Equality matches the tag value exactly (after case/accent folding).
	Equality ConstraintKind = iota
	// Range matches values lexicographically between Low and High, both
	// inclusive - used for date/time ranges like StudyDate=20200101-20201231.
	Range
	// Wildcard matches DICOM's "*" (any run of characters) and "?" (any
	// single character) against the tag value.
	Wildcard
)

// Constraint narrows the candidate set at one resource Level by testing
// one tag's value.
type Constraint struct {
	Level         index.Level
	Tag           string // dicom.Tag.String(), e.g. "(0010,0020)"
	Kind          ConstraintKind
	Value         string // Equality, Wildcard
	Low, High     string // Range
	CaseSensitive bool
}

// matches reports whether storedValue satisfies the constraint.
func (c Constraint) matches(storedValue string) bool {
	switch c.Kind {
	case Equality:
		return fold(storedValue, c.CaseSensitive) == fold(c.Value, c.CaseSensitive)
	case Range:
		v := fold(storedValue, c.CaseSensitive)
		return v >= fold(c.Low, c.CaseSensitive) && v <= fold(c.High, c.CaseSensitive)
	case Wildcard:
		return wildcardRegexp(fold(c.Value, c.CaseSensitive)).MatchString(fold(storedValue, c.CaseSensitive))
	default:
		return false
	}
}

// fold applies case-insensitive, accent-folding normalization unless the
// constraint demands an exact (case-sensitive) match. NFKD decomposes
// accented letters into a base letter plus combining marks, which are then
// stripped, so "é" and "e" compare equal the way DICOM's PN matching does.
func fold(s string, caseSensitive bool) string {
	if caseSensitive {
		return s
	}
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if isCombiningMark(r) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.ToUpper(b.String())
}

func isCombiningMark(r rune) bool {
	return r >= 0x0300 && r <= 0x036F
}

func wildcardRegexp(pattern string) *regexp.Regexp {
	var b strings.Builder
	b.WriteByte('^')
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteByte('.')
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteByte('$')
	return regexp.MustCompile(b.String())
}

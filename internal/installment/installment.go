// Package installment recognizes "position/total" installment markers in
// statement descriptions and reduces descriptions to a stable base key.
package installment

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/rumor-ml/commons.systems/cardflow/internal/domain"
)

// GenericPattern is the fallback trailing-fraction pattern, tried after every
// format-specific pattern.
const GenericPattern = `(?P<pos>\d{1,2})\s*/\s*(?P<total>\d{1,2})\s*$`

// GenericMarkers are marker words stripped after format-specific markers
var GenericMarkers = []string{"installment", "install", "inst", "parcela", "parc"}

const separatorCutset = " \t-–—:;*/|.,#"

// Match describes a detected installment fraction
type Match struct {
	Position int
	Total    int
	// Pattern is the source of the pattern that matched
	Pattern string
	// Start and End delimit the matched span in the original description
	Start, End int
}

// Matcher applies an ordered list of installment patterns. It is safe for
// concurrent use once built.
type Matcher struct {
	patterns []*regexp.Regexp
	markers  []*regexp.Regexp
}

// NewMatcher compiles format-specific patterns and markers. Format patterns
// are tried in order before GenericPattern; format markers are stripped before
// GenericMarkers. Every pattern must define the named groups "pos" and "total".
func NewMatcher(patterns, markers []string) (*Matcher, error) {
	m := &Matcher{}
	for i, p := range append(append([]string{}, patterns...), GenericPattern) {
		re, err := compilePattern(p)
		if err != nil {
			return nil, fmt.Errorf("installment pattern %d (%s): %w", i, p, err)
		}
		m.patterns = append(m.patterns, re)
	}

	seen := make(map[string]struct{})
	for _, word := range append(append([]string{}, markers...), GenericMarkers...) {
		folded := fold(strings.TrimSpace(word))
		if folded == "" {
			continue
		}
		if _, dup := seen[folded]; dup {
			continue
		}
		seen[folded] = struct{}{}
		m.markers = append(m.markers, regexp.MustCompile(`\b`+regexp.QuoteMeta(folded)+`\b\.?`))
	}
	return m, nil
}

// MustNewMatcher is NewMatcher for static inputs
func MustNewMatcher(patterns, markers []string) *Matcher {
	m, err := NewMatcher(patterns, markers)
	if err != nil {
		panic(err)
	}
	return m
}

func compilePattern(p string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(p)
	if err != nil {
		return nil, err
	}
	if re.SubexpIndex("pos") < 0 || re.SubexpIndex("total") < 0 {
		return nil, fmt.Errorf("pattern must define named groups 'pos' and 'total'")
	}
	return re, nil
}

// ValidatePattern reports whether p is a usable installment pattern
func ValidatePattern(p string) error {
	_, err := compilePattern(p)
	return err
}

// Detect finds the first pattern yielding a fraction within the sanity bound
// 0 < position <= total <= 60. A pattern whose match fails the bound does not
// stop the search; the next pattern is tried.
func (m *Matcher) Detect(description string) (Match, bool) {
	for _, re := range m.patterns {
		for _, loc := range re.FindAllStringSubmatchIndex(description, -1) {
			posIdx := 2 * re.SubexpIndex("pos")
			totalIdx := 2 * re.SubexpIndex("total")
			if loc[posIdx] < 0 || loc[totalIdx] < 0 {
				continue
			}
			// A fraction glued to a preceding digit or slash is part of a date.
			if s := loc[posIdx]; s > 0 {
				prev := description[s-1]
				if prev == '/' || (prev >= '0' && prev <= '9') {
					continue
				}
			}
			pos, err1 := strconv.Atoi(description[loc[posIdx]:loc[posIdx+1]])
			total, err2 := strconv.Atoi(description[loc[totalIdx]:loc[totalIdx+1]])
			if err1 != nil || err2 != nil || !InBounds(pos, total) {
				continue
			}
			return Match{
				Position: pos,
				Total:    total,
				Pattern:  re.String(),
				Start:    loc[0],
				End:      loc[1],
			}, true
		}
	}
	return Match{}, false
}

// InBounds reports whether (pos, total) is a plausible installment fraction
func InBounds(pos, total int) bool {
	return pos > 0 && pos <= total && total <= domain.MaxInstallments
}

// Base returns the grouping base description: the detected fraction and all
// marker words removed, accents and case folded, whitespace collapsed.
// Descriptions without a fraction are normalized without marker stripping.
func (m *Matcher) Base(description string) string {
	match, ok := m.Detect(description)
	if !ok {
		return Normalize(description)
	}
	return m.BaseFor(description, match)
}

// BaseFor is Base for a match already obtained from Detect
func (m *Matcher) BaseFor(description string, match Match) string {
	stripped := description[:match.Start] + " " + description[match.End:]
	folded := fold(stripped)
	for _, re := range m.markers {
		folded = re.ReplaceAllString(folded, " ")
	}
	return collapse(folded)
}

// Normalize folds accents and case, collapses whitespace and trims separator
// punctuation from both ends.
func Normalize(s string) string {
	return collapse(fold(s))
}

func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(folded)
}

func collapse(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, separatorCutset)
	return strings.Join(strings.Fields(s), " ")
}

// Tokens splits a normalized base description into words
func Tokens(base string) []string {
	return strings.Fields(base)
}

// Package acceptlang is a single-pass, lazy parser over an Accept-Language
// header value, yielding (tag, rank) pairs in source order, plus a Best
// helper that negotiates those ranked preferences against a caller's
// supported language set using golang.org/x/text/language's BCP 47-aware
// matcher.
package acceptlang

import (
	"sort"
	"strings"

	"golang.org/x/text/language"
)

// Tag is either a lowercased language range (letters/digits/'-') or the
// wildcard "*".
type Tag string

// IsWildcard reports whether the tag is "*".
func (t Tag) IsWildcard() bool { return t == "*" }

// Parse attempts to resolve t as a well-formed BCP 47 tag. Only meaningful
// for non-wildcard tags.
func (t Tag) Parse() (language.Tag, error) {
	return language.Parse(string(t))
}

// Rank is the preference weight and source position of one Accept-Language
// item. Comparator: '<' on Weight, then '>' on Index (earlier items win ties).
type Rank struct {
	Weight float64
	Index  uint32
}

// Less orders ranks from least to most preferred: lower weight first, and
// among equal weights the later (higher-index) item is considered lesser so
// that an earlier item wins ties when selecting a maximum.
func (r Rank) Less(other Rank) bool {
	if r.Weight != other.Weight {
		return r.Weight < other.Weight
	}
	return r.Index > other.Index
}

// Item is one parsed (tag, rank) pair.
type Item struct {
	Tag  Tag
	Rank Rank
}

type state int

const (
	leadingWS state = iota
	tagState
	wildcardState
	semicolonState
	qState
	equalsState
	intPart
	dotState
	fracState
	trailingWS
	doneState
	errorState
)

// Iterator performs the single-pass FSM scan described by the header
// grammar, emitting items lazily via Next.
type Iterator struct {
	raw   string
	pos   int
	index uint32
	st    state
}

// New creates an Iterator over raw, the Accept-Language header value.
func New(raw string) *Iterator {
	return &Iterator{raw: raw, st: leadingWS}
}

// Next returns the next (tag, rank) item and true, or a zero Item and false
// once the input is exhausted or invalid. Once false is returned, all
// subsequent calls also return false — invalid input terminates the stream.
func (it *Iterator) Next() (Item, bool) {
	if it.st == doneState || it.st == errorState {
		return Item{}, false
	}

	var tagBuilder strings.Builder
	weight := 1.0
	fracDigits := 0
	fracValue := 0

	st := it.st
	if st == leadingWS {
		// skip leading whitespace/commas between items
		for it.pos < len(it.raw) && (it.raw[it.pos] == ' ' || it.raw[it.pos] == '\t' || it.raw[it.pos] == ',') {
			it.pos++
		}
		if it.pos >= len(it.raw) {
			it.st = doneState
			return Item{}, false
		}
		if it.raw[it.pos] == '*' {
			it.pos++
			st = wildcardState
		} else {
			st = tagState
		}
	}

	switch st {
	case wildcardState:
		// fallthrough to semicolon handling below with empty tag meaning "*"
	case tagState:
		start := it.pos
		for it.pos < len(it.raw) && isTagChar(it.raw[it.pos]) {
			it.pos++
		}
		if it.pos == start {
			it.st = errorState
			return Item{}, false
		}
		tagBuilder.WriteString(strings.ToLower(it.raw[start:it.pos]))
	}

	isWild := st == wildcardState

	// optional ;q=VALUE
	p := skipWS(it.raw, it.pos)
	if p < len(it.raw) && it.raw[p] == ';' {
		p++
		p = skipWS(it.raw, p)
		if p >= len(it.raw) || (it.raw[p] != 'q' && it.raw[p] != 'Q') {
			it.st = errorState
			return Item{}, false
		}
		p++
		p = skipWS(it.raw, p)
		if p >= len(it.raw) || it.raw[p] != '=' {
			it.st = errorState
			return Item{}, false
		}
		p++
		// int part: single digit 0 or 1
		if p >= len(it.raw) || (it.raw[p] != '0' && it.raw[p] != '1') {
			it.st = errorState
			return Item{}, false
		}
		intDigit := it.raw[p] - '0'
		p++
		if p < len(it.raw) && it.raw[p] == '.' {
			p++
			for fracDigits < 3 && p < len(it.raw) && isDigit(it.raw[p]) {
				d := int(it.raw[p] - '0')
				if intDigit == 1 && d != 0 {
					it.st = errorState
					return Item{}, false
				}
				fracValue = fracValue*10 + d
				fracDigits++
				p++
			}
		}
		weight = float64(intDigit)
		if fracDigits > 0 {
			div := 1.0
			for i := 0; i < fracDigits; i++ {
				div *= 10
			}
			weight += float64(fracValue) / div
		}
		it.pos = p
	}

	// trailing whitespace up to next comma or end
	it.pos = skipWS(it.raw, it.pos)
	if it.pos < len(it.raw) {
		if it.raw[it.pos] != ',' {
			it.st = errorState
			return Item{}, false
		}
	}

	tag := Tag("*")
	if !isWild {
		tag = Tag(tagBuilder.String())
	}
	rank := Rank{Weight: weight, Index: it.index}
	it.index++
	it.st = leadingWS
	return Item{Tag: tag, Rank: rank}, true
}

func isTagChar(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '-'
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func skipWS(s string, p int) int {
	for p < len(s) && (s[p] == ' ' || s[p] == '\t') {
		p++
	}
	return p
}

// Collect drains the iterator into a slice, for callers that don't need
// laziness.
func Collect(raw string) []Item {
	it := New(raw)
	var items []Item
	for {
		item, ok := it.Next()
		if !ok {
			break
		}
		items = append(items, item)
	}
	return items
}

// Best negotiates a caller's supported language tags against the ranked
// preferences in raw, using golang.org/x/text/language's matcher for
// BCP 47-aware matching (so a request for "en-GB" can still match a
// supported "en"). supported is ordered most-preferred-default first; its
// entries must themselves be well-formed BCP 47 tags. It returns the
// chosen entry from supported and whether the match was better than a
// bare fallback to the default.
func Best(raw string, supported []string) (string, bool) {
	tags := make([]language.Tag, 0, len(supported))
	for _, s := range supported {
		t, err := language.Parse(s)
		if err != nil {
			continue
		}
		tags = append(tags, t)
	}
	if len(tags) == 0 {
		return "", false
	}
	matcher := language.NewMatcher(tags)

	items := Collect(raw)
	sort.SliceStable(items, func(i, j int) bool { return items[j].Rank.Less(items[i].Rank) })

	prefs := make([]language.Tag, 0, len(items))
	for _, it := range items {
		if it.Tag.IsWildcard() {
			continue
		}
		parsed, err := it.Tag.Parse()
		if err != nil {
			continue
		}
		prefs = append(prefs, parsed)
	}
	if len(prefs) == 0 {
		return supported[0], false
	}

	_, index, confidence := matcher.Match(prefs...)
	return supported[index], confidence >= language.Low
}

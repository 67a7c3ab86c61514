// Package match decides whether a candidate string on a page refers to a
// known account holder. Matching is a fixed ladder: account number, SSN,
// full name, last-name-only, first-name-only. The first rung that succeeds
// wins; anything scoring below the acceptance threshold is not a match.
package match

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/local/idpcore/internal/model"
)

// Threshold is the minimum confidence accepted as a match.
const Threshold = 85

// Input is one holder/candidate comparison. AccountNumber is the account's
// canonical number, checked before any name logic.
type Input struct {
	AccountNumber string
	Holder        model.Holder
	Candidate     string
}

// Result reports the outcome. Confidence is only meaningful when Matched.
type Result struct {
	Matched    bool   `json:"matched"`
	Confidence int    `json:"confidence"`
	Rationale  string `json:"rationale"`
}

func miss(why string) Result { return Result{Matched: false, Rationale: why} }

func hit(conf int, why string) Result {
	if conf < Threshold {
		return Result{Matched: false, Confidence: conf, Rationale: why + " (below threshold)"}
	}
	return Result{Matched: true, Confidence: conf, Rationale: why}
}

// Match runs the decision ladder for a single candidate string.
// It never returns an error; undecidable inputs simply do not match.
func Match(in Input) Result {
	cand := strings.TrimSpace(in.Candidate)
	if cand == "" {
		return miss("empty candidate")
	}

	// 1. Account number presence, exact or separator-normalized.
	if in.AccountNumber != "" {
		normAcct := NormalizeAccountNumber(in.AccountNumber)
		if normAcct != "" && strings.Contains(NormalizeAccountNumber(cand), normAcct) {
			return hit(100, fmt.Sprintf("account number %s present", in.AccountNumber))
		}
	}

	// 2. SSN after stripping all non-digits.
	if ssn := digitsOnly(in.Holder.SSN); len(ssn) == 9 {
		if strings.Contains(digitsOnly(cand), ssn) {
			return hit(100, "SSN match")
		}
	}

	if in.Holder.FullName == "" {
		return miss("holder has no name")
	}

	return matchName(in.Holder.FullName, cand)
}

// matchName runs rungs 3-5 of the ladder on normalized name components.
func matchName(holderName, candidate string) Result {
	h := ParseComponents(Normalize(holderName))
	c := ParseComponents(Normalize(candidate))
	if c.First == "" && c.Last == "" {
		return miss("candidate has no name components")
	}

	// 3. Full-name variants, straight order first.
	if r, ok := compareComponents(h, c, false); ok {
		return r
	}
	// Reversed order (last-first vs first-last).
	if r, ok := compareComponents(h, reversed(c), true); ok {
		return r
	}

	// 4. Last-name-only fallback (married-name cases).
	if h.Last != "" && c.Last != "" {
		if h.Last == c.Last {
			return hit(90, "last name exact")
		}
		if levenshtein(h.Last, c.Last) <= 2 {
			return hit(85, "last name with spelling variation")
		}
	}

	// 5. First-name-only fallback.
	if h.First != "" && c.First != "" {
		if h.First == c.First || isInitialOf(c.First, h.First) || isInitialOf(h.First, c.First) {
			return hit(85, "first name exact or initial")
		}
	}

	return miss("no name rule matched")
}

// compareComponents applies the full-name allowances to a parsed pair.
// reversedOrder lowers the band per the ladder: exact-style agreement scores
// 90 and edit-distance agreement 85 instead of 100/95/90/85.
func compareComponents(h, c Components, reversedOrder bool) (Result, bool) {
	exact := h.First == c.First && h.Middle == c.Middle && h.Last == c.Last &&
		h.First != "" && h.Last != ""
	if exact {
		if reversedOrder {
			return hit(90, "reversed order, components exact"), true
		}
		return hit(100, "full name exact"), true
	}

	if h.First != "" && h.First == c.First && h.Last != "" && h.Last == c.Last {
		switch {
		case h.Middle == c.Middle, isInitialOf(c.Middle, h.Middle), isInitialOf(h.Middle, c.Middle):
			if reversedOrder {
				return hit(90, "reversed order, first/last agree"), true
			}
			return hit(95, "first/last agree, middle equal or initial"), true
		case h.Middle == "" || c.Middle == "":
			if reversedOrder {
				return hit(90, "reversed order, first/last agree"), true
			}
			return hit(90, "first/last agree, middle missing on one side"), true
		}
	}

	// Abbreviation: one side is a strict initial-sequence of the other.
	if isInitialSequence(c, h) || isInitialSequence(h, c) {
		if reversedOrder {
			return hit(90, "reversed order, initial sequence"), true
		}
		return hit(90, "abbreviation (initial sequence)"), true
	}

	// Spelling variation: ≤2 edits per component on first and last.
	if h.First != "" && c.First != "" && h.Last != "" && c.Last != "" &&
		levenshtein(h.First, c.First) <= 2 && levenshtein(h.Last, c.Last) <= 2 {
		middleOK := h.Middle == c.Middle || h.Middle == "" || c.Middle == "" ||
			isInitialOf(c.Middle, h.Middle) || isInitialOf(h.Middle, c.Middle) ||
			levenshtein(h.Middle, c.Middle) <= 2
		if middleOK {
			if reversedOrder {
				return hit(85, "reversed order with spelling variation"), true
			}
			return hit(85, "spelling variation"), true
		}
	}

	return Result{}, false
}

// BestMatch scans page text line by line and returns the strongest result.
// A page may mention a holder anywhere; lines are the candidate unit.
func BestMatch(accountNumber string, holder model.Holder, pageText string) Result {
	best := miss("no candidate line matched")
	for _, line := range strings.Split(pageText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r := Match(Input{AccountNumber: accountNumber, Holder: holder, Candidate: line})
		if r.Matched && r.Confidence > best.Confidence {
			best = r
			if best.Confidence == 100 {
				break
			}
		}
	}
	return best
}

// Components is a parsed [first, middle, last] name.
type Components struct {
	First  string
	Middle string
	Last   string
}

// Normalize uppercases, ASCII-folds diacritics, strips `.-',`, collapses
// whitespace runs and trims. Any implementer must reproduce this exactly.
func Normalize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		switch r {
		case '.', '-', '\'', ',':
			continue
		}
		r = foldDiacritic(r)
		if unicode.IsSpace(r) {
			b.WriteRune(' ')
			continue
		}
		b.WriteRune(r)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// ParseComponents splits a normalized name on spaces:
// 1 token -> [t, "", ""]; 2 -> [t0, "", t1]; 3 -> [t0, t1, t2];
// >=4 -> [t0, join(middle...), t_last].
func ParseComponents(s string) Components {
	tokens := strings.Fields(s)
	switch len(tokens) {
	case 0:
		return Components{}
	case 1:
		return Components{First: tokens[0]}
	case 2:
		return Components{First: tokens[0], Last: tokens[1]}
	case 3:
		return Components{First: tokens[0], Middle: tokens[1], Last: tokens[2]}
	default:
		return Components{
			First:  tokens[0],
			Middle: strings.Join(tokens[1:len(tokens)-1], " "),
			Last:   tokens[len(tokens)-1],
		}
	}
}

// NormalizeAccountNumber strips all non-alphanumerics and maps O to 0,
// the canonical form used for dedup and cache keys.
func NormalizeAccountNumber(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if r >= '0' && r <= '9' || r >= 'A' && r <= 'Z' {
			if r == 'O' {
				r = '0'
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}

func reversed(c Components) Components {
	return Components{First: c.Last, Middle: c.Middle, Last: c.First}
}

// isInitialOf reports whether a is the single-letter initial of b.
func isInitialOf(a, b string) bool {
	return len(a) == 1 && b != "" && a[0] == b[0]
}

// isInitialSequence reports whether every component of a is either equal to
// or the initial of the matching component of b, with at least the last
// names in agreement (e.g. R A GOOBA vs RAHMAH ABDUL GOOBA).
func isInitialSequence(a, b Components) bool {
	if a.First == "" || b.First == "" || a.Last == "" || b.Last == "" {
		return false
	}
	if a.Last != b.Last {
		return false
	}
	firstOK := a.First == b.First || isInitialOf(a.First, b.First)
	middleOK := a.Middle == b.Middle || a.Middle == "" || b.Middle == "" ||
		isInitialOf(a.Middle, b.Middle)
	// at least one component must actually be abbreviated
	abbreviated := (a.First != b.First && firstOK) || (a.Middle != b.Middle && a.Middle != "" && middleOK)
	return firstOK && middleOK && abbreviated
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	la, lb := len(a), len(b)
	if la == 0 {
		return lb
	}
	if lb == 0 {
		return la
	}
	prev := make([]int, lb+1)
	cur := make([]int, lb+1)
	for j := 0; j <= lb; j++ {
		prev[j] = j
	}
	for i := 1; i <= la; i++ {
		cur[0] = i
		for j := 1; j <= lb; j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			cur[j] = min3(prev[j]+1, cur[j-1]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[lb]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// foldDiacritic maps common accented letters onto ASCII.
func foldDiacritic(r rune) rune {
	switch r {
	case 'Á', 'À', 'Â', 'Ä', 'Ã', 'Å':
		return 'A'
	case 'É', 'È', 'Ê', 'Ë':
		return 'E'
	case 'Í', 'Ì', 'Î', 'Ï':
		return 'I'
	case 'Ó', 'Ò', 'Ô', 'Ö', 'Õ':
		return 'O'
	case 'Ú', 'Ù', 'Û', 'Ü':
		return 'U'
	case 'Ñ':
		return 'N'
	case 'Ç':
		return 'C'
	}
	return r
}

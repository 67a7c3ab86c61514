package match

import "regexp"

// accountLabelPattern finds labeled account numbers in OCR text, e.g.
// "Account Number: 12-3456-789" or "LOAN NO 445566". The capture keeps the
// raw separator-laden form; callers normalize for identity.
var accountLabelPattern = regexp.MustCompile(`(?im)\b(?:account|acct\.?|loan)\s*(?:number|num|no\.?|#)?\s*[:#]?\s+([A-Z0-9][A-Z0-9\-]{3,22}[A-Z0-9])`)

// FindAccountNumbers scans text for labeled account numbers and returns the
// raw forms in first-occurrence order, deduplicated by normalized form.
func FindAccountNumbers(text string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range accountLabelPattern.FindAllStringSubmatch(text, -1) {
		norm := NormalizeAccountNumber(m[1])
		if len(norm) < 5 || digitCount(norm) < 4 || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, m[1])
	}
	return out
}

// digitCount filters out prose the label regex over-captures ("LOAN
// STATEMENT"); real account numbers are digit-heavy.
func digitCount(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

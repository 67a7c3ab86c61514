package match

import (
	"regexp"
	"strings"

	"github.com/local/idpcore/internal/model"
)

// Role labels that carry person names on vital-record pages.
var roleLabels = []string{
	"SURVIVING SPOUSE",
	"INFORMANT",
	"BRIDE",
	"GROOM",
	"FATHER",
	"MOTHER",
	"PARENT",
	"SPOUSE",
	"DECEDENT",
	"NAME OF DECEASED",
}

var (
	roleLinePattern = regexp.MustCompile(`(?m)^\s*([A-Z][A-Z /]*(?: [A-Z/]+)*)\s*[:\-]\s*(.+)$`)
	ssnPattern      = regexp.MustCompile(`\b\d{3}[- ]?\d{2}[- ]?\d{4}\b`)
	nameLinePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z .,'-]+$`)
)

// RoleName is a person name extracted from a vital-record page together
// with the role label it appeared under.
type RoleName struct {
	Role string
	Name string
}

// ExtractRoleNames pulls role-bearing names (surviving spouse, informant,
// bride/groom, parents) from vital-record page text.
func ExtractRoleNames(pageText string) []RoleName {
	var out []RoleName
	for _, m := range roleLinePattern.FindAllStringSubmatch(pageText, -1) {
		label := strings.TrimSpace(m[1])
		value := strings.TrimSpace(m[2])
		if value == "" {
			continue
		}
		for _, rl := range roleLabels {
			if strings.Contains(label, rl) {
				out = append(out, RoleName{Role: rl, Name: value})
				break
			}
		}
	}
	return out
}

// MatchRoles runs the name ladder for every role-bearing name on a
// vital-record page against the holder. Confidence equals the underlying
// match strength.
func MatchRoles(docType model.DocumentType, pageText string, holder model.Holder) Result {
	if !IsVitalRecord(docType) {
		return Result{Matched: false, Rationale: "not a vital record"}
	}
	best := Result{Matched: false, Rationale: "no role name matched"}
	for _, rn := range ExtractRoleNames(pageText) {
		r := Match(Input{Holder: holder, Candidate: rn.Name})
		if r.Matched && r.Confidence > best.Confidence {
			r.Rationale = rn.Role + ": " + r.Rationale
			best = r
		}
	}
	return best
}

// IsVitalRecord reports whether the type tag is a death, birth or marriage
// certificate.
func IsVitalRecord(t model.DocumentType) bool {
	return t == model.TypeDeathCert || t == model.TypeBirthCert || t == model.TypeMarriageCert
}

// ExtractSSNs returns all SSN-shaped strings on the page, digits only.
func ExtractSSNs(pageText string) []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range ssnPattern.FindAllString(pageText, -1) {
		d := digitsOnly(m)
		if !seen[d] {
			seen[d] = true
			out = append(out, d)
		}
	}
	return out
}

// LooksLikeSignatureCard heuristically detects signature-card pages:
// a dense run of name-shaped lines together with SSN patterns.
func LooksLikeSignatureCard(pageText string) bool {
	if len(ExtractSSNs(pageText)) == 0 {
		return false
	}
	return len(SignatureNames(pageText)) >= 2
}

// SignatureNames returns the name-shaped lines of a page in order of
// appearance. On signature cards these are the account holders.
func SignatureNames(pageText string) []string {
	var out []string
	for _, line := range strings.Split(pageText, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || len(line) > 60 {
			continue
		}
		if nameLinePattern.MatchString(line) && len(strings.Fields(line)) >= 2 {
			out = append(out, line)
		}
	}
	return out
}

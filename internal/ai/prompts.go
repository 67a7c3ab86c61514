package ai

import (
	"fmt"
	"strings"

	"github.com/local/idpcore/internal/model"
)

// systemPrompt is shared by every extraction call. Flatness is non
// negotiable: nested objects are flattened again on parse, but a model
// that follows the instructions never produces them.
const systemPrompt = `You are a document data extraction engine. You receive OCR text of document pages and return structured field data as JSON.

Rules:
- Return ONLY a JSON object, no prose.
- Every field value is an object: {"value": "<string>", "confidence": <0-100 integer>}.
- Field names are descriptive identifiers in Upper_Snake_Case, for example Borrower_Name or Date_Of_Death.
- NEVER nest objects inside field values. Related sub-fields are separate flat fields joined by underscores, for example Signer1_Name and Signer1_SSN.
- Confidence reflects how certain you are the value was read correctly from the page text.
- Omit fields that are not present on the page. Do not invent values.`

var typeInstructions = map[model.DocumentType]string{
	model.TypeLoan:         "The pages are from a loan statement. Extract account numbers, holder names, SSNs, addresses, balances, dates, payment amounts and signer details.",
	model.TypeDeathCert:    "The page is a death certificate. Extract decedent name, date/place of death, cause of death, surviving spouse, informant, and registrar fields.",
	model.TypeBirthCert:    "The page is a birth certificate. Extract child name, date/place of birth, parent names and registrar fields.",
	model.TypeMarriageCert: "The page is a marriage certificate. Extract bride, groom, date/place of marriage, officiant and witnesses.",
	model.TypeIDCard:       "The page is an identity document. Extract name, document number, date of birth, address, issue and expiry dates.",
	model.TypeGeneric:      "Extract every labeled field visible in the document text.",
}

// BatchPrompt renders the user prompt for a multi-page extraction call.
// The model is asked to key its answer by the 0-based page index so the
// caller can split the batch back into per-page records.
func BatchPrompt(docType model.DocumentType, pages []PageText) string {
	var b strings.Builder
	b.WriteString(typeInstructions[docType])
	b.WriteString("\n\nYou receive ")
	fmt.Fprintf(&b, "%d page(s). Respond with a JSON object keyed by the page index exactly as given, each value being the flat field map for that page.\n", len(pages))
	for _, p := range pages {
		fmt.Fprintf(&b, "\n--- PAGE %d ---\n%s\n", p.Index, p.Text)
	}
	return b.String()
}

// DocumentPrompt renders the user prompt for a whole-document extraction.
// The response is a single flat field map.
func DocumentPrompt(docType model.DocumentType, fullText string) string {
	var b strings.Builder
	b.WriteString(typeInstructions[docType])
	b.WriteString("\n\nRespond with a single flat JSON field map for the whole document.\n\n--- DOCUMENT TEXT ---\n")
	b.WriteString(fullText)
	return b.String()
}

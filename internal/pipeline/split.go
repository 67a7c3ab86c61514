package pipeline

import (
	"github.com/local/idpcore/internal/ingest"
	"github.com/local/idpcore/internal/match"
	"github.com/local/idpcore/internal/model"
)

// splitAccounts walks pages in order. The account mentioned on a page owns
// it and every following page until another account number appears; pages
// before the first mention stay unassociated. Account identity is the
// normalized number, first raw occurrence wins.
func splitAccounts(texts map[int]string, totalPages int) ([]model.Account, map[int]string, []int) {
	var accounts []model.Account
	idxByNorm := map[string]int{}
	mapping := map[int]string{}
	var unassociated []int

	current := -1
	for p := 0; p < totalPages; p++ {
		if nums := match.FindAccountNumbers(texts[p]); len(nums) > 0 {
			norm := match.NormalizeAccountNumber(nums[0])
			idx, known := idxByNorm[norm]
			if !known {
				idx = len(accounts)
				idxByNorm[norm] = idx
				accounts = append(accounts, model.Account{
					AccountNumber: nums[0],
					Holders:       []model.Holder{},
				})
			}
			current = idx
		}
		if current == -1 {
			unassociated = append(unassociated, p)
			continue
		}
		accounts[current].PageIndices = append(accounts[current].PageIndices, p)
		mapping[p] = accounts[current].AccountNumber
	}
	return accounts, mapping, unassociated
}

// discoverHolders fills each account's holder set from signature-card
// pages among the pages it already owns.
func discoverHolders(doc *model.Document, texts map[int]string) {
	for i := range doc.Accounts {
		acct := &doc.Accounts[i]
		for _, p := range acct.PageIndices {
			text := texts[p]
			if !match.LooksLikeSignatureCard(text) {
				continue
			}
			ssns := match.ExtractSSNs(text)
			for j, name := range match.SignatureNames(text) {
				h := model.Holder{FullName: name}
				if j < len(ssns) {
					h.SSN = ssns[j]
				}
				if !holderKnown(acct.Holders, h) {
					acct.Holders = append(acct.Holders, h)
				}
			}
		}
	}
}

// associatePage tries to attach one unassociated page to accounts through
// the matching ladder: direct holder match, then role-based matching when
// the page looks like a vital record. Returns true when at least one
// account claimed the page.
func associatePage(doc *model.Document, pageIndex int, text string) bool {
	if text == "" {
		return false
	}
	pageType := ingest.DetectType(text)

	claimed := false
	for i := range doc.Accounts {
		acct := &doc.Accounts[i]
		for _, h := range acct.Holders {
			r := match.BestMatch(acct.AccountNumber, h, text)
			if !r.Matched && match.IsVitalRecord(pageType) {
				r = match.MatchRoles(pageType, text, h)
			}
			if r.Matched {
				acct.PageIndices = append(acct.PageIndices, pageIndex)
				claimed = true
				break
			}
		}
	}
	return claimed
}

func holderKnown(holders []model.Holder, h model.Holder) bool {
	for _, existing := range holders {
		if h.SSN != "" && existing.SSN == h.SSN {
			return true
		}
		if match.Normalize(existing.FullName) == match.Normalize(h.FullName) {
			return true
		}
	}
	return false
}

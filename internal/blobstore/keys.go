package blobstore

import "fmt"

// Key builders for the object store layout. This package is the sole owner
// of key strings; page and account indices are always 0-based decimal.

// UploadKey addresses an original PDF.
func UploadKey(filename string) string {
	return "uploads/" + filename
}

// PollerStatusKey addresses the poller state blob for an upload key.
// The full upload key (including the uploads/ prefix) is embedded.
func PollerStatusKey(fileKey string) string {
	return "processing_logs/" + fileKey + ".status.json"
}

// OCRCacheKey addresses the per-document OCR text cache
// (a JSON map of page_index to text).
func OCRCacheKey(docID string) string {
	return fmt.Sprintf("ocr_cache/%s/text_cache.json", docID)
}

// PageMappingKey addresses the page-to-account mapping for a document.
func PageMappingKey(docID string) string {
	return fmt.Sprintf("page_mapping/%s/mapping.json", docID)
}

// AccountPageKey addresses a PageExtraction for account-based documents.
func AccountPageKey(docID string, accountIndex, pageIndex int) string {
	return fmt.Sprintf("page_data/%s/account_%d/page_%d.json", docID, accountIndex, pageIndex)
}

// GenericPageKey addresses a PageExtraction for generic documents.
func GenericPageKey(docID string, pageIndex int) string {
	return fmt.Sprintf("page_data/%s/page_%d.json", docID, pageIndex)
}

// DocumentExtractionKey addresses the whole-document extraction record.
func DocumentExtractionKey(docID string) string {
	return fmt.Sprintf("document_extraction_cache/%s/full_extraction.json", docID)
}

// AccountResultKey addresses the per-account roll-up. The account number
// must already be normalized.
func AccountResultKey(docID, normalizedAccount string) string {
	return fmt.Sprintf("account_results/%s/%s.json", docID, normalizedAccount)
}

// Package pagestore serves page extraction reads and human-edit writes.
// Reads walk a fixed priority order; writes run the reconciliation
// procedure that preserves untouched fields exactly as the pipeline wrote
// them. Page indices are 0-based throughout; API-boundary conversion is
// the orchestrator's job.
package pagestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/idpcore/internal/blobstore"
	"github.com/local/idpcore/internal/docindex"
	"github.com/local/idpcore/internal/faults"
	"github.com/local/idpcore/internal/metrics"
	"github.com/local/idpcore/internal/model"
)

// GenericAccount marks a read/write that addresses a generic document's
// page keys instead of account-scoped ones.
const GenericAccount = -1

// PageCache is the scheduler's transient extraction cache; *store.Redis
// implements it. Nil disables the third read priority.
type PageCache interface {
	GetPage(ctx context.Context, docID string, accountIndex, pageIndex int) (*model.PageExtraction, bool, error)
}

// Delta is one human edit request against a single page.
type Delta struct {
	// Set holds fields to add or correct, name to new value.
	Set map[string]string `json:"set"`
	// Delete lists field names to remove.
	Delete []string `json:"delete,omitempty"`
	// ActionType tags the edit for audit: add, edit, delete or copy.
	ActionType string `json:"action_type"`
}

// Store is the page extraction read/write surface.
type Store struct {
	blob  blobstore.Store
	index *docindex.Index
	cache PageCache
}

func New(blob blobstore.Store, index *docindex.Index, cache PageCache) *Store {
	return &Store{blob: blob, index: index, cache: cache}
}

func pageKey(docID string, accountIndex, pageIndex int) string {
	if accountIndex == GenericAccount {
		return blobstore.GenericPageKey(docID, pageIndex)
	}
	return blobstore.AccountPageKey(docID, accountIndex, pageIndex)
}

// GetPage resolves a page record in priority order: the user-edit cache
// (which doubles as the pipeline's output key), the inline account data on
// the Document record, then the scheduler's transient cache. When all
// three miss, the document's live stage decides between not-ready and
// not-found.
func (s *Store) GetPage(ctx context.Context, docID string, accountIndex, pageIndex int) (*model.PageExtraction, error) {
	if pageIndex < 0 {
		return nil, faults.Newf(faults.KindInvalid, "negative page index %d", pageIndex)
	}

	// 1. User-edit cache / pipeline output.
	data, err := s.blob.Get(ctx, pageKey(docID, accountIndex, pageIndex))
	if err == nil {
		metrics.IncCache("page_blob", "hit")
		var page model.PageExtraction
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("decode page record: %w", err)
		}
		return &page, nil
	}
	if !faults.IsNotFound(err) {
		return nil, err
	}
	metrics.IncCache("page_blob", "miss")

	doc, docErr := s.index.Get(docID)

	// 2. Inline account data.
	if docErr == nil && accountIndex >= 0 && accountIndex < len(doc.Accounts) {
		if page, ok := doc.Accounts[accountIndex].PageData[pageIndex]; ok {
			metrics.IncCache("page_inline", "hit")
			return page.Clone(), nil
		}
	}

	// 3. Scheduler transient cache.
	if s.cache != nil {
		page, found, err := s.cache.GetPage(ctx, docID, accountIndex, pageIndex)
		if err != nil {
			log.Warn().Err(err).Str("doc_id", docID).Int("page", pageIndex).Msg("transient page cache read failed")
		} else if found {
			metrics.IncCache("page_transient", "hit")
			return page, nil
		}
	}

	// 4. Nothing yet: distinguish in-flight from unknown.
	if docErr != nil {
		return nil, faults.Newf(faults.KindNotFound, "document %s", docID)
	}
	switch doc.Stage {
	case model.StageCompleted, model.StageFailed:
		return nil, faults.Newf(faults.KindNotFound, "page %d of document %s", pageIndex, docID)
	default:
		return nil, faults.Newf(faults.KindNotReady, "document %s at stage %s (%d%%)", docID, doc.Stage, doc.Progress)
	}
}

// GetDocument returns the whole-document extraction for non-loan
// documents.
func (s *Store) GetDocument(ctx context.Context, docID string) (*model.DocumentExtraction, error) {
	data, err := s.blob.Get(ctx, blobstore.DocumentExtractionKey(docID))
	if err == nil {
		var record model.DocumentExtraction
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, fmt.Errorf("decode document extraction: %w", err)
		}
		return &record, nil
	}
	if !faults.IsNotFound(err) {
		return nil, err
	}

	if s.cache != nil {
		record, found, cerr := s.cache.GetPage(ctx, docID, GenericAccount, 0)
		if cerr == nil && found {
			return record, nil
		}
	}

	doc, docErr := s.index.Get(docID)
	if docErr != nil {
		return nil, faults.Newf(faults.KindNotFound, "document %s", docID)
	}
	if doc.Stage == model.StageCompleted || doc.Stage == model.StageFailed {
		return nil, faults.Newf(faults.KindNotFound, "extraction for document %s", docID)
	}
	return nil, faults.Newf(faults.KindNotReady, "document %s at stage %s (%d%%)", docID, doc.Stage, doc.Progress)
}

// UpdatePage reconciles a human edit into the page record and persists it
// to the user-edit cache.
//
// The rules, in order:
//  1. Base is the user-edit cache only; when absent, the pipeline's
//     output for this page; when that too is absent, an empty map.
//  2. Every existing FieldValue the delta does not name is carried over
//     unchanged, bytes included.
//  3. Deletions are applied before sets.
//  4. A set on a new name becomes human_added at confidence 100; a set
//     that changes an existing value becomes human_corrected at 100; a
//     set that repeats the existing value keeps the original FieldValue
//     untouched, so replaying an edit is a no-op.
//  5. overall_confidence is carried over, never recomputed: it measures
//     the automated pipeline, not the human.
func (s *Store) UpdatePage(ctx context.Context, docID string, accountIndex, pageIndex int, delta Delta) (*model.PageExtraction, error) {
	if pageIndex < 0 {
		return nil, faults.Newf(faults.KindInvalid, "negative page index %d", pageIndex)
	}
	if len(delta.Set) == 0 && len(delta.Delete) == 0 {
		return nil, faults.New(faults.KindInvalid, "empty delta")
	}

	base, err := s.editBase(ctx, docID, accountIndex, pageIndex)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	next := base.Clone()
	if next.Data == nil {
		next.Data = make(map[string]model.FieldValue)
	}

	for _, name := range delta.Delete {
		delete(next.Data, name)
	}

	for name, newValue := range delta.Set {
		original, existed := base.Data[name]
		switch {
		case !existed:
			next.Data[name] = model.FieldValue{
				Value:      newValue,
				Confidence: 100,
				Source:     model.SourceHumanAdded,
				EditedAt:   now,
			}
		case original.Value == newValue:
			// Unchanged: keep the original FieldValue as-is.
			next.Data[name] = original
		default:
			next.Data[name] = model.FieldValue{
				Value:      newValue,
				Confidence: 100,
				Source:     model.SourceHumanCorrected,
				EditedAt:   now,
			}
		}
	}

	next.Edited = true
	next.EditedAt = now
	next.LastAction = delta.ActionType

	data, err := json.Marshal(next)
	if err != nil {
		return nil, fmt.Errorf("marshal page record: %w", err)
	}
	key := pageKey(docID, accountIndex, pageIndex)
	if err := s.blob.Put(ctx, key, data, "application/json"); err != nil {
		return nil, fmt.Errorf("write %s: %w", key, err)
	}

	// Read-back verification: the stored bytes must round-trip.
	stored, err := s.blob.Get(ctx, key)
	if err != nil {
		return nil, faults.Wrap(faults.KindTransient, "verify read-back", err)
	}
	if !bytes.Equal(stored, data) {
		return nil, faults.Newf(faults.KindPermanent, "verify read-back mismatch for %s", key)
	}

	metrics.IncEdit(delta.ActionType)
	log.Info().
		Str("doc_id", docID).
		Int("account", accountIndex).
		Int("page", pageIndex).
		Str("action", delta.ActionType).
		Int("set", len(delta.Set)).
		Int("deleted", len(delta.Delete)).
		Msg("page updated")
	return next, nil
}

// editBase loads the record an edit starts from. Priority 1 only, then
// the pipeline's inline output, then an empty record; the transient cache
// is deliberately not consulted for writes.
func (s *Store) editBase(ctx context.Context, docID string, accountIndex, pageIndex int) (*model.PageExtraction, error) {
	data, err := s.blob.Get(ctx, pageKey(docID, accountIndex, pageIndex))
	if err == nil {
		var page model.PageExtraction
		if err := json.Unmarshal(data, &page); err != nil {
			return nil, fmt.Errorf("decode page record: %w", err)
		}
		return &page, nil
	}
	if !faults.IsNotFound(err) {
		return nil, err
	}

	if doc, docErr := s.index.Get(docID); docErr == nil && accountIndex >= 0 && accountIndex < len(doc.Accounts) {
		if page, ok := doc.Accounts[accountIndex].PageData[pageIndex]; ok {
			return page.Clone(), nil
		}
	}

	return &model.PageExtraction{Data: map[string]model.FieldValue{}}, nil
}

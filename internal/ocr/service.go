// Package ocr produces per-page text for a document, cheapest source
// first: the blob cache, then the PDF's inline text layer, and only then
// the external OCR engine. The full page map is cached after every run so
// a resumed document never pays for OCR twice.
package ocr

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/idpcore/internal/blobstore"
	"github.com/local/idpcore/internal/config"
	"github.com/local/idpcore/internal/faults"
	"github.com/local/idpcore/internal/metrics"
)

// Recognizer is the external engine surface; *Engine implements it.
type Recognizer interface {
	Recognize(ctx context.Context, image []byte) (Result, error)
}

// PageSource is the open PDF surface the service reads pages through.
// *pdftext.Document implements it.
type PageSource interface {
	PageCount() int
	HasInlineText(pageIndex int) bool
	PageText(pageIndex int) (string, error)
	RenderJPEG(pageIndex, dpi, quality int) ([]byte, error)
}

const renderQuality = 85

// Service resolves page text with the cache hierarchy.
type Service struct {
	store     blobstore.Store
	engine    Recognizer
	cfg       config.OCRConfig
	retryBase time.Duration
}

func NewService(store blobstore.Store, engine Recognizer, cfg config.OCRConfig) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RenderDPI <= 0 {
		cfg.RenderDPI = 200
	}
	return &Service{store: store, engine: engine, cfg: cfg, retryBase: time.Second}
}

// TextForPages returns text for every page of the document, running up to
// `workers` pages concurrently. A fully populated cache short-circuits the
// whole call without touching the PDF or the engine.
func (s *Service) TextForPages(ctx context.Context, docID string, src PageSource, workers int) (map[int]string, error) {
	pageCount := src.PageCount()
	if pageCount == 0 {
		return map[int]string{}, nil
	}
	if workers <= 0 {
		workers = 1
	}

	cached := s.loadCache(ctx, docID)

	missing := make([]int, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		if _, ok := cached[i]; ok {
			metrics.IncOCR("cache_hit")
			continue
		}
		missing = append(missing, i)
	}
	if len(missing) == 0 {
		log.Debug().Str("doc_id", docID).Int("pages", pageCount).Msg("ocr cache fully populated")
		return cached, nil
	}

	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
		sem      = make(chan struct{}, workers)
	)
	for _, idx := range missing {
		wg.Add(1)
		sem <- struct{}{}
		go func(pageIndex int) {
			defer wg.Done()
			defer func() { <-sem }()

			text, err := s.pageText(ctx, src, pageIndex)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("page %d: %w", pageIndex, err)
				}
				return
			}
			cached[pageIndex] = text
		}(idx)
	}
	wg.Wait()

	// Persist everything resolved so far even on partial failure; the
	// retried stage resumes from here.
	s.saveCache(ctx, docID, cached)

	if firstErr != nil {
		return nil, firstErr
	}
	return cached, nil
}

// pageText resolves one page: inline layer first, then the engine with
// exponential backoff on transient failures.
func (s *Service) pageText(ctx context.Context, src PageSource, pageIndex int) (string, error) {
	if src.HasInlineText(pageIndex) {
		text, err := src.PageText(pageIndex)
		if err == nil {
			metrics.IncOCR("inline")
			return text, nil
		}
		log.Warn().Err(err).Int("page", pageIndex).Msg("inline text read failed; falling back to engine")
	}

	image, err := src.RenderJPEG(pageIndex, s.cfg.RenderDPI, renderQuality)
	if err != nil {
		return "", faults.Wrap(faults.KindPermanent, "render page", err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		res, err := s.engine.Recognize(ctx, image)
		if err == nil {
			metrics.IncOCR("ok")
			return res.Text, nil
		}
		lastErr = err
		metrics.IncOCR("error")
		if !faults.IsTransient(err) {
			return "", err
		}
		if attempt == s.cfg.MaxAttempts {
			break
		}
		delay := time.Duration(1<<(attempt-1)) * s.retryBase
		log.Warn().Err(err).Int("page", pageIndex).Int("attempt", attempt).Dur("retry_in", delay).Msg("ocr attempt failed")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(delay):
		}
	}
	return "", faults.Wrap(faults.KindTransient, fmt.Sprintf("ocr failed after %d attempts", s.cfg.MaxAttempts), lastErr)
}

// loadCache reads the per-document page text map. Any read or decode
// problem degrades to an empty cache.
func (s *Service) loadCache(ctx context.Context, docID string) map[int]string {
	out := map[int]string{}
	data, err := s.store.Get(ctx, blobstore.OCRCacheKey(docID))
	if err != nil {
		if !faults.IsNotFound(err) {
			log.Warn().Err(err).Str("doc_id", docID).Msg("ocr cache read failed")
		}
		metrics.IncCache("ocr", "miss")
		return out
	}

	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		log.Warn().Err(err).Str("doc_id", docID).Msg("ocr cache corrupt; ignoring")
		metrics.IncCache("ocr", "miss")
		return out
	}
	for k, v := range raw {
		idx, err := strconv.Atoi(k)
		if err != nil || idx < 0 {
			continue
		}
		out[idx] = v
	}
	metrics.IncCache("ocr", "hit")
	return out
}

func (s *Service) saveCache(ctx context.Context, docID string, pages map[int]string) {
	raw := make(map[string]string, len(pages))
	for idx, text := range pages {
		raw[strconv.Itoa(idx)] = text
	}
	data, _ := json.Marshal(raw)
	if err := s.store.Put(ctx, blobstore.OCRCacheKey(docID), data, "application/json"); err != nil {
		log.Error().Err(err).Str("doc_id", docID).Msg("ocr cache write failed")
		return
	}
	metrics.IncCache("ocr", "write")
}

// Package pipeline runs the per-document stage graph. Loan documents go
// through ocr → split → map → extract → done; everything else through
// ocr → extract_whole → done. Stages are strictly sequential per document;
// concurrency lives inside a stage (OCR page workers, LLM batch workers).
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/idpcore/internal/ai"
	"github.com/local/idpcore/internal/blobstore"
	"github.com/local/idpcore/internal/config"
	"github.com/local/idpcore/internal/docindex"
	"github.com/local/idpcore/internal/docqueue"
	"github.com/local/idpcore/internal/faults"
	"github.com/local/idpcore/internal/match"
	"github.com/local/idpcore/internal/metrics"
	"github.com/local/idpcore/internal/model"
	"github.com/local/idpcore/internal/ocr"
	"github.com/local/idpcore/internal/pdftext"
)

// Stage progress targets.
const (
	progressOCR     = 40
	progressSplit   = 55
	progressMap     = 75
	progressExtract = 95
	progressDone    = 100
)

// Extractor is the LLM surface; *ai.Extractor implements it.
type Extractor interface {
	ExtractBatch(ctx context.Context, docType model.DocumentType, pages []ai.PageText) (map[int]*model.PageExtraction, error)
	ExtractDocument(ctx context.Context, docType model.DocumentType, fullText string) (*model.PageExtraction, error)
}

// TextResolver is the OCR surface; *ocr.Service implements it.
type TextResolver interface {
	TextForPages(ctx context.Context, docID string, src ocr.PageSource, workers int) (map[int]string, error)
}

// TransientCache mirrors live progress and freshly extracted pages;
// *store.Redis implements it. A nil cache disables mirroring.
type TransientCache interface {
	SetStage(ctx context.Context, docID string, stage model.Stage, progress int) error
	SavePage(ctx context.Context, docID string, accountIndex, pageIndex int, page *model.PageExtraction) error
	ClearProgress(ctx context.Context, docID string) error
}

// pdfDoc is an open PDF that serves the OCR stage and is closed after it.
type pdfDoc interface {
	ocr.PageSource
	Close() error
}

// Executor drives one document through its stage graph.
type Executor struct {
	blob    blobstore.Store
	texts   TextResolver
	llm     Extractor
	index   *docindex.Index
	queue   *docqueue.Queue
	cache   TransientCache
	cfg     config.PipelineConfig
	openPDF func(data []byte) (pdfDoc, error)
}

func NewExecutor(blob blobstore.Store, texts TextResolver, llm Extractor, index *docindex.Index, queue *docqueue.Queue, cache TransientCache, cfg config.PipelineConfig) *Executor {
	if cfg.StageAttempts <= 0 {
		cfg.StageAttempts = 3
	}
	if cfg.BatchPages <= 0 {
		cfg.BatchPages = 2
	}
	if cfg.OCRWorkers <= 0 {
		cfg.OCRWorkers = 5
	}
	if cfg.LLMWorkers <= 0 {
		cfg.LLMWorkers = 3
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 2 * time.Second
	}
	return &Executor{
		blob:  blob,
		texts: texts,
		llm:   llm,
		index: index,
		queue: queue,
		cache: cache,
		cfg:   cfg,
		openPDF: func(data []byte) (pdfDoc, error) {
			return pdftext.Open(data)
		},
	}
}

// Run processes one document end to end. Cancellation between batches
// leaves the queue entry queued for a clean retry; a permanent error marks
// the document and the queue entry failed without deleting partial caches.
func (e *Executor) Run(ctx context.Context, docID string) error {
	doc, err := e.index.Get(docID)
	if err != nil {
		e.queue.MarkFailed(docID, "document record missing")
		return fmt.Errorf("load document %s: %w", docID, err)
	}

	e.queue.MarkProcessing(docID)
	log.Info().Str("doc_id", docID).Str("type", string(doc.Type)).Int("pages", doc.TotalPages).Msg("pipeline started")

	var runErr error
	if doc.Type == model.TypeLoan {
		runErr = e.runLoan(ctx, doc)
	} else {
		runErr = e.runGeneric(ctx, doc)
	}

	switch {
	case runErr == nil:
		e.finish(ctx, doc)
		return nil
	case ctx.Err() != nil:
		// Cancellation: leave everything resumable.
		e.queue.Requeue(docID)
		_ = e.index.Save(doc)
		log.Info().Str("doc_id", docID).Str("stage", string(doc.Stage)).Msg("pipeline cancelled; requeued")
		return ctx.Err()
	default:
		e.fail(ctx, doc, runErr)
		return runErr
	}
}

func (e *Executor) runLoan(ctx context.Context, doc *model.Document) error {
	var texts map[int]string

	if err := e.runStage(ctx, doc, model.StageOCR, progressOCR, func(ctx context.Context) error {
		var err error
		texts, err = e.stageOCR(ctx, doc)
		return err
	}); err != nil {
		return err
	}

	if err := e.runStage(ctx, doc, model.StageSplit, progressSplit, func(ctx context.Context) error {
		return e.stageSplit(ctx, doc, texts)
	}); err != nil {
		return err
	}

	if err := e.runStage(ctx, doc, model.StageMap, progressMap, func(ctx context.Context) error {
		e.stageMap(doc, texts)
		return nil
	}); err != nil {
		return err
	}

	return e.runStage(ctx, doc, model.StageExtract, progressExtract, func(ctx context.Context) error {
		return e.stageExtract(ctx, doc, texts)
	})
}

func (e *Executor) runGeneric(ctx context.Context, doc *model.Document) error {
	var texts map[int]string

	if err := e.runStage(ctx, doc, model.StageOCR, progressOCR, func(ctx context.Context) error {
		var err error
		texts, err = e.stageOCR(ctx, doc)
		return err
	}); err != nil {
		return err
	}

	return e.runStage(ctx, doc, model.StageExtract, progressExtract, func(ctx context.Context) error {
		return e.stageExtractWhole(ctx, doc, texts)
	})
}

// runStage retries fn on transient errors with exponential backoff, then
// records the new stage and progress. The stage marker is set before fn so
// status readers see what is currently running.
func (e *Executor) runStage(ctx context.Context, doc *model.Document, stage model.Stage, target int, fn func(context.Context) error) error {
	e.setProgress(ctx, doc, stage, doc.Progress)

	var lastErr error
	for attempt := 1; attempt <= e.cfg.StageAttempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			e.setProgress(ctx, doc, stage, target)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !faults.IsTransient(err) {
			return err
		}
		lastErr = err
		if attempt == e.cfg.StageAttempts {
			break
		}
		delay := time.Duration(1<<(attempt-1)) * e.cfg.RetryBase
		log.Warn().Err(err).Str("doc_id", doc.DocID).Str("stage", string(stage)).Int("attempt", attempt).Dur("retry_in", delay).Msg("stage attempt failed")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return faults.Wrap(faults.KindPermanent, fmt.Sprintf("stage %s exhausted %d attempts", stage, e.cfg.StageAttempts), lastErr)
}

// stageOCR resolves text for every page. A fully populated cache makes
// this a no-op with zero external calls.
func (e *Executor) stageOCR(ctx context.Context, doc *model.Document) (map[int]string, error) {
	data, err := e.blob.Get(ctx, blobstore.UploadKey(doc.Filename))
	if err != nil {
		return nil, fmt.Errorf("load original: %w", err)
	}
	pdf, err := e.openPDF(data)
	if err != nil {
		return nil, faults.Wrap(faults.KindPermanent, "open PDF", err)
	}
	defer pdf.Close()

	texts, err := e.texts.TextForPages(ctx, doc.DocID, pdf, e.cfg.OCRWorkers)
	if err != nil {
		return nil, err
	}
	for range texts {
		metrics.IncStagePage(string(model.StageOCR), "ok")
	}
	return texts, nil
}

// stageSplit groups pages into accounts by account-number mentions and
// persists the page mapping.
func (e *Executor) stageSplit(ctx context.Context, doc *model.Document, texts map[int]string) error {
	accounts, mapping, unassociated := splitAccounts(texts, doc.TotalPages)
	doc.Accounts = accounts
	doc.Unassociated = unassociated

	raw := make(map[string]string, len(mapping))
	for p, acct := range mapping {
		raw[strconv.Itoa(p)] = acct
	}
	data, _ := json.Marshal(raw)
	if err := e.blob.Put(ctx, blobstore.PageMappingKey(doc.DocID), data, "application/json"); err != nil {
		return fmt.Errorf("write page mapping: %w", err)
	}

	log.Info().Str("doc_id", doc.DocID).Int("accounts", len(accounts)).Int("unassociated", len(unassociated)).Msg("document split")
	return nil
}

// stageMap populates holders from signature-card pages, then tries to
// associate the remaining pages through the name-matching ladder. A page
// may attach to multiple accounts.
func (e *Executor) stageMap(doc *model.Document, texts map[int]string) {
	discoverHolders(doc, texts)

	var still []int
	for _, p := range doc.Unassociated {
		if !associatePage(doc, p, texts[p]) {
			still = append(still, p)
		}
	}
	doc.Unassociated = still
}

// stageExtract runs batched LLM extraction for every account's pages,
// writing one PageExtraction per page. Up to LLMWorkers batches are in
// flight across all accounts; cancellation is checked between batches.
func (e *Executor) stageExtract(ctx context.Context, doc *model.Document, texts map[int]string) error {
	type job struct {
		acctIdx int
		pages   []ai.PageText
	}
	var jobs []job
	for acctIdx, acct := range doc.Accounts {
		var batch []ai.PageText
		for _, p := range acct.PageIndices {
			batch = append(batch, ai.PageText{Index: p, Text: texts[p]})
			if len(batch) == e.cfg.BatchPages {
				jobs = append(jobs, job{acctIdx, batch})
				batch = nil
			}
		}
		if len(batch) > 0 {
			jobs = append(jobs, job{acctIdx, batch})
		}
	}

	var (
		mu       sync.Mutex
		firstErr error
		wg       sync.WaitGroup
		sem      = make(chan struct{}, e.cfg.LLMWorkers)
	)
	for _, j := range jobs {
		// cancel checkpoint between batches
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}
		mu.Lock()
		stop := firstErr != nil
		mu.Unlock()
		if stop {
			<-sem
			break
		}

		wg.Add(1)
		go func(j job) {
			defer wg.Done()
			defer func() { <-sem }()

			out, err := e.llm.ExtractBatch(ctx, doc.Type, j.pages)
			if err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("account %d: %w", j.acctIdx, err)
				}
				mu.Unlock()
				return
			}
			for pageIndex, page := range out {
				if err := e.storePage(ctx, doc, &mu, j.acctIdx, pageIndex, page); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
					return
				}
				metrics.IncStagePage(string(model.StageExtract), "ok")
			}
		}(j)
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	return e.writeRollups(ctx, doc)
}

// storePage persists one extracted page everywhere readers look: the blob
// cache (canonical), the inline account record, and the transient cache.
// Batches for the same account run concurrently, so the inline map write
// happens under mu.
func (e *Executor) storePage(ctx context.Context, doc *model.Document, mu *sync.Mutex, acctIdx, pageIndex int, page *model.PageExtraction) error {
	acct := &doc.Accounts[acctIdx]
	page.AccountNumber = acct.AccountNumber

	data, err := json.Marshal(page)
	if err != nil {
		return fmt.Errorf("marshal page %d: %w", pageIndex, err)
	}
	key := blobstore.AccountPageKey(doc.DocID, acctIdx, pageIndex)
	if err := e.blob.Put(ctx, key, data, "application/json"); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}

	mu.Lock()
	if acct.PageData == nil {
		acct.PageData = make(map[int]*model.PageExtraction)
	}
	acct.PageData[pageIndex] = page
	mu.Unlock()

	if e.cache != nil {
		if err := e.cache.SavePage(ctx, doc.DocID, acctIdx, pageIndex, page); err != nil {
			log.Warn().Err(err).Str("doc_id", doc.DocID).Int("page", pageIndex).Msg("transient page cache write failed")
		}
	}
	return nil
}

// accountResult is the per-account roll-up blob.
type accountResult struct {
	AccountNumber     string         `json:"account_number"`
	Holders           []model.Holder `json:"holders"`
	PageIndices       []int          `json:"page_indices"`
	AverageConfidence int            `json:"average_confidence"`
}

func (e *Executor) writeRollups(ctx context.Context, doc *model.Document) error {
	for _, acct := range doc.Accounts {
		sum, n := 0, 0
		for _, page := range acct.PageData {
			sum += page.OverallConfidence
			n++
		}
		avg := 0
		if n > 0 {
			avg = sum / n
		}
		res := accountResult{
			AccountNumber:     acct.AccountNumber,
			Holders:           acct.Holders,
			PageIndices:       acct.PageIndices,
			AverageConfidence: avg,
		}
		data, _ := json.Marshal(res)
		key := blobstore.AccountResultKey(doc.DocID, match.NormalizeAccountNumber(acct.AccountNumber))
		if err := e.blob.Put(ctx, key, data, "application/json"); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
	}
	return nil
}

// stageExtractWhole runs the single-call extraction for non-loan
// documents over the concatenated page text.
func (e *Executor) stageExtractWhole(ctx context.Context, doc *model.Document, texts map[int]string) error {
	var b strings.Builder
	for p := 0; p < doc.TotalPages; p++ {
		if t := texts[p]; t != "" {
			if b.Len() > 0 {
				b.WriteString("\n\n")
			}
			b.WriteString(t)
		}
	}

	record, err := e.llm.ExtractDocument(ctx, doc.Type, b.String())
	if err != nil {
		return err
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal document extraction: %w", err)
	}
	if err := e.blob.Put(ctx, blobstore.DocumentExtractionKey(doc.DocID), data, "application/json"); err != nil {
		return fmt.Errorf("write document extraction: %w", err)
	}
	metrics.IncStagePage(string(model.StageExtract), "ok")

	if e.cache != nil {
		if err := e.cache.SavePage(ctx, doc.DocID, -1, 0, record); err != nil {
			log.Warn().Err(err).Str("doc_id", doc.DocID).Msg("transient document cache write failed")
		}
	}
	return nil
}

func (e *Executor) finish(ctx context.Context, doc *model.Document) {
	doc.Stage = model.StageCompleted
	doc.Progress = progressDone
	doc.Error = ""
	if err := e.index.Save(doc); err != nil {
		log.Error().Err(err).Str("doc_id", doc.DocID).Msg("save completed document")
	}
	e.queue.MarkCompleted(doc.DocID)
	e.updatePollerStatus(ctx, doc, model.PollCompleted, "")
	if e.cache != nil {
		_ = e.cache.ClearProgress(ctx, doc.DocID)
	}
	log.Info().Str("doc_id", doc.DocID).Msg("pipeline completed")
}

func (e *Executor) fail(ctx context.Context, doc *model.Document, cause error) {
	doc.Stage = model.StageFailed
	doc.Error = cause.Error()
	if err := e.index.Save(doc); err != nil {
		log.Error().Err(err).Str("doc_id", doc.DocID).Msg("save failed document")
	}
	e.queue.MarkFailed(doc.DocID, cause.Error())
	e.updatePollerStatus(ctx, doc, model.PollFailed, cause.Error())
	if e.cache != nil {
		_ = e.cache.ClearProgress(ctx, doc.DocID)
	}
	log.Error().Err(cause).Str("doc_id", doc.DocID).Msg("pipeline failed")
}

// updatePollerStatus records the terminal state next to the upload.
// Every original sits under the polled prefix regardless of source, so
// every document gets a terminal status or the next scan re-ingests it.
func (e *Executor) updatePollerStatus(ctx context.Context, doc *model.Document, status model.PollerStatus, errMsg string) {
	fileKey := blobstore.UploadKey(doc.Filename)
	state := model.PollerState{
		FileKey:   fileKey,
		Status:    status,
		UpdatedAt: time.Now().UTC(),
		Error:     errMsg,
	}
	data, _ := json.Marshal(state)
	if err := e.blob.Put(ctx, blobstore.PollerStatusKey(fileKey), data, "application/json"); err != nil {
		log.Error().Err(err).Str("file_key", fileKey).Msg("poller status update failed")
	}
}

func (e *Executor) setProgress(ctx context.Context, doc *model.Document, stage model.Stage, progress int) {
	doc.Stage = stage
	if progress > doc.Progress {
		doc.Progress = progress
	}
	if err := e.index.Save(doc); err != nil {
		log.Warn().Err(err).Str("doc_id", doc.DocID).Msg("progress save failed")
	}
	if e.cache != nil {
		_ = e.cache.SetStage(ctx, doc.DocID, stage, doc.Progress)
	}
}

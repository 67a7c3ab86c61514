// Package ingest normalizes the three entry paths (direct upload, S3
// poller, secondary uploader) into one internal call. It is the single
// place doc_ids are minted and the only caller of the queue's dedup gate.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"

	"github.com/local/idpcore/internal/blobstore"
	"github.com/local/idpcore/internal/docindex"
	"github.com/local/idpcore/internal/docqueue"
	"github.com/local/idpcore/internal/faults"
	"github.com/local/idpcore/internal/match"
	"github.com/local/idpcore/internal/metrics"
	"github.com/local/idpcore/internal/model"
	"github.com/local/idpcore/internal/pdftext"
)

// Priorities handed to the scheduler. Lower runs first.
const (
	PriorityLoan  = 0
	PriorityOther = 1
	PriorityBulk  = 2
)

// Dispatcher accepts documents for background processing.
type Dispatcher interface {
	Submit(docID string, priority int) error
}

// Submission is one incoming document.
type Submission struct {
	Filename string
	Source   model.Source
	Data     []byte
	// DocID reuses an existing id (reprocess path); empty mints a new one.
	DocID string
	// Stored means the original already sits at uploads/<filename> and
	// must not be written again.
	Stored bool
}

// Coordinator validates, dedups and registers incoming documents.
type Coordinator struct {
	queue      *docqueue.Queue
	index      *docindex.Index
	store      blobstore.Store
	dispatcher Dispatcher
}

func NewCoordinator(queue *docqueue.Queue, index *docindex.Index, store blobstore.Store, dispatcher Dispatcher) *Coordinator {
	return &Coordinator{queue: queue, index: index, store: store, dispatcher: dispatcher}
}

// Ingest runs the full intake sequence: validate, mint doc_id, take the
// dedup gate, detect the coarse type from first-page inline text (no OCR),
// persist the original and a placeholder Document, then hand off to the
// scheduler. A rejected duplicate returns a KindConflict error carrying the
// existing doc_id in its message; callers reply success-idempotent.
func (c *Coordinator) Ingest(ctx context.Context, sub Submission) (*model.Document, error) {
	if strings.TrimSpace(sub.Filename) == "" {
		return nil, faults.New(faults.KindInvalid, "empty filename")
	}
	if len(sub.Data) == 0 {
		return nil, faults.New(faults.KindInvalid, "empty document body")
	}
	if mt := mimetype.Detect(sub.Data); !mt.Is("application/pdf") {
		return nil, faults.Newf(faults.KindInvalid, "unsupported content type %s", mt.String())
	}
	pageCount, err := pdftext.PageCount(sub.Data)
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalid, "corrupt PDF", err)
	}
	if pageCount == 0 {
		return nil, faults.New(faults.KindInvalid, "PDF has no pages")
	}

	docID := sub.DocID
	if docID == "" {
		docID = MintDocID(sub.Filename, time.Now())
	}

	// Dedup gate. Must be taken before any expensive work.
	if !c.queue.Add(docID, sub.Filename, sub.Source) {
		metrics.IncDuplicate(string(sub.Source))
		log.Info().Str("doc_id", docID).Str("filename", sub.Filename).Str("source", string(sub.Source)).Msg("duplicate submission rejected")
		return nil, faults.Newf(faults.KindConflict, "%s", docID)
	}

	docType := c.detectType(sub.Data, pageCount)

	if !sub.Stored {
		fileKey := blobstore.UploadKey(sub.Filename)
		if err := c.store.Put(ctx, fileKey, sub.Data, "application/pdf"); err != nil {
			c.queue.Remove(docID)
			return nil, fmt.Errorf("store original: %w", err)
		}
		// The original now sits in the polled prefix; mark it processing
		// immediately or the next poller scan re-ingests it as new.
		if err := c.writePollerStatus(ctx, fileKey); err != nil {
			c.queue.Remove(docID)
			return nil, fmt.Errorf("mark upload processing: %w", err)
		}
	}

	now := time.Now().UTC()
	doc := &model.Document{
		DocID:      docID,
		Filename:   sub.Filename,
		Source:     sub.Source,
		Type:       docType,
		TotalPages: pageCount,
		Stage:      model.StageIngested,
		Progress:   5,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.index.Save(doc); err != nil {
		c.queue.Remove(docID)
		return nil, fmt.Errorf("save document record: %w", err)
	}

	if err := c.dispatcher.Submit(docID, priorityFor(docType, sub.Source)); err != nil {
		return nil, fmt.Errorf("schedule document: %w", err)
	}

	metrics.IncIngested(string(sub.Source), string(docType))
	log.Info().
		Str("doc_id", docID).
		Str("filename", sub.Filename).
		Str("source", string(sub.Source)).
		Str("type", string(docType)).
		Int("pages", pageCount).
		Msg("document ingested")
	return doc, nil
}

// writePollerStatus marks a freshly stored upload as processing so the
// polling loop never treats it as a new candidate.
func (c *Coordinator) writePollerStatus(ctx context.Context, fileKey string) error {
	state := model.PollerState{
		FileKey:   fileKey,
		Status:    model.PollProcessing,
		UpdatedAt: time.Now().UTC(),
	}
	data, _ := json.Marshal(state)
	return c.store.Put(ctx, blobstore.PollerStatusKey(fileKey), data, "application/json")
}

// MintDocID derives the stable 12-hex-char document id from the filename
// and the ingestion instant.
func MintDocID(filename string, now time.Time) string {
	sum := sha256.Sum256([]byte(filename + fmt.Sprintf("%d", now.UnixNano())))
	return hex.EncodeToString(sum[:])[:12]
}

// detectType inspects only the first page's inline text layer. Whole
// document OCR never happens at ingestion; scanned documents without an
// inline layer fall through to generic and get typed work later.
func (c *Coordinator) detectType(data []byte, pageCount int) model.DocumentType {
	doc, err := pdftext.Open(data)
	if err != nil {
		return model.TypeGeneric
	}
	defer doc.Close()

	text, err := doc.PageText(0)
	if err != nil {
		return model.TypeGeneric
	}
	return DetectType(text)
}

// DetectType applies the coarse classification rules, first match wins.
func DetectType(firstPageText string) model.DocumentType {
	t := strings.ToUpper(firstPageText)
	has := func(s string) bool { return strings.Contains(t, s) }

	switch {
	case has("LOAN") || len(match.FindAccountNumbers(t)) > 1:
		return model.TypeLoan
	case has("CERTIFICATE") && (has("DEATH") || has("DECEASED") || has("DECEDENT") || has("CAUSE OF DEATH")):
		return model.TypeDeathCert
	case has("CERTIFICATE") && (has("BIRTH") || (has("DATE OF BIRTH") && has("PLACE OF BIRTH"))):
		return model.TypeBirthCert
	case has("CERTIFICATE") && (has("MARRIAGE") || (has("BRIDE") && has("GROOM"))):
		return model.TypeMarriageCert
	case has("DRIVER") || has("LICENSE") || has("IDENTIFICATION CARD"):
		return model.TypeIDCard
	default:
		return model.TypeGeneric
	}
}

func priorityFor(docType model.DocumentType, source model.Source) int {
	if docType == model.TypeLoan {
		return PriorityLoan
	}
	if source == model.SourceSecondary {
		return PriorityBulk
	}
	return PriorityOther
}

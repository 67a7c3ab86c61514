// Package orchestrator is the REST surface over the core. It owns no
// processing logic: handlers validate, convert the caller's 1-based page
// numbers to the 0-based indices every internal layer speaks (exactly once,
// here), and translate fault kinds to HTTP statuses.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/idpcore/internal/blobstore"
	"github.com/local/idpcore/internal/docindex"
	"github.com/local/idpcore/internal/docqueue"
	"github.com/local/idpcore/internal/faults"
	"github.com/local/idpcore/internal/ingest"
	"github.com/local/idpcore/internal/metrics"
	"github.com/local/idpcore/internal/model"
	"github.com/local/idpcore/internal/pagestore"
	"github.com/local/idpcore/internal/store"
)

// maxUploadBytes bounds the multipart memory buffer; larger files spill to
// temp files.
const maxUploadBytes = 64 << 20

// Intake accepts new documents; *ingest.Coordinator implements it.
type Intake interface {
	Ingest(ctx context.Context, sub ingest.Submission) (*model.Document, error)
}

// Pages serves and reconciles page records; *pagestore.Store implements it.
type Pages interface {
	GetPage(ctx context.Context, docID string, accountIndex, pageIndex int) (*model.PageExtraction, error)
	UpdatePage(ctx context.Context, docID string, accountIndex, pageIndex int, delta pagestore.Delta) (*model.PageExtraction, error)
	GetDocument(ctx context.Context, docID string) (*model.DocumentExtraction, error)
}

// Live mirrors in-flight progress; *store.Redis implements it. Nil disables
// the live path and status falls back to the index record alone.
type Live interface {
	GetProgress(ctx context.Context, docID string) (store.Progress, bool, error)
	DropDocument(ctx context.Context, docID string) error
}

// Health reports dependency status for the ops endpoint.
type Health interface {
	Check(ctx context.Context) (map[string]string, bool)
}

// Dependencies collects everything the handlers reach for.
type Dependencies struct {
	Intake Intake
	Pages  Pages
	Index  *docindex.Index
	Queue  *docqueue.Queue
	Blob   blobstore.Store
	Live   Live
	Health Health
}

type Orchestrator struct {
	deps Dependencies
}

func New(deps Dependencies) *Orchestrator {
	return &Orchestrator{deps: deps}
}

func (o *Orchestrator) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", o.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /process", o.handleProcess)
	mux.HandleFunc("GET /status/{doc_id}", o.handleStatus)
	mux.HandleFunc("GET /document/{doc_id}/account/{ai}/page/{p}/data", o.handleGetPage)
	mux.HandleFunc("POST /document/{doc_id}/account/{ai}/page/{p}/update", o.handleUpdatePage)
	mux.HandleFunc("GET /document/{doc_id}/page/{p}/data", o.handleGetPage)
	mux.HandleFunc("POST /document/{doc_id}/page/{p}/update", o.handleUpdatePage)
	mux.HandleFunc("GET /document/{doc_id}/extraction", o.handleGetExtraction)
	mux.HandleFunc("DELETE /document/{doc_id}", o.handleDeleteDocument)
	mux.HandleFunc("POST /document/{doc_id}/reprocess", o.handleReprocess)
}

// --- intake ---

type processResp struct {
	DocID  string `json:"doc_id"`
	Status string `json:"status"`
}

func (o *Orchestrator) handleProcess(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httpError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		httpError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		httpError(w, http.StatusBadRequest, "read upload failed")
		return
	}

	doc, err := o.deps.Intake.Ingest(r.Context(), ingest.Submission{
		Filename: hdr.Filename,
		Source:   model.SourceDirect,
		Data:     data,
	})
	if faults.Is(err, faults.KindConflict) {
		// Same filename already active; idempotent accept. The fault
		// message carries the existing doc_id.
		var fe *faults.Error
		docID := ""
		if errors.As(err, &fe) {
			docID = fe.Msg
		}
		writeJSON(w, http.StatusOK, processResp{DocID: docID, Status: "already_processing"})
		return
	}
	if err != nil {
		o.writeFault(w, err)
		return
	}
	log.Info().Str("doc_id", doc.DocID).Str("filename", doc.Filename).Msg("upload accepted")
	writeJSON(w, http.StatusCreated, processResp{DocID: doc.DocID, Status: "queued"})
}

// --- status ---

type statusResp struct {
	DocID          string      `json:"doc_id"`
	Stage          model.Stage `json:"stage"`
	Progress       int         `json:"progress"`
	PagesProcessed int         `json:"pages_processed"`
	TotalPages     int         `json:"total_pages"`
	Type           string      `json:"type"`
	Error          string      `json:"error,omitempty"`
	Message        string      `json:"message,omitempty"`
}

func (o *Orchestrator) handleStatus(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("doc_id")
	doc, err := o.deps.Index.Get(docID)
	if err != nil {
		o.writeFault(w, err)
		return
	}

	resp := statusResp{
		DocID:          doc.DocID,
		Stage:          doc.Stage,
		Progress:       doc.Progress,
		PagesProcessed: pagesProcessed(doc),
		TotalPages:     doc.TotalPages,
		Type:           string(doc.Type),
		Error:          doc.Error,
	}
	// The redis mirror is fresher than the index while a run is active.
	if o.deps.Live != nil {
		if live, ok, lerr := o.deps.Live.GetProgress(r.Context(), docID); lerr == nil && ok {
			resp.Stage = live.Stage
			resp.Progress = live.Progress
			resp.Message = live.Message
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// pagesProcessed counts pages with a finished extraction. Before the
// extract stage lands nothing counts, matching the user-visible meaning.
func pagesProcessed(doc *model.Document) int {
	n := 0
	for _, acct := range doc.Accounts {
		n += len(acct.PageData)
	}
	if doc.Stage == model.StageCompleted && n == 0 {
		n = doc.TotalPages
	}
	return n
}

// --- page data ---

type updateReq struct {
	PageData      map[string]string `json:"page_data"`
	DeletedFields []string          `json:"deleted_fields,omitempty"`
	ActionType    string            `json:"action_type"`
}

func (o *Orchestrator) handleGetPage(w http.ResponseWriter, r *http.Request) {
	docID, ai, pi, ok := o.pageCoords(w, r)
	if !ok {
		return
	}
	page, err := o.deps.Pages.GetPage(r.Context(), docID, ai, pi)
	if err != nil {
		o.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (o *Orchestrator) handleUpdatePage(w http.ResponseWriter, r *http.Request) {
	docID, ai, pi, ok := o.pageCoords(w, r)
	if !ok {
		return
	}
	defer r.Body.Close()
	var req updateReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	page, err := o.deps.Pages.UpdatePage(r.Context(), docID, ai, pi, pagestore.Delta{
		Set:        req.PageData,
		Delete:     req.DeletedFields,
		ActionType: req.ActionType,
	})
	if err != nil {
		o.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (o *Orchestrator) handleGetExtraction(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("doc_id")
	rec, err := o.deps.Pages.GetDocument(r.Context(), docID)
	if err != nil {
		o.writeFault(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// pageCoords parses the path coordinates. The wire page number is 1-based;
// this is the only place the offset is applied.
func (o *Orchestrator) pageCoords(w http.ResponseWriter, r *http.Request) (docID string, accountIndex, pageIndex int, ok bool) {
	docID = r.PathValue("doc_id")

	accountIndex = pagestore.GenericAccount
	if raw := r.PathValue("ai"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			httpError(w, http.StatusBadRequest, "invalid account index")
			return "", 0, 0, false
		}
		accountIndex = n
	}

	p, err := strconv.Atoi(r.PathValue("p"))
	if err != nil || p < 1 {
		httpError(w, http.StatusBadRequest, "page number must be >= 1")
		return "", 0, 0, false
	}
	return docID, accountIndex, p - 1, true
}

// --- document lifecycle ---

func (o *Orchestrator) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("doc_id")
	if err := o.deps.Index.Delete(docID); err != nil {
		o.writeFault(w, err)
		return
	}
	o.deps.Queue.Remove(docID)
	if o.deps.Live != nil {
		if err := o.deps.Live.DropDocument(r.Context(), docID); err != nil {
			log.Warn().Err(err).Str("doc_id", docID).Msg("transient state cleanup failed")
		}
	}
	// Blobs stay; the index record is the only thing removed.
	log.Info().Str("doc_id", docID).Msg("document deleted from index")
	w.WriteHeader(http.StatusNoContent)
}

// handleReprocess re-enqueues a document from its stored original. The
// queue entry is removed first so the dedup gate accepts the resubmission
// under the same doc_id.
func (o *Orchestrator) handleReprocess(w http.ResponseWriter, r *http.Request) {
	docID := r.PathValue("doc_id")
	doc, err := o.deps.Index.Get(docID)
	if err != nil {
		o.writeFault(w, err)
		return
	}
	data, err := o.deps.Blob.Get(r.Context(), blobstore.UploadKey(doc.Filename))
	if err != nil {
		o.writeFault(w, err)
		return
	}

	o.deps.Queue.Remove(docID)
	fresh, err := o.deps.Intake.Ingest(r.Context(), ingest.Submission{
		Filename: doc.Filename,
		Source:   doc.Source,
		Data:     data,
		DocID:    docID,
		Stored:   true,
	})
	if err != nil {
		o.writeFault(w, err)
		return
	}
	log.Info().Str("doc_id", docID).Msg("document re-enqueued")
	writeJSON(w, http.StatusAccepted, processResp{DocID: fresh.DocID, Status: "queued"})
}

// --- ops ---

func (o *Orchestrator) handleHealth(w http.ResponseWriter, r *http.Request) {
	if o.deps.Health == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	checks, healthy := o.deps.Health.Check(ctx)
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"healthy": healthy, "checks": checks})
}

// --- plumbing ---

type errResp struct {
	Error string `json:"error"`
}

// writeFault maps the fault taxonomy onto HTTP. NotReady is 202: the
// request was fine, the answer just does not exist yet.
func (o *Orchestrator) writeFault(w http.ResponseWriter, err error) {
	switch faults.KindOf(err) {
	case faults.KindInvalid:
		writeJSON(w, http.StatusBadRequest, errResp{Error: err.Error()})
	case faults.KindNotFound:
		writeJSON(w, http.StatusNotFound, errResp{Error: err.Error()})
	case faults.KindNotReady:
		writeJSON(w, http.StatusAccepted, errResp{Error: err.Error()})
	case faults.KindConflict:
		writeJSON(w, http.StatusConflict, errResp{Error: err.Error()})
	case faults.KindTransient:
		writeJSON(w, http.StatusServiceUnavailable, errResp{Error: err.Error()})
	default:
		log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errResp{Error: err.Error()})
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errResp{Error: msg})
}

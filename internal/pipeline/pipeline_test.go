package pipeline

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/idpcore/internal/ai"
	"github.com/local/idpcore/internal/blobstore"
	"github.com/local/idpcore/internal/config"
	"github.com/local/idpcore/internal/docindex"
	"github.com/local/idpcore/internal/docqueue"
	"github.com/local/idpcore/internal/faults"
	"github.com/local/idpcore/internal/model"
	"github.com/local/idpcore/internal/ocr"
)

type fakePDF struct{ pages int }

func (f *fakePDF) PageCount() int                       { return f.pages }
func (f *fakePDF) HasInlineText(int) bool               { return true }
func (f *fakePDF) PageText(int) (string, error)         { return "", nil }
func (f *fakePDF) RenderJPEG(int, int, int) ([]byte, error) { return nil, nil }
func (f *fakePDF) Close() error                         { return nil }

type fakeTexts struct {
	pages map[int]string
	calls int32
}

func (f *fakeTexts) TextForPages(_ context.Context, _ string, _ ocr.PageSource, _ int) (map[int]string, error) {
	atomic.AddInt32(&f.calls, 1)
	return f.pages, nil
}

type fakeLLM struct {
	batchCalls int32
	docCalls   int32
	batchErr   func(call int32) error
	fields     map[string]model.FieldValue
}

func (f *fakeLLM) ExtractBatch(ctx context.Context, _ model.DocumentType, pages []ai.PageText) (map[int]*model.PageExtraction, error) {
	call := atomic.AddInt32(&f.batchCalls, 1)
	if f.batchErr != nil {
		if err := f.batchErr(call); err != nil {
			return nil, err
		}
	}
	out := make(map[int]*model.PageExtraction, len(pages))
	for _, p := range pages {
		out[p.Index] = &model.PageExtraction{
			Data:              f.fieldData(),
			OverallConfidence: 90,
			PromptVersion:     "v3",
			LastAction:        "extract",
		}
	}
	return out, nil
}

func (f *fakeLLM) ExtractDocument(ctx context.Context, _ model.DocumentType, fullText string) (*model.PageExtraction, error) {
	atomic.AddInt32(&f.docCalls, 1)
	return &model.PageExtraction{
		Data:              f.fieldData(),
		OverallConfidence: 88,
		PromptVersion:     "v3",
		LastAction:        "extract",
	}, nil
}

func (f *fakeLLM) fieldData() map[string]model.FieldValue {
	if f.fields != nil {
		out := make(map[string]model.FieldValue, len(f.fields))
		for k, v := range f.fields {
			out[k] = v
		}
		return out
	}
	return map[string]model.FieldValue{
		"Borrower_Name": {Value: "John Q Smith", Confidence: 90, Source: model.SourceAIExtracted},
	}
}

type harness struct {
	exec  *Executor
	blob  *blobstore.Mem
	index *docindex.Index
	queue *docqueue.Queue
	texts *fakeTexts
	llm   *fakeLLM
}

func newHarness(t *testing.T, pages map[int]string) *harness {
	t.Helper()
	dir := t.TempDir()
	idx, err := docindex.Load(dir + "/index.json")
	require.NoError(t, err)
	q, err := docqueue.Load(dir + "/queue.json")
	require.NoError(t, err)

	blob := blobstore.NewMem()
	texts := &fakeTexts{pages: pages}
	llm := &fakeLLM{}

	cfg := config.PipelineConfig{
		OCRWorkers:    5,
		LLMWorkers:    3,
		BatchPages:    2,
		StageAttempts: 3,
		RetryBase:     time.Millisecond,
	}
	exec := NewExecutor(blob, texts, llm, idx, q, nil, cfg)
	exec.openPDF = func([]byte) (pdfDoc, error) { return &fakePDF{pages: len(pages)}, nil }
	return &harness{exec: exec, blob: blob, index: idx, queue: q, texts: texts, llm: llm}
}

func (h *harness) seed(t *testing.T, docID string, docType model.DocumentType, pages int, source model.Source) *model.Document {
	t.Helper()
	doc := &model.Document{
		DocID:      docID,
		Filename:   docID + ".pdf",
		Source:     source,
		Type:       docType,
		TotalPages: pages,
		Stage:      model.StageIngested,
		Progress:   5,
	}
	require.NoError(t, h.index.Save(doc))
	require.True(t, h.queue.Add(docID, doc.Filename, source))
	require.NoError(t, h.blob.Put(context.Background(), blobstore.UploadKey(doc.Filename), []byte("%PDF-stub"), "application/pdf"))
	return doc
}

const (
	loanPage0 = "LOAN STATEMENT\nAccount Number: 11-2233-445\nBorrower: John Q Smith"
	sigCard   = "John Q Smith\nMary A Smith\n123-45-6789\n987-65-4321"
	loanPage2 = "Account Number: 99-8877-665\nBorrower: Alice B Jones"
	loanPage3 = "Continued statement detail for the account."
)

func loanPages() map[int]string {
	return map[int]string{0: loanPage0, 1: sigCard, 2: loanPage2, 3: loanPage3}
}

func TestLoanPipelineEndToEnd(t *testing.T) {
	h := newHarness(t, loanPages())
	h.seed(t, "doc1", model.TypeLoan, 4, model.SourceDirect)
	ctx := context.Background()

	require.NoError(t, h.exec.Run(ctx, "doc1"))

	doc, err := h.index.Get("doc1")
	require.NoError(t, err)
	assert.Equal(t, model.StageCompleted, doc.Stage)
	assert.Equal(t, 100, doc.Progress)
	assert.Empty(t, doc.Unassociated)

	require.Len(t, doc.Accounts, 2)
	assert.Equal(t, "11-2233-445", doc.Accounts[0].AccountNumber)
	assert.Equal(t, []int{0, 1}, doc.Accounts[0].PageIndices)
	assert.Equal(t, "99-8877-665", doc.Accounts[1].AccountNumber)
	assert.Equal(t, []int{2, 3}, doc.Accounts[1].PageIndices)

	// holders discovered from the signature card on account 0
	require.Len(t, doc.Accounts[0].Holders, 2)
	assert.Equal(t, "John Q Smith", doc.Accounts[0].Holders[0].FullName)
	assert.Equal(t, "123456789", doc.Accounts[0].Holders[0].SSN)

	// one PageExtraction per page under the account-scoped 0-based keys
	for acctIdx, pageIndices := range [][]int{{0, 1}, {2, 3}} {
		for _, p := range pageIndices {
			data, err := h.blob.Get(ctx, blobstore.AccountPageKey("doc1", acctIdx, p))
			require.NoError(t, err, "account %d page %d", acctIdx, p)
			var page model.PageExtraction
			require.NoError(t, json.Unmarshal(data, &page))
			assert.Equal(t, "John Q Smith", page.Data["Borrower_Name"].Value)
			assert.NotEmpty(t, page.AccountNumber)
		}
	}

	// page mapping blob
	data, err := h.blob.Get(ctx, blobstore.PageMappingKey("doc1"))
	require.NoError(t, err)
	var mapping map[string]string
	require.NoError(t, json.Unmarshal(data, &mapping))
	assert.Equal(t, "11-2233-445", mapping["0"])
	assert.Equal(t, "99-8877-665", mapping["3"])

	// per-account roll-ups under normalized numbers
	_, err = h.blob.Get(ctx, blobstore.AccountResultKey("doc1", "112233445"))
	assert.NoError(t, err)
	_, err = h.blob.Get(ctx, blobstore.AccountResultKey("doc1", "998877665"))
	assert.NoError(t, err)

	// queue entry completed
	entry := h.queue.Status("doc1")
	require.NotNil(t, entry)
	assert.Equal(t, model.QueueCompleted, entry.Status)

	// 4 pages in batches of 2: two LLM calls
	assert.Equal(t, int32(2), atomic.LoadInt32(&h.llm.batchCalls))
}

func TestUnassociatedPageAttachedByHolderMatch(t *testing.T) {
	pages := map[int]string{
		0: "Dear John Q Smith,\nPlease find the statement enclosed.",
		1: loanPage0,
		2: sigCard,
	}
	h := newHarness(t, pages)
	h.seed(t, "doc1", model.TypeLoan, 3, model.SourceDirect)

	require.NoError(t, h.exec.Run(context.Background(), "doc1"))

	doc, err := h.index.Get("doc1")
	require.NoError(t, err)
	require.Len(t, doc.Accounts, 1)
	// page 0 came back in through the holder name match
	assert.Contains(t, doc.Accounts[0].PageIndices, 0)
	assert.Empty(t, doc.Unassociated)
}

func TestPageWithNoMatchStaysUnassociated(t *testing.T) {
	pages := map[int]string{
		0: "Unrelated fax cover sheet about something else entirely.",
		1: loanPage0,
	}
	h := newHarness(t, pages)
	h.seed(t, "doc1", model.TypeLoan, 2, model.SourceDirect)

	require.NoError(t, h.exec.Run(context.Background(), "doc1"))

	doc, err := h.index.Get("doc1")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, doc.Unassociated)
	assert.Equal(t, model.StageCompleted, doc.Stage)
}

func TestGenericPipelineSingleExtraction(t *testing.T) {
	pages := map[int]string{0: "CERTIFICATE OF DEATH\nDECEDENT: Jane Roe", 1: "Registrar page"}
	h := newHarness(t, pages)
	h.seed(t, "doc1", model.TypeDeathCert, 2, model.SourceDirect)
	ctx := context.Background()

	require.NoError(t, h.exec.Run(ctx, "doc1"))

	assert.Equal(t, int32(1), atomic.LoadInt32(&h.llm.docCalls))
	assert.Zero(t, atomic.LoadInt32(&h.llm.batchCalls))

	data, err := h.blob.Get(ctx, blobstore.DocumentExtractionKey("doc1"))
	require.NoError(t, err)
	var record model.PageExtraction
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, "John Q Smith", record.Data["Borrower_Name"].Value)

	doc, err := h.index.Get("doc1")
	require.NoError(t, err)
	assert.Equal(t, model.StageCompleted, doc.Stage)
	assert.Equal(t, 100, doc.Progress)
}

func TestTransientStageErrorRetriesAndRecovers(t *testing.T) {
	h := newHarness(t, loanPages())
	h.seed(t, "doc1", model.TypeLoan, 4, model.SourceDirect)
	h.llm.batchErr = func(call int32) error {
		if call == 1 {
			return faults.New(faults.KindTransient, "all llm providers failed")
		}
		return nil
	}

	require.NoError(t, h.exec.Run(context.Background(), "doc1"))

	doc, err := h.index.Get("doc1")
	require.NoError(t, err)
	assert.Equal(t, model.StageCompleted, doc.Stage)
}

func TestPermanentFailureMarksFailedAndKeepsCaches(t *testing.T) {
	h := newHarness(t, loanPages())
	h.seed(t, "doc1", model.TypeLoan, 4, model.SourceDirect)
	h.llm.batchErr = func(int32) error {
		return faults.New(faults.KindPermanent, "llm refused")
	}
	ctx := context.Background()

	err := h.exec.Run(ctx, "doc1")
	require.Error(t, err)

	doc, err2 := h.index.Get("doc1")
	require.NoError(t, err2)
	assert.Equal(t, model.StageFailed, doc.Stage)
	assert.Contains(t, doc.Error, "llm refused")

	entry := h.queue.Status("doc1")
	require.NotNil(t, entry)
	assert.Equal(t, model.QueueFailed, entry.Status)

	// partial caches survive for diagnosis
	_, err = h.blob.Get(ctx, blobstore.PageMappingKey("doc1"))
	assert.NoError(t, err)
}

func TestCancellationRequeues(t *testing.T) {
	h := newHarness(t, loanPages())
	h.seed(t, "doc1", model.TypeLoan, 4, model.SourceDirect)

	ctx, cancel := context.WithCancel(context.Background())
	h.llm.batchErr = func(int32) error {
		cancel()
		return ctx.Err()
	}

	err := h.exec.Run(ctx, "doc1")
	require.ErrorIs(t, err, context.Canceled)

	entry := h.queue.Status("doc1")
	require.NotNil(t, entry)
	assert.Equal(t, model.QueueQueued, entry.Status)
}

func TestPollerSourcedDocumentGetsTerminalStatusBlob(t *testing.T) {
	h := newHarness(t, loanPages())
	doc := h.seed(t, "doc1", model.TypeLoan, 4, model.SourcePoller)
	ctx := context.Background()

	require.NoError(t, h.exec.Run(ctx, "doc1"))

	data, err := h.blob.Get(ctx, blobstore.PollerStatusKey(blobstore.UploadKey(doc.Filename)))
	require.NoError(t, err)
	var state model.PollerState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, model.PollCompleted, state.Status)
}

func TestDirectSourcedDocumentGetsTerminalStatusBlob(t *testing.T) {
	// Direct uploads land under the polled prefix too, so they need the
	// same terminal marker or the next scan re-ingests them.
	h := newHarness(t, loanPages())
	doc := h.seed(t, "doc1", model.TypeLoan, 4, model.SourceDirect)
	ctx := context.Background()

	require.NoError(t, h.exec.Run(ctx, "doc1"))

	data, err := h.blob.Get(ctx, blobstore.PollerStatusKey(blobstore.UploadKey(doc.Filename)))
	require.NoError(t, err)
	var state model.PollerState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, model.PollCompleted, state.Status)
}

func TestFailedDocumentGetsFailedStatusBlob(t *testing.T) {
	h := newHarness(t, loanPages())
	doc := h.seed(t, "doc1", model.TypeLoan, 4, model.SourceDirect)
	h.llm.batchErr = func(int32) error {
		return faults.New(faults.KindPermanent, "llm refused")
	}
	ctx := context.Background()

	require.Error(t, h.exec.Run(ctx, "doc1"))

	data, err := h.blob.Get(ctx, blobstore.PollerStatusKey(blobstore.UploadKey(doc.Filename)))
	require.NoError(t, err)
	var state model.PollerState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, model.PollFailed, state.Status)
	assert.Contains(t, state.Error, "llm refused")
}

func TestConcurrentBatchesFillOneAccount(t *testing.T) {
	// Eight pages on a single account split into four batches that run on
	// three workers, so page writes into the inline map overlap.
	pages := map[int]string{0: "LOAN\nAccount Number: 11-2233-445"}
	for p := 1; p < 8; p++ {
		pages[p] = "statement detail"
	}
	h := newHarness(t, pages)
	h.seed(t, "doc1", model.TypeLoan, 8, model.SourceDirect)
	ctx := context.Background()

	require.NoError(t, h.exec.Run(ctx, "doc1"))

	doc, err := h.index.Get("doc1")
	require.NoError(t, err)
	require.Len(t, doc.Accounts, 1)
	assert.Len(t, doc.Accounts[0].PageData, 8)
	for p := 0; p < 8; p++ {
		_, err := h.blob.Get(ctx, blobstore.AccountPageKey("doc1", 0, p))
		require.NoError(t, err, "page %d", p)
	}
	assert.Equal(t, int32(4), atomic.LoadInt32(&h.llm.batchCalls))
}

func TestSplitAccounts(t *testing.T) {
	texts := map[int]string{
		0: "cover page, no account",
		1: "Account Number: 11-2233-445",
		2: "detail page",
		3: "Account Number: 99-8877-665",
		4: "Account Number: 11-2233-445", // repeat of the first account
	}
	accounts, mapping, unassociated := splitAccounts(texts, 5)

	require.Len(t, accounts, 2)
	assert.Equal(t, "11-2233-445", accounts[0].AccountNumber)
	assert.Equal(t, []int{1, 2, 4}, accounts[0].PageIndices)
	assert.Equal(t, []int{3}, accounts[1].PageIndices)
	assert.Equal(t, []int{0}, unassociated)
	assert.Equal(t, "11-2233-445", mapping[4])
	_, mapped := mapping[0]
	assert.False(t, mapped)
}

func TestSplitAccountsDedupsByNormalizedForm(t *testing.T) {
	texts := map[int]string{
		0: "Account Number: 11-2233-445",
		1: "Account Number: 112233445", // same number, separators stripped
	}
	accounts, _, _ := splitAccounts(texts, 2)
	require.Len(t, accounts, 1)
	// first raw occurrence wins
	assert.Equal(t, "11-2233-445", accounts[0].AccountNumber)
	assert.Equal(t, []int{0, 1}, accounts[0].PageIndices)
}

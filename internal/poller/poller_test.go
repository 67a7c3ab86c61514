package poller

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/idpcore/internal/blobstore"
	"github.com/local/idpcore/internal/docindex"
	"github.com/local/idpcore/internal/docqueue"
	"github.com/local/idpcore/internal/faults"
	"github.com/local/idpcore/internal/ingest"
	"github.com/local/idpcore/internal/model"
	"github.com/local/idpcore/internal/pdftest"
)

type fakeIntake struct {
	subs []ingest.Submission
	// statusAtCall records the status blob value observed while Ingest runs,
	// proving the mark happens before the handoff.
	statusAtCall []model.PollerStatus
	blob         blobstore.Store
	err          error
}

func (f *fakeIntake) Ingest(ctx context.Context, sub ingest.Submission) (*model.Document, error) {
	f.subs = append(f.subs, sub)
	if f.blob != nil {
		f.statusAtCall = append(f.statusAtCall, readStatus(ctx, f.blob, "uploads/"+sub.Filename))
	}
	if f.err != nil {
		return nil, f.err
	}
	return &model.Document{DocID: "doc-" + sub.Filename}, nil
}

func readStatus(ctx context.Context, blob blobstore.Store, fileKey string) model.PollerStatus {
	data, err := blob.Get(ctx, blobstore.PollerStatusKey(fileKey))
	if err != nil {
		return ""
	}
	var state model.PollerState
	if err := json.Unmarshal(data, &state); err != nil {
		return ""
	}
	return state.Status
}

func writeStatus(t *testing.T, blob blobstore.Store, fileKey string, status model.PollerStatus) {
	t.Helper()
	data, err := json.Marshal(model.PollerState{FileKey: fileKey, Status: status, UpdatedAt: time.Now().UTC()})
	require.NoError(t, err)
	require.NoError(t, blob.Put(context.Background(), blobstore.PollerStatusKey(fileKey), data, "application/json"))
}

func newTestPoller(t *testing.T) (*Poller, *blobstore.Mem, *fakeIntake) {
	t.Helper()
	blob := blobstore.NewMem()
	intake := &fakeIntake{blob: blob}
	return New(blob, intake, "uploads/", time.Minute), blob, intake
}

func TestScanSubmitsNewUploads(t *testing.T) {
	p, blob, intake := newTestPoller(t)
	ctx := context.Background()

	require.NoError(t, blob.Put(ctx, "uploads/fresh.pdf", []byte("%PDF-1.4 data"), "application/pdf"))

	p.scan(ctx)

	require.Len(t, intake.subs, 1)
	sub := intake.subs[0]
	assert.Equal(t, "fresh.pdf", sub.Filename)
	assert.Equal(t, model.SourcePoller, sub.Source)
	assert.True(t, sub.Stored)
	assert.Equal(t, []byte("%PDF-1.4 data"), sub.Data)
}

func TestScanMarksProcessingBeforeHandoff(t *testing.T) {
	p, blob, intake := newTestPoller(t)
	ctx := context.Background()

	require.NoError(t, blob.Put(ctx, "uploads/doc.pdf", []byte("%PDF"), "application/pdf"))
	p.scan(ctx)

	require.Len(t, intake.statusAtCall, 1)
	assert.Equal(t, model.PollProcessing, intake.statusAtCall[0])
}

func TestScanRespectsStatusValue(t *testing.T) {
	tests := []struct {
		name      string
		status    model.PollerStatus
		submitted bool
	}{
		{"new is a candidate", model.PollNew, true},
		{"processing is skipped", model.PollProcessing, false},
		{"completed is skipped", model.PollCompleted, false},
		{"failed is skipped", model.PollFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, blob, intake := newTestPoller(t)
			ctx := context.Background()

			require.NoError(t, blob.Put(ctx, "uploads/doc.pdf", []byte("%PDF"), "application/pdf"))
			writeStatus(t, blob, "uploads/doc.pdf", tt.status)

			p.scan(ctx)
			if tt.submitted {
				assert.Len(t, intake.subs, 1)
			} else {
				assert.Empty(t, intake.subs)
			}
		})
	}
}

func TestScanIgnoresNonPDFKeys(t *testing.T) {
	p, blob, intake := newTestPoller(t)
	ctx := context.Background()

	require.NoError(t, blob.Put(ctx, "uploads/readme.txt", []byte("hi"), "text/plain"))
	require.NoError(t, blob.Put(ctx, "uploads/scan.PDF", []byte("%PDF"), "application/pdf"))

	p.scan(ctx)

	require.Len(t, intake.subs, 1)
	assert.Equal(t, "scan.PDF", intake.subs[0].Filename)
}

func TestScanCorruptStatusBlobSkips(t *testing.T) {
	p, blob, intake := newTestPoller(t)
	ctx := context.Background()

	require.NoError(t, blob.Put(ctx, "uploads/doc.pdf", []byte("%PDF"), "application/pdf"))
	require.NoError(t, blob.Put(ctx, blobstore.PollerStatusKey("uploads/doc.pdf"), []byte("{broken"), "application/json"))

	p.scan(ctx)
	assert.Empty(t, intake.subs)
}

func TestConflictLeavesStatusProcessing(t *testing.T) {
	p, blob, intake := newTestPoller(t)
	intake.err = faults.New(faults.KindConflict, "already queued")
	ctx := context.Background()

	require.NoError(t, blob.Put(ctx, "uploads/doc.pdf", []byte("%PDF"), "application/pdf"))
	p.scan(ctx)

	assert.Equal(t, model.PollProcessing, readStatus(ctx, blob, "uploads/doc.pdf"))
}

func TestSubmissionFailureMarksFailed(t *testing.T) {
	p, blob, intake := newTestPoller(t)
	intake.err = errors.New("index write lost")
	ctx := context.Background()

	require.NoError(t, blob.Put(ctx, "uploads/doc.pdf", []byte("%PDF"), "application/pdf"))
	p.scan(ctx)

	data, err := blob.Get(ctx, blobstore.PollerStatusKey("uploads/doc.pdf"))
	require.NoError(t, err)
	var state model.PollerState
	require.NoError(t, json.Unmarshal(data, &state))
	assert.Equal(t, model.PollFailed, state.Status)
	assert.Contains(t, state.Error, "index write lost")
}

func TestScanResubmitsNothingOnSecondPass(t *testing.T) {
	p, blob, intake := newTestPoller(t)
	ctx := context.Background()

	require.NoError(t, blob.Put(ctx, "uploads/doc.pdf", []byte("%PDF"), "application/pdf"))
	p.scan(ctx)
	p.scan(ctx)

	// first scan flipped the status to processing; the second must skip it
	assert.Len(t, intake.subs, 1)
}

type fakeDispatcher struct{ submitted []string }

func (f *fakeDispatcher) Submit(docID string, _ int) error {
	f.submitted = append(f.submitted, docID)
	return nil
}

func TestScanSkipsDirectUploads(t *testing.T) {
	// A direct upload lands under the polled prefix; its status blob must
	// keep the scan from minting a second document for the same file.
	dir := t.TempDir()
	q, err := docqueue.Load(dir + "/queue.json")
	require.NoError(t, err)
	idx, err := docindex.Load(dir + "/index.json")
	require.NoError(t, err)
	blob := blobstore.NewMem()
	disp := &fakeDispatcher{}
	intake := ingest.NewCoordinator(q, idx, blob, disp)
	ctx := context.Background()

	doc, err := intake.Ingest(ctx, ingest.Submission{
		Filename: "direct.pdf",
		Source:   model.SourceDirect,
		Data:     pdftest.OnePage(),
	})
	require.NoError(t, err)

	p := New(blob, intake, "uploads/", time.Minute)
	p.scan(ctx)
	p.scan(ctx)

	assert.Equal(t, []string{doc.DocID}, disp.submitted)
	assert.Len(t, idx.List(), 1)
}

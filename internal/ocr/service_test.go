package ocr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/idpcore/internal/blobstore"
	"github.com/local/idpcore/internal/config"
	"github.com/local/idpcore/internal/faults"
)

// fakeSource simulates a PDF where some pages have an inline text layer
// and the rest are scans.
type fakeSource struct {
	inline  map[int]string
	scanned map[int]bool
	renders int32
}

func (f *fakeSource) PageCount() int {
	return len(f.inline) + len(f.scanned)
}

func (f *fakeSource) HasInlineText(i int) bool {
	_, ok := f.inline[i]
	return ok
}

func (f *fakeSource) PageText(i int) (string, error) {
	return f.inline[i], nil
}

func (f *fakeSource) RenderJPEG(i, dpi, quality int) ([]byte, error) {
	atomic.AddInt32(&f.renders, 1)
	return []byte("jpeg-page"), nil
}

type fakeEngine struct {
	calls int32
	fn    func(image []byte) (string, error)
}

func (f *fakeEngine) Recognize(_ context.Context, image []byte) (Result, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.fn != nil {
		text, err := f.fn(image)
		return Result{Text: text}, err
	}
	return Result{Text: "engine text"}, nil
}

func ocrConfig() config.OCRConfig {
	return config.OCRConfig{MaxAttempts: 3, RenderDPI: 100}
}

func newFastService(store blobstore.Store, eng Recognizer) *Service {
	svc := NewService(store, eng, ocrConfig())
	svc.retryBase = time.Millisecond
	return svc
}

func TestInlinePagesSkipTheEngine(t *testing.T) {
	src := &fakeSource{inline: map[int]string{0: "alpha", 1: "beta"}, scanned: map[int]bool{}}
	eng := &fakeEngine{}
	svc := newFastService(blobstore.NewMem(), eng)

	out, err := svc.TextForPages(context.Background(), "doc1", src, 2)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: "alpha", 1: "beta"}, out)
	assert.Zero(t, atomic.LoadInt32(&eng.calls))
}

func TestScannedPagesGoToEngine(t *testing.T) {
	src := &fakeSource{inline: map[int]string{0: "alpha"}, scanned: map[int]bool{1: true}}
	eng := &fakeEngine{}
	svc := newFastService(blobstore.NewMem(), eng)

	out, err := svc.TextForPages(context.Background(), "doc1", src, 2)
	require.NoError(t, err)
	assert.Equal(t, "alpha", out[0])
	assert.Equal(t, "engine text", out[1])
	assert.Equal(t, int32(1), atomic.LoadInt32(&eng.calls))
}

func TestPopulatedCacheMeansZeroOCRCalls(t *testing.T) {
	store := blobstore.NewMem()
	cache, _ := json.Marshal(map[string]string{"0": "cached zero", "1": "cached one"})
	require.NoError(t, store.Put(context.Background(), blobstore.OCRCacheKey("doc1"), cache, "application/json"))

	src := &fakeSource{inline: map[int]string{}, scanned: map[int]bool{0: true, 1: true}}
	eng := &fakeEngine{}
	svc := newFastService(store, eng)

	out, err := svc.TextForPages(context.Background(), "doc1", src, 2)
	require.NoError(t, err)
	assert.Equal(t, map[int]string{0: "cached zero", 1: "cached one"}, out)
	assert.Zero(t, atomic.LoadInt32(&eng.calls))
	assert.Zero(t, atomic.LoadInt32(&src.renders))
}

func TestPartialCacheOnlyFillsTheGap(t *testing.T) {
	store := blobstore.NewMem()
	cache, _ := json.Marshal(map[string]string{"0": "cached"})
	require.NoError(t, store.Put(context.Background(), blobstore.OCRCacheKey("doc1"), cache, "application/json"))

	src := &fakeSource{inline: map[int]string{}, scanned: map[int]bool{0: true, 1: true}}
	eng := &fakeEngine{}
	svc := newFastService(store, eng)

	out, err := svc.TextForPages(context.Background(), "doc1", src, 2)
	require.NoError(t, err)
	assert.Equal(t, "cached", out[0])
	assert.Equal(t, "engine text", out[1])
	assert.Equal(t, int32(1), atomic.LoadInt32(&eng.calls))
}

func TestCacheWrittenAfterRun(t *testing.T) {
	store := blobstore.NewMem()
	src := &fakeSource{inline: map[int]string{0: "alpha"}, scanned: map[int]bool{}}
	svc := NewService(store, &fakeEngine{}, ocrConfig())

	_, err := svc.TextForPages(context.Background(), "doc1", src, 1)
	require.NoError(t, err)

	data, err := store.Get(context.Background(), blobstore.OCRCacheKey("doc1"))
	require.NoError(t, err)
	var raw map[string]string
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, map[string]string{"0": "alpha"}, raw)
}

func TestTransientEngineFailureRetriesThenSucceeds(t *testing.T) {
	var n int32
	eng := &fakeEngine{fn: func([]byte) (string, error) {
		if atomic.AddInt32(&n, 1) < 3 {
			return "", faults.New(faults.KindTransient, "ocr status 503")
		}
		return "recovered", nil
	}}
	src := &fakeSource{inline: map[int]string{}, scanned: map[int]bool{0: true}}
	svc := newFastService(blobstore.NewMem(), eng)

	out, err := svc.TextForPages(context.Background(), "doc1", src, 1)
	require.NoError(t, err)
	assert.Equal(t, "recovered", out[0])
	assert.Equal(t, int32(3), atomic.LoadInt32(&n))
}

func TestPermanentEngineFailureDoesNotRetry(t *testing.T) {
	eng := &fakeEngine{fn: func([]byte) (string, error) {
		return "", faults.New(faults.KindPermanent, "ocr engine: unreadable")
	}}
	src := &fakeSource{inline: map[int]string{}, scanned: map[int]bool{0: true}}
	svc := newFastService(blobstore.NewMem(), eng)

	_, err := svc.TextForPages(context.Background(), "doc1", src, 1)
	require.Error(t, err)
	assert.Equal(t, faults.KindPermanent, faults.KindOf(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&eng.calls))
}

func TestExhaustedRetriesAreTransient(t *testing.T) {
	eng := &fakeEngine{fn: func([]byte) (string, error) {
		return "", faults.New(faults.KindTransient, "ocr status 503")
	}}
	src := &fakeSource{inline: map[int]string{}, scanned: map[int]bool{0: true}}
	svc := newFastService(blobstore.NewMem(), eng)

	_, err := svc.TextForPages(context.Background(), "doc1", src, 1)
	require.Error(t, err)
	assert.Equal(t, faults.KindTransient, faults.KindOf(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&eng.calls))
}

func TestPartialFailureStillPersistsResolvedPages(t *testing.T) {
	store := blobstore.NewMem()
	eng := &fakeEngine{fn: func([]byte) (string, error) {
		return "", faults.New(faults.KindPermanent, "ocr engine: unreadable")
	}}
	src := &fakeSource{inline: map[int]string{0: "good"}, scanned: map[int]bool{1: true}}
	svc := newFastService(store, eng)

	_, err := svc.TextForPages(context.Background(), "doc1", src, 2)
	require.Error(t, err)

	data, err := store.Get(context.Background(), blobstore.OCRCacheKey("doc1"))
	require.NoError(t, err)
	var raw map[string]string
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "good", raw["0"])
}

func TestEngineHTTPContract(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "image/jpeg", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer key123", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"text":             "  hello  ",
			"word_confidences": []float64{0.98, 0.91},
		})
	}))
	defer srv.Close()

	eng := NewEngine(srv.URL, "key123", 0)
	res, err := eng.Recognize(context.Background(), []byte("img"))
	require.NoError(t, err)
	assert.Equal(t, "hello", res.Text)
	assert.Equal(t, []float64{0.98, 0.91}, res.WordConfidences)
}

func TestEngineStatusClassification(t *testing.T) {
	for _, tc := range []struct {
		status int
		kind   faults.Kind
	}{
		{http.StatusServiceUnavailable, faults.KindTransient},
		{http.StatusTooManyRequests, faults.KindTransient},
		{http.StatusBadRequest, faults.KindPermanent},
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		eng := NewEngine(srv.URL, "", 0)
		_, err := eng.Recognize(context.Background(), []byte("img"))
		require.Error(t, err)
		assert.Equal(t, tc.kind, faults.KindOf(err), "status %d", tc.status)
		srv.Close()
	}
}

func TestEngineMalformedBodyIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	eng := NewEngine(srv.URL, "", 0)
	_, err := eng.Recognize(context.Background(), []byte("img"))
	require.Error(t, err)
	assert.Equal(t, faults.KindPermanent, faults.KindOf(err))
}

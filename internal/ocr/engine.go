package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/local/idpcore/internal/faults"
)

// Engine calls the external OCR service with a rendered page image and
// returns the recognized text.
type Engine struct {
	http     *http.Client
	endpoint string
	apiKey   string
}

func NewEngine(endpoint, apiKey string, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Engine{
		http:     &http.Client{Timeout: timeout},
		endpoint: endpoint,
		apiKey:   apiKey,
	}
}

type engineResp struct {
	Text            string    `json:"text"`
	WordConfidences []float64 `json:"word_confidences,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// Result is the engine's answer for one page image. Word confidences are
// per-word recognition scores in document order; the engine may omit them.
type Result struct {
	Text            string
	WordConfidences []float64
}

// Recognize sends one JPEG page image. Service outages and throttling come
// back transient so the caller retries; a malformed response body is
// permanent because retrying the same image cannot fix it.
func (e *Engine) Recognize(ctx context.Context, image []byte) (Result, error) {
	if e.endpoint == "" {
		return Result{}, faults.New(faults.KindTransient, "ocr endpoint not configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(image))
	if err != nil {
		return Result{}, fmt.Errorf("build ocr request: %w", err)
	}
	req.Header.Set("Content-Type", "image/jpeg")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return Result{}, faults.Wrap(faults.KindTransient, "ocr request", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return Result{}, faults.Newf(faults.KindTransient, "ocr status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Result{}, faults.Newf(faults.KindPermanent, "ocr status %d", resp.StatusCode)
	}

	var r engineResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Result{}, faults.Wrap(faults.KindPermanent, "malformed ocr response", err)
	}
	if r.Error != "" {
		return Result{}, faults.Newf(faults.KindPermanent, "ocr engine: %s", r.Error)
	}
	return Result{Text: strings.TrimSpace(r.Text), WordConfidences: r.WordConfidences}, nil
}

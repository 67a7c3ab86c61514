// Package statuscheck probes the external dependencies the pipeline needs:
// redis, the blob store, the OCR engine, and the LLM providers. It backs
// the /health endpoint.
package statuscheck

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/local/idpcore/internal/blobstore"
)

// RedisPinger is the minimal redis capability a check needs.
type RedisPinger interface {
	Ping(ctx context.Context) error
}

// Status is the readiness of one subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses.
type Summary struct {
	Redis     Status `json:"redis"`
	BlobStore Status `json:"blob_store"`
	OCR       Status `json:"ocr"`
	OpenAI    Status `json:"openai"`
	Anthropic Status `json:"anthropic"`
}

// Options configures the Checker. Nil/empty fields report as unavailable
// rather than panicking, so a partially wired deployment still answers.
type Options struct {
	Redis        RedisPinger
	Blob         blobstore.Store
	OCREndpoint  string
	OpenAIKey    string
	AnthropicKey string
	HTTPClient   *http.Client
}

type Checker struct {
	redis        RedisPinger
	blob         blobstore.Store
	ocrEndpoint  string
	openAIKey    string
	anthropicKey string
	http         *http.Client
}

func New(opts Options) *Checker {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Checker{
		redis:        opts.Redis,
		blob:         opts.Blob,
		ocrEndpoint:  strings.TrimSpace(opts.OCREndpoint),
		openAIKey:    strings.TrimSpace(opts.OpenAIKey),
		anthropicKey: strings.TrimSpace(opts.AnthropicKey),
		http:         client,
	}
}

// Summary returns the current snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		Redis:     c.checkRedis(ctx),
		BlobStore: c.checkBlob(ctx),
		OCR:       c.checkOCR(ctx),
		OpenAI:    c.checkProviderKey(c.openAIKey),
		Anthropic: c.checkProviderKey(c.anthropicKey),
	}
}

// Check flattens the summary for the health endpoint. Healthy requires
// redis, the blob store, and at least one LLM provider.
func (c *Checker) Check(ctx context.Context) (map[string]string, bool) {
	s := c.Summary(ctx)
	out := map[string]string{
		"redis":      s.Redis.Message,
		"blob_store": s.BlobStore.Message,
		"ocr":        s.OCR.Message,
		"openai":     s.OpenAI.Message,
		"anthropic":  s.Anthropic.Message,
	}
	healthy := s.Redis.OK && s.BlobStore.OK && (s.OpenAI.OK || s.Anthropic.OK)
	return out, healthy
}

func (c *Checker) checkRedis(ctx context.Context) Status {
	if c.redis == nil {
		return Status{OK: false, Message: "client unavailable"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.redis.Ping(ctx); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "connected"}
}

func (c *Checker) checkBlob(ctx context.Context) Status {
	if c.blob == nil {
		return Status{OK: false, Message: "store unavailable"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.blob.List(ctx, "uploads/"); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "connected"}
}

func (c *Checker) checkOCR(ctx context.Context) Status {
	if c.ocrEndpoint == "" {
		return Status{OK: false, Message: "endpoint not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.ocrEndpoint, nil)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return Status{OK: false, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	return Status{OK: true, Message: "reachable"}
}

// checkProviderKey only verifies presence; a live call per health poll
// would burn rate limit for nothing.
func (c *Checker) checkProviderKey(key string) Status {
	if key == "" {
		return Status{OK: false, Message: "API key missing"}
	}
	return Status{OK: true, Message: "configured"}
}

func trimError(err error) string {
	msg := err.Error()
	if len(msg) > 160 {
		msg = msg[:160] + "..."
	}
	return msg
}

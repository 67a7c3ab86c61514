package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/idpcore/internal/config"
	"github.com/local/idpcore/internal/faults"
	"github.com/local/idpcore/internal/metrics"
	"github.com/local/idpcore/internal/model"
)

// BatchPages caps how many pages a single extraction call may carry.
const BatchPages = 2

// PageText is one page of OCR text handed to the extractor.
type PageText struct {
	Index int
	Text  string
}

// Breaker gates provider/model pairs that are rate limited. A nil Breaker
// disables gating.
type Breaker interface {
	IsOpen(ctx context.Context, provider, model string) bool
	Open(ctx context.Context, provider, model string)
	Close(ctx context.Context, provider, model string)
}

// slotGate is the optional per-provider inflight gate some breakers carry.
type slotGate interface {
	Allow(provider, model string) (func(), bool)
}

// Extractor turns page text into PageExtraction records via the configured
// LLM providers, failing over from the primary to the secondary engine.
type Extractor struct {
	cfg     config.ProvidersConfig
	clients map[string]Client
	breaker Breaker
	timeout time.Duration
}

// NewExtractor wires the provider clients from configuration.
func NewExtractor(cfg config.ProvidersConfig, timeout time.Duration, breaker Breaker) *Extractor {
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	return &Extractor{
		cfg: cfg,
		clients: map[string]Client{
			"openai":    NewOpenAIClient(),
			"anthropic": NewAnthropicClient(),
		},
		breaker: breaker,
		timeout: timeout,
	}
}

// WithClient replaces a provider client. Tests inject fakes through this.
func (e *Extractor) WithClient(name string, c Client) *Extractor {
	e.clients[name] = c
	return e
}

// PromptVersion is recorded into every extraction this extractor produces.
func (e *Extractor) PromptVersion() string { return e.cfg.PromptVersion }

// ExtractBatch extracts fields for up to BatchPages pages in one model
// call. The result maps page index to its extraction record; every page in
// the batch is present or an error is returned.
func (e *Extractor) ExtractBatch(ctx context.Context, docType model.DocumentType, pages []PageText) (map[int]*model.PageExtraction, error) {
	if len(pages) == 0 {
		return nil, faults.New(faults.KindInvalid, "empty batch")
	}
	if len(pages) > BatchPages {
		return nil, faults.Newf(faults.KindInvalid, "batch of %d exceeds limit %d", len(pages), BatchPages)
	}

	text, err := e.invoke(ctx, systemPrompt, BatchPrompt(docType, pages))
	if err != nil {
		return nil, err
	}

	raw, err := decodeObject(text)
	if err != nil {
		return nil, faults.Wrap(faults.KindPermanent, "llm batch output", err)
	}

	perPage := splitPerPage(raw, pages)
	out := make(map[int]*model.PageExtraction, len(pages))
	for _, p := range pages {
		fields, ok := perPage[p.Index]
		if !ok {
			return nil, faults.Newf(faults.KindPermanent, "model response missing page %d", p.Index)
		}
		data := Flatten(fields)
		out[p.Index] = &model.PageExtraction{
			Data:              data,
			OverallConfidence: OverallConfidence(data),
			PromptVersion:     e.cfg.PromptVersion,
			LastAction:        "extract",
		}
	}
	return out, nil
}

// ExtractDocument runs a single whole-document extraction for non-loan
// documents.
func (e *Extractor) ExtractDocument(ctx context.Context, docType model.DocumentType, fullText string) (*model.PageExtraction, error) {
	text, err := e.invoke(ctx, systemPrompt, DocumentPrompt(docType, fullText))
	if err != nil {
		return nil, err
	}
	raw, err := decodeObject(text)
	if err != nil {
		return nil, faults.Wrap(faults.KindPermanent, "llm document output", err)
	}
	data := Flatten(raw)
	return &model.PageExtraction{
		Data:              data,
		OverallConfidence: OverallConfidence(data),
		PromptVersion:     e.cfg.PromptVersion,
		LastAction:        "extract",
	}, nil
}

// invoke tries the primary engine's primary model, then its secondary
// model on rate limiting, then the secondary engine. Provider/model pairs
// with an open breaker are skipped.
func (e *Extractor) invoke(ctx context.Context, system, user string) (string, error) {
	type attempt struct{ provider, mdl string }
	primary := e.modelsFor(e.cfg.PrimaryEngine)
	secondary := e.modelsFor(e.cfg.SecondaryEngine)
	attempts := []attempt{
		{e.cfg.PrimaryEngine, primary.Primary},
		{e.cfg.PrimaryEngine, primary.Secondary},
		{e.cfg.SecondaryEngine, secondary.Primary},
	}

	var lastErr error
	skipSameProvider := false
	for i, a := range attempts {
		if a.mdl == "" {
			continue
		}
		// The same-provider secondary model only helps when the primary
		// model was rate limited; any other failure goes straight to the
		// secondary engine.
		if i == 1 && skipSameProvider {
			continue
		}
		client, ok := e.clients[a.provider]
		if !ok {
			continue
		}
		if e.breaker != nil && e.breaker.IsOpen(ctx, a.provider, a.mdl) {
			log.Debug().Str("provider", a.provider).Str("model", a.mdl).Msg("breaker open; skipping")
			continue
		}
		release := func() {}
		if gate, ok := e.breaker.(slotGate); ok {
			rel, allowed := gate.Allow(a.provider, a.mdl)
			if !allowed {
				log.Debug().Str("provider", a.provider).Str("model", a.mdl).Msg("inflight slots exhausted; skipping")
				continue
			}
			release = rel
		}

		cctx, cancel := context.WithTimeout(ctx, e.timeout)
		start := time.Now()
		resp, err := client.Do(cctx, Request{
			Model:        a.mdl,
			SystemPrompt: system,
			UserPrompt:   user,
			Timeout:      e.timeout,
		})
		cancel()
		release()

		if err == nil {
			metrics.ObserveProvider(a.provider, a.mdl, "ok", time.Since(start))
			if e.breaker != nil {
				e.breaker.Close(ctx, a.provider, a.mdl)
			}
			return resp.Text, nil
		}

		lastErr = err
		result := "error"
		if IsRateLimited(err) {
			result = "rate_limited"
			if e.breaker != nil {
				e.breaker.Open(ctx, a.provider, a.mdl)
			}
		}
		metrics.ObserveProvider(a.provider, a.mdl, result, time.Since(start))
		log.Warn().Err(err).Str("provider", a.provider).Str("model", a.mdl).Int("attempt", i+1).Msg("llm call failed; failing over")

		if i == 0 && !IsRateLimited(err) {
			skipSameProvider = true
		}
	}

	if lastErr == nil {
		return "", faults.New(faults.KindTransient, "no llm provider available")
	}
	if IsContentRefused(lastErr) {
		return "", faults.Wrap(faults.KindPermanent, "llm refused", lastErr)
	}
	return "", faults.Wrap(faults.KindTransient, "all llm providers failed", lastErr)
}

func (e *Extractor) modelsFor(engine string) config.ProviderModels {
	switch strings.ToLower(engine) {
	case "anthropic":
		return e.cfg.Anthropic
	case "openai":
		return e.cfg.OpenAI
	default:
		return e.cfg.OpenAI
	}
}

// decodeObject parses a model response into a JSON object, tolerating
// markdown code fences around the payload.
func decodeObject(text string) (map[string]any, error) {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	var raw map[string]any
	if err := json.Unmarshal([]byte(s), &raw); err != nil {
		return nil, fmt.Errorf("parse JSON object: %w", err)
	}
	return raw, nil
}

// splitPerPage interprets the batch response. The expected shape is an
// envelope keyed by page index; a bare field map is accepted for
// single-page batches.
func splitPerPage(raw map[string]any, pages []PageText) map[int]map[string]any {
	inBatch := make(map[int]bool, len(pages))
	for _, p := range pages {
		inBatch[p.Index] = true
	}

	envelope := len(raw) > 0
	for k, v := range raw {
		idx, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(k), "page_"))
		if err != nil || !inBatch[idx] {
			envelope = false
			break
		}
		if _, ok := v.(map[string]any); !ok {
			envelope = false
			break
		}
	}

	out := make(map[int]map[string]any)
	if envelope {
		for k, v := range raw {
			idx, _ := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(k), "page_"))
			out[idx] = v.(map[string]any)
		}
		return out
	}
	if len(pages) == 1 {
		out[pages[0].Index] = raw
	}
	return out
}

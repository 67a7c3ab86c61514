// Package poller watches the uploads/ prefix of the blob store and feeds
// new PDFs into the ingestion coordinator. The per-object status blob is
// the skip signal: its value is read and respected, so an object that is
// already processing is never re-submitted. The document queue remains the
// ultimate dedup gate.
package poller

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/idpcore/internal/blobstore"
	"github.com/local/idpcore/internal/faults"
	"github.com/local/idpcore/internal/ingest"
	"github.com/local/idpcore/internal/model"
)

// Intake is the coordinator surface the poller hands candidates to.
type Intake interface {
	Ingest(ctx context.Context, sub ingest.Submission) (*model.Document, error)
}

// Poller periodically scans for unprocessed uploads.
type Poller struct {
	blob     blobstore.Store
	intake   Intake
	prefix   string
	interval time.Duration
	id       string
}

func New(blob blobstore.Store, intake Intake, prefix string, interval time.Duration) *Poller {
	if prefix == "" {
		prefix = "uploads/"
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		blob:     blob,
		intake:   intake,
		prefix:   prefix,
		interval: interval,
		id:       uuid.NewString()[:8],
	}
}

// Run blocks until ctx is done, scanning once per interval. The first scan
// happens immediately.
func (p *Poller) Run(ctx context.Context) {
	log.Info().Str("poller_id", p.id).Str("prefix", p.prefix).Dur("interval", p.interval).Msg("poller started")
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.scan(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("poller_id", p.id).Msg("poller stopped")
			return
		case <-ticker.C:
			p.scan(ctx)
		}
	}
}

// scan lists the prefix and submits every candidate PDF.
func (p *Poller) scan(ctx context.Context) {
	keys, err := p.blob.List(ctx, p.prefix)
	if err != nil {
		log.Error().Err(err).Str("prefix", p.prefix).Msg("poller list failed")
		return
	}

	for _, key := range keys {
		if ctx.Err() != nil {
			return
		}
		if !strings.HasSuffix(strings.ToLower(key), ".pdf") {
			continue
		}
		if !p.isCandidate(ctx, key) {
			continue
		}
		p.submit(ctx, key)
	}
}

// isCandidate reads the status blob value. Only `new` or an absent blob
// qualifies; every other status (processing included) is skipped.
func (p *Poller) isCandidate(ctx context.Context, fileKey string) bool {
	data, err := p.blob.Get(ctx, blobstore.PollerStatusKey(fileKey))
	if err != nil {
		if faults.IsNotFound(err) {
			return true
		}
		log.Warn().Err(err).Str("file_key", fileKey).Msg("status blob read failed; skipping this cycle")
		return false
	}

	var state model.PollerState
	if err := json.Unmarshal(data, &state); err != nil {
		log.Warn().Err(err).Str("file_key", fileKey).Msg("status blob corrupt; skipping")
		return false
	}
	return state.Status == model.PollNew
}

// submit marks the object processing before downloading, then hands it to
// the coordinator. Terminal status transitions belong to the pipeline; the
// poller only ever writes `processing` (or reverts to `failed` when its
// own handoff could not happen).
func (p *Poller) submit(ctx context.Context, fileKey string) {
	if err := p.writeStatus(ctx, fileKey, model.PollProcessing, ""); err != nil {
		log.Error().Err(err).Str("file_key", fileKey).Msg("status mark failed; not submitting")
		return
	}

	data, err := p.blob.Get(ctx, fileKey)
	if err != nil {
		log.Error().Err(err).Str("file_key", fileKey).Msg("download failed")
		_ = p.writeStatus(ctx, fileKey, model.PollFailed, err.Error())
		return
	}

	filename := strings.TrimPrefix(fileKey, p.prefix)
	_, err = p.intake.Ingest(ctx, ingest.Submission{
		Filename: filename,
		Source:   model.SourcePoller,
		Data:     data,
		Stored:   true,
	})
	switch {
	case err == nil:
		log.Info().Str("poller_id", p.id).Str("file_key", fileKey).Msg("upload submitted")
	case faults.Is(err, faults.KindConflict):
		// Already active or done elsewhere; leave the status alone, the
		// owning pipeline will finish it.
		log.Info().Str("file_key", fileKey).Msg("upload already in the queue")
	default:
		log.Error().Err(err).Str("file_key", fileKey).Msg("submission failed")
		_ = p.writeStatus(ctx, fileKey, model.PollFailed, err.Error())
	}
}

func (p *Poller) writeStatus(ctx context.Context, fileKey string, status model.PollerStatus, errMsg string) error {
	state := model.PollerState{
		FileKey:   fileKey,
		Status:    status,
		UpdatedAt: time.Now().UTC(),
		Error:     errMsg,
	}
	data, _ := json.Marshal(state)
	return p.blob.Put(ctx, blobstore.PollerStatusKey(fileKey), data, "application/json")
}

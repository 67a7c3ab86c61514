// Package docqueue is the global dedup gate for document processing. Every
// ingestion path must pass Add before doing any expensive work; a doc_id
// present in either the processing map or the completed set is rejected.
// State is persisted to a single JSON file on every mutation so a restart
// replays the queue instead of double-processing.
package docqueue

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/idpcore/internal/model"
)

// completedCap bounds the completed set; oldest entries are evicted first.
const completedCap = 10000

// Queue is the process-wide document queue. One mutex guards both
// collections and the persistence call.
type Queue struct {
	mu         sync.Mutex
	path       string
	processing map[string]*model.QueueEntry
	completed  []string
	done       map[string]bool
}

type persisted struct {
	Processing  map[string]*model.QueueEntry `json:"processing"`
	Completed   []string                     `json:"completed"`
	LastUpdated time.Time                    `json:"last_updated"`
}

// Load opens the queue file, creating an empty queue when absent.
func Load(path string) (*Queue, error) {
	q := &Queue{
		path:       path,
		processing: make(map[string]*model.QueueEntry),
		done:       make(map[string]bool),
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return q, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read queue file: %w", err)
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse queue file %s: %w", path, err)
	}
	if p.Processing != nil {
		q.processing = p.Processing
	}
	q.completed = p.Completed
	for _, id := range q.completed {
		q.done[id] = true
	}
	return q, nil
}

// Add registers a document for processing. It returns false when the
// doc_id is already processing or completed; callers must then skip all
// further work. This is the sole gate against duplicate processing across
// the three ingestion paths.
func (q *Queue) Add(docID, filename string, source model.Source) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.processing[docID]; ok {
		return false
	}
	if q.done[docID] {
		return false
	}
	q.processing[docID] = &model.QueueEntry{
		DocID:    docID,
		Filename: filename,
		Source:   source,
		Status:   model.QueueQueued,
		AddedAt:  time.Now().UTC(),
	}
	q.persistLocked()
	return true
}

// MarkProcessing transitions queued -> processing.
func (q *Queue) MarkProcessing(docID string) {
	q.transition(docID, model.QueueProcessing, "")
}

// MarkCompleted transitions processing -> completed and moves the entry to
// the completed set.
func (q *Queue) MarkCompleted(docID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.processing[docID]
	if !ok || e.Status != model.QueueProcessing {
		log.Warn().Str("doc_id", docID).Msg("illegal queue transition to completed; ignored")
		return
	}
	now := time.Now().UTC()
	e.Status = model.QueueCompleted
	e.CompletedAt = &now
	delete(q.processing, docID)
	q.completed = append(q.completed, docID)
	q.done[docID] = true
	if len(q.completed) > completedCap {
		evicted := q.completed[0]
		q.completed = q.completed[1:]
		delete(q.done, evicted)
	}
	q.persistLocked()
}

// MarkFailed transitions processing -> failed. Failed entries stay in the
// processing map so their error is inspectable; re-enqueue removes them.
func (q *Queue) MarkFailed(docID string, errMsg string) {
	q.transition(docID, model.QueueFailed, errMsg)
}

// Requeue reverts a processing entry to queued (cancellation path).
func (q *Queue) Requeue(docID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.processing[docID]
	if !ok {
		return
	}
	e.Status = model.QueueQueued
	e.StartedAt = nil
	q.persistLocked()
}

// Remove drops a doc_id from both collections, enabling reprocessing.
func (q *Queue) Remove(docID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.processing, docID)
	if q.done[docID] {
		delete(q.done, docID)
		for i, id := range q.completed {
			if id == docID {
				q.completed = append(q.completed[:i], q.completed[i+1:]...)
				break
			}
		}
	}
	q.persistLocked()
}

// IsActive reports whether a doc_id is queued or processing.
func (q *Queue) IsActive(docID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.processing[docID]
	return ok
}

// Status returns a copy of the entry for docID, or nil.
func (q *Queue) Status(docID string) *model.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.processing[docID]; ok {
		cp := *e
		return &cp
	}
	if q.done[docID] {
		return &model.QueueEntry{DocID: docID, Status: model.QueueCompleted}
	}
	return nil
}

// Pending returns the doc_ids currently in status queued, oldest first.
// The scheduler uses this to replay persisted work after a restart.
func (q *Queue) Pending() []*model.QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*model.QueueEntry
	for _, e := range q.processing {
		if e.Status == model.QueueQueued {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out
}

func (q *Queue) transition(docID string, to model.QueueStatus, errMsg string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.processing[docID]
	if !ok {
		log.Warn().Str("doc_id", docID).Str("to", string(to)).Msg("queue transition for unknown doc; ignored")
		return
	}
	now := time.Now().UTC()
	switch to {
	case model.QueueProcessing:
		if e.Status != model.QueueQueued {
			log.Warn().Str("doc_id", docID).Str("from", string(e.Status)).Msg("illegal queue transition to processing; ignored")
			return
		}
		e.Status = model.QueueProcessing
		e.StartedAt = &now
	case model.QueueFailed:
		// Failure can hit before a worker ever picks the entry up (for
		// example a missing index record), so queued fails too. Terminal
		// states stay sticky.
		if e.Status != model.QueueProcessing && e.Status != model.QueueQueued {
			log.Warn().Str("doc_id", docID).Str("from", string(e.Status)).Msg("illegal queue transition to failed; ignored")
			return
		}
		e.Status = model.QueueFailed
		e.CompletedAt = &now
		e.Error = errMsg
	}
	q.persistLocked()
}

// persistLocked writes the queue file atomically. Callers hold q.mu; the
// file is small and mutations are infrequent, so the write stays inside
// the lock.
func (q *Queue) persistLocked() {
	p := persisted{
		Processing:  q.processing,
		Completed:   q.completed,
		LastUpdated: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		log.Error().Err(err).Msg("marshal queue state")
		return
	}
	tmp := q.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil && filepath.Dir(q.path) != "." {
		log.Error().Err(err).Msg("create queue dir")
		return
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		log.Error().Err(err).Str("path", tmp).Msg("write queue state")
		return
	}
	if err := os.Rename(tmp, q.path); err != nil {
		log.Error().Err(err).Str("path", q.path).Msg("replace queue state")
	}
}

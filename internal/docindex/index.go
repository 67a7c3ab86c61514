// Package docindex keeps the local persistent index of Document records.
// One JSON file, one mutex, atomic rename-on-write. At most one record
// exists per doc_id.
package docindex

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/idpcore/internal/faults"
	"github.com/local/idpcore/internal/model"
)

// Index is the in-memory view of the document index file.
type Index struct {
	mu   sync.Mutex
	path string
	docs map[string]*model.Document
}

type persisted struct {
	Documents   map[string]*model.Document `json:"documents"`
	LastUpdated time.Time                  `json:"last_updated"`
}

// Load opens the index file, creating an empty index when absent.
func Load(path string) (*Index, error) {
	idx := &Index{path: path, docs: make(map[string]*model.Document)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return idx, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read index file: %w", err)
	}
	var p persisted
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse index file %s: %w", path, err)
	}
	if p.Documents != nil {
		idx.docs = p.Documents
	}
	return idx, nil
}

// Save upserts a Document record and persists the index atomically. The
// stored snapshot is a deep copy: the pipeline keeps mutating its own
// record (inline page data in particular) while readers fetch this one.
func (i *Index) Save(doc *model.Document) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	cp := doc.Clone()
	cp.UpdatedAt = time.Now().UTC()
	i.docs[doc.DocID] = cp
	return i.persistLocked()
}

// Get returns a deep copy of the record for docID.
func (i *Index) Get(docID string) (*model.Document, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	doc, ok := i.docs[docID]
	if !ok {
		return nil, faults.Newf(faults.KindNotFound, "document %s", docID)
	}
	return doc.Clone(), nil
}

// Delete removes the record from the index. Blobs are left in place.
func (i *Index) Delete(docID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.docs[docID]; !ok {
		return faults.Newf(faults.KindNotFound, "document %s", docID)
	}
	delete(i.docs, docID)
	return i.persistLocked()
}

// List returns all records ordered by creation time, newest first.
func (i *Index) List() []*model.Document {
	i.mu.Lock()
	defer i.mu.Unlock()
	out := make([]*model.Document, 0, len(i.docs))
	for _, d := range i.docs {
		out = append(out, d.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out
}

func (i *Index) persistLocked() error {
	data, err := json.MarshalIndent(persisted{
		Documents:   i.docs,
		LastUpdated: time.Now().UTC(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	tmp := i.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	if err := os.Rename(tmp, i.path); err != nil {
		return fmt.Errorf("replace index: %w", err)
	}
	log.Debug().Int("documents", len(i.docs)).Msg("document index saved")
	return nil
}

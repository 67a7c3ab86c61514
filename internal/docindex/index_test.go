package docindex

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/idpcore/internal/faults"
	"github.com/local/idpcore/internal/model"
)

func newIndex(t *testing.T) (*Index, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "index.json")
	idx, err := Load(path)
	require.NoError(t, err)
	return idx, path
}

func TestSaveAndGet(t *testing.T) {
	idx, _ := newIndex(t)
	require.NoError(t, idx.Save(&model.Document{DocID: "d1", Filename: "a.pdf", Stage: model.StageIngested}))

	doc, err := idx.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, "a.pdf", doc.Filename)
	assert.False(t, doc.UpdatedAt.IsZero())
}

func TestGetUnknownIsNotFound(t *testing.T) {
	idx, _ := newIndex(t)
	_, err := idx.Get("ghost")
	assert.True(t, faults.IsNotFound(err))
}

func TestGetReturnsCopy(t *testing.T) {
	idx, _ := newIndex(t)
	require.NoError(t, idx.Save(&model.Document{DocID: "d1", Stage: model.StageOCR}))

	doc, err := idx.Get("d1")
	require.NoError(t, err)
	doc.Stage = model.StageFailed

	again, err := idx.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, model.StageOCR, again.Stage)
}

func TestSaveSnapshotsAccounts(t *testing.T) {
	// The pipeline keeps filling PageData on its own record after saving;
	// the stored snapshot must not alias those maps.
	idx, _ := newIndex(t)
	doc := &model.Document{
		DocID: "d1",
		Accounts: []model.Account{{
			AccountNumber: "11-2233-445",
			PageIndices:   []int{0},
			PageData: map[int]*model.PageExtraction{
				0: {Data: map[string]model.FieldValue{"Name": {Value: "before"}}},
			},
		}},
	}
	require.NoError(t, idx.Save(doc))

	doc.Accounts[0].PageData[1] = &model.PageExtraction{}
	doc.Accounts[0].PageData[0].Data["Name"] = model.FieldValue{Value: "after"}

	stored, err := idx.Get("d1")
	require.NoError(t, err)
	require.Len(t, stored.Accounts[0].PageData, 1)
	assert.Equal(t, "before", stored.Accounts[0].PageData[0].Data["Name"].Value)
}

func TestPersistenceAcrossLoads(t *testing.T) {
	idx, path := newIndex(t)
	require.NoError(t, idx.Save(&model.Document{DocID: "d1", Filename: "a.pdf", TotalPages: 7}))
	require.NoError(t, idx.Save(&model.Document{DocID: "d2", Filename: "b.pdf"}))

	reloaded, err := Load(path)
	require.NoError(t, err)
	doc, err := reloaded.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, 7, doc.TotalPages)
	assert.Len(t, reloaded.List(), 2)
}

func TestDelete(t *testing.T) {
	idx, path := newIndex(t)
	require.NoError(t, idx.Save(&model.Document{DocID: "d1"}))
	require.NoError(t, idx.Delete("d1"))

	_, err := idx.Get("d1")
	assert.True(t, faults.IsNotFound(err))

	// deletion is persisted too
	reloaded, err := Load(path)
	require.NoError(t, err)
	_, err = reloaded.Get("d1")
	assert.True(t, faults.IsNotFound(err))
}

func TestDeleteUnknownIsNotFound(t *testing.T) {
	idx, _ := newIndex(t)
	assert.True(t, faults.IsNotFound(idx.Delete("ghost")))
}

func TestListOrderedNewestFirst(t *testing.T) {
	idx, _ := newIndex(t)
	old := time.Now().Add(-time.Hour)
	require.NoError(t, idx.Save(&model.Document{DocID: "old", CreatedAt: old}))
	require.NoError(t, idx.Save(&model.Document{DocID: "new", CreatedAt: time.Now()}))

	docs := idx.List()
	require.Len(t, docs, 2)
	assert.Equal(t, "new", docs[0].DocID)
	assert.Equal(t, "old", docs[1].DocID)
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := Load(path)
	assert.Error(t, err)
}

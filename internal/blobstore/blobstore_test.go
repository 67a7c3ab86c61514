package blobstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/local/idpcore/internal/faults"
)

func TestKeyLayout(t *testing.T) {
	assert.Equal(t, "uploads/loan.pdf", UploadKey("loan.pdf"))
	assert.Equal(t, "processing_logs/uploads/loan.pdf.status.json", PollerStatusKey(UploadKey("loan.pdf")))
	assert.Equal(t, "ocr_cache/d1/text_cache.json", OCRCacheKey("d1"))
	assert.Equal(t, "page_mapping/d1/mapping.json", PageMappingKey("d1"))
	assert.Equal(t, "page_data/d1/account_0/page_3.json", AccountPageKey("d1", 0, 3))
	assert.Equal(t, "page_data/d1/page_3.json", GenericPageKey("d1", 3))
	assert.Equal(t, "document_extraction_cache/d1/full_extraction.json", DocumentExtractionKey("d1"))
	assert.Equal(t, "account_results/d1/123456789.json", AccountResultKey("d1", "123456789"))
}

func TestMemRoundTrip(t *testing.T) {
	m := NewMem()
	ctx := context.Background()

	require.NoError(t, m.Put(ctx, "a/b.json", []byte("payload"), "application/json"))
	got, err := m.Get(ctx, "a/b.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	ok, err := m.Head(ctx, "a/b.json")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemGetMissingIsNotFound(t *testing.T) {
	m := NewMem()
	_, err := m.Get(context.Background(), "ghost")
	assert.True(t, faults.IsNotFound(err))

	ok, err := m.Head(context.Background(), "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemReturnsCopies(t *testing.T) {
	m := NewMem()
	ctx := context.Background()

	src := []byte("original")
	require.NoError(t, m.Put(ctx, "k", src, ""))
	src[0] = 'X'

	got, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	got[0] = 'Y'
	again, err := m.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestMemListFiltersByPrefix(t *testing.T) {
	m := NewMem()
	ctx := context.Background()
	for _, k := range []string{"uploads/a.pdf", "uploads/b.pdf", "ocr_cache/d1/text_cache.json"} {
		require.NoError(t, m.Put(ctx, k, []byte("x"), ""))
	}

	keys, err := m.List(ctx, "uploads/")
	require.NoError(t, err)
	assert.Equal(t, []string{"uploads/a.pdf", "uploads/b.pdf"}, keys)
}

func TestGCMRoundTrip(t *testing.T) {
	plain := []byte("%PDF-1.4 sensitive document body")

	sealed, err := encryptGCM(plain, "hunter2")
	require.NoError(t, err)
	assert.True(t, hasGCMMagic(sealed))
	assert.NotContains(t, string(sealed), "sensitive")

	got, err := decryptGCM(sealed, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestGCMWrongPassword(t *testing.T) {
	sealed, err := encryptGCM([]byte("data"), "right")
	require.NoError(t, err)

	_, err = decryptGCM(sealed, "wrong")
	assert.Error(t, err)
}

func TestGCMDistinctCiphertexts(t *testing.T) {
	// fresh salt and nonce per call
	a, err := encryptGCM([]byte("data"), "pw")
	require.NoError(t, err)
	b, err := encryptGCM([]byte("data"), "pw")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestPlaintextHasNoMagic(t *testing.T) {
	assert.False(t, hasGCMMagic([]byte("%PDF-1.4")))
	assert.False(t, hasGCMMagic([]byte("GCM")))
}

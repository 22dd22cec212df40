package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBlob() CatalogBlob {
	return CatalogBlob{
		CacheKey:    "ch-1_a1b2c3d4",
		ChannelID:   "ch-1",
		APIKeyHash:  "a1b2c3d4",
		Provider:    "openrouter",
		Models:      []json.RawMessage{json.RawMessage(`{"id":"qwen3-8b","context_length":32768}`)},
		Status:      "ok",
		Tier:        "free",
		LastUpdated: time.Now().UTC().Truncate(time.Second),
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	blob := testBlob()
	require.NoError(t, s.Save(blob))

	got, err := s.Load(blob.CacheKey)
	require.NoError(t, err)
	require.NotNil(t, got)

	assert.Equal(t, blob.CacheKey, got.CacheKey)
	assert.Equal(t, blob.Provider, got.Provider)
	assert.Len(t, got.Models, 1)
}

func TestStore_LoadMissing(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	got, err := s.Load("nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

// Readers accept extra fields and tolerate missing optional ones.
func TestStore_SchemaTolerance(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	raw := `{
		"cache_key": "ch-2_deadbeef",
		"channel_id": "ch-2",
		"provider": "gemini",
		"models": [{"id": "gemini-2.5-flash"}],
		"status": "ok",
		"some_future_field": {"nested": true}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ch-2_deadbeef.json"), []byte(raw), 0o644))

	got, err := s.Load("ch-2_deadbeef")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "gemini", got.Provider)
	assert.Empty(t, got.Tier)
}

func TestStore_LoadAllSkipsGarbage(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save(testBlob()))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("ignore me"), 0o644))

	blobs, err := s.LoadAll()
	require.NoError(t, err)
	assert.Len(t, blobs, 1)
}

func TestStore_Delete(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	blob := testBlob()
	require.NoError(t, s.Save(blob))
	require.NoError(t, s.Delete(blob.CacheKey))
	require.NoError(t, s.Delete(blob.CacheKey)) // idempotent

	got, err := s.Load(blob.CacheKey)
	require.NoError(t, err)
	assert.Nil(t, got)
}

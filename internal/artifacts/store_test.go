package artifacts

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/relume-ai/relume/internal/common"
	"github.com/relume-ai/relume/internal/interfaces"
	"github.com/relume-ai/relume/internal/models"
)

func newTestStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(&common.ArtifactsConfig{Dir: t.TempDir()}, arbor.NewLogger())
	require.NoError(t, err)
	return store
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "img-1/stage1A/attempt2.jpg", StageKey("img-1", models.Stage1A, 2))
	assert.Equal(t, "img-1/stage2/attempt1.jpg", StageKey("img-1", models.Stage2, 1))
	assert.Equal(t, "img-1/original.png", OriginalKey("img-1", ".png"))
	assert.Equal(t, "img-1/original.jpg", OriginalKey("img-1", ""))
}

func TestPutGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key := StageKey("img-1", models.Stage1A, 1)
	url, err := store.Put(ctx, key, []byte("jpeg bytes"), "image/jpeg")
	require.NoError(t, err)
	assert.Equal(t, "/artifacts/img-1/stage1A/attempt1.jpg", url)

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("jpeg bytes"), data)

	viaURL, err := store.GetByURL(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, data, viaURL)

	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestGet_Missing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nope/original.jpg")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestPut_Overwrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	key := OriginalKey("img-1", ".jpg")
	_, err := store.Put(ctx, key, []byte("first"), "image/jpeg")
	require.NoError(t, err)
	_, err = store.Put(ctx, key, []byte("second"), "image/jpeg")
	require.NoError(t, err)

	data, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)
}

func TestDeleteTree(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, OriginalKey("img-1", ".jpg"), []byte("a"), "image/jpeg")
	require.NoError(t, err)
	_, err = store.Put(ctx, StageKey("img-1", models.Stage1A, 1), []byte("b"), "image/jpeg")
	require.NoError(t, err)
	_, err = store.Put(ctx, OriginalKey("img-2", ".jpg"), []byte("c"), "image/jpeg")
	require.NoError(t, err)

	require.NoError(t, store.DeleteTree(ctx, "img-1"))

	_, err = store.Get(ctx, OriginalKey("img-1", ".jpg"))
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = store.Get(ctx, StageKey("img-1", models.Stage1A, 1))
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	survivor, err := store.Get(ctx, OriginalKey("img-2", ".jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), survivor)
}

func TestDelete_MissingIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.Delete(context.Background(), "nope/original.jpg"))
}

func TestKeyPath_RejectsTraversal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, key := range []string{"", "../escape.jpg", "a/../../escape.jpg", "/etc/passwd"} {
		_, err := store.Put(ctx, key, []byte("x"), "image/jpeg")
		assert.Error(t, err, "key %q", key)
		_, err = store.Get(ctx, key)
		assert.Error(t, err, "key %q", key)
	}
}

func TestURLKeyMapping(t *testing.T) {
	store, err := NewFileStore(&common.ArtifactsConfig{Dir: t.TempDir(), BaseURL: "/files/"}, arbor.NewLogger())
	require.NoError(t, err)

	url := store.URLFor("img/original.jpg")
	assert.Equal(t, "/files/img/original.jpg", url, "trailing slash on base is trimmed")

	key, err := store.KeyFor(url)
	require.NoError(t, err)
	assert.Equal(t, "img/original.jpg", key)

	_, err = store.KeyFor("/other/img.jpg")
	assert.Error(t, err)
}

package internal

import (
	"context"
	"testing"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSBlobStorePutGet(t *testing.T) {
	store := NewFSBlobStore(memfs.New(), "")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "saved/a/context.json", []byte(`{"x":1}`), "application/json"))
	require.NoError(t, store.Put(ctx, "saved/a/context.json", []byte(`{"x":2}`), "application/json"))

	data, err := store.Get(ctx, "saved/a/context.json")
	require.NoError(t, err)
	assert.Equal(t, `{"x":2}`, string(data))

	_, err = store.Get(ctx, "saved/b/context.json")
	assert.ErrorIs(t, err, ErrBlobNotFound)
}

func TestFSBlobStoreList(t *testing.T) {
	store := NewFSBlobStore(memfs.New(), "")
	ctx := context.Background()

	for _, key := range []string{"saved/2/b.txt", "saved/1/a.txt", "other/c.txt", "top.txt"} {
		require.NoError(t, store.Put(ctx, key, []byte(key), "text/plain"))
	}

	blobs, err := store.List(ctx, "saved/")
	require.NoError(t, err)
	require.Len(t, blobs, 2)
	assert.Equal(t, "saved/1/a.txt", blobs[0].Key)
	assert.Equal(t, "saved/2/b.txt", blobs[1].Key)
	assert.Equal(t, int64(len("saved/1/a.txt")), blobs[0].Size)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 4)

	none, err := store.List(ctx, "missing/")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestFSBlobStoreRejectsTraversal(t *testing.T) {
	store := NewFSBlobStore(memfs.New(), "")
	ctx := context.Background()

	for _, key := range []string{"", "../escape", "saved/../../x", "a//b"} {
		assert.Error(t, store.Put(ctx, key, []byte("x"), ""), "key %q", key)
		_, err := store.Get(ctx, key)
		assert.Error(t, err, "key %q", key)
	}
}

func TestFSBlobStoreOnDisk(t *testing.T) {
	dir := t.TempDir()
	store := NewFSBlobStore(osfs.New(dir), "http://example.test/")
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "saved/x/mri_x.jpg", []byte{0xff, 0xd8}, "image/jpeg"))
	assert.FileExists(t, dir+"/saved/x/mri_x.jpg")
	assert.Equal(t, "http://example.test/blobs/saved/x/mri_x.jpg", store.URL("saved/x/mri_x.jpg"))

	blobs, err := store.List(ctx, "saved/x/mri_")
	require.NoError(t, err)
	require.Len(t, blobs, 1)
	assert.False(t, blobs[0].LastModified.IsZero())
}

package blob

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/notify"
	"github.com/roach88/localstore/internal/usage"
)

func storeImage(t *testing.T, f *fixture, ut usage.Type, category string) string {
	t.Helper()
	ctx := context.Background()
	info, err := f.store.StoreFile(ctx, pngHeader, nil)
	require.NoError(t, err)
	_, err = f.store.AddFileReference(ctx, info.FileID, category, info.FileID, nil)
	require.NoError(t, err)
	_, err = f.store.SetImageUsageMetadata(ctx, UsageMetadata{FileID: info.FileID, UsageType: ut, Category: category, Size: info.Size})
	require.NoError(t, err)
	return info.FileID
}

func TestCleanupSelectedImages_BestEffort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := storeImage(t, f, usage.Recent, "chat")
	b := storeImage(t, f, usage.Recent, "chat")

	res := f.store.CleanupSelectedImages(ctx, []string{a, "file_missing", b})
	assert.Equal(t, 2, res.DeletedCount)
	assert.Equal(t, 3, res.TotalRequested)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, "file_missing", res.Errors[0].FileID)

	for _, id := range []string{a, b} {
		_, err := f.store.GetFile(ctx, id)
		assert.True(t, dberr.IsNotFound(err))
		_, err = f.store.GetImageUsageMetadata(ctx, id)
		assert.True(t, dberr.IsNotFound(err))
		n, err := f.store.ReferenceCount(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.Contains(t, f.recorder.Kinds(), notify.KindCleanup)
}

func TestCleanupSelectedImages_RemovesOrphansOfDeletedBlob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := storeImage(t, f, usage.Recent, "chat")
	require.NoError(t, f.store.DeleteFile(ctx, id))

	res := f.store.CleanupSelectedImages(ctx, []string{id})
	assert.Zero(t, res.DeletedCount)
	require.Len(t, res.Errors, 1)
	assert.Equal(t, id, res.Errors[0].FileID)

	_, err := f.store.GetImageUsageMetadata(ctx, id)
	assert.True(t, dberr.IsNotFound(err))
	n, err := f.store.ReferenceCount(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCleanupSelectedImages_Empty(t *testing.T) {
	f := newFixture(t)

	res := f.store.CleanupSelectedImages(context.Background(), nil)
	assert.Equal(t, CleanupResult{Errors: []CleanupError{}}, res)
}

func TestPurgeTemporaryImages_OnlyExpiredTemporary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	oldTemp := storeImage(t, f, usage.Temporary, "misc")
	oldKeep := storeImage(t, f, usage.Permanent, "avatar")
	f.clock.Advance(48 * time.Hour)
	newTemp := storeImage(t, f, usage.Temporary, "misc")
	f.clock.Advance(time.Hour)

	link, err := f.store.CreateFileURL(ctx, oldTemp)
	require.NoError(t, err)
	require.NotEmpty(t, link)

	purged, err := f.store.PurgeTemporaryImages(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{oldTemp}, purged)

	_, err = f.store.GetFile(ctx, oldTemp)
	assert.True(t, dberr.IsNotFound(err))
	_, err = f.store.GetImageUsageMetadata(ctx, oldTemp)
	assert.True(t, dberr.IsNotFound(err))
	n, err := f.store.ReferenceCount(ctx, oldTemp)
	require.NoError(t, err)
	assert.Zero(t, n)

	for _, id := range []string{oldKeep, newTemp} {
		_, err := f.store.GetFile(ctx, id)
		assert.NoError(t, err)
		_, err = f.store.GetImageUsageMetadata(ctx, id)
		assert.NoError(t, err)
	}

	again, err := f.store.PurgeTemporaryImages(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Empty(t, again)
}

package blob

import (
	"context"
	"encoding/base64"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/localstore/internal/dberr"
	"github.com/roach88/localstore/internal/kv"
	"github.com/roach88/localstore/internal/notify"
	"github.com/roach88/localstore/internal/schema"
	"github.com/roach88/localstore/internal/testutil"
	"github.com/roach88/localstore/internal/usage"
)

// pngHeader is enough for content sniffing to report image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type fixture struct {
	stack    *testutil.Stack
	clock    *testutil.DeterministicClock
	recorder *notify.Recorder
	store    *Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stack := testutil.NewStack(t)
	clock := testutil.NewDeterministicClock(testutil.Epoch, 0)
	rec := notify.NewRecorder(16)
	s := New(stack.Exec,
		WithLogger(testutil.QuietLogger()),
		WithObserver(rec),
		WithClock(clock.Now),
		WithIDGenerator(testutil.NewSequenceIDs("file").Generate),
		WithHandleDir(t.TempDir()),
	)
	t.Cleanup(s.RevokeAll)
	return &fixture{stack: stack, clock: clock, recorder: rec, store: s}
}

func TestNewFileID_Format(t *testing.T) {
	now := time.UnixMilli(1717200000000)
	id := NewFileID(now)

	assert.Regexp(t, regexp.MustCompile(`^file_1717200000000_[0-9a-z]{9}$`), id)
	assert.NotEqual(t, id, NewFileID(now))
}

func TestStoreFile_RawBytes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.store.StoreFile(ctx, pngHeader, map[string]any{"fileName": "a.png"})
	require.NoError(t, err)
	assert.Equal(t, FileInfo{FileID: "file_1", Type: "image/png", Size: int64(len(pngHeader))}, info)

	got, err := f.store.GetFile(ctx, info.FileID)
	require.NoError(t, err)
	assert.True(t, got.Available)
	assert.Equal(t, pngHeader, got.Data)
	assert.Equal(t, "a.png", got.Metadata["fileName"])
	assert.Equal(t, testutil.Epoch.UnixMilli(), got.CreatedAt.UnixMilli())
}

func TestStoreFile_DataURL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dataURL := "data:image/webp;base64," + base64.StdEncoding.EncodeToString([]byte("RIFFxxxxWEBP"))
	info, err := f.store.StoreDataURL(ctx, dataURL, nil)
	require.NoError(t, err)
	assert.Equal(t, "image/webp", info.Type)
	assert.Equal(t, int64(12), info.Size)

	got, err := f.store.GetFile(ctx, info.FileID)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFFxxxxWEBP"), got.Data)
}

func TestStoreFile_PercentEncodedDataURL(t *testing.T) {
	f := newFixture(t)

	info, err := f.store.StoreFile(context.Background(), []byte("data:text/plain,"+url.PathEscape("hello world")), nil)
	require.NoError(t, err)
	assert.Equal(t, "text/plain", info.Type)
	assert.Equal(t, int64(len("hello world")), info.Size)
}

func TestStoreFile_TypeFromMetadata(t *testing.T) {
	f := newFixture(t)

	info, err := f.store.StoreFile(context.Background(), []byte("opaque"), map[string]any{"mimeType": "application/x-custom"})
	require.NoError(t, err)
	assert.Equal(t, "application/x-custom", info.Type)
}

func TestStoreFile_MalformedDataURL(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.StoreFile(context.Background(), []byte("data:image/png;base64"), nil)
	assert.True(t, dberr.IsValidation(err))

	_, err = f.store.StoreFile(context.Background(), []byte("data:image/png;base64,@@@"), nil)
	assert.True(t, dberr.IsValidation(err))
}

func TestGetFile_Missing(t *testing.T) {
	f := newFixture(t)

	_, err := f.store.GetFile(context.Background(), "file_nope")
	assert.True(t, dberr.IsNotFound(err))
}

func TestGetFile_UndecodablePayloadIsUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.stack.Exec.Put(ctx, schema.FileStorage, kv.Record{"fileId": "legacy", "data": 42, "type": "image/png"})
	require.NoError(t, err)

	got, err := f.store.GetFile(ctx, "legacy")
	require.NoError(t, err)
	assert.False(t, got.Available)
	assert.Nil(t, got.Data)

	link, err := f.store.CreateFileURL(ctx, "legacy")
	require.NoError(t, err)
	assert.Empty(t, link)
}

func TestGetFile_ByteArrayPayloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	arr := make([]any, len(pngHeader))
	obj := make(map[string]any, len(pngHeader))
	for i, b := range pngHeader {
		arr[i] = float64(b)
		obj[strconv.Itoa(i)] = float64(b)
	}
	_, err := f.stack.Exec.Put(ctx, schema.FileStorage, kv.Record{"fileId": "array", "data": arr, "type": "image/png"})
	require.NoError(t, err)
	_, err = f.stack.Exec.Put(ctx, schema.FileStorage, kv.Record{"fileId": "object", "data": obj, "type": "image/png"})
	require.NoError(t, err)
	_, err = f.stack.Exec.Put(ctx, schema.FileStorage, kv.Record{"fileId": "overflow", "data": []any{float64(256)}})
	require.NoError(t, err)
	_, err = f.stack.Exec.Put(ctx, schema.FileStorage, kv.Record{"fileId": "sparse", "data": map[string]any{"0": float64(1), "5": float64(2)}})
	require.NoError(t, err)

	for _, id := range []string{"array", "object"} {
		got, err := f.store.GetFile(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.Available, id)
		assert.Equal(t, pngHeader, got.Data, id)
		assert.Equal(t, int64(len(pngHeader)), got.Size, id)
	}
	for _, id := range []string{"overflow", "sparse"} {
		got, err := f.store.GetFile(ctx, id)
		require.NoError(t, err)
		assert.False(t, got.Available, id)
	}
}

func TestListFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for range 3 {
		_, err := f.store.StoreFile(ctx, pngHeader, nil)
		require.NoError(t, err)
	}
	files, err := f.store.ListFiles(ctx)
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, "file_1", files[0].FileID)
}

func TestDeleteFile_KeepsReferencesAndUsage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.store.StoreFile(ctx, pngHeader, nil)
	require.NoError(t, err)
	_, err = f.store.AddFileReference(ctx, info.FileID, usage.CategoryAvatar, "c1", nil)
	require.NoError(t, err)
	_, err = f.store.ClassifyFile(ctx, info.FileID)
	require.NoError(t, err)

	require.NoError(t, f.store.DeleteFile(ctx, info.FileID))

	_, err = f.store.GetFile(ctx, info.FileID)
	assert.True(t, dberr.IsNotFound(err))
	n, err := f.store.ReferenceCount(ctx, info.FileID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = f.store.GetImageUsageMetadata(ctx, info.FileID)
	assert.NoError(t, err)

	err = f.store.DeleteFile(ctx, info.FileID)
	assert.True(t, dberr.IsNotFound(err))
}

func TestCreateFileURL_MemoizedAndRevoked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	info, err := f.store.StoreFile(ctx, pngHeader, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	urls := make([]string, 8)
	for i := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			urls[i], _ = f.store.CreateFileURL(ctx, info.FileID)
		}()
	}
	wg.Wait()
	for _, u := range urls {
		assert.Equal(t, urls[0], u)
	}
	require.True(t, strings.HasPrefix(urls[0], "file://"))

	path := strings.TrimPrefix(urls[0], "file://")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
	assert.True(t, strings.HasSuffix(path, ".png"))

	f.store.RevokeFileURL(info.FileID)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	again, err := f.store.CreateFileURL(ctx, info.FileID)
	require.NoError(t, err)
	assert.NotEqual(t, urls[0], again)
}

func TestCreateFileURL_MissingFileIsEmpty(t *testing.T) {
	f := newFixture(t)

	link, err := f.store.CreateFileURL(context.Background(), "file_missing")
	require.NoError(t, err)
	assert.Empty(t, link)
}

func TestRevokeAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var paths []string
	for range 2 {
		info, err := f.store.StoreFile(ctx, pngHeader, nil)
		require.NoError(t, err)
		u, err := f.store.CreateFileURL(ctx, info.FileID)
		require.NoError(t, err)
		paths = append(paths, strings.TrimPrefix(u, "file://"))
	}

	f.store.RevokeAll()
	for _, p := range paths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err))
	}
}

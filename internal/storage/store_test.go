package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailhook-dev/mailhook/internal/model"
	"github.com/mailhook-dev/mailhook/internal/scheduler"
)

// fakeObjectStore is an in-memory ObjectStore with a switchable failure mode.
type fakeObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	fail    bool
	uploads int
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{objects: make(map[string][]byte)}
}

func (f *fakeObjectStore) setFail(fail bool) {
	f.mu.Lock()
	f.fail = fail
	f.mu.Unlock()
}

func (f *fakeObjectStore) Upload(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.fail {
		return "", errors.New("connection refused")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	f.objects[key] = data
	return "https://bucket.s3.test/" + key, nil
}

func (f *fakeObjectStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func newTestTier(t *testing.T, objects ObjectStore, cfg TierConfig) (*Tier, *LocalStore) {
	t.Helper()
	local, err := NewLocalStore(filepath.Join(t.TempDir(), "staging"), nil)
	require.NoError(t, err)

	sched := scheduler.New()
	t.Cleanup(sched.Stop)

	tier := NewTier(objects, local, cfg, sched, nil, slog.Default())
	t.Cleanup(tier.Stop)
	return tier, local
}

func att(name string, size int) model.Attachment {
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i)
	}
	return model.Attachment{
		Filename:    name,
		ContentType: "application/octet-stream",
		Size:        int64(size),
		Content:     content,
	}
}

func TestStoreUploadsToPrimary(t *testing.T) {
	objects := newFakeObjectStore()
	tier, _ := newTestTier(t, objects, TierConfig{MaxFileSize: 1 << 20})

	stored := tier.Store(context.Background(), att("doc.pdf", 1024))

	assert.Equal(t, model.StoredObject, stored.Kind)
	assert.Contains(t, stored.URL, "doc.pdf")
	assert.Equal(t, 1, objects.count())
}

func TestStoreSkipsOversized(t *testing.T) {
	objects := newFakeObjectStore()
	tier, local := newTestTier(t, objects, TierConfig{MaxFileSize: 100})

	stored := tier.Store(context.Background(), att("big.iso", 101))

	assert.Equal(t, model.StoredSkipped, stored.Kind)
	assert.Equal(t, SkipReasonSize, stored.Reason)
	assert.Zero(t, objects.uploads, "no backend may be consulted for a skipped attachment")

	entries, err := local.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestStoreExactlyMaxSizeUploads(t *testing.T) {
	objects := newFakeObjectStore()
	tier, _ := newTestTier(t, objects, TierConfig{MaxFileSize: 100})

	stored := tier.Store(context.Background(), att("edge.bin", 100))
	assert.Equal(t, model.StoredObject, stored.Kind)
}

func TestStoreFallsBackOnPrimaryFailure(t *testing.T) {
	objects := newFakeObjectStore()
	objects.setFail(true)
	tier, local := newTestTier(t, objects, TierConfig{MaxFileSize: 1 << 20, RetryInterval: time.Hour, MaxRetries: 3})

	stored := tier.Store(context.Background(), att("doc.pdf", 512))

	require.Equal(t, model.StoredLocal, stored.Kind)
	assert.NotEmpty(t, stored.Path)
	assert.NotEmpty(t, stored.AttachmentID)
	assert.Equal(t, model.LocalStorageNote, stored.Note)
	assert.Equal(t, 1, tier.PendingDrain())

	// Data and meta sidecar both exist with tight permissions.
	info, err := os.Stat(stored.Path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	_, err = os.Stat(stored.Path + metaSuffix)
	assert.NoError(t, err)

	content, meta, err := local.Read(stored.Path)
	require.NoError(t, err)
	assert.Len(t, content, 512)
	assert.Equal(t, "doc.pdf", meta.OriginalName)
}

func TestStoreWithoutPrimaryStagesLocally(t *testing.T) {
	tier, _ := newTestTier(t, nil, TierConfig{MaxFileSize: 1 << 20})

	stored := tier.Store(context.Background(), att("doc.pdf", 64))
	assert.Equal(t, model.StoredLocal, stored.Kind)
	assert.Zero(t, tier.PendingDrain(), "nothing to drain without a primary store")
}

func TestRecordProjection(t *testing.T) {
	a := att("doc.pdf", 10)
	a.ContentType = "application/pdf"

	t.Run("object", func(t *testing.T) {
		rec := model.StoredAttachment{Kind: model.StoredObject, URL: "https://x/doc.pdf"}.Record(a)
		require.NotNil(t, rec.Location)
		assert.Equal(t, "https://x/doc.pdf", *rec.Location)
		assert.Equal(t, model.StorageTypeS3, rec.StorageType)
		assert.Empty(t, rec.Note)
	})

	t.Run("local", func(t *testing.T) {
		rec := model.StoredAttachment{
			Kind:         model.StoredLocal,
			Path:         "/staging/x",
			AttachmentID: "id-1",
			Note:         model.LocalStorageNote,
		}.Record(a)
		assert.Nil(t, rec.Location)
		assert.Equal(t, model.StorageTypeLocal, rec.StorageType)
		assert.Equal(t, "id-1", rec.AttachmentID)
		assert.Equal(t, model.LocalStorageNote, rec.Note)
	})

	t.Run("failed", func(t *testing.T) {
		rec := model.StoredAttachment{Kind: model.StoredFailed, Err: "disk full"}.Record(a)
		assert.Equal(t, model.StorageTypeFailed, rec.StorageType)
		assert.Equal(t, "disk full", rec.Error)
	})
}

func TestDrainUploadsAndUnlinks(t *testing.T) {
	objects := newFakeObjectStore()
	objects.setFail(true)
	tier, local := newTestTier(t, objects, TierConfig{MaxFileSize: 1 << 20, RetryInterval: time.Hour, MaxRetries: 3})

	stored := tier.Store(context.Background(), att("doc.pdf", 256))
	require.Equal(t, model.StoredLocal, stored.Kind)

	objects.setFail(false)
	tier.drainOnce()

	assert.Equal(t, 1, objects.count())
	assert.Zero(t, tier.PendingDrain())

	_, err := os.Stat(stored.Path)
	assert.True(t, os.IsNotExist(err), "data file must be unlinked after drain")
	_, err = os.Stat(stored.Path + metaSuffix)
	assert.True(t, os.IsNotExist(err), "meta file must be unlinked after drain")

	entries, err := local.List()
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDrainGivesUpAfterMaxRetries(t *testing.T) {
	objects := newFakeObjectStore()
	objects.setFail(true)
	tier, _ := newTestTier(t, objects, TierConfig{MaxFileSize: 1 << 20, RetryInterval: time.Hour, MaxRetries: 2})

	stored := tier.Store(context.Background(), att("doc.pdf", 128))
	require.Equal(t, model.StoredLocal, stored.Kind)

	tier.drainOnce()
	assert.Equal(t, 1, tier.PendingDrain())
	tier.drainOnce()
	assert.Zero(t, tier.PendingDrain(), "item dropped from the retry set at the cap")

	// The file stays for retention cleanup.
	_, err := os.Stat(stored.Path)
	assert.NoError(t, err)
}

func TestStartSeedsRetrySetFromDisk(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "staging")
	local, err := NewLocalStore(dir, nil)
	require.NoError(t, err)
	_, _, err = local.Save("leftover.bin", "application/octet-stream", []byte("leftover"))
	require.NoError(t, err)

	objects := newFakeObjectStore()
	sched := scheduler.New()
	t.Cleanup(sched.Stop)

	tier := NewTier(objects, local, TierConfig{MaxFileSize: 1 << 20, RetryInterval: time.Hour, MaxRetries: 3}, sched, nil, slog.Default())
	t.Cleanup(tier.Stop)
	require.NoError(t, tier.Start())

	assert.Equal(t, 1, tier.PendingDrain(), "staged files from a previous run must re-enter the retry set")

	tier.drainOnce()
	assert.Equal(t, 1, objects.count())
	assert.Zero(t, tier.PendingDrain())
}

package relocation

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/setv/ultrascan/server/models"
	"github.com/setv/ultrascan/server/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testBuckets = Buckets{Videos: "scan-videos", Images: "scan-images", Reports: "reports"}

// flakyStore fails the listed operations a number of times before
// delegating to the memory store.
type flakyStore struct {
	*storage.MemoryStore
	mu         sync.Mutex
	copyFails  map[string]int
	deleteFail map[string]int
	deletes    []string
}

func newFlakyStore() *flakyStore {
	return &flakyStore{
		MemoryStore: storage.NewMemoryStore("http://blob"),
		copyFails:   map[string]int{},
		deleteFail:  map[string]int{},
	}
}

func (s *flakyStore) Copy(ctx context.Context, bucket, src, dst string) error {
	s.mu.Lock()
	if s.copyFails[src] > 0 {
		s.copyFails[src]--
		s.mu.Unlock()
		return errors.New("copy timeout")
	}
	s.mu.Unlock()
	return s.MemoryStore.Copy(ctx, bucket, src, dst)
}

func (s *flakyStore) Delete(ctx context.Context, bucket, key string) error {
	s.mu.Lock()
	if s.deleteFail[key] > 0 {
		s.deleteFail[key]--
		s.mu.Unlock()
		return errors.New("delete refused")
	}
	s.deletes = append(s.deletes, key)
	s.mu.Unlock()
	return s.MemoryStore.Delete(ctx, bucket, key)
}

// gatedStore holds every Copy until gate is closed.
type gatedStore struct {
	*storage.MemoryStore
	gate chan struct{}
}

func (s *gatedStore) Copy(ctx context.Context, bucket, src, dst string) error {
	select {
	case <-s.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.MemoryStore.Copy(ctx, bucket, src, dst)
}

func put(t *testing.T, s storage.BlobStore, bucket, key, body string) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), bucket, key, bytes.NewReader([]byte(body)), int64(len(body)), "application/octet-stream"))
}

func exists(t *testing.T, s storage.BlobStore, bucket, key string) bool {
	t.Helper()
	ok, err := s.Exists(context.Background(), bucket, key)
	require.NoError(t, err)
	return ok
}

func read(t *testing.T, s storage.BlobStore, bucket, key string) string {
	t.Helper()
	rc, err := s.Get(context.Background(), bucket, key)
	require.NoError(t, err)
	defer rc.Close()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(b)
}

func newTestRelocator(store storage.BlobStore) *Relocator {
	return NewRelocator(store, testBuckets, NewMemoryOutbox(), 2, zap.NewNop())
}

func TestUploadFrameStripsDataURI(t *testing.T) {
	store := storage.NewMemoryStore("http://blob")
	r := newTestRelocator(store)

	png := []byte{0x89, 'P', 'N', 'G'}
	encoded := base64.StdEncoding.EncodeToString(png)

	url, err := r.UploadFrame(context.Background(), "TEMP", 3, "data:image/jpeg;base64,"+encoded)
	require.NoError(t, err)
	assert.Equal(t, "http://blob/scan-images/TEMP/img3.png", url)
	assert.Equal(t, string(png), read(t, store, "scan-images", "TEMP/img3.png"))

	_, err = r.UploadFrame(context.Background(), "TEMP", 4, encoded)
	require.NoError(t, err)
	assert.True(t, exists(t, store, "scan-images", "TEMP/img4.png"))

	_, err = r.UploadFrame(context.Background(), "TEMP", 5, "not base64!!")
	assert.ErrorIs(t, err, ErrInvalidImage)
}

func TestUploadVideoAndPDF(t *testing.T) {
	store := storage.NewMemoryStore("http://blob")
	r := newTestRelocator(store)

	url, err := r.UploadVideo(context.Background(), "TEMP", bytes.NewReader([]byte("mp4")), 3, "")
	require.NoError(t, err)
	assert.Equal(t, "http://blob/scan-videos/TEMP_video.mp4", url)

	url, err = r.UploadPDF(context.Background(), "FINAL", []byte("%PDF"))
	require.NoError(t, err)
	assert.Equal(t, "http://blob/reports/FINAL_report.pdf", url)
}

func TestRelocateVideoMissingSourceIsNoOp(t *testing.T) {
	store := storage.NewMemoryStore("http://blob")
	r := newTestRelocator(store)

	url, found, err := r.RelocateVideo(context.Background(), "TEMP", "FINAL")
	require.NoError(t, err)
	assert.False(t, found)
	assert.Empty(t, url)
	assert.False(t, exists(t, store, "scan-videos", "FINAL_video.mp4"))
}

func TestRelocateVideoMovesObject(t *testing.T) {
	store := storage.NewMemoryStore("http://blob")
	put(t, store, "scan-videos", "TEMP_video.mp4", "video")
	r := newTestRelocator(store)

	url, found, err := r.RelocateVideo(context.Background(), "TEMP", "FINAL")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "http://blob/scan-videos/FINAL_video.mp4", url)
	assert.False(t, exists(t, store, "scan-videos", "TEMP_video.mp4"))
	assert.Equal(t, "video", read(t, store, "scan-videos", "FINAL_video.mp4"))
}

func TestRelocateFolderMovesEveryFrame(t *testing.T) {
	store := storage.NewMemoryStore("http://blob")
	for i := 1; i <= 5; i++ {
		put(t, store, "scan-images", storage.FrameKey("TEMP", i), fmt.Sprintf("frame%d", i))
	}
	put(t, store, "scan-images", "TEMP2/img1.png", "other visit")
	r := newTestRelocator(store)

	result, err := r.RelocateFolder(context.Background(), "TEMP", "FINAL")
	require.NoError(t, err)
	assert.True(t, result.Complete())
	assert.Len(t, result.Moved, 5)

	for i := 1; i <= 5; i++ {
		assert.Equal(t, fmt.Sprintf("frame%d", i), read(t, store, "scan-images", storage.FrameKey("FINAL", i)))
	}
	left, err := store.List(context.Background(), "scan-images", "TEMP/")
	require.NoError(t, err)
	assert.Empty(t, left)
	assert.True(t, exists(t, store, "scan-images", "TEMP2/img1.png"))
}

func TestRelocateFolderEmptyIsNoOp(t *testing.T) {
	store := storage.NewMemoryStore("http://blob")
	r := newTestRelocator(store)

	result, err := r.RelocateFolder(context.Background(), "TEMP", "FINAL")
	require.NoError(t, err)
	assert.Empty(t, result.Moved)
	assert.True(t, result.Complete())
}

func TestRelocateFolderKeepsOriginalsOfFailedCopies(t *testing.T) {
	store := newFlakyStore()
	for i := 1; i <= 3; i++ {
		put(t, store, "scan-images", storage.FrameKey("TEMP", i), "x")
	}
	store.copyFails["TEMP/img2.png"] = 1
	r := newTestRelocator(store)

	result, err := r.RelocateFolder(context.Background(), "TEMP", "FINAL")
	require.NoError(t, err)
	assert.False(t, result.Complete())
	assert.Equal(t, []string{"TEMP/img2.png"}, result.CopyFailed)
	assert.ElementsMatch(t, []string{"TEMP/img1.png", "TEMP/img3.png"}, result.Moved)

	assert.True(t, exists(t, store, "scan-images", "TEMP/img2.png"))
	assert.False(t, exists(t, store, "scan-images", "FINAL/img2.png"))
	assert.NotContains(t, store.deletes, "TEMP/img2.png")
}

func TestEnqueueVideoRecordsPhasesAndNotifies(t *testing.T) {
	store := storage.NewMemoryStore("http://blob")
	put(t, store, "scan-videos", "TEMP_video.mp4", "video")
	r := newTestRelocator(store)

	var mu sync.Mutex
	var notified []string
	r.OnVideoRelocated(func(ctx context.Context, visitID, url string) {
		mu.Lock()
		notified = append(notified, visitID+" "+url)
		mu.Unlock()
	})

	row, err := r.EnqueueVideo(context.Background(), "FINAL", "TEMP", "FINAL")
	require.NoError(t, err)
	assert.Equal(t, models.StatePending, row.State)

	r.Wait()

	rows, err := r.Outbox().ListByVisit(context.Background(), "FINAL")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StateSourceDeleted, rows[0].State)
	assert.Equal(t, "http://blob/scan-videos/FINAL_video.mp4", rows[0].URL)
	assert.Equal(t, []string{"FINAL http://blob/scan-videos/FINAL_video.mp4"}, notified)
}

func TestEnqueueMissingSourceEndsNotFound(t *testing.T) {
	r := newTestRelocator(storage.NewMemoryStore("http://blob"))

	_, err := r.EnqueueFolder(context.Background(), "FINAL", "TEMP", "FINAL")
	require.NoError(t, err)
	r.Wait()

	rows, err := r.Outbox().ListByVisit(context.Background(), "FINAL")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StateNotFound, rows[0].State)

	pending, err := r.Outbox().ListPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFailedDeleteResumesWithoutRecopy(t *testing.T) {
	store := newFlakyStore()
	put(t, store, "scan-videos", "TEMP_video.mp4", "video")
	store.deleteFail["TEMP_video.mp4"] = 1
	r := newTestRelocator(store)

	_, err := r.EnqueueVideo(context.Background(), "FINAL", "TEMP", "FINAL")
	require.NoError(t, err)
	r.Wait()

	rows, err := r.Outbox().ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StateFailed, rows[0].State)
	assert.Equal(t, models.StateCopied, rows[0].ResumeFrom)
	assert.Equal(t, 1, rows[0].Attempts)

	// a resumed row in the copy phase would fail on this copy
	store.copyFails["TEMP_video.mp4"] = 100

	reconciler := NewReconciler(r, ReconcilerConfig{MaxAttempts: 5}, zap.NewNop())
	reconciler.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }

	assert.Equal(t, 1, reconciler.ReconcileOnce(context.Background()))

	rows, err = r.Outbox().ListByVisit(context.Background(), "FINAL")
	require.NoError(t, err)
	assert.Equal(t, models.StateSourceDeleted, rows[0].State)
	assert.False(t, exists(t, store, "scan-videos", "TEMP_video.mp4"))
	assert.True(t, exists(t, store, "scan-videos", "FINAL_video.mp4"))
}

func TestReconcilerRetriesFailedFolderCopies(t *testing.T) {
	store := newFlakyStore()
	for i := 1; i <= 3; i++ {
		put(t, store, "scan-images", storage.FrameKey("TEMP", i), "x")
	}
	store.copyFails["TEMP/img3.png"] = 2
	r := newTestRelocator(store)

	_, err := r.EnqueueFolder(context.Background(), "FINAL", "TEMP", "FINAL")
	require.NoError(t, err)
	r.Wait()

	rows, err := r.Outbox().ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StatePending, rows[0].ResumeFrom)
	// nothing is deleted while a copy is missing
	assert.Empty(t, store.deletes)

	reconciler := NewReconciler(r, ReconcilerConfig{MaxAttempts: 5, RetriesPerRun: 3}, zap.NewNop())
	reconciler.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	assert.Equal(t, 1, reconciler.ReconcileOnce(context.Background()))

	for i := 1; i <= 3; i++ {
		assert.True(t, exists(t, store, "scan-images", storage.FrameKey("FINAL", i)))
		assert.False(t, exists(t, store, "scan-images", storage.FrameKey("TEMP", i)))
	}
}

func TestReconcilerStopsAtMaxAttempts(t *testing.T) {
	store := newFlakyStore()
	put(t, store, "scan-videos", "TEMP_video.mp4", "video")
	store.copyFails["TEMP_video.mp4"] = 1000
	r := newTestRelocator(store)

	_, err := r.EnqueueVideo(context.Background(), "FINAL", "TEMP", "FINAL")
	require.NoError(t, err)
	r.Wait()

	reconciler := NewReconciler(r, ReconcilerConfig{MaxAttempts: 3, RetriesPerRun: 10}, zap.NewNop())
	reconciler.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	assert.Zero(t, reconciler.ReconcileOnce(context.Background()))

	rows, err := r.Outbox().ListByVisit(context.Background(), "FINAL")
	require.NoError(t, err)
	assert.Equal(t, 3, rows[0].Attempts)
	assert.Equal(t, models.StateFailed, rows[0].State)

	pending, err := r.Outbox().ListPending(context.Background(), 3)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReconcileStaleRowKeepsFinishedMove(t *testing.T) {
	store := &gatedStore{MemoryStore: storage.NewMemoryStore("http://blob"), gate: make(chan struct{})}
	put(t, store, "scan-videos", "TEMP_video.mp4", "video")
	r := newTestRelocator(store)

	_, err := r.EnqueueVideo(context.Background(), "FINAL", "TEMP", "FINAL")
	require.NoError(t, err)

	stale, err := r.Outbox().ListPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, models.StatePending, stale[0].State)

	close(store.gate)
	r.Wait()

	reconciler := NewReconciler(r, ReconcilerConfig{MaxAttempts: 5}, zap.NewNop())
	reconciler.newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	assert.True(t, reconciler.reconcile(context.Background(), &stale[0]))

	rows, err := r.Outbox().ListByVisit(context.Background(), "FINAL")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, models.StateSourceDeleted, rows[0].State)
	assert.Equal(t, "http://blob/scan-videos/FINAL_video.mp4", rows[0].URL)
	assert.Equal(t, models.StateSourceDeleted, stale[0].State)
}

func TestShutdownWaitsForRelocations(t *testing.T) {
	store := storage.NewMemoryStore("http://blob")
	put(t, store, "scan-videos", "TEMP_video.mp4", "video")
	r := newTestRelocator(store)

	_, err := r.EnqueueVideo(context.Background(), "FINAL", "TEMP", "FINAL")
	require.NoError(t, err)
	require.NoError(t, r.Shutdown(time.Second))
	assert.True(t, exists(t, store, "scan-videos", "FINAL_video.mp4"))
}

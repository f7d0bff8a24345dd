// Package relocation moves visit artifacts from their temporary keys to the
// keys of the confirmed visit.
//
// A move is a copy followed by a delete of the source. Each move is recorded
// in an outbox and advances pending -> copied -> source_deleted, so that a
// move interrupted after the copy only ever resumes with the delete. Absent
// sources end in not_found and are not an error.
package relocation

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/setv/ultrascan/server/metrics"
	"github.com/setv/ultrascan/server/models"
	"github.com/setv/ultrascan/server/storage"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var dataURIPrefix = regexp.MustCompile(`^data:image/\w+;base64,`)

var ErrInvalidImage = errors.New("invalid base64 image")

type Buckets struct {
	Videos  string
	Images  string
	Reports string
}

// FolderResult lists the per-object outcome of a folder move. Keys are the
// source keys.
type FolderResult struct {
	Moved        []string
	CopyFailed   []string
	DeleteFailed []string
}

func (r FolderResult) Complete() bool {
	return len(r.CopyFailed) == 0 && len(r.DeleteFailed) == 0
}

// VideoRelocatedFunc is invoked once the video of a visit reached its final
// key.
type VideoRelocatedFunc func(ctx context.Context, visitID, url string)

type Relocator struct {
	store       storage.BlobStore
	buckets     Buckets
	outbox      Outbox
	copyWorkers int
	logger      *zap.Logger

	onVideo  VideoRelocatedFunc
	inFlight map[string]struct{}
	mu       sync.Mutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
}

func NewRelocator(store storage.BlobStore, buckets Buckets, outbox Outbox, copyWorkers int, logger *zap.Logger) *Relocator {
	if copyWorkers <= 0 {
		copyWorkers = 4
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Relocator{
		store:       store,
		buckets:     buckets,
		outbox:      outbox,
		copyWorkers: copyWorkers,
		logger:      logger,
		inFlight:    make(map[string]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// OnVideoRelocated registers fn to be told the final URL of relocated
// videos.
func (r *Relocator) OnVideoRelocated(fn VideoRelocatedFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onVideo = fn
}

func (r *Relocator) Outbox() Outbox {
	return r.outbox
}

func (r *Relocator) UploadVideo(ctx context.Context, tempID string, body io.Reader, size int64, contentType string) (string, error) {
	key := storage.VideoKey(tempID)
	if contentType == "" {
		contentType = "video/mp4"
	}
	if err := r.store.Put(ctx, r.buckets.Videos, key, body, size, contentType); err != nil {
		return "", fmt.Errorf("failed to upload video: %w", err)
	}
	return r.store.URL(r.buckets.Videos, key), nil
}

// UploadFrame stores an annotated frame given as plain base64 or as an image
// data URI.
func (r *Relocator) UploadFrame(ctx context.Context, folder string, idx int, image string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(dataURIPrefix.ReplaceAllString(image, ""))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}

	key := storage.FrameKey(folder, idx)
	if err := r.store.Put(ctx, r.buckets.Images, key, bytes.NewReader(data), int64(len(data)), "image/png"); err != nil {
		return "", fmt.Errorf("failed to upload frame: %w", err)
	}
	return r.store.URL(r.buckets.Images, key), nil
}

func (r *Relocator) UploadPDF(ctx context.Context, id string, pdf []byte) (string, error) {
	key := storage.ReportKey(id)
	if err := r.store.Put(ctx, r.buckets.Reports, key, bytes.NewReader(pdf), int64(len(pdf)), "application/pdf"); err != nil {
		return "", fmt.Errorf("failed to upload report: %w", err)
	}
	return r.store.URL(r.buckets.Reports, key), nil
}

// RelocateVideo moves {tempID}_video.mp4 to {finalID}_video.mp4 inline,
// without an outbox row. EnqueueVideo runs the same two phases tracked.
// found is false when there was no source video; nothing is created then.
func (r *Relocator) RelocateVideo(ctx context.Context, tempID, finalID string) (string, bool, error) {
	found, err := r.copyVideo(ctx, r.buckets.Videos, tempID, finalID)
	if err != nil || !found {
		return "", found, err
	}
	url, err := r.deleteVideoSource(ctx, r.buckets.Videos, tempID, finalID)
	if err != nil {
		return "", true, err
	}
	return url, true, nil
}

// RelocateFolder moves every frame under {tempFolder}/ to {finalFolder}/
// inline, without an outbox row. EnqueueFolder runs the same phases tracked.
// Sources are deleted only after all copies were attempted, and only those
// whose copy succeeded. Per-object failures are reported in the result.
func (r *Relocator) RelocateFolder(ctx context.Context, tempFolder, finalFolder string) (FolderResult, error) {
	copied, copyFailed, err := r.copyFolder(ctx, tempFolder, finalFolder)
	if err != nil {
		return FolderResult{}, err
	}

	moved, deleteFailed := r.deleteSources(ctx, copied, finalFolder)
	return FolderResult{Moved: moved, CopyFailed: copyFailed, DeleteFailed: deleteFailed}, nil
}

func (r *Relocator) copyVideo(ctx context.Context, bucket, tempID, finalID string) (bool, error) {
	return r.copyObject(ctx, bucket, storage.VideoKey(tempID), storage.VideoKey(finalID))
}

// deleteVideoSource removes the temporary video once its copy is present
// and returns the final URL.
func (r *Relocator) deleteVideoSource(ctx context.Context, bucket, tempID, finalID string) (string, error) {
	dst := storage.VideoKey(finalID)
	exists, err := r.store.Exists(ctx, bucket, dst)
	if err != nil {
		return "", fmt.Errorf("failed to stat destination: %w", err)
	}
	if !exists {
		return "", fmt.Errorf("destination %s missing", dst)
	}
	if err := r.store.Delete(ctx, bucket, storage.VideoKey(tempID)); err != nil {
		return "", fmt.Errorf("failed to delete source video: %w", err)
	}
	return r.store.URL(bucket, dst), nil
}

// copyObject returns found=false when src does not exist.
func (r *Relocator) copyObject(ctx context.Context, bucket, src, dst string) (bool, error) {
	exists, err := r.store.Exists(ctx, bucket, src)
	if err != nil {
		return false, fmt.Errorf("failed to stat source: %w", err)
	}
	if !exists {
		return false, nil
	}

	if err := r.store.Copy(ctx, bucket, src, dst); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return true, fmt.Errorf("failed to copy %s: %w", src, err)
	}
	return true, nil
}

func (r *Relocator) copyFolder(ctx context.Context, tempFolder, finalFolder string) (copied, failed []string, err error) {
	objects, err := r.store.List(ctx, r.buckets.Images, storage.FolderPrefix(tempFolder))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list folder: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.copyWorkers)

	for _, obj := range objects {
		key := obj.Key
		g.Go(func() error {
			err := r.store.Copy(gctx, r.buckets.Images, key, storage.RebaseKey(key, finalFolder))

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("Failed to copy frame",
					zap.String("key", key),
					zap.String("folder", finalFolder),
					zap.Error(err))
				failed = append(failed, key)
				return nil
			}
			copied = append(copied, key)
			return nil
		})
	}
	_ = g.Wait()

	return copied, failed, ctx.Err()
}

// deleteSources removes source keys whose copy exists under finalFolder.
func (r *Relocator) deleteSources(ctx context.Context, keys []string, finalFolder string) (deleted, failed []string) {
	for _, key := range keys {
		exists, err := r.store.Exists(ctx, r.buckets.Images, storage.RebaseKey(key, finalFolder))
		if err == nil && !exists {
			err = fmt.Errorf("copy of %s missing", path.Base(key))
		}
		if err == nil {
			err = r.store.Delete(ctx, r.buckets.Images, key)
		}
		if err != nil {
			r.logger.Warn("Failed to delete source frame", zap.String("key", key), zap.Error(err))
			failed = append(failed, key)
			continue
		}
		deleted = append(deleted, key)
	}
	return deleted, failed
}

// EnqueueVideo records the move of the visit video and runs it in the
// background.
func (r *Relocator) EnqueueVideo(ctx context.Context, visitID, tempID, finalID string) (*models.Relocation, error) {
	return r.enqueue(ctx, visitID, models.RelocationVideo, r.buckets.Videos, tempID, finalID)
}

// EnqueueFolder records the move of the annotated frame folder and runs it
// in the background.
func (r *Relocator) EnqueueFolder(ctx context.Context, visitID, tempFolder, finalFolder string) (*models.Relocation, error) {
	return r.enqueue(ctx, visitID, models.RelocationFolder, r.buckets.Images, tempFolder, finalFolder)
}

func (r *Relocator) enqueue(ctx context.Context, visitID string, kind models.RelocationKind, bucket, source, destination string) (*models.Relocation, error) {
	now := time.Now().UTC()
	row := &models.Relocation{
		ID:          uuid.NewString(),
		VisitID:     visitID,
		Kind:        kind,
		Bucket:      bucket,
		Source:      source,
		Destination: destination,
		State:       models.StatePending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := r.outbox.Create(ctx, row); err != nil {
		return nil, fmt.Errorf("failed to record relocation: %w", err)
	}

	r.Go(*row)
	return row, nil
}

// Go runs row in a tracked goroutine unless it is already being processed.
func (r *Relocator) Go(row models.Relocation) bool {
	if !r.claim(row.ID) {
		return false
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(row.ID)

		if err := r.process(r.ctx, &row); err != nil {
			r.logger.Warn("Relocation failed, left for the reconciler",
				zap.String("relocation_id", row.ID),
				zap.String("visit_id", row.VisitID),
				zap.String("kind", string(row.Kind)),
				zap.Error(err))
		}
	}()
	return true
}

// Resume runs row synchronously from the phase currently recorded in the
// outbox, refreshing row with it. It returns false without doing anything
// when the row is already being processed.
func (r *Relocator) Resume(ctx context.Context, row *models.Relocation) (bool, error) {
	if !r.claim(row.ID) {
		return false, nil
	}
	defer r.release(row.ID)

	r.wg.Add(1)
	defer r.wg.Done()

	current, err := r.outbox.Get(ctx, row.ID)
	if err != nil {
		return true, fmt.Errorf("failed to reload relocation: %w", err)
	}
	*row = *current
	if row.State.Terminal() {
		return true, nil
	}

	return true, r.process(ctx, row)
}

func (r *Relocator) claim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inFlight[id]; busy {
		return false
	}
	r.inFlight[id] = struct{}{}
	return true
}

func (r *Relocator) release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inFlight, id)
}

func resumePoint(row *models.Relocation) models.RelocationState {
	if row.State == models.StateFailed {
		if row.ResumeFrom == "" {
			return models.StatePending
		}
		return row.ResumeFrom
	}
	return row.State
}

// process advances row through the remaining phases, writing every
// transition to the outbox.
func (r *Relocator) process(ctx context.Context, row *models.Relocation) error {
	phase := resumePoint(row)

	if phase == models.StatePending {
		found, err := r.copyPhase(ctx, row)
		if err != nil {
			return r.failed(ctx, row, models.StatePending, err)
		}
		if !found {
			r.logger.Info("Nothing to relocate",
				zap.String("visit_id", row.VisitID),
				zap.String("kind", string(row.Kind)),
				zap.String("source", row.Source))
			return r.transition(ctx, row, models.StateNotFound)
		}
		if err := r.transition(ctx, row, models.StateCopied); err != nil {
			return err
		}
		phase = models.StateCopied
	}

	if phase == models.StateCopied {
		url, err := r.deletePhase(ctx, row)
		if err != nil {
			return r.failed(ctx, row, models.StateCopied, err)
		}
		row.URL = url
		if err := r.transition(ctx, row, models.StateSourceDeleted); err != nil {
			return err
		}

		r.logger.Info("Relocated artifact",
			zap.String("visit_id", row.VisitID),
			zap.String("kind", string(row.Kind)),
			zap.String("destination", row.Destination))

		if row.Kind == models.RelocationVideo {
			r.mu.Lock()
			onVideo := r.onVideo
			r.mu.Unlock()
			if onVideo != nil {
				onVideo(ctx, row.VisitID, url)
			}
		}
	}

	return nil
}

func (r *Relocator) copyPhase(ctx context.Context, row *models.Relocation) (bool, error) {
	switch row.Kind {
	case models.RelocationVideo:
		return r.copyVideo(ctx, row.Bucket, row.Source, row.Destination)

	case models.RelocationFolder:
		copied, failed, err := r.copyFolder(ctx, row.Source, row.Destination)
		if err != nil {
			return false, err
		}
		if len(failed) > 0 {
			return true, fmt.Errorf("%d of %d frames failed to copy", len(failed), len(failed)+len(copied))
		}
		return len(copied) > 0, nil
	}
	return false, fmt.Errorf("unknown relocation kind %q", row.Kind)
}

// deletePhase removes the sources of a copied row. Only sources whose copy
// is present are deleted.
func (r *Relocator) deletePhase(ctx context.Context, row *models.Relocation) (string, error) {
	switch row.Kind {
	case models.RelocationVideo:
		return r.deleteVideoSource(ctx, row.Bucket, row.Source, row.Destination)

	case models.RelocationFolder:
		objects, err := r.store.List(ctx, row.Bucket, storage.FolderPrefix(row.Source))
		if err != nil {
			return "", fmt.Errorf("failed to list folder: %w", err)
		}
		keys := make([]string, len(objects))
		for i, obj := range objects {
			keys[i] = obj.Key
		}
		if _, failed := r.deleteSources(ctx, keys, row.Destination); len(failed) > 0 {
			return "", fmt.Errorf("%d frames could not be deleted", len(failed))
		}
		return r.store.URL(row.Bucket, storage.FolderPrefix(row.Destination)), nil
	}
	return "", fmt.Errorf("unknown relocation kind %q", row.Kind)
}

func (r *Relocator) transition(ctx context.Context, row *models.Relocation, state models.RelocationState) error {
	row.State = state
	row.ResumeFrom = ""
	row.LastError = ""
	row.UpdatedAt = time.Now().UTC()

	metrics.RelocationsTotal.WithLabelValues(string(row.Kind), string(state)).Inc()

	if err := r.outbox.Update(r.detach(ctx), row); err != nil {
		return fmt.Errorf("failed to record relocation state %s: %w", state, err)
	}
	return nil
}

func (r *Relocator) failed(ctx context.Context, row *models.Relocation, from models.RelocationState, cause error) error {
	row.State = models.StateFailed
	row.ResumeFrom = from
	row.Attempts++
	row.LastError = cause.Error()
	row.UpdatedAt = time.Now().UTC()

	metrics.RelocationsTotal.WithLabelValues(string(row.Kind), string(models.StateFailed)).Inc()

	if err := r.outbox.Update(r.detach(ctx), row); err != nil {
		r.logger.Error("Failed to record relocation failure",
			zap.String("relocation_id", row.ID),
			zap.Error(err))
	}
	return cause
}

// detach keeps outbox writes alive when ctx was cancelled mid-phase.
func (r *Relocator) detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// Wait blocks until every tracked relocation finished.
func (r *Relocator) Wait() {
	r.wg.Wait()
}

// Shutdown cancels in-flight relocations and waits for them up to timeout.
// Interrupted rows stay in the outbox for the next reconciliation.
func (r *Relocator) Shutdown(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		r.cancel()
		<-done
		return fmt.Errorf("relocations still running after %s", timeout)
	}
}

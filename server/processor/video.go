package processor

import (
	"context"
	"fmt"
	"os"

	"github.com/setv/ultrascan/server/sampler"
	"github.com/setv/ultrascan/server/storage"
	"go.uber.org/zap"
)

// VideoOpener makes the uploaded video of a visit available for sampling.
// The returned cleanup releases any local copy.
type VideoOpener interface {
	Open(ctx context.Context, tempID string) (sampler.VideoSource, func(), error)
}

// StoreVideoOpener downloads the visit video from the blob store into a
// temp file read through ffmpeg.
type StoreVideoOpener struct {
	store   storage.BlobStore
	bucket  string
	tempDir string
	ffmpeg  sampler.FFmpegConfig
	logger  *zap.Logger
}

func NewStoreVideoOpener(store storage.BlobStore, bucket, tempDir string, ffmpeg sampler.FFmpegConfig, logger *zap.Logger) *StoreVideoOpener {
	return &StoreVideoOpener{
		store:   store,
		bucket:  bucket,
		tempDir: tempDir,
		ffmpeg:  ffmpeg,
		logger:  logger,
	}
}

func (o *StoreVideoOpener) Open(ctx context.Context, tempID string) (sampler.VideoSource, func(), error) {
	f, err := os.CreateTemp(o.tempDir, "ultrascan-*.mp4")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	path := f.Name()
	f.Close()

	cleanup := func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			o.logger.Warn("Failed to remove temp video", zap.String("path", path), zap.Error(err))
		}
	}

	if err := o.store.Download(ctx, o.bucket, storage.VideoKey(tempID), path); err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("failed to download video: %w", err)
	}

	return sampler.NewFFmpegSource(path, o.ffmpeg, o.logger), cleanup, nil
}

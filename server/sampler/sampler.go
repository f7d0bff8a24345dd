// Package sampler extracts evenly time-spaced still frames from a video.
//
// Offsets are i/R for i = 0..floor(D*R), so a video of duration D sampled at
// rate R yields floor(D*R)+1 frames. Each frame is handed to the caller and
// fully processed before the next seek is issued; at most one frame is in
// flight.
package sampler

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/setv/ultrascan/server/models"
	"go.uber.org/zap"
)

const (
	MinRate = 1
	MaxRate = 60

	// absorbs float error in D*R so that e.g. 0.7*10 still yields 8 frames
	epsilon = 1e-9
)

var (
	ErrInvalidRate     = errors.New("sampling rate must be between 1 and 60")
	ErrZeroDuration    = errors.New("video has no duration")
	ErrInvalidDuration = errors.New("video duration is unreadable")
)

// VideoSource is a decoded video that can be seeked and rasterized.
type VideoSource interface {
	Duration(ctx context.Context) (float64, error)
	// FrameAt seeks to offset seconds and returns the frame encoded as PNG.
	FrameAt(ctx context.Context, offset float64) ([]byte, error)
}

type FrameFunc func(ctx context.Context, frame models.Frame) error

type ProgressFunc func(progress float64, frame models.Frame)

type Sampler struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Sampler {
	return &Sampler{logger: logger}
}

func ValidateRate(rate int) error {
	if rate < MinRate || rate > MaxRate {
		return fmt.Errorf("%w: got %d", ErrInvalidRate, rate)
	}
	return nil
}

// FrameCount returns floor(duration*rate)+1.
func FrameCount(duration float64, rate int) int {
	return int(math.Floor(duration*float64(rate)+epsilon)) + 1
}

// Offsets lists the sampling offsets in seconds. Offsets are derived from the
// integer index, never accumulated.
func Offsets(duration float64, rate int) []float64 {
	n := FrameCount(duration, rate)
	offsets := make([]float64, n)
	for i := range offsets {
		offsets[i] = float64(i) / float64(rate)
	}
	return offsets
}

// Sample walks src at the given rate. fn is invoked once per extracted frame
// and awaited before the next seek. A frame that cannot be extracted is
// logged and skipped; an error from fn aborts sampling. It returns the
// number of frames handed to fn.
func (s *Sampler) Sample(ctx context.Context, src VideoSource, rate int, fn FrameFunc, progress ProgressFunc) (int, error) {
	if err := ValidateRate(rate); err != nil {
		return 0, err
	}

	duration, err := src.Duration(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDuration, err)
	}
	if math.IsNaN(duration) || math.IsInf(duration, 0) || duration < 0 {
		return 0, fmt.Errorf("%w: %v", ErrInvalidDuration, duration)
	}
	if duration == 0 {
		return 0, ErrZeroDuration
	}

	offsets := Offsets(duration, rate)
	last := len(offsets) - 1
	produced := 0

	s.logger.Debug("Sampling video",
		zap.Float64("duration", duration),
		zap.Int("rate", rate),
		zap.Int("frames", len(offsets)))

	for i, offset := range offsets {
		if err := ctx.Err(); err != nil {
			return produced, err
		}

		frame := models.Frame{Index: i, Offset: offset}

		image, err := src.FrameAt(ctx, offset)
		if err != nil {
			if ctx.Err() != nil {
				return produced, ctx.Err()
			}
			s.logger.Warn("Failed to extract frame",
				zap.Int("index", i),
				zap.Float64("offset", offset),
				zap.Error(err))
		} else {
			frame.Image = image
			if err := fn(ctx, frame); err != nil {
				return produced, fmt.Errorf("frame %d: %w", i, err)
			}
			produced++
		}

		if progress != nil {
			p := offset / duration
			if i == last {
				p = 1
			}
			progress(math.Min(p, 1), frame)
		}
	}

	return produced, nil
}

package sampler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FFmpegSource reads frames of a local video file through ffprobe/ffmpeg.
// Every frame is scaled onto a fixed width x height canvas.
type FFmpegSource struct {
	path        string
	width       int
	height      int
	ffmpegPath  string
	ffprobePath string
	logger      *zap.Logger

	once     sync.Once
	duration float64
	probeErr error
}

type FFmpegConfig struct {
	FFmpegPath  string
	FFprobePath string
	Width       int
	Height      int
}

func NewFFmpegSource(path string, cfg FFmpegConfig, logger *zap.Logger) *FFmpegSource {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	return &FFmpegSource{
		path:        path,
		width:       cfg.Width,
		height:      cfg.Height,
		ffmpegPath:  cfg.FFmpegPath,
		ffprobePath: cfg.FFprobePath,
		logger:      logger,
	}
}

func (s *FFmpegSource) Duration(ctx context.Context) (float64, error) {
	s.once.Do(func() {
		s.duration, s.probeErr = s.probe(ctx)
	})
	return s.duration, s.probeErr
}

func (s *FFmpegSource) probe(ctx context.Context) (float64, error) {
	cmd := exec.CommandContext(ctx, s.ffprobePath,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		s.path,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}

	durationStr := strings.TrimSpace(string(output))
	if durationStr == "" || durationStr == "N/A" {
		return 0, errors.New("ffprobe reported no duration")
	}
	duration, err := strconv.ParseFloat(durationStr, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}
	return duration, nil
}

func (s *FFmpegSource) FrameAt(ctx context.Context, offset float64) ([]byte, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, s.ffmpegPath,
		"-hide_banner",
		"-loglevel", "error",
		"-ss", strconv.FormatFloat(offset, 'f', 3, 64),
		"-i", s.path,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:%d", s.width, s.height),
		"-f", "image2",
		"-vcodec", "png",
		"pipe:1",
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg error: %w, output: %s", err, stderr.String())
	}

	// seeking to the very end of some containers yields no frame; fall back
	// to the last decodable one
	if stdout.Len() == 0 {
		return s.lastFrame(ctx)
	}
	return stdout.Bytes(), nil
}

func (s *FFmpegSource) lastFrame(ctx context.Context) ([]byte, error) {
	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, s.ffmpegPath,
		"-hide_banner",
		"-loglevel", "error",
		"-sseof", "-0.1",
		"-i", s.path,
		"-frames:v", "1",
		"-vf", fmt.Sprintf("scale=%d:%d", s.width, s.height),
		"-f", "image2",
		"-vcodec", "png",
		"pipe:1",
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffmpeg error: %w, output: %s", err, stderr.String())
	}
	if stdout.Len() == 0 {
		return nil, errors.New("ffmpeg produced no frame")
	}
	return stdout.Bytes(), nil
}

package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/setv/ultrascan/server/metrics"
	"github.com/setv/ultrascan/server/models"
	"github.com/setv/ultrascan/server/sampler"
	"github.com/setv/ultrascan/server/workflow"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	ErrQueueFull         = errors.New("analysis queue full, try again later")
	ErrDetectionNotFound = errors.New("detection not found")
)

const zeroDurationMessage = "The uploaded video has no duration. Please upload a valid video file."

// Classifier streams the classifier events of one frame.
type Classifier interface {
	Classify(ctx context.Context, workflow string, frame []byte, fn func(models.ClassifierResult)) error
}

// FrameUploader stores an annotated frame image and returns its URL.
type FrameUploader interface {
	UploadFrame(ctx context.Context, folder string, idx int, image string) (string, error)
}

type PipelineConfig struct {
	Workers       int
	QueueSize     int
	DefaultRate   int
	MaxDetections int
}

// Pipeline runs video analyses: frames are sampled, classified, filtered by
// the workflow allow-list, aggregated and their annotated images stored.
type Pipeline struct {
	sampler    *sampler.Sampler
	classifier Classifier
	uploader   FrameUploader
	videos     VideoOpener
	sessions   *SessionRegistry
	queue      *ProcessingQueue
	config     PipelineConfig
	logger     *zap.Logger
	tracer     trace.Tracer
	ctx        context.Context
	cancel     context.CancelFunc
}

func NewPipeline(classifier Classifier, uploader FrameUploader, videos VideoOpener, sessions *SessionRegistry, config PipelineConfig, logger *zap.Logger) *Pipeline {
	if config.Workers <= 0 {
		config.Workers = 2
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 16
	}
	if config.DefaultRate == 0 {
		config.DefaultRate = 30
	}

	ctx, cancel := context.WithCancel(context.Background())

	p := &Pipeline{
		sampler:    sampler.New(logger),
		classifier: classifier,
		uploader:   uploader,
		videos:     videos,
		sessions:   sessions,
		config:     config,
		logger:     logger,
		tracer:     otel.Tracer("processor"),
		ctx:        ctx,
		cancel:     cancel,
	}

	p.queue = NewProcessingQueue(config.QueueSize, config.Workers, p.run, p.recoverJob)

	return p
}

func (p *Pipeline) Sessions() *SessionRegistry {
	return p.sessions
}

func (p *Pipeline) QueueStats() QueueStats {
	return p.queue.GetQueueStats()
}

// Start queues an analysis of the visit video. A rate of 0 selects the
// configured default.
func (p *Pipeline) Start(tempID, workflowName string, rate int) (*models.AnalysisSnapshot, error) {
	wf, err := workflow.Lookup(workflowName)
	if err != nil {
		return nil, err
	}

	if rate == 0 {
		rate = p.config.DefaultRate
	}
	if err := sampler.ValidateRate(rate); err != nil {
		return nil, err
	}

	session := p.sessions.GetOrCreate(tempID)
	if err := session.begin(wf.Name, rate); err != nil {
		return nil, err
	}

	job := &AnalysisJob{
		Session:    session,
		Workflow:   wf,
		Rate:       rate,
		EnqueuedAt: time.Now(),
	}

	if !p.queue.Enqueue(job) {
		session.finish(ErrQueueFull)
		return nil, ErrQueueFull
	}

	p.logger.Info("Analysis queued",
		zap.String("visit_id", tempID),
		zap.String("workflow", wf.Name),
		zap.Int("rate", rate))

	return session.Snapshot(), nil
}

// Snapshot returns the analysis state of a visit.
func (p *Pipeline) Snapshot(tempID string) (*models.AnalysisSnapshot, error) {
	session, ok := p.sessions.Get(tempID)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return session.Snapshot(), nil
}

// Select adds a detection of the running collection to the selection by
// hand.
func (p *Pipeline) Select(tempID, detectionID string) ([]models.Detection, error) {
	session, ok := p.sessions.Get(tempID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	d, ok := session.Aggregator().Find(detectionID)
	if !ok {
		return nil, ErrDetectionNotFound
	}
	d.ID = ""
	session.Aggregator().AddManual(d)

	selection := session.Aggregator().Selection()
	session.Publish(models.EventSelection, selection)
	return selection, nil
}

func (p *Pipeline) Deselect(tempID, detectionID string) ([]models.Detection, error) {
	session, ok := p.sessions.Get(tempID)
	if !ok {
		return nil, ErrSessionNotFound
	}

	if !session.Aggregator().Remove(detectionID) {
		return nil, ErrDetectionNotFound
	}

	selection := session.Aggregator().Selection()
	session.Publish(models.EventSelection, selection)
	return selection, nil
}

func (p *Pipeline) run(job *AnalysisJob) {
	session := job.Session
	logger := p.logger.With(
		zap.String("visit_id", session.ID),
		zap.String("workflow", job.Workflow.Name))

	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()
	session.setRunning(cancel)

	ctx, span := p.tracer.Start(ctx, "Pipeline.Run", trace.WithAttributes(
		attribute.String("visit.id", session.ID),
		attribute.String("workflow", job.Workflow.Name),
		attribute.Int("rate", job.Rate),
	))
	defer span.End()

	metrics.ActiveAnalyses.Inc()
	defer metrics.ActiveAnalyses.Dec()

	start := time.Now()
	metrics.AnalysisDuration.WithLabelValues("queued").Observe(start.Sub(job.EnqueuedAt).Seconds())

	logger.Info("Analysis started", zap.Int("rate", job.Rate))

	sampled, err := p.analyze(ctx, job, logger)
	metrics.AnalysisDuration.WithLabelValues("total").Observe(time.Since(start).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.fail(job, err, logger)
		return
	}

	session.finish(nil)
	metrics.AnalysesTotal.WithLabelValues(job.Workflow.Name, "completed").Inc()

	logger.Info("Analysis completed",
		zap.Int("frames", sampled),
		zap.Int("detections", session.Aggregator().DetectionCount()),
		zap.Duration("duration", time.Since(start)))

	session.Publish(models.EventCompleted, session.Snapshot())
}

func (p *Pipeline) analyze(ctx context.Context, job *AnalysisJob, logger *zap.Logger) (int, error) {
	session := job.Session

	openCtx, openSpan := p.tracer.Start(ctx, "open_video")
	src, cleanup, err := p.videos.Open(openCtx, session.ID)
	openSpan.End()
	if err != nil {
		return 0, err
	}
	defer cleanup()

	sampleCtx, sampleSpan := p.tracer.Start(ctx, "sample_frames")
	defer sampleSpan.End()

	return p.sampler.Sample(sampleCtx, src, job.Rate,
		func(ctx context.Context, frame models.Frame) error {
			session.frameSampled()
			metrics.FramesSampledTotal.Inc()
			return p.classifyFrame(ctx, job, frame, logger)
		},
		func(progress float64, frame models.Frame) {
			session.setProgress(progress)
			session.Publish(models.EventProgress, models.ProgressUpdate{
				Progress:      progress,
				FramesSampled: session.FramesSampled(),
				Offset:        frame.Offset,
			})
		})
}

// classifyFrame classifies one frame and folds its detections into the
// selection. Classifier failures lose the frame but never fail the
// analysis.
func (p *Pipeline) classifyFrame(ctx context.Context, job *AnalysisJob, frame models.Frame, logger *zap.Logger) error {
	session := job.Session
	agg := session.Aggregator()

	start := time.Now()
	err := p.classifier.Classify(ctx, job.Workflow.Name, frame.Image, func(result models.ClassifierResult) {
		if !job.Workflow.Allows(result.ClassNames) {
			return
		}

		d := agg.Ingest(models.Detection{
			FrameIndex:     frame.Index,
			Offset:         frame.Offset,
			ClassNames:     result.ClassNames,
			AnnotatedImage: result.AnnotatedImage,
			Confidence:     result.Confidence,
		})
		metrics.DetectionsTotal.WithLabelValues(job.Workflow.Name).Inc()

		idx := session.nextFrameNumber()
		url, err := p.uploader.UploadFrame(ctx, session.ID, idx, result.AnnotatedImage)
		if err != nil {
			logger.Warn("Failed to upload annotated frame",
				zap.Int("frame", frame.Index),
				zap.Int("idx", idx),
				zap.Error(err))
		} else {
			agg.SetImageURL(d.ID, url)
			d.ImageURL = url
		}

		session.Publish(models.EventDetection, d)
	})
	metrics.AnalysisDuration.WithLabelValues("classify").Observe(time.Since(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.ClassifierErrorsTotal.WithLabelValues(job.Workflow.Name).Inc()
		logger.Warn("Frame classification failed",
			zap.Int("frame", frame.Index),
			zap.Float64("offset", frame.Offset),
			zap.Error(err))
	}

	if selection, changed := agg.CompleteFrame(); changed {
		session.Publish(models.EventSelection, selection)
	}

	return nil
}

func (p *Pipeline) fail(job *AnalysisJob, err error, logger *zap.Logger) {
	message := err.Error()
	if errors.Is(err, sampler.ErrZeroDuration) {
		message = zeroDurationMessage
	}

	job.Session.finish(errors.New(message))
	metrics.AnalysesTotal.WithLabelValues(job.Workflow.Name, "failed").Inc()

	logger.Error("Analysis failed", zap.Error(err))
	job.Session.Publish(models.EventError, models.ErrorEvent{Message: message})
}

func (p *Pipeline) recoverJob(job *AnalysisJob, r any) {
	p.logger.Error("Analysis panic",
		zap.String("visit_id", job.Session.ID),
		zap.Any("panic", r))
	p.fail(job, fmt.Errorf("analysis failed: %v", r), p.logger)
}

// Shutdown cancels running analyses and fails jobs still waiting in the
// queue.
func (p *Pipeline) Shutdown(timeout time.Duration) error {
	p.sessions.CancelAll()
	p.cancel()

	drained, err := p.queue.Shutdown(timeout)
	for _, job := range drained {
		p.fail(job, errors.New("processing cancelled - server shutting down"), p.logger)
	}

	if err != nil {
		return fmt.Errorf("failed to shutdown processing queue: %w", err)
	}
	return nil
}

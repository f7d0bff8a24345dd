// Package visits confirms visits: it allocates the final visit id, stores
// the report, starts the relocation of the visit artifacts and writes the
// visit record.
package visits

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/setv/ultrascan/server/database"
	"github.com/setv/ultrascan/server/metrics"
	"github.com/setv/ultrascan/server/models"
	"github.com/setv/ultrascan/server/processor"
	"go.uber.org/zap"
)

var (
	ErrInvalidVisit  = errors.New("invalid visit")
	ErrMissingReport = errors.New("no report available for visit")
)

type VisitStore interface {
	Create(ctx context.Context, v *models.Visit) error
	List(ctx context.Context, filter database.VisitFilter) ([]models.Visit, error)
	SetVideoURL(ctx context.Context, visitID, url string) error
}

type IDAllocator interface {
	Allocate(ctx context.Context, tempID, candidate string) (string, error)
}

// Artifacts stores reports and relocates the temp artifacts of a visit.
type Artifacts interface {
	UploadPDF(ctx context.Context, id string, pdf []byte) (string, error)
	EnqueueVideo(ctx context.Context, visitID, tempID, finalID string) (*models.Relocation, error)
	EnqueueFolder(ctx context.Context, visitID, tempFolder, finalFolder string) (*models.Relocation, error)
}

type SubmitRequest struct {
	TempID  string
	Patient models.Patient
	// PDF is the report to store. When empty the last report generated for
	// the visit session is used.
	PDF []byte
}

type Service struct {
	store     VisitStore
	ids       IDAllocator
	artifacts Artifacts
	sessions  *processor.SessionRegistry
	logger    *zap.Logger
	now       func() time.Time
}

func NewService(store VisitStore, ids IDAllocator, artifacts Artifacts, sessions *processor.SessionRegistry, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		ids:       ids,
		artifacts: artifacts,
		sessions:  sessions,
		logger:    logger,
		now:       time.Now,
	}
}

// FinalID returns the final id of tempID, allocating it on first use.
func (s *Service) FinalID(ctx context.Context, tempID string) (string, error) {
	if !ValidTempID(tempID) {
		return "", fmt.Errorf("%w: malformed visit id %q", ErrInvalidVisit, tempID)
	}
	finalID, err := s.ids.Allocate(ctx, tempID, FinalID(tempID, s.now()))
	if err != nil {
		return "", fmt.Errorf("failed to allocate final id: %w", err)
	}
	return finalID, nil
}

// SubmitVisit confirms the visit of req.TempID. The report upload and the
// record are awaited; the video and frame relocations run in the background
// and are tracked in the relocation outbox.
func (s *Service) SubmitVisit(ctx context.Context, req SubmitRequest) (*models.Visit, error) {
	visit, err := s.submit(ctx, req)
	if err != nil {
		metrics.VisitsSubmittedTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.VisitsSubmittedTotal.WithLabelValues("success").Inc()
	return visit, nil
}

func (s *Service) submit(ctx context.Context, req SubmitRequest) (*models.Visit, error) {
	if !ValidTempID(req.TempID) {
		return nil, fmt.Errorf("%w: malformed visit id %q", ErrInvalidVisit, req.TempID)
	}

	patient := req.Patient
	patient.Name = strings.TrimSpace(patient.Name)
	if patient.Name == "" {
		return nil, fmt.Errorf("%w: patient name is required", ErrInvalidVisit)
	}
	if patient.Gender == "" {
		patient.Gender = "female"
	}

	pdf := req.PDF
	if len(pdf) == 0 {
		if session, ok := s.sessions.Get(req.TempID); ok {
			pdf, _ = session.LastReport()
		}
	}
	if len(pdf) == 0 {
		return nil, ErrMissingReport
	}

	finalID, err := s.FinalID(ctx, req.TempID)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With(zap.String("temp_id", req.TempID), zap.String("visit_id", finalID))

	reportURL, err := s.artifacts.UploadPDF(ctx, finalID, pdf)
	if err != nil {
		return nil, err
	}

	now := s.now()
	visit := &models.Visit{
		VisitID:       finalID,
		TempID:        req.TempID,
		PatientID:     patient.ID,
		PatientName:   patient.Name,
		PatientAge:    patient.Age,
		PatientNumber: patient.Number,
		Gender:        patient.Gender,
		ReportURL:     reportURL,
		VisitDate:     now.Format("2006-01-02"),
		VisitTime:     now.Format("15:04:05"),
		CreatedAt:     now.UTC(),
	}
	if err := s.store.Create(ctx, visit); err != nil {
		return nil, fmt.Errorf("failed to save visit: %w", err)
	}

	// stops a running analysis before its frame folder is listed
	s.sessions.Remove(req.TempID)

	if _, err := s.artifacts.EnqueueVideo(ctx, finalID, req.TempID, finalID); err != nil {
		logger.Error("Failed to start video relocation", zap.Error(err))
	}
	if _, err := s.artifacts.EnqueueFolder(ctx, finalID, req.TempID, finalID); err != nil {
		logger.Error("Failed to start frame relocation", zap.Error(err))
	}

	logger.Info("Visit submitted", zap.String("report_url", reportURL))
	return visit, nil
}

// UploadPatientReport stores pdf under the final id of tempID and returns
// its URL.
func (s *Service) UploadPatientReport(ctx context.Context, tempID string, pdf []byte) (string, error) {
	if len(pdf) == 0 {
		return "", ErrMissingReport
	}
	finalID, err := s.FinalID(ctx, tempID)
	if err != nil {
		return "", err
	}
	return s.artifacts.UploadPDF(ctx, finalID, pdf)
}

func (s *Service) ListReports(ctx context.Context, filter database.VisitFilter) ([]models.Visit, error) {
	visits, err := s.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list visits: %w", err)
	}
	return visits, nil
}

// OnVideoRelocated records the final video URL on the visit record.
func (s *Service) OnVideoRelocated(ctx context.Context, visitID, url string) {
	if err := s.store.SetVideoURL(ctx, visitID, url); err != nil {
		s.logger.Error("Failed to record relocated video",
			zap.String("visit_id", visitID),
			zap.Error(err))
	}
}

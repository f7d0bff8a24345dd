package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/setv/ultrascan/server/metrics"
	"github.com/setv/ultrascan/server/middleware"
	"github.com/setv/ultrascan/server/models"
	"github.com/setv/ultrascan/server/processor"
	"github.com/setv/ultrascan/server/relocation"
	"github.com/setv/ultrascan/server/report"
	"github.com/setv/ultrascan/server/sampler"
	"github.com/setv/ultrascan/server/visits"
	"github.com/setv/ultrascan/server/workflow"
	"go.uber.org/zap"
)

type SelectionRequest struct {
	DetectionID string `json:"detectionId" binding:"required"`
}

// AnalysisHandler exposes the analysis sessions of visits: starting an
// analysis, adjusting the selection and assembling the report.
type AnalysisHandler struct {
	pipeline  *processor.Pipeline
	assembler *report.Assembler
	outbox    relocation.Outbox
	limiter   *middleware.RateLimiter
	logger    *zap.Logger
}

func NewAnalysisHandler(pipeline *processor.Pipeline, assembler *report.Assembler, outbox relocation.Outbox, limiter *middleware.RateLimiter, logger *zap.Logger) *AnalysisHandler {
	return &AnalysisHandler{
		pipeline:  pipeline,
		assembler: assembler,
		outbox:    outbox,
		limiter:   limiter,
		logger:    logger,
	}
}

func (h *AnalysisHandler) StartAnalysis(c *gin.Context) {
	tempID, ok := visitParam(c)
	if !ok {
		return
	}

	var request models.AnalysisRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	snapshot, err := h.pipeline.Start(tempID, request.Workflow, request.Rate)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, snapshot)
}

func (h *AnalysisHandler) GetAnalysis(c *gin.Context) {
	tempID, ok := visitParam(c)
	if !ok {
		return
	}

	snapshot, err := h.pipeline.Snapshot(tempID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, snapshot)
}

func (h *AnalysisHandler) SelectDetection(c *gin.Context) {
	tempID, ok := visitParam(c)
	if !ok {
		return
	}

	var request SelectionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "detectionId is required"})
		return
	}

	selection, err := h.pipeline.Select(tempID, request.DetectionID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"selection": selection})
}

func (h *AnalysisHandler) DeselectDetection(c *gin.Context) {
	tempID, ok := visitParam(c)
	if !ok {
		return
	}

	selection, err := h.pipeline.Deselect(tempID, c.Param("detectionId"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"selection": selection})
}

// GenerateReport assembles the PDF of the current selection and keeps it as
// the last report of the visit.
func (h *AnalysisHandler) GenerateReport(c *gin.Context) {
	tempID, ok := visitParam(c)
	if !ok {
		return
	}

	var request models.ReportRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}

	session, ok := h.pipeline.Sessions().Get(tempID)
	if !ok {
		h.respondError(c, processor.ErrSessionNotFound)
		return
	}

	radiologist, ok := middleware.Radiologist(c)
	if !ok && request.Radiologist != nil {
		radiologist = *request.Radiologist
	}

	pdf, err := h.assembler.Assemble(report.Input{
		Patient:         request.Patient,
		Radiologist:     radiologist,
		Workflow:        session.Workflow(),
		Selection:       session.Aggregator().Selection(),
		Findings:        request.Findings,
		Recommendations: request.Recommendations,
		Comments:        request.Comments,
		Date:            request.Date,
		Time:            request.Time,
	})
	if err != nil {
		h.logger.Error("Report assembly failed", zap.String("visit_id", tempID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate report"})
		return
	}

	session.SetReport(pdf)
	metrics.ReportsGeneratedTotal.Inc()

	c.Header("Content-Disposition", fmt.Sprintf(`inline; filename="%s_report.pdf"`, tempID))
	c.Data(http.StatusOK, "application/pdf", pdf)
}

// ListRelocations returns the relocation outbox rows of a visit, including
// failed ones.
func (h *AnalysisHandler) ListRelocations(c *gin.Context) {
	visitID := c.Query("visitId")
	if visitID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "visitId is required"})
		return
	}

	rows, err := h.outbox.ListByVisit(c.Request.Context(), visitID)
	if err != nil {
		h.logger.Error("Failed to list relocations", zap.String("visit_id", visitID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list relocations"})
		return
	}

	c.JSON(http.StatusOK, rows)
}

func (h *AnalysisHandler) GetStats(c *gin.Context) {
	stats := gin.H{
		"queue":     h.pipeline.QueueStats(),
		"sessions":  h.pipeline.Sessions().Len(),
		"workflows": workflow.Names(),
	}
	if h.limiter != nil {
		stats["rate_limit"] = h.limiter.GetGlobalStats()
	}
	c.JSON(http.StatusOK, stats)
}

func (h *AnalysisHandler) respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, workflow.ErrUnknownWorkflow), errors.Is(err, sampler.ErrInvalidRate):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, processor.ErrSessionNotFound), errors.Is(err, processor.ErrDetectionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, processor.ErrSessionBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, processor.ErrQueueFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		h.logger.Error("Analysis request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Processing failed"})
	}
}

func visitParam(c *gin.Context) (string, bool) {
	tempID := c.Param("tempId")
	if !visits.ValidTempID(tempID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid visit id"})
		return "", false
	}
	return tempID, true
}

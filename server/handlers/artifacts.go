package handlers

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/setv/ultrascan/server/database"
	"github.com/setv/ultrascan/server/models"
	"github.com/setv/ultrascan/server/relocation"
	"github.com/setv/ultrascan/server/storage"
	"github.com/setv/ultrascan/server/visits"
	"go.uber.org/zap"
)

const maxPDFSize = 50 << 20

var validVideoExtensions = []string{".mp4", ".avi", ".mov", ".mkv", ".webm"}

type FrameUploadRequest struct {
	AnnotatedImage string `json:"annotated_image"`
	Idx            int    `json:"idx"`
	VisitID        string `json:"visitId"`
}

// ArtifactHandler serves the upload, submission and listing endpoints used
// by the scan client.
type ArtifactHandler struct {
	relocator     *relocation.Relocator
	store         storage.BlobStore
	imageBucket   string
	presignExpiry time.Duration
	visits        *visits.Service
	logger        *zap.Logger
	now           func() time.Time
}

func NewArtifactHandler(relocator *relocation.Relocator, store storage.BlobStore, imageBucket string, presignExpiry time.Duration, visitService *visits.Service, logger *zap.Logger) *ArtifactHandler {
	return &ArtifactHandler{
		relocator:     relocator,
		store:         store,
		imageBucket:   imageBucket,
		presignExpiry: presignExpiry,
		visits:        visitService,
		logger:        logger,
		now:           time.Now,
	}
}

// UploadVideo stores the scan video under its temp id, issuing one when the
// client sent none.
func (h *ArtifactHandler) UploadVideo(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		h.logger.Error("Failed to get uploaded file", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "No file uploaded"})
		return
	}
	defer file.Close()

	if !isValidVideo(header) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid file type"})
		return
	}

	temp := c.PostForm("temp")
	if temp == "" {
		temp = visits.NewTempID(h.now())
	}
	if !visits.ValidTempID(temp) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid visit id"})
		return
	}

	url, err := h.relocator.UploadVideo(c.Request.Context(), temp, file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		h.logger.Error("Upload failed", zap.String("temp_id", temp), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Upload failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Upload successful", "url": url, "temp": temp})
}

func (h *ArtifactHandler) UploadFrame(c *gin.Context) {
	var request FrameUploadRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request format"})
		return
	}
	if request.AnnotatedImage == "" || !visits.ValidTempID(request.VisitID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "annotated_image and visitId are required"})
		return
	}

	url, err := h.relocator.UploadFrame(c.Request.Context(), request.VisitID, request.Idx, request.AnnotatedImage)
	if errors.Is(err, relocation.ErrInvalidImage) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid image data"})
		return
	}
	if err != nil {
		h.logger.Error("Frame upload failed", zap.String("visit_id", request.VisitID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Upload failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "blobUrl": url})
}

// SubmitVisit answers 201 or 400 with an empty body; failure details are
// only logged.
func (h *ArtifactHandler) SubmitVisit(c *gin.Context) {
	var patient models.Patient
	if err := c.ShouldBind(&patient); err != nil {
		h.logger.Warn("Invalid visit submission", zap.Error(err))
		c.Status(http.StatusBadRequest)
		return
	}

	pdf, err := formFileBytes(c, "pdfFile")
	if err != nil && !errors.Is(err, http.ErrMissingFile) {
		h.logger.Warn("Invalid report attachment", zap.Error(err))
		c.Status(http.StatusBadRequest)
		return
	}

	tempID := c.PostForm("visitId")
	visit, err := h.visits.SubmitVisit(c.Request.Context(), visits.SubmitRequest{
		TempID:  tempID,
		Patient: patient,
		PDF:     pdf,
	})
	if err != nil {
		h.logger.Error("Visit submission failed", zap.String("temp_id", tempID), zap.Error(err))
		c.Status(http.StatusBadRequest)
		return
	}

	h.logger.Info("Visit recorded", zap.String("visit_id", visit.VisitID))
	c.Status(http.StatusCreated)
}

// GetFrames lists the frame images of a folder as presigned URLs.
func (h *ArtifactHandler) GetFrames(c *gin.Context) {
	folder := c.Param("folder")
	if !visits.ValidTempID(folder) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid folder"})
		return
	}

	objects, err := h.store.List(c.Request.Context(), h.imageBucket, storage.FolderPrefix(folder))
	if err != nil {
		h.logger.Error("Fetch Error", zap.String("folder", folder), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch images"})
		return
	}

	images := make([]string, 0, len(objects))
	for _, obj := range objects {
		url, err := h.store.PresignedURL(c.Request.Context(), h.imageBucket, obj.Key, h.presignExpiry)
		if err != nil {
			h.logger.Error("Failed to presign frame", zap.String("key", obj.Key), zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch images"})
			return
		}
		images = append(images, url)
	}

	c.JSON(http.StatusOK, gin.H{"images": images})
}

func (h *ArtifactHandler) ListReports(c *gin.Context) {
	filter := database.VisitFilter{
		PatientID: c.Query("patientId"),
		From:      c.Query("from"),
		To:        c.Query("to"),
	}
	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid limit"})
			return
		}
		filter.Limit = n
	}

	reports, err := h.visits.ListReports(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list reports", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch reports"})
		return
	}

	c.JSON(http.StatusOK, reports)
}

func (h *ArtifactHandler) UploadPatientReport(c *gin.Context) {
	pdf, err := formFileBytes(c, "pdfFile")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "pdfFile is required"})
		return
	}

	tempID := c.PostForm("visitId")
	url, err := h.visits.UploadPatientReport(c.Request.Context(), tempID, pdf)
	switch {
	case errors.Is(err, visits.ErrInvalidVisit), errors.Is(err, visits.ErrMissingReport):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("Error uploading patient report", zap.String("temp_id", tempID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to upload report"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"pdfUrl": url})
}

func formFileBytes(c *gin.Context, name string) ([]byte, error) {
	file, header, err := c.Request.FormFile(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if header.Size > maxPDFSize {
		return nil, fmt.Errorf("%s exceeds %d bytes", name, maxPDFSize)
	}
	return io.ReadAll(file)
}

func isValidVideo(header *multipart.FileHeader) bool {
	if strings.HasPrefix(header.Header.Get("Content-Type"), "video/") {
		return true
	}

	ext := strings.ToLower(path.Ext(header.Filename))
	for _, valid := range validVideoExtensions {
		if ext == valid {
			return true
		}
	}
	return false
}

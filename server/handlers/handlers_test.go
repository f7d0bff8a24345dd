package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/setv/ultrascan/server/database"
	"github.com/setv/ultrascan/server/middleware"
	"github.com/setv/ultrascan/server/models"
	"github.com/setv/ultrascan/server/processor"
	"github.com/setv/ultrascan/server/relocation"
	"github.com/setv/ultrascan/server/report"
	"github.com/setv/ultrascan/server/sampler"
	"github.com/setv/ultrascan/server/storage"
	"github.com/setv/ultrascan/server/visits"
	"github.com/setv/ultrascan/server/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testTempID = "TEMPSETV_ULTS_01HZX3ABCDEF_270220250905"

var testBuckets = relocation.Buckets{Videos: "scan-videos", Images: "scan-images", Reports: "reports"}

func pngBase64(t *testing.T) string {
	return shadedPNG(t, 200)
}

func shadedPNG(t *testing.T, shade uint8) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for x := 0; x < 4; x++ {
		img.Set(x, x, color.RGBA{R: shade, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

type fixedSource struct{}

func (fixedSource) Duration(ctx context.Context) (float64, error) { return 0.5, nil }

func (fixedSource) FrameAt(ctx context.Context, offset float64) ([]byte, error) {
	return []byte("frame"), nil
}

type fixedOpener struct{}

func (fixedOpener) Open(ctx context.Context, tempID string) (sampler.VideoSource, func(), error) {
	return fixedSource{}, func() {}, nil
}

// gatedClassifier answers every frame with one placenta detection once gate
// is closed. Each frame gets its own image so the selection keeps both.
type gatedClassifier struct {
	images []string
	gate   chan struct{}
	mu     sync.Mutex
	calls  int
}

func (c *gatedClassifier) Classify(ctx context.Context, wf string, frame []byte, fn func(models.ClassifierResult)) error {
	select {
	case <-c.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	c.mu.Lock()
	annotated := c.images[c.calls%len(c.images)]
	c.calls++
	confidence := 0.5 + float64(c.calls)/10
	c.mu.Unlock()

	fn(models.ClassifierResult{ClassNames: []string{"placenta"}, AnnotatedImage: annotated, Confidence: confidence})
	return nil
}

type testEnv struct {
	router     *gin.Engine
	store      *storage.MemoryStore
	relocator  *relocation.Relocator
	visitRepo  *database.MemoryVisitRepository
	pipeline   *processor.Pipeline
	classifier *gatedClassifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	store := storage.NewMemoryStore("http://blob")
	outbox := relocation.NewMemoryOutbox()
	relocator := relocation.NewRelocator(store, testBuckets, outbox, 2, logger)
	visitRepo := database.NewMemoryVisitRepository()
	sessions := processor.NewSessionRegistry(100)

	service := visits.NewService(visitRepo, database.NewMemoryIDRepository(), relocator, sessions, logger)
	relocator.OnVideoRelocated(service.OnVideoRelocated)

	classifier := &gatedClassifier{
		images: []string{shadedPNG(t, 100), shadedPNG(t, 150), shadedPNG(t, 250)},
		gate:   make(chan struct{}),
	}
	pipeline := processor.NewPipeline(classifier, relocator, fixedOpener{}, sessions,
		processor.PipelineConfig{Workers: 1, QueueSize: 1, DefaultRate: 2, MaxDetections: 100}, logger)
	t.Cleanup(func() {
		pipeline.Shutdown(time.Second)
		relocator.Shutdown(time.Second)
	})

	assembler := report.NewAssembler(report.Branding{HospitalName: "THE SETV.G HOSPITAL"}, logger)
	artifacts := NewArtifactHandler(relocator, store, testBuckets.Images, time.Hour, service, logger)
	limiter := middleware.NewRateLimiter(100, 100, logger)
	t.Cleanup(limiter.Shutdown)
	analysis := NewAnalysisHandler(pipeline, assembler, outbox, limiter, logger)
	ws := NewWebSocketHandler(sessions, nil, logger)
	auth := middleware.NewAuthMiddleware("", false, logger)

	router := gin.New()
	router.POST("/upload", artifacts.UploadVideo)
	router.POST("/upload-frame", artifacts.UploadFrame)
	router.POST("/api/submit-visit", artifacts.SubmitVisit)
	router.GET("/get-frames/:folder", artifacts.GetFrames)
	router.GET("/api/reports", artifacts.ListReports)
	router.POST("/upload-patient-report", artifacts.UploadPatientReport)
	router.GET("/ws", ws.HandleWebSocket)

	api := router.Group("/api/v1", auth.RequireAuth())
	api.POST("/visits/:tempId/analysis", analysis.StartAnalysis)
	api.GET("/visits/:tempId/analysis", analysis.GetAnalysis)
	api.POST("/visits/:tempId/selection", analysis.SelectDetection)
	api.DELETE("/visits/:tempId/selection/:detectionId", analysis.DeselectDetection)
	api.POST("/visits/:tempId/report", analysis.GenerateReport)
	api.GET("/relocations", analysis.ListRelocations)
	api.GET("/stats", analysis.GetStats)

	return &testEnv{
		router:     router,
		store:      store,
		relocator:  relocator,
		visitRepo:  visitRepo,
		pipeline:   pipeline,
		classifier: classifier,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func jsonRequest(t *testing.T, method, target string, body any) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, target, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

type formFile struct {
	field, name, contentType string
	data                     []byte
}

func multipartRequest(t *testing.T, target string, fields map[string]string, files ...formFile) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for _, f := range files {
		header := make(map[string][]string)
		header["Content-Disposition"] = []string{`form-data; name="` + f.field + `"; filename="` + f.name + `"`}
		header["Content-Type"] = []string{f.contentType}
		part, err := mw.CreatePart(header)
		require.NoError(t, err)
		_, err = part.Write(f.data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, target, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestUploadVideo(t *testing.T) {
	env := newTestEnv(t)

	t.Run("generates a temp id", func(t *testing.T) {
		w := env.do(multipartRequest(t, "/upload", nil,
			formFile{field: "file", name: "scan.mp4", contentType: "video/mp4", data: []byte("video")}))
		require.Equal(t, http.StatusOK, w.Code)

		resp := decode[map[string]string](t, w)
		assert.Equal(t, "Upload successful", resp["message"])
		assert.True(t, strings.HasPrefix(resp["temp"], "TEMPSETV_ULTS_"))
		assert.Equal(t, "http://blob/scan-videos/"+resp["temp"]+"_video.mp4", resp["url"])
	})

	t.Run("keeps the client temp id", func(t *testing.T) {
		w := env.do(multipartRequest(t, "/upload", map[string]string{"temp": testTempID},
			formFile{field: "file", name: "scan.webm", contentType: "application/octet-stream", data: []byte("video")}))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, testTempID, decode[map[string]string](t, w)["temp"])

		exists, err := env.store.Exists(context.Background(), testBuckets.Videos, storage.VideoKey(testTempID))
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("rejects missing and non-video files", func(t *testing.T) {
		w := env.do(multipartRequest(t, "/upload", map[string]string{"temp": testTempID}))
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = env.do(multipartRequest(t, "/upload", nil,
			formFile{field: "file", name: "notes.txt", contentType: "text/plain", data: []byte("x")}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("rejects malformed temp ids", func(t *testing.T) {
		w := env.do(multipartRequest(t, "/upload", map[string]string{"temp": "../escape"},
			formFile{field: "file", name: "scan.mp4", contentType: "video/mp4", data: []byte("video")}))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestUploadFrameAndGetFrames(t *testing.T) {
	env := newTestEnv(t)
	frame := pngBase64(t)

	for idx := 1; idx <= 2; idx++ {
		w := env.do(jsonRequest(t, http.MethodPost, "/upload-frame", FrameUploadRequest{
			AnnotatedImage: "data:image/png;base64," + frame,
			Idx:            idx,
			VisitID:        testTempID,
		}))
		require.Equal(t, http.StatusOK, w.Code)

		resp := decode[map[string]any](t, w)
		assert.Equal(t, true, resp["success"])
		assert.Contains(t, resp["blobUrl"], storage.FrameKey(testTempID, idx))
	}

	w := env.do(jsonRequest(t, http.MethodPost, "/upload-frame", FrameUploadRequest{
		AnnotatedImage: "%%%not-base64", Idx: 3, VisitID: testTempID,
	}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(jsonRequest(t, http.MethodPost, "/upload-frame", FrameUploadRequest{Idx: 3, VisitID: testTempID}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/get-frames/"+testTempID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	images := decode[map[string][]string](t, w)["images"]
	require.Len(t, images, 2)
	assert.True(t, strings.HasPrefix(images[0], "http://blob/scan-images/"+testTempID+"/img1.png?expires="))

	w = env.do(httptest.NewRequest(http.MethodGet, "/get-frames/unknown_folder", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[map[string][]string](t, w)["images"])
}

func TestSubmitVisit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	w := env.do(multipartRequest(t, "/upload", map[string]string{"temp": testTempID},
		formFile{field: "file", name: "scan.mp4", contentType: "video/mp4", data: []byte("video")}))
	require.Equal(t, http.StatusOK, w.Code)
	w = env.do(jsonRequest(t, http.MethodPost, "/upload-frame", FrameUploadRequest{
		AnnotatedImage: pngBase64(t), Idx: 1, VisitID: testTempID,
	}))
	require.Equal(t, http.StatusOK, w.Code)

	patient := map[string]string{
		"visitId":     testTempID,
		"patientId":   "P-1",
		"patientName": "Asha",
		"patientAge":  "29",
		"gender":      "female",
	}
	pdf := formFile{field: "pdfFile", name: "report.pdf", contentType: "application/pdf", data: []byte("%PDF-1.3 report")}

	w = env.do(multipartRequest(t, "/api/submit-visit", patient, pdf))
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Empty(t, w.Body.String())

	env.relocator.Wait()

	stored, err := env.visitRepo.List(ctx, database.VisitFilter{})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	visit := stored[0]
	assert.Equal(t, "Asha", visit.PatientName)
	assert.Equal(t, "http://blob/scan-videos/"+storage.VideoKey(visit.VisitID), visit.VideoURL)
	assert.Equal(t, "http://blob/reports/"+storage.ReportKey(visit.VisitID), visit.ReportURL)

	w = env.do(httptest.NewRequest(http.MethodGet, "/get-frames/"+visit.VisitID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[map[string][]string](t, w)["images"], 1)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/relocations?visitId="+visit.VisitID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	rows := decode[[]models.Relocation](t, w)
	assert.Len(t, rows, 2)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/reports?patientId=P-1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	reports := decode[[]models.Visit](t, w)
	require.Len(t, reports, 1)
	assert.Equal(t, visit.VisitID, reports[0].VisitID)

	t.Run("duplicate submission", func(t *testing.T) {
		w := env.do(multipartRequest(t, "/api/submit-visit", patient, pdf))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, w.Body.String())
	})

	t.Run("missing report", func(t *testing.T) {
		fields := map[string]string{"visitId": "TEMPSETV_ULTS_OTHER", "patientName": "Ravi"}
		w := env.do(multipartRequest(t, "/api/submit-visit", fields))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Empty(t, w.Body.String())
	})

	t.Run("missing patient name", func(t *testing.T) {
		fields := map[string]string{"visitId": "TEMPSETV_ULTS_THIRD", "patientName": "  "}
		w := env.do(multipartRequest(t, "/api/submit-visit", fields, pdf))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestListReportsRejectsBadLimit(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/reports?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/reports", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestUploadPatientReport(t *testing.T) {
	env := newTestEnv(t)
	pdf := formFile{field: "pdfFile", name: "report.pdf", contentType: "application/pdf", data: []byte("%PDF-1.3")}

	w := env.do(multipartRequest(t, "/upload-patient-report", map[string]string{"visitId": testTempID}, pdf))
	require.Equal(t, http.StatusOK, w.Code)
	url := decode[map[string]string](t, w)["pdfUrl"]
	assert.True(t, strings.HasPrefix(url, "http://blob/reports/SETV_ULTS_"))
	assert.True(t, strings.HasSuffix(url, "_report.pdf"))

	w = env.do(multipartRequest(t, "/upload-patient-report", map[string]string{"visitId": testTempID}, pdf))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, url, decode[map[string]string](t, w)["pdfUrl"])

	w = env.do(multipartRequest(t, "/upload-patient-report", map[string]string{"visitId": testTempID}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(multipartRequest(t, "/upload-patient-report", map[string]string{"visitId": "bad/id"}, pdf))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func waitStatus(t *testing.T, env *testEnv, tempID string, want models.AnalysisStatus) models.AnalysisSnapshot {
	t.Helper()
	var snap models.AnalysisSnapshot
	require.Eventually(t, func() bool {
		w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/visits/"+tempID+"/analysis", nil))
		if w.Code != http.StatusOK {
			return false
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
		return snap.Status == want
	}, 5*time.Second, 10*time.Millisecond)
	return snap
}

func TestAnalysisLifecycle(t *testing.T) {
	env := newTestEnv(t)
	path := "/api/v1/visits/" + testTempID

	w := env.do(httptest.NewRequest(http.MethodGet, path+"/analysis", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(jsonRequest(t, http.MethodPost, path+"/analysis", models.AnalysisRequest{Workflow: "unknown"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(jsonRequest(t, http.MethodPost, path+"/analysis", models.AnalysisRequest{Workflow: workflow.PlacentalDetection, Rate: 120}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(jsonRequest(t, http.MethodPost, path+"/analysis", models.AnalysisRequest{Workflow: workflow.PlacentalDetection}))
	require.Equal(t, http.StatusAccepted, w.Code)
	started := decode[models.AnalysisSnapshot](t, w)
	assert.Equal(t, testTempID, started.VisitID)
	assert.Equal(t, 2, started.Rate)

	w = env.do(jsonRequest(t, http.MethodPost, path+"/analysis", models.AnalysisRequest{Workflow: workflow.PlacentalDetection}))
	assert.Equal(t, http.StatusConflict, w.Code)

	close(env.classifier.gate)
	snap := waitStatus(t, env, testTempID, models.AnalysisCompleted)
	assert.Equal(t, 2, snap.FramesSampled)
	require.Len(t, snap.Selection, 2)

	t.Run("selection", func(t *testing.T) {
		w := env.do(jsonRequest(t, http.MethodPost, path+"/selection", SelectionRequest{DetectionID: "missing"}))
		assert.Equal(t, http.StatusNotFound, w.Code)

		w = env.do(jsonRequest(t, http.MethodPost, path+"/selection", map[string]string{}))
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = env.do(jsonRequest(t, http.MethodPost, path+"/selection", SelectionRequest{DetectionID: snap.Selection[0].ID}))
		require.Equal(t, http.StatusOK, w.Code)
		selection := decode[map[string][]models.Detection](t, w)["selection"]
		require.Len(t, selection, 3)
		assert.True(t, selection[2].Manual)

		req := httptest.NewRequest(http.MethodDelete, path+"/selection/"+selection[2].ID, nil)
		w = env.do(req)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Len(t, decode[map[string][]models.Detection](t, w)["selection"], 2)

		w = env.do(httptest.NewRequest(http.MethodDelete, path+"/selection/"+selection[2].ID, nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("report", func(t *testing.T) {
		w := env.do(jsonRequest(t, http.MethodPost, path+"/report", models.ReportRequest{
			Patient:     models.Patient{ID: "P-1", Name: "Asha", Age: "29", Gender: "female"},
			Radiologist: &models.Radiologist{Name: "Dr. Rao", ID: "MED-7"},
			Comments:    "Follow up in two weeks.",
		}))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
		assert.Contains(t, w.Header().Get("Content-Disposition"), testTempID+"_report.pdf")
		assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("%PDF-")))

		snap := waitStatus(t, env, testTempID, models.AnalysisCompleted)
		assert.True(t, snap.HasReport)

		w = env.do(jsonRequest(t, http.MethodPost, "/api/v1/visits/TEMPSETV_ULTS_NONE/report", models.ReportRequest{}))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("stats", func(t *testing.T) {
		w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
		require.Equal(t, http.StatusOK, w.Code)
		stats := decode[map[string]any](t, w)
		assert.EqualValues(t, 1, stats["sessions"])
		assert.Contains(t, stats["workflows"], workflow.PlacentalDetection)
		limits, ok := stats["rate_limit"].(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, 100, limits["burst_capacity"])
	})
}

func TestAnalysisRejectsBadVisitID(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(jsonRequest(t, http.MethodPost, "/api/v1/visits/bad.id/analysis", models.AnalysisRequest{Workflow: workflow.PlacentalDetection}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/relocations", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRespondErrorMapping(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &AnalysisHandler{logger: zap.NewNop()}

	cases := map[error]int{
		workflow.ErrUnknownWorkflow:    http.StatusBadRequest,
		sampler.ErrInvalidRate:         http.StatusBadRequest,
		processor.ErrSessionNotFound:   http.StatusNotFound,
		processor.ErrDetectionNotFound: http.StatusNotFound,
		processor.ErrSessionBusy:       http.StatusConflict,
		processor.ErrQueueFull:         http.StatusServiceUnavailable,
		errors.New("disk on fire"):     http.StatusInternalServerError,
	}
	for err, code := range cases {
		w := httptest.NewRecorder()
		c, _ := gin.CreateTestContext(w)
		h.respondError(c, err)
		assert.Equal(t, code, w.Code, err.Error())
	}
}

func TestWebSocketPushesSessionEvents(t *testing.T) {
	env := newTestEnv(t)
	server := httptest.NewServer(env.router)
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?visitId=" + testTempID

	resp, err := http.Get(server.URL + "/ws")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var msg models.ServerMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "snapshot", msg.Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg.Type)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "bogus"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, models.EventError, msg.Type)

	_, err = env.pipeline.Start(testTempID, workflow.PlacentalDetection, 2)
	require.NoError(t, err)
	close(env.classifier.gate)

	for msg.Type != models.EventCompleted {
		require.NoError(t, conn.ReadJSON(&msg))
	}
}

func TestHealth(t *testing.T) {
	gin.SetMode(gin.TestMode)

	healthy := NewHealthHandler(map[string]HealthCheck{
		"classifier": func(ctx context.Context) error { return nil },
	}, zap.NewNop())
	router := gin.New()
	router.GET("/health", healthy.Health)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "ultrascan-backend", body["service"])

	degraded := NewHealthHandler(map[string]HealthCheck{
		"classifier": func(ctx context.Context) error { return nil },
		"database":   func(ctx context.Context) error { return errors.New("connection refused") },
	}, zap.NewNop())
	router = gin.New()
	router.GET("/health", degraded.Health)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body = decode[map[string]any](t, w)
	assert.Equal(t, "degraded", body["status"])
	assert.Equal(t, map[string]any{"classifier": "ok", "database": "connection refused"}, body["checks"])
}

package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func radiologistClaims(expires time.Time) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "rad-1",
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		Name:      "Dr. Rao",
		MedicalID: "MED-7",
		Role:      "radiologist",
	}
}

func newAuthRouter(auth *AuthMiddleware) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/whoami", auth.RequireAuth(), func(c *gin.Context) {
		rad, ok := Radiologist(c)
		c.JSON(http.StatusOK, gin.H{"name": rad.Name, "id": rad.ID, "identified": ok})
	})
	router.GET("/admin", auth.RequireAuth(), auth.RequireRole("admin"), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	return router
}

func get(router http.Handler, target string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRequireAuthEnabled(t *testing.T) {
	router := newAuthRouter(NewAuthMiddleware(testSecret, true, zap.NewNop()))
	valid := signToken(t, testSecret, radiologistClaims(time.Now().Add(time.Hour)))

	tests := []struct {
		name   string
		target string
		header map[string]string
		want   int
	}{
		{name: "missing token", target: "/whoami", want: http.StatusUnauthorized},
		{name: "bearer token", target: "/whoami", header: map[string]string{"Authorization": "Bearer " + valid}, want: http.StatusOK},
		{name: "query token", target: "/whoami?token=" + valid, want: http.StatusOK},
		{name: "malformed header", target: "/whoami", header: map[string]string{"Authorization": "Token " + valid}, want: http.StatusUnauthorized},
		{
			name:   "wrong secret",
			target: "/whoami",
			header: map[string]string{"Authorization": "Bearer " + signToken(t, "other", radiologistClaims(time.Now().Add(time.Hour)))},
			want:   http.StatusUnauthorized,
		},
		{
			name:   "expired",
			target: "/whoami",
			header: map[string]string{"Authorization": "Bearer " + signToken(t, testSecret, radiologistClaims(time.Now().Add(-time.Minute)))},
			want:   http.StatusUnauthorized,
		},
		{
			name:   "no expiry",
			target: "/whoami",
			header: map[string]string{"Authorization": "Bearer " + signToken(t, testSecret, Claims{Name: "x"})},
			want:   http.StatusUnauthorized,
		},
		{name: "wrong role", target: "/admin", header: map[string]string{"Authorization": "Bearer " + valid}, want: http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(router, tt.target, tt.header)
			assert.Equal(t, tt.want, w.Code)
		})
	}

	w := get(router, "/whoami", map[string]string{"Authorization": "Bearer " + valid})
	assert.JSONEq(t, `{"name":"Dr. Rao","id":"MED-7","identified":true}`, w.Body.String())
}

func TestRequireAuthDisabled(t *testing.T) {
	router := newAuthRouter(NewAuthMiddleware(testSecret, false, zap.NewNop()))

	w := get(router, "/whoami", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"name":"","id":"","identified":false}`, w.Body.String())

	w = get(router, "/whoami", map[string]string{"Authorization": "Bearer garbage"})
	assert.Equal(t, http.StatusOK, w.Code)

	valid := signToken(t, testSecret, radiologistClaims(time.Now().Add(time.Hour)))
	w = get(router, "/whoami?token="+valid, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"identified":true`)

	w = get(router, "/admin", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthRequiresSecretToEnable(t *testing.T) {
	router := newAuthRouter(NewAuthMiddleware("", true, zap.NewNop()))
	assert.Equal(t, http.StatusOK, get(router, "/whoami", nil).Code)
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := NewRateLimiter(1, 2, zap.NewNop())
	defer rl.Shutdown()

	router := gin.New()
	router.GET("/", rl.RateLimit(), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusOK, get(router, "/", nil).Code)
	assert.Equal(t, http.StatusOK, get(router, "/", nil).Code)

	w := get(router, "/", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	assert.True(t, rl.Allow("10.0.0.9"))
	assert.Equal(t, 2, rl.GetGlobalStats()["active_clients"])

	rl.evictIdle(time.Now().Add(clientIdleTimeout + time.Second))
	assert.Equal(t, 0, rl.GetGlobalStats()["active_clients"])

	rl.Shutdown()
}

func TestContentTypes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(ContentTypes("application/json", "multipart/form-data"))
	router.Any("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(method, contentType, body string) int {
		req := httptest.NewRequest(method, "/", strings.NewReader(body))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w.Code
	}

	assert.Equal(t, http.StatusOK, send(http.MethodPost, "application/json; charset=utf-8", "{}"))
	assert.Equal(t, http.StatusOK, send(http.MethodPost, "multipart/form-data; boundary=x", "--x--"))
	assert.Equal(t, http.StatusUnsupportedMediaType, send(http.MethodPost, "text/plain", "hi"))
	assert.Equal(t, http.StatusUnsupportedMediaType, send(http.MethodPut, "", "hi"))
	assert.Equal(t, http.StatusOK, send(http.MethodPost, "", ""))
	assert.Equal(t, http.StatusOK, send(http.MethodGet, "text/plain", ""))
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(CORS([]string{"https://scan.example"}))
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := get(router, "/", map[string]string{"Origin": "https://scan.example"})
	assert.Equal(t, "https://scan.example", w.Header().Get("Access-Control-Allow-Origin"))

	w = get(router, "/", map[string]string{"Origin": "https://evil.example"})
	assert.Equal(t, "null", w.Header().Get("Access-Control-Allow-Origin"))

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://scan.example")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestRequestSizeLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestSizeLimit(8))
	router.POST("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123456789"))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader("0123"))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIPWhitelist(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/metrics", IPWhitelist([]string{"10.1.1.1"}), func(c *gin.Context) { c.Status(http.StatusOK) })

	assert.Equal(t, http.StatusForbidden, get(router, "/metrics", nil).Code)

	open := gin.New()
	open.GET("/metrics", IPWhitelist([]string{"*"}), func(c *gin.Context) { c.Status(http.StatusOK) })
	assert.Equal(t, http.StatusOK, get(open, "/metrics", nil).Code)
}

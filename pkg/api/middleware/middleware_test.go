package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(apiKey string, buf *bytes.Buffer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	log := slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelInfo}))
	r := gin.New()
	r.Use(Logger(log))
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	g := r.Group("/api", Auth(apiKey))
	g.GET("/conversation/:id", func(c *gin.Context) { c.Status(http.StatusOK) })
	return r
}

func serve(r *gin.Engine, path, key string) int {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestAuth(t *testing.T) {
	var buf bytes.Buffer
	r := newEngine("secret", &buf)

	assert.Equal(t, http.StatusUnauthorized, serve(r, "/api/conversation/c1", ""))
	assert.Equal(t, http.StatusUnauthorized, serve(r, "/api/conversation/c1", "nope"))
	assert.Equal(t, http.StatusOK, serve(r, "/api/conversation/c1", "secret"))

	open := newEngine("", &buf)
	assert.Equal(t, http.StatusOK, serve(open, "/api/conversation/c1", ""))
}

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	r := newEngine("secret", &buf)

	require.Equal(t, http.StatusOK, serve(r, "/health", ""))
	assert.Empty(t, buf.String(), "health probes log at debug")

	serve(r, "/api/conversation/cnv_1", "secret")
	assert.Contains(t, buf.String(), "level=INFO")
	assert.Contains(t, buf.String(), "conversation=cnv_1")
	assert.Contains(t, buf.String(), "route=/api/conversation/:id")

	buf.Reset()
	serve(r, "/api/conversation/cnv_1", "")
	assert.Contains(t, buf.String(), "level=WARN")
	assert.Contains(t, buf.String(), "status=401")
}

package server

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeBase(t *testing.T) {
	for in, want := range map[string]string{
		"":        "",
		"/":       "",
		"api":     "/api",
		"/api":    "/api",
		"/api/":   "/api",
		" bugex ": "/bugex",
		"/v1/api": "/v1/api",
	} {
		assert.Equal(t, want, sanitizeBase(in), "sanitizeBase(%q)", in)
	}
}

func TestIsSafeToken(t *testing.T) {
	for _, s := range []string{"a", "A1._-", "tok-1", "3f1c9a52-8d7e-4b1a-9c0e-2a5f6b7c8d90"} {
		assert.True(t, isSafeToken(s), s)
	}
	for _, s := range []string{"", "..", "a..b", "a/b", `a\b`, "tok en", "unicode한글", strings.Repeat("x", maxTokenLen+1)} {
		assert.False(t, isSafeToken(s), s)
	}
}

func TestIsSafeArchivePath(t *testing.T) {
	assert.True(t, isSafeArchivePath(filepath.Join(t.TempDir(), "program.zip")))
	assert.False(t, isSafeArchivePath(""))
	assert.False(t, isSafeArchivePath("uploads/program.zip"), "relative")
	assert.False(t, isSafeArchivePath(string(filepath.Separator)), "root")

	sep := string(filepath.Separator)
	assert.False(t, isSafeArchivePath(sep+"tmp"+sep+".."+sep+"etc"+sep+"passwd"), "traversal")
	assert.False(t, isSafeArchivePath(sep+"tmp"+sep+"a.zip"+sep), "trailing separator")
}

func TestIsSafeTestCase(t *testing.T) {
	for _, s := range []string{"org.example.StackTest#testPop", "StackTest", "a.b.C$Inner#m[1]"} {
		assert.True(t, isSafeTestCase(s), s)
	}
	for _, s := range []string{"", "T#m --debug", "T#m\n", "T\tm", strings.Repeat("x", maxTestCaseLen+1)} {
		assert.False(t, isSafeTestCase(s), s)
	}
}

func TestWriteJSON(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", func(c *gin.Context) { writeJSON(c, http.StatusCreated, submitResp{Token: "t"}) })
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), `"token":"t"`)
}

package server

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/gin-gonic/gin"
)

const (
	maxTokenLen    = 128
	maxTestCaseLen = 512
)

func sanitizeBase(bp string) string {
	bp = strings.Trim(strings.TrimSpace(bp), "/")
	if bp == "" {
		return ""
	}
	return "/" + bp
}

// isSafeToken validates request tokens, which become folder names below the
// working dir: [A-Za-z0-9._-], no "..", at most maxTokenLen bytes.
func isSafeToken(s string) bool {
	if s == "" || len(s) > maxTokenLen || strings.Contains(s, "..") {
		return false
	}
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '.' || r == '_' || r == '-' {
			continue
		}
		return false
	}
	return true
}

// isSafeArchivePath accepts absolute, already clean paths naming something
// below the filesystem root. The archive is handed to the tool verbatim.
func isSafeArchivePath(p string) bool {
	if !filepath.IsAbs(p) || filepath.Clean(p) != p {
		return false
	}
	return filepath.Dir(p) != p
}

// isSafeTestCase rejects identifiers the tool would see as several arguments.
func isSafeTestCase(s string) bool {
	if s == "" || len(s) > maxTestCaseLen {
		return false
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

func writeJSON(c *gin.Context, code int, v any) {
	c.Header("Content-Type", "application/json")
	c.Status(code)
	_ = json.NewEncoder(c.Writer).Encode(v)
}

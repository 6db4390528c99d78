package validation

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestIsValidID(t *testing.T) {
	for id, want := range map[string]bool{
		"5f1c2f5e-7c7a-4c1b-9a53-3d2b1f0e9a11": true,
		"ord_abc123":                           true,
		"D1":                                   true,
		"":                                     false,
		"has space":                            false,
		"semi;colon":                           false,
		strings.Repeat("a", 65):                false,
	} {
		assert.Equal(t, want, IsValidID(id), "IsValidID(%q)", id)
	}
}

func TestPhone(t *testing.T) {
	assert.Equal(t, "+15551234567", NormalizePhone(" +1 (555) 123-4567 "))
	assert.Equal(t, "+447911123456", NormalizePhone("+44.7911.123456"))

	for phone, want := range map[string]bool{
		"+15551234567":  true,
		"+447911123456": true,
		"15551234567":   false,
		"+0123456789":   false,
		"+1555":         false,
		"":              false,
	} {
		assert.Equal(t, want, IsValidPhone(phone), "IsValidPhone(%q)", phone)
	}
}

func TestSanitizeString(t *testing.T) {
	tests := []struct {
		name, in string
		maxLen   int
		want     string
	}{
		{"plain", "hello", 10, "hello"},
		{"trimmed", "  hello  ", 10, "hello"},
		{"truncated", "hello world", 5, "hello"},
		{"null byte", "hel\x00lo", 10, "hello"},
		{"keeps newlines", "line one\nline two", 50, "line one\nline two"},
		{"escape sequence", "bad\x1b[31m", 20, "bad[31m"},
		{"no split rune", "añb", 2, "a"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeString(tt.in, tt.maxLen))
		})
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		ValidID("order_id", "bad id"),
		ValidID("dispute_id", "ok-id"),
		ValidID("optional_id", ""),
		MaxLength("details", strings.Repeat("x", 11), 10),
	)

	assert.Equal(t, Errors{
		{Field: "order_id", Message: "must be a valid id"},
		{Field: "details", Message: "exceeds maximum length"},
	}, errs)
	assert.Equal(t, "order_id: must be a valid id; details: exceeds maximum length", errs.Error())
	assert.Empty(t, Validate(MaxLength("details", "short", 10)))
}

func TestIDParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/disputes/:id", IDParamMiddleware(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/disputes/abc-123", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/disputes/bad%20id", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(8))
	r.POST("/x", func(c *gin.Context) {
		if _, err := io.ReadAll(c.Request.Body); BodyTooLarge(err) {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/x", strings.NewReader("0123456789")))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code, "declared length over the cap")

	req := httptest.NewRequest("POST", "/x", strings.NewReader("0123456789"))
	req.ContentLength = -1
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code, "unknown length caught while reading")

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/x", strings.NewReader("tiny")))
	assert.Equal(t, http.StatusOK, w.Code)
}

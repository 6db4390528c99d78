// Package validation checks request input before it reaches the services.
package validation

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/gin-gonic/gin"
)

const (
	MaxRequestSize   = 1 << 20
	MaxDetailsLength = 5000 // dispute details, notes and reasons, in bytes
)

var (
	idPattern    = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	phonePattern = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`) // E.164
)

func IsValidID(id string) bool       { return idPattern.MatchString(id) }
func IsValidPhone(phone string) bool { return phonePattern.MatchString(phone) }

// NormalizePhone drops the separators people type into phone numbers.
func NormalizePhone(phone string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(" -().", r) {
			return -1
		}
		return r
	}, strings.TrimSpace(phone))
}

// SanitizeString trims s, strips control characters other than newlines and
// tabs, and cuts it to at most maxLen bytes without splitting a rune.
func SanitizeString(s string, maxLen int) string {
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || !unicode.IsControl(r) {
			return r
		}
		return -1
	}, strings.TrimSpace(s))
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return strings.TrimSpace(s[:cut])
}

// FieldError names the offending field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Errors collects every failed rule in order.
type Errors []FieldError

func (e Errors) Error() string {
	parts := make([]string, len(e))
	for i, fe := range e {
		parts[i] = fe.Field + ": " + fe.Message
	}
	if len(parts) == 0 {
		return "validation failed"
	}
	return strings.Join(parts, "; ")
}

// Rule checks one field and returns nil when it passes.
type Rule func() *FieldError

// Validate runs every rule and returns the failures.
func Validate(rules ...Rule) Errors {
	var errs Errors
	for _, r := range rules {
		if fe := r(); fe != nil {
			errs = append(errs, *fe)
		}
	}
	return errs
}

// ValidID passes empty values; pair it with a presence check where needed.
func ValidID(field, value string) Rule {
	return func() *FieldError {
		if value != "" && !IsValidID(value) {
			return &FieldError{field, "must be a valid id"}
		}
		return nil
	}
}

func MaxLength(field, value string, max int) Rule {
	return func() *FieldError {
		if len(value) > max {
			return &FieldError{field, "exceeds maximum length"}
		}
		return nil
	}
}

// RequestSizeMiddleware caps request bodies at maxSize bytes. Declared
// lengths over the cap are refused up front; chunked bodies fail at bind time
// and handlers report them through BodyTooLarge.
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"success": false,
				"error":   "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

func BodyTooLarge(err error) bool {
	var tooLarge *http.MaxBytesError
	return errors.As(err, &tooLarge)
}

// IDParamMiddleware rejects malformed :id path parameters with 400.
func IDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := c.Param("id"); id != "" && !IsValidID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"success": false,
				"error":   "invalid id",
			})
			return
		}
		c.Next()
	}
}

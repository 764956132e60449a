// Package validation provides input validation middleware for the ReplyPay API.
package validation

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

var (
	// transactionIDRegex validates escrow transaction IDs
	transactionIDRegex = regexp.MustCompile(`^txn_[a-f0-9]{32}$`)
	// messageIDRegex validates external message IDs: URL-safe, bounded
	messageIDRegex = regexp.MustCompile(`^[A-Za-z0-9_\-.:]{1,128}$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidTransactionID checks if a string is a well-formed transaction ID
func IsValidTransactionID(id string) bool {
	return transactionIDRegex.MatchString(id)
}

// IsValidMessageID checks if a string is a well-formed message ID
func IsValidMessageID(id string) bool {
	return messageIDRegex.MatchString(id)
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "validation failed"
	}
	return e[0].Field + ": " + e[0].Message
}

// Validate validates a request and returns errors
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errors ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errors = append(errors, *err)
		}
	}
	return errors
}

// Required checks if a field is non-empty
func Required(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if strings.TrimSpace(value) == "" {
			return &ValidationError{Field: field, Message: "is required"}
		}
		return nil
	}
}

// ValidMessageID checks if a field is a well-formed message ID
func ValidMessageID(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil // Use Required for required fields
		}
		if !IsValidMessageID(value) {
			return &ValidationError{Field: field, Message: "must be 1-128 URL-safe characters"}
		}
		return nil
	}
}

// MaxLength checks if a field exceeds max length
func MaxLength(field, value string, max int) func() *ValidationError {
	return func() *ValidationError {
		if len(value) > max {
			return &ValidationError{Field: field, Message: "exceeds maximum length"}
		}
		return nil
	}
}

// TransactionIDParamMiddleware validates the :id URL parameter on routes that
// use it. Apply to route groups with :id params to reject malformed IDs early.
func TransactionIDParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.Param("id")
		if id != "" && !IsValidTransactionID(id) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_transaction_id",
				"message": "id must be a transaction ID (txn_ + 32 hex chars)",
			})
			return
		}
		c.Next()
	}
}

// PositiveAmount checks if a minor-unit amount is positive
func PositiveAmount(field string, amountMinor int64) func() *ValidationError {
	return func() *ValidationError {
		if amountMinor <= 0 {
			return &ValidationError{Field: field, Message: "must be greater than zero"}
		}
		return nil
	}
}

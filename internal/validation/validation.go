// Package validation checks request fields before they reach the vault
// service.
package validation

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (64KB)
const MaxRequestSize = 64 << 10

var (
	addressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	hexRegex     = regexp.MustCompile(`^(0x)?([a-fA-F0-9]{2})*$`)
)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAddress checks for a 0x-prefixed 20-byte hex address.
func IsValidAddress(addr string) bool {
	return addressRegex.MatchString(addr)
}

// IsValidHex checks for an even-length hex string with optional 0x prefix.
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
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

// Validate runs every validator and collects the failures.
func Validate(validators ...func() *ValidationError) ValidationErrors {
	var errs ValidationErrors
	for _, v := range validators {
		if err := v(); err != nil {
			errs = append(errs, *err)
		}
	}
	return errs
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

// ValidAddress checks an optional address field. Use Required for
// mandatory ones.
func ValidAddress(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if !IsValidAddress(value) {
			return &ValidationError{Field: field, Message: "must be a valid address (0x + 40 hex chars)"}
		}
		return nil
	}
}

// ValidHex checks an optional hex-encoded byte field.
func ValidHex(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value != "" && !IsValidHex(value) {
			return &ValidationError{Field: field, Message: "must be hex-encoded bytes"}
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

// ValidUint checks that an optional field is a base-10 integer that fits
// in 64 bits. Amounts travel as strings so clients cannot lose precision.
func ValidUint(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if value == "" {
			return nil
		}
		if _, err := strconv.ParseUint(value, 10, 64); err != nil {
			return &ValidationError{Field: field, Message: "must be a non-negative integer below 2^64"}
		}
		return nil
	}
}

// ValidAmount is ValidUint that also rejects zero.
func ValidAmount(field, value string) func() *ValidationError {
	return func() *ValidationError {
		if err := ValidUint(field, value)(); err != nil {
			return err
		}
		if value != "" && strings.TrimLeft(value, "0") == "" {
			return &ValidationError{Field: field, Message: "amount must be greater than zero"}
		}
		return nil
	}
}

// AddressParamMiddleware rejects malformed address URL parameters before
// any handler runs. With no names it checks ":address".
func AddressParamMiddleware(params ...string) gin.HandlerFunc {
	if len(params) == 0 {
		params = []string{"address"}
	}
	return func(c *gin.Context) {
		for _, name := range params {
			addr := c.Param(name)
			if addr != "" && !IsValidAddress(addr) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_address",
					"message": name + " must be a valid address (0x + 40 hex chars)",
				})
				return
			}
		}
		c.Next()
	}
}

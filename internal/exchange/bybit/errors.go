package bybit

import (
	"errors"
	"fmt"
	"net/http"
)

// BybitError represents a Bybit API error with additional context
type BybitError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *BybitError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("Bybit API error %d: %s (%s)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("Bybit API error %d: %s", e.Code, e.Message)
}

// Common Bybit error codes
const (
	ErrCodeInvalidAPIKey     = 10003
	ErrCodeInvalidSignature  = 10004
	ErrCodeInvalidTimestamp  = 10005
	ErrCodeRateLimitExceeded = 10006
	ErrCodeSymbolNotFound    = 110009
	ErrCodeInvalidQuantity   = 110020
	ErrCodeInvalidPrice      = 110021
	ErrCodeMarketClosed      = 110043
)

// ErrInstrumentNotFound is returned when the venue does not list a symbol
var ErrInstrumentNotFound = errors.New("instrument not found")

// IsRetryableError determines if an error should be retried
func IsRetryableError(err error) bool {
	var bybitErr *BybitError
	if !errors.As(err, &bybitErr) {
		return false
	}
	switch bybitErr.Code {
	case ErrCodeRateLimitExceeded,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsAuthenticationError checks if the error is related to authentication
func IsAuthenticationError(err error) bool {
	var bybitErr *BybitError
	if !errors.As(err, &bybitErr) {
		return false
	}
	switch bybitErr.Code {
	case ErrCodeInvalidAPIKey, ErrCodeInvalidSignature, ErrCodeInvalidTimestamp:
		return true
	}
	return false
}

// NewBybitError creates a new BybitError
func NewBybitError(code int, message string, details ...string) *BybitError {
	err := &BybitError{
		Code:    code,
		Message: message,
	}
	if len(details) > 0 {
		err.Details = details[0]
	}
	return err
}

// ParseAPIError extracts error information from the API response
func ParseAPIError(retCode int, retMsg string) error {
	if retCode == 0 {
		return nil
	}
	if retCode == ErrCodeSymbolNotFound {
		return fmt.Errorf("%w: %v", ErrInstrumentNotFound, NewBybitError(retCode, retMsg))
	}
	return NewBybitError(retCode, retMsg)
}

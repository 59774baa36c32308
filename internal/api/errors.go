package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/developer-mesh/docmesh/internal/repository"
	"github.com/developer-mesh/docmesh/internal/service"
	"github.com/developer-mesh/docmesh/internal/vectorstore"
	"github.com/developer-mesh/docmesh/pkg/observability"
)

// ErrorCode represents a standardized error code
type ErrorCode string

// Standard error codes
const (
	ErrBadRequest         ErrorCode = "BAD_REQUEST"
	ErrNotFound           ErrorCode = "NOT_FOUND"
	ErrConflict           ErrorCode = "CONFLICT"
	ErrValidationFailed   ErrorCode = "VALIDATION_FAILED"
	ErrExtractionFailed   ErrorCode = "EXTRACTION_FAILED"
	ErrPayloadTooLarge    ErrorCode = "PAYLOAD_TOO_LARGE"
	ErrInternalServer     ErrorCode = "INTERNAL_SERVER_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// ErrorResponse is the standard response format for errors
type ErrorResponse struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	TraceID string      `json:"trace_id,omitempty"`
}

// APIError represents an API error with associated metadata
type APIError struct {
	Code     ErrorCode
	Message  string
	Details  interface{}
	HTTPCode int
	Err      error
}

// Error implements the error interface
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError creates a new API error
func NewAPIError(code ErrorCode, message string, httpCode int, err error) *APIError {
	return &APIError{
		Code:     code,
		Message:  message,
		HTTPCode: httpCode,
		Err:      err,
	}
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(details interface{}) *APIError {
	e.Details = details
	return e
}

// NewBadRequestError creates a bad request error
func NewBadRequestError(message string, err error) *APIError {
	return NewAPIError(ErrBadRequest, message, http.StatusBadRequest, err)
}

// NewValidationError converts validator field errors into a 400 with
// per-field details.
func NewValidationError(err error) *APIError {
	details := make(map[string]string)
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		for _, fe := range fieldErrs {
			details[fe.Field()] = fmt.Sprintf("failed on the '%s' rule", fe.Tag())
		}
	}
	return NewAPIError(ErrValidationFailed, "Validation failed", http.StatusBadRequest, err).WithDetails(details)
}

// mapError translates service errors into API errors
func mapError(err error) *APIError {
	var apiErr *APIError
	switch {
	case errors.As(err, &apiErr):
		return apiErr
	case errors.Is(err, service.ErrNotFound):
		return NewAPIError(ErrNotFound, "document not found", http.StatusNotFound, err)
	case errors.Is(err, service.ErrAlreadyProcessing):
		return NewAPIError(ErrConflict, "document is already being processed", http.StatusConflict, err)
	case errors.Is(err, repository.ErrInvalidTransition):
		return NewAPIError(ErrConflict, "document cannot change to the requested status", http.StatusConflict, err)
	case errors.Is(err, service.ErrInvalidInput):
		return NewBadRequestError(err.Error(), err)
	case errors.Is(err, vectorstore.ErrMissingBotFilter), errors.Is(err, vectorstore.ErrEmptyFilter):
		return NewBadRequestError(err.Error(), err)
	default:
		return NewAPIError(ErrInternalServer, "An internal server error occurred", http.StatusInternalServerError, err)
	}
}

// ErrorHandlerMiddleware renders the last error attached to the context
func ErrorHandlerMiddleware(logger observability.Logger) gin.HandlerFunc {
	logger = observability.OrNoop(logger)
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 {
			return
		}
		apiErr := mapError(c.Errors.Last().Err)
		traceID := uuid.New().String()

		fields := map[string]interface{}{
			"trace_id": traceID,
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   apiErr.HTTPCode,
			"error":    apiErr.Error(),
		}
		if apiErr.HTTPCode >= http.StatusInternalServerError {
			logger.Error("Request failed", fields)
		} else {
			logger.Debug("Request rejected", fields)
		}

		c.AbortWithStatusJSON(apiErr.HTTPCode, ErrorResponse{
			Code:    apiErr.Code,
			Message: apiErr.Message,
			Details: apiErr.Details,
			TraceID: traceID,
		})
	}
}

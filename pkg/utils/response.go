package utils

import (
	"errors"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/frostdev-ops/pma-realtime-go/pkg/errors"
	"github.com/gin-gonic/gin"
)

// Response represents a standard API response
type Response struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
	Meta      interface{} `json:"meta,omitempty"`
}

// ErrorResponse represents an enhanced error response with additional context
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     string      `json:"error"`
	Kind      string      `json:"kind,omitempty"`
	Code      int         `json:"code"`
	Timestamp string      `json:"timestamp"`
	Request   RequestInfo `json:"request"`
	Details   interface{} `json:"details,omitempty"`
}

// RequestInfo provides context about the failed request
type RequestInfo struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	Query  string `json:"query,omitempty"`
}

// SendSuccess sends a successful response
func SendSuccess(c *gin.Context, data interface{}) {
	SendStatus(c, http.StatusOK, data)
}

// SendStatus sends a successful response with an explicit status code
func SendStatus(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// SendError sends an error response with enhanced context
func SendError(c *gin.Context, statusCode int, message string) {
	errorResponse := newErrorResponse(c, statusCode, message)

	if statusCode == http.StatusNotFound && strings.HasPrefix(c.Request.URL.Path, "/api/") {
		errorResponse.Details = map[string]interface{}{
			"suggestions": []string{"/health", "/api/v1/realtime/metrics", "/api/v1/realtime/queues", "/ws"},
		}
	}

	c.JSON(statusCode, errorResponse)
}

// SendAppError maps an error onto its status code and kind
func SendAppError(c *gin.Context, err error) {
	statusCode := apperrors.GetStatusCode(err)
	errorResponse := newErrorResponse(c, statusCode, err.Error())

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		errorResponse.Error = appErr.Message
		errorResponse.Kind = string(appErr.Kind)
		if appErr.Details != "" {
			errorResponse.Details = appErr.Details
		}
	}

	c.JSON(statusCode, errorResponse)
}

// SendSuccessWithMeta sends a successful response with metadata
func SendSuccessWithMeta(c *gin.Context, data interface{}, meta interface{}) {
	c.JSON(http.StatusOK, Response{
		Success:   true,
		Data:      data,
		Meta:      meta,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func newErrorResponse(c *gin.Context, statusCode int, message string) ErrorResponse {
	return ErrorResponse{
		Success:   false,
		Error:     message,
		Code:      statusCode,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Request: RequestInfo{
			Method: c.Request.Method,
			Path:   c.Request.URL.Path,
			Query:  c.Request.URL.RawQuery,
		},
	}
}

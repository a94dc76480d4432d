package apiresponses

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// APIError represents a standardized error response.
type APIError struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// RespondNotFound sends a 404 Not Found response with a standardized message.
func RespondNotFound(c *gin.Context, resourceType, resourceName string) {
	c.JSON(http.StatusNotFound, APIError{
		Error: fmt.Sprintf("%s not found: %s", resourceType, resourceName),
		Code:  "NOT_FOUND",
	})
}

// RespondBadRequest sends a 400 Bad Request response.
func RespondBadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, APIError{
		Error: message,
		Code:  "BAD_REQUEST",
	})
}

// RespondConflict sends a 409 Conflict response.
// Use this when the request conflicts with current state (e.g., a job already running).
func RespondConflict(c *gin.Context, message string) {
	c.JSON(http.StatusConflict, APIError{
		Error: message,
		Code:  "CONFLICT",
	})
}

// RespondInternalError sends a 500 Internal Server Error response.
// It logs the error with full details but returns a sanitized message to the client.
func RespondInternalError(c *gin.Context, operation string, err error, log *zap.SugaredLogger) {
	if log != nil {
		log.Errorw(fmt.Sprintf("Failed to %s", operation), "error", err)
	}
	c.JSON(http.StatusInternalServerError, APIError{
		Error: fmt.Sprintf("failed to %s", operation),
		Code:  "INTERNAL_ERROR",
	})
}

// RespondServiceUnavailable sends a 503 Service Unavailable response.
func RespondServiceUnavailable(c *gin.Context, service string) {
	c.JSON(http.StatusServiceUnavailable, APIError{
		Error: fmt.Sprintf("service unavailable: %s", service),
		Code:  "SERVICE_UNAVAILABLE",
	})
}

// RespondOK sends a 200 OK response with the given data.
func RespondOK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// RespondAccepted sends a 202 Accepted response for work started asynchronously.
func RespondAccepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, data)
}

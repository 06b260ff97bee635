package middleware

import (
	"errors"
	"net/http"

	"relaybox/internal/transport/httpdto"
	relaybox_errors "relaybox/pkg/errors"
	"relaybox/pkg/logger"

	"github.com/gin-gonic/gin"
)

// ErrorHandler renders the last error a handler attached with c.Error.
func ErrorHandler(l *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		status, code := StatusFor(err)
		if l != nil && status >= http.StatusInternalServerError {
			l.Ctx(c.Request.Context()).Errorf("request error: %s", err.Error())
		}
		c.JSON(status, httpdto.NewErrorResponse(err.Error(), code))
	}
}

// StatusFor maps domain errors onto an HTTP status and response code.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, relaybox_errors.ErrNotFound), errors.Is(err, relaybox_errors.ErrJobNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, relaybox_errors.ErrInvalidInput):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, relaybox_errors.ErrJobRunning), errors.Is(err, relaybox_errors.ErrConflict):
		return http.StatusConflict, "CONFLICT"
	case errors.Is(err, relaybox_errors.ErrUnauthorized):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	case errors.Is(err, relaybox_errors.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printstation/internal/backend"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{Error: code, Message: message})
}

// backendError maps a failed backend call onto a local response. Transport
// failures and server errors surface as 502 so the UI can tell them apart
// from local faults.
func backendError(c *gin.Context, err error) {
	_ = c.Error(err)

	var apiErr *backend.APIError
	switch {
	case errors.Is(err, backend.ErrUnauthorized):
		abort(c, http.StatusUnauthorized, "unauthorized", "Backend rejected the credentials")
	case backend.IsTransient(err):
		abort(c, http.StatusBadGateway, "backend_unavailable", "Backend is unreachable")
	case errors.As(err, &apiErr) && apiErr.StatusCode < 500:
		message := apiErr.Message
		if message == "" {
			message = http.StatusText(apiErr.StatusCode)
		}
		abort(c, http.StatusBadRequest, "backend_rejected", message)
	default:
		abort(c, http.StatusInternalServerError, "internal_error", err.Error())
	}
}

func parseID(c *gin.Context, param string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(param), 10, 64)
	if err != nil || id <= 0 {
		abort(c, http.StatusBadRequest, "invalid_id", "Invalid "+param)
		return 0, false
	}
	return id, true
}

// queryInt reads a non-negative integer query parameter, clamped to max
// when max is positive.
func queryInt(c *gin.Context, key string, def, max int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		abort(c, http.StatusBadRequest, "invalid_query", "Invalid "+key)
		return 0, false
	}
	if max > 0 && n > max {
		n = max
	}
	return n, true
}

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

type EventsHandler struct {
	stream http.Handler
}

// NewEventsHandler serves stream, which upgrades to a websocket.
func NewEventsHandler(stream http.Handler) *EventsHandler {
	return &EventsHandler{stream: stream}
}

func (h *EventsHandler) Stream(c *gin.Context) {
	h.stream.ServeHTTP(c.Writer, c.Request)
}

func (h *EventsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/events", h.Stream)
}

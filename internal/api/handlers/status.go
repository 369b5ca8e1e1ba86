package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printstation/internal/core"
	"github.com/orrn/printstation/internal/models"
	"github.com/orrn/printstation/internal/station"
)

type StatusResponse struct {
	Station    station.Status            `json:"station"`
	Connection models.ConnectionSnapshot `json:"connection"`
	Engine     core.Snapshot             `json:"engine"`
	DeviceMode models.DeviceMode         `json:"device_mode"`
}

type StatusHandler struct {
	station StationController
	conn    ConnectionMonitor
	engine  PrintEngine
	mode    func() models.DeviceMode
}

func NewStatusHandler(ctrl StationController, conn ConnectionMonitor, engine PrintEngine, mode func() models.DeviceMode) *StatusHandler {
	return &StatusHandler{
		station: ctrl,
		conn:    conn,
		engine:  engine,
		mode:    mode,
	}
}

func (h *StatusHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (h *StatusHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Station:    h.station.Status(),
		Connection: h.conn.Snapshot(),
		Engine:     h.engine.Snapshot(),
		DeviceMode: h.mode(),
	})
}

// Probe checks the backend immediately, for a UI that just regained focus.
func (h *StatusHandler) Probe(c *gin.Context) {
	status := h.conn.Probe(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"status":     status,
		"connection": h.conn.Snapshot(),
	})
}

func (h *StatusHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/status", h.GetStatus)
	r.POST("/connectivity/probe", h.Probe)
}

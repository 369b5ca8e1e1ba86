package handlers

import (
	"embed"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printstation/internal/core"
	"github.com/orrn/printstation/internal/station"
	"github.com/orrn/printstation/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

type DashboardStats struct {
	TodayPrints   int
	FailedToday   int
	FailedJobs    int
	QueueDepth    int
	QueueFresh    bool
	EngineState   string
	PendingRetry  int
	LastPollAgo   string
	ConnectionAgo string
}

type StationSummary struct {
	Name           string
	Location       string
	State          string
	Indicator      string
	IndicatorClass string
	Reason         string
	HeartbeatAgo   string
}

type PrinterSummary struct {
	Name        string
	State       string
	StatusClass string
	CanPrint    bool
	Message     string
	CheckedAgo  string
}

type JobSummary struct {
	JobID              int64
	Filename           string
	Attempt            int
	Status             string
	StatusClass        string
	Error              string
	CreatedAtFormatted string
}

type DashboardData struct {
	Title      string
	Connection string
	Station    StationSummary
	Printer    *PrinterSummary
	Stats      DashboardStats
	Jobs       []JobSummary
}

type PrinterStatusSource interface {
	LastStatus() (core.PrinterStatus, bool)
}

type WebUIHandler struct {
	station  StationController
	conn     ConnectionMonitor
	engine   PrintEngine
	printer  PrinterStatusSource
	store    *store.Store
	printLog PrintLogReader
	now      func() time.Time
}

func NewWebUIHandler(ctrl StationController, conn ConnectionMonitor, engine PrintEngine, printer PrinterStatusSource, st *store.Store, printLog PrintLogReader) *WebUIHandler {
	return &WebUIHandler{
		station:  ctrl,
		conn:     conn,
		engine:   engine,
		printer:  printer,
		store:    st,
		printLog: printLog,
		now:      time.Now,
	}
}

// Templates parses the embedded dashboard templates for gin's HTML renderer.
func Templates() *template.Template {
	return template.Must(template.New("").ParseFS(templateFS, "templates/*.html"))
}

func (h *WebUIHandler) Dashboard(c *gin.Context) {
	c.HTML(http.StatusOK, "dashboard", h.dashboardData(c))
}

func (h *WebUIHandler) dashboardData(c *gin.Context) DashboardData {
	status := h.station.Status()
	conn := h.conn.Snapshot()
	snap := h.engine.Snapshot()
	now := h.now()

	data := DashboardData{
		Title:      "Print Station",
		Connection: string(conn.Status),
		Station: StationSummary{
			State:          string(status.State),
			Indicator:      string(status.Indicator),
			IndicatorClass: getIndicatorClass(status.Indicator),
			Reason:         status.Reason,
		},
	}
	if status.Station != nil {
		data.Station.Name = status.Station.Name
		data.Station.Location = status.Station.Location
	}
	if !status.LastHeartbeatAt.IsZero() {
		data.Station.HeartbeatAgo = formatAgo(now, status.LastHeartbeatAt)
	}

	jobs, fresh := h.engine.CachedJobs()
	data.Stats = DashboardStats{
		QueueDepth:   len(jobs),
		QueueFresh:   fresh,
		EngineState:  string(snap.State),
		PendingRetry: len(snap.Scheduled),
		FailedJobs:   len(h.store.FailedJobs()),
	}
	if !snap.LastPollAt.IsZero() {
		data.Stats.LastPollAgo = formatAgo(now, snap.LastPollAt)
	}
	if !conn.LastConnectedAt.IsZero() {
		data.Stats.ConnectionAgo = formatAgo(now, conn.LastConnectedAt)
	}

	if ps, ok := h.printer.LastStatus(); ok {
		data.Printer = &PrinterSummary{
			Name:        ps.Name,
			State:       ps.State,
			StatusClass: getStatusClass(ps.State),
			CanPrint:    ps.CanPrint,
			Message:     ps.Message,
			CheckedAgo:  formatAgo(now, ps.LastChecked),
		}
	}

	entries, err := h.printLog.Recent(c.Request.Context(), 20)
	if err != nil {
		_ = c.Error(err)
		return data
	}
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for _, e := range entries {
		if !e.CreatedAt.Before(todayStart) {
			switch e.Status {
			case "completed":
				data.Stats.TodayPrints++
			case "failed":
				data.Stats.FailedToday++
			}
		}
		data.Jobs = append(data.Jobs, JobSummary{
			JobID:              e.JobID,
			Filename:           e.Filename,
			Attempt:            e.Attempt,
			Status:             e.Status,
			StatusClass:        getJobStatusClass(e.Status),
			Error:              e.Error,
			CreatedAtFormatted: e.CreatedAt.Format("Jan 2, 15:04"),
		})
	}
	return data
}

func getStatusClass(state string) string {
	switch state {
	case "idle", "printing":
		return "ok"
	case "disabled", "missing":
		return "bad"
	default:
		return "unknown"
	}
}

func getIndicatorClass(indicator station.Indicator) string {
	switch indicator {
	case station.IndicatorOnline:
		return "ok"
	case station.IndicatorReconnecting, station.IndicatorDisconnected:
		return "warn"
	case station.IndicatorOffline, station.IndicatorError:
		return "bad"
	default:
		return "unknown"
	}
}

func getJobStatusClass(status string) string {
	switch status {
	case "completed":
		return "ok"
	case "failed":
		return "bad"
	default:
		return "warn"
	}
}

func formatAgo(now, t time.Time) string {
	diff := now.Sub(t)

	if diff < time.Minute {
		return "just now"
	} else if diff < time.Hour {
		mins := int(diff.Minutes())
		if mins == 1 {
			return "1 minute ago"
		}
		return strconv.Itoa(mins) + " minutes ago"
	} else if diff < 24*time.Hour {
		hours := int(diff.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return strconv.Itoa(hours) + " hours ago"
	}
	return t.Format("Jan 2, 15:04")
}

func (h *WebUIHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/", h.Dashboard)
	r.GET("/dashboard", h.Dashboard)
}

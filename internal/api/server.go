// Package api is the local control surface a UI attaches to.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printstation/internal/api/handlers"
	"github.com/orrn/printstation/internal/api/middleware"
	"github.com/orrn/printstation/internal/logger"
)

type Handlers struct {
	Status   *handlers.StatusHandler
	Session  *handlers.SessionHandler
	Station  *handlers.StationHandler
	Jobs     *handlers.JobHandler
	Printers *handlers.PrinterHandler
	Settings *handlers.SettingsHandler
	Events   *handlers.EventsHandler
	Webhooks *handlers.WebhookHandler
	WebUI    *handlers.WebUIHandler
}

// NewRouter mounts every handler under /api. Health stays reachable
// without the bearer token.
func NewRouter(h Handlers, auth *middleware.AuthMiddleware, log logger.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(log))

	api := r.Group("/api")
	api.GET("/health", h.Status.Health)

	protected := api.Group("")
	protected.Use(auth.RequireAuth())
	h.Status.RegisterRoutes(protected)
	h.Session.RegisterRoutes(protected)
	h.Station.RegisterRoutes(protected)
	h.Jobs.RegisterRoutes(protected)
	h.Printers.RegisterRoutes(protected)
	h.Settings.RegisterRoutes(protected)
	h.Events.RegisterRoutes(protected)
	h.Webhooks.RegisterRoutes(protected)

	if h.WebUI != nil {
		r.SetHTMLTemplate(handlers.Templates())
		h.WebUI.RegisterRoutes(r.Group("", auth.RequireAuth()))
	}
	return r
}

type Server struct {
	addr    string
	handler http.Handler
	log     logger.Logger
}

func NewServer(addr string, handler http.Handler, log logger.Logger) *Server {
	return &Server{addr: addr, handler: handler, log: log}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	idleConnsClosed := make(chan struct{})
	srvCtx, srvCtxCancel := context.WithCancel(ctx)
	defer srvCtxCancel()

	go func() {
		<-srvCtx.Done()

		timeoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(timeoutCtx); errors.Is(err, context.DeadlineExceeded) {
			s.log.Warn("local API shutdown timed out, forcing close")
			_ = httpServer.Close()
		}
		s.log.Info("local API stopped")
		close(idleConnsClosed)
	}()

	s.log.Info("local API listening", logger.String("addr", s.addr))
	err := httpServer.ListenAndServe()
	srvCtxCancel()
	<-idleConnsClosed

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Package adminsrv is the small gin admin/health server every
// introspectd daemon runs, modelled on cmd/tarsy/main.go's /health
// handler in the teacher: a JSON health body plus a Prometheus
// /metrics endpoint, reporting only this daemon's own operational
// state (queue depth, pressure level, config stats) — ambient
// plumbing, not the excluded reflection dashboard.
package adminsrv

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc returns the JSON body for /health. Each daemon supplies
// its own: queue depth, pressure level, last-scrape age, whatever is
// relevant to that binary.
type HealthFunc func() gin.H

// Server wraps a gin engine behind an *http.Server so callers get
// graceful shutdown for free.
type Server struct {
	http *http.Server
}

// New builds an admin server bound to addr, exposing /health (via
// health) and /metrics (the default Prometheus registry, the same
// promhttp.Handler idiom prometheus/client_golang recommends).
func New(addr, appName string, health HealthFunc) *Server {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		body := gin.H{"app": appName, "status": "ok"}
		if health != nil {
			for k, v := range health() {
				body[k] = v
			}
		}
		c.JSON(http.StatusOK, body)
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return &Server{http: &http.Server{Addr: addr, Handler: r}}
}

// Start runs the server in its own goroutine, logging (not returning)
// any error other than the expected shutdown one.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("admin server exited with error", "error", err)
		}
	}()
}

// Stop gracefully shuts the server down within the given timeout.
func (s *Server) Stop(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.http.Shutdown(ctx); err != nil {
		slog.Warn("admin server shutdown error", "error", err)
	}
}

// Package api serves a loaded pipeline over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	backend Backend
	model   string
	clock   func() time.Time
}

// NewServer serves backend under the given model name.
func NewServer(backend Backend, model string) *Server {
	if model == "" {
		model = "strata"
	}
	return &Server{
		backend: backend,
		model:   model,
		clock:   time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	e.GET("/v1/pipeline", s.handlePipeline)
	e.POST("/v1/generate", s.handleGenerate)
}

func (s *Server) handleHealth(c *echo.Context) error {
	if s.backend == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{"status": "loading"})
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handlePipeline(c *echo.Context) error {
	if s.backend == nil {
		return writeError(c, http.StatusServiceUnavailable, "server_error", "pipeline not loaded", "", "")
	}
	return c.JSON(http.StatusOK, s.backend.Info())
}

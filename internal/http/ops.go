package http

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/recalld/internal/search"
	"github.com/fyrsmithlabs/recalld/internal/syncer"
)

func (s *Server) handleSearch(c echo.Context) error {
	var q search.Query
	if err := c.Bind(&q); err != nil {
		return badRequest("invalid request body")
	}
	resp, err := s.services.Search().Search(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, resp)
}

// handleSync starts a sweep in the background. An empty body sweeps
// every owner over the configured window.
func (s *Server) handleSync(c echo.Context) error {
	var req syncer.Request
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}

	sweeper := s.services.Syncer()
	id := s.services.Tasks().Go(c.Request().Context(), TaskKindSync, func(ctx context.Context) (interface{}, error) {
		return sweeper.Sync(ctx, req)
	})
	return c.JSON(http.StatusAccepted, TaskStartedResponse{Message: "Sync started", TaskID: id})
}

func (s *Server) handleGetTask(c echo.Context) error {
	task, err := s.services.Tasks().Get(c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, task)
}

// handleHealth reports every dependency; degraded answers 503.
func (s *Server) handleHealth(c echo.Context) error {
	report := s.services.Health().Check(c.Request().Context())
	code := http.StatusOK
	if !report.Healthy() {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, report)
}

package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/recalld/internal/experiments"
	"github.com/fyrsmithlabs/recalld/internal/objectstore"
	"github.com/fyrsmithlabs/recalld/internal/registry"
)

// Tracked task kinds.
const (
	TaskKindSync    = "sync"
	TaskKindDataset = "dataset"
)

type listExperimentsParams struct {
	Limit     int    `query:"limit"`
	Offset    int    `query:"offset"`
	ProjectID string `query:"project_id"`
}

func (s *Server) handleListExperiments(c echo.Context) error {
	var p listExperimentsParams
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &p); err != nil {
		return badRequest("invalid query parameters")
	}
	if err := normalizePage(&p.Limit, &p.Offset); err != nil {
		return err
	}

	exps, err := s.services.Store().ListExperiments(c.Request().Context(), registry.ExperimentFilter{
		ProjectID: p.ProjectID,
		Limit:     p.Limit,
		Offset:    p.Offset,
	})
	if err != nil {
		return err
	}
	if exps == nil {
		exps = []*registry.Experiment{}
	}
	return c.JSON(http.StatusOK, exps)
}

func (s *Server) handleGetExperiment(c echo.Context) error {
	exp, err := s.services.Store().GetExperiment(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, exp)
}

// handleBuildDataset validates the request, then exports in the
// background under a tracked task.
func (s *Server) handleBuildDataset(c echo.Context) error {
	var req experiments.DatasetRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	if req.ProjectID == "" {
		req.ProjectID = registry.DefaultProjectID
	}
	if err := registry.ValidateName(req.ProjectID); err != nil {
		return fmt.Errorf("project_id %q: %w", req.ProjectID, err)
	}
	if _, disabled := s.services.Objects().(objectstore.Disabled); disabled {
		return objectstore.ErrDisabled
	}

	builder := s.services.Datasets()
	id := s.services.Tasks().Go(c.Request().Context(), TaskKindDataset, func(ctx context.Context) (interface{}, error) {
		return builder.BuildDataset(ctx, req)
	})
	return c.JSON(http.StatusAccepted, TaskStartedResponse{Message: "Dataset build started", TaskID: id})
}

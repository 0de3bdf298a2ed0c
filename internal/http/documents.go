package http

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/recalld/internal/documents"
	"github.com/fyrsmithlabs/recalld/internal/registry"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// BulkCreateRequest is the body of POST /api/v1/documents/bulk.
type BulkCreateRequest struct {
	Documents []documents.CreateRequest `json:"documents"`
}

// TaskStartedResponse acknowledges work that continues in the background.
type TaskStartedResponse struct {
	Message string `json:"message"`
	TaskID  string `json:"task_id"`
}

// normalizePage applies the list defaults and caps limit.
func normalizePage(limit, offset *int) error {
	if *limit < 0 || *offset < 0 {
		return badRequest("limit and offset must not be negative")
	}
	if *limit == 0 {
		*limit = defaultListLimit
	}
	if *limit > maxListLimit {
		*limit = maxListLimit
	}
	return nil
}

type listDocumentsParams struct {
	Limit        int    `query:"limit"`
	Offset       int    `query:"offset"`
	UserID       string `query:"user_id"`
	ProjectID    string `query:"project_id"`
	Status       string `query:"status"`
	DocumentType string `query:"document_type"`
}

func (s *Server) handleCreateDocument(c echo.Context) error {
	var req documents.CreateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	out, err := s.services.Documents().Create(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, out)
}

func (s *Server) handleBulkCreate(c echo.Context) error {
	var req BulkCreateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest("invalid request body")
	}
	res := s.services.Documents().CreateBulk(c.Request().Context(), req.Documents)
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handleListDocuments(c echo.Context) error {
	var p listDocumentsParams
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &p); err != nil {
		return badRequest("invalid query parameters")
	}
	if err := normalizePage(&p.Limit, &p.Offset); err != nil {
		return err
	}
	status := registry.Status(p.Status)
	if p.Status != "" && !status.Valid() {
		return badRequest("unknown status " + p.Status)
	}

	docs, err := s.services.Store().ListDocuments(c.Request().Context(), registry.DocumentFilter{
		UserID:       p.UserID,
		ProjectID:    p.ProjectID,
		Status:       status,
		DocumentType: p.DocumentType,
		Limit:        p.Limit,
		Offset:       p.Offset,
	})
	if err != nil {
		return err
	}
	if docs == nil {
		docs = []*registry.Document{}
	}
	return c.JSON(http.StatusOK, docs)
}

func (s *Server) handleGetDocument(c echo.Context) error {
	doc, err := s.services.Store().GetDocument(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}

func (s *Server) handleReindex(c echo.Context) error {
	taskID, err := s.services.Documents().Reindex(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, TaskStartedResponse{Message: "Reindexing started", TaskID: taskID})
}

type listEmbeddingsParams struct {
	Limit      int    `query:"limit"`
	Offset     int    `query:"offset"`
	UserID     string `query:"user_id"`
	DocumentID string `query:"document_id"`
}

func (s *Server) handleListEmbeddings(c echo.Context) error {
	var p listEmbeddingsParams
	if err := (&echo.DefaultBinder{}).BindQueryParams(c, &p); err != nil {
		return badRequest("invalid query parameters")
	}
	if err := normalizePage(&p.Limit, &p.Offset); err != nil {
		return err
	}

	embs, err := s.services.Store().ListEmbeddings(c.Request().Context(), registry.EmbeddingFilter{
		UserID:     p.UserID,
		DocumentID: p.DocumentID,
		Limit:      p.Limit,
		Offset:     p.Offset,
	})
	if err != nil {
		return err
	}
	if embs == nil {
		embs = []*registry.Embedding{}
	}
	return c.JSON(http.StatusOK, embs)
}

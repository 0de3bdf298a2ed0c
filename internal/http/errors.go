package http

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/documents"
	"github.com/fyrsmithlabs/recalld/internal/embeddings"
	"github.com/fyrsmithlabs/recalld/internal/events"
	"github.com/fyrsmithlabs/recalld/internal/objectstore"
	"github.com/fyrsmithlabs/recalld/internal/registry"
	"github.com/fyrsmithlabs/recalld/internal/search"
	"github.com/fyrsmithlabs/recalld/internal/vectorstore"
)

// ValidationResponse is the 400 body for a rejected search query.
type ValidationResponse struct {
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields"`
}

// toHTTPError maps a domain error onto a status code and body. Errors
// without a mapping become 500 with a generic message.
func toHTTPError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	var ve *search.ValidationError
	if errors.As(err, &ve) {
		return echo.NewHTTPError(http.StatusBadRequest, ValidationResponse{
			Message: "validation failed",
			Fields:  ve.Fields,
		}).SetInternal(err)
	}

	switch {
	case errors.Is(err, registry.ErrNotFound), errors.Is(err, events.ErrTaskNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "not found").SetInternal(err)
	case errors.Is(err, registry.ErrProcessing):
		return echo.NewHTTPError(http.StatusConflict, "Document is currently being processed").SetInternal(err)
	case errors.Is(err, documents.ErrNoText):
		return echo.NewHTTPError(http.StatusBadRequest, "No text found for document").SetInternal(err)
	case errors.Is(err, documents.ErrInvalid), errors.Is(err, registry.ErrInvalidName):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error()).SetInternal(err)
	case errors.Is(err, embeddings.ErrModelUnavailable),
		errors.Is(err, embeddings.ErrEmbeddingFailed),
		errors.Is(err, vectorstore.ErrIndexUnavailable),
		errors.Is(err, objectstore.ErrDisabled):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "service unavailable").SetInternal(err)
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal server error").SetInternal(err)
	}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	he := toHTTPError(err)
	ctx := c.Request().Context()
	if he.Code >= http.StatusInternalServerError {
		s.logger.Error(ctx, "request failed", zap.Int("status", he.Code), zap.Error(err))
	} else {
		s.logger.Debug(ctx, "request rejected", zap.Int("status", he.Code), zap.Error(err))
	}
	s.echo.DefaultHTTPErrorHandler(he, c)
}

func badRequest(msg string) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusBadRequest, msg)
}

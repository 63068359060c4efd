package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/creasty/defaults"
	"github.com/labstack/echo/v4"

	"market-analyzer/internal/analysis"
	"market-analyzer/internal/catalog"
)

// CandidateSource classifies the tracked catalog on demand.
type CandidateSource interface {
	Candidates(ctx context.Context, cat *catalog.Catalog, criteria analysis.Criteria) (analysis.Result, error)
}

// CandidatesRequest holds /api/candidates query parameters. Unset
// parameters fall back to the configured criteria.
type CandidatesRequest struct {
	MinVolume  int64   `query:"min_volume" validate:"gte=0"`
	ZThreshold float64 `query:"z_threshold" validate:"gt=0"`
	Limit      int     `query:"limit" validate:"gt=0,lte=1000"`
}

// UndervaluedRequest holds /api/undervalued query parameters.
type UndervaluedRequest struct {
	MinVolume int64 `query:"min_volume" default:"50" validate:"gte=0"`
	Limit     int   `query:"limit" default:"50" validate:"gt=0,lte=1000"`
}

type errorResponse struct {
	Error  string            `json:"error"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// Ping reports liveness.
func (s *Server) Ping(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Candidates returns buy and sell lists for the given criteria.
func (s *Server) Candidates(c echo.Context) error {
	req := CandidatesRequest{
		MinVolume:  s.criteria.MinVolume,
		ZThreshold: s.criteria.ZThreshold,
		Limit:      s.criteria.Limit,
	}
	err := echo.QueryParamsBinder(c).
		Int64("min_volume", &req.MinVolume).
		Float64("z_threshold", &req.ZThreshold).
		Int("limit", &req.Limit).
		BindError()
	if err != nil {
		return badRequest(c, err)
	}
	if err := s.validate.StructCtx(c.Request().Context(), &req); err != nil {
		return badRequest(c, err)
	}

	res, err := s.source.Candidates(c.Request().Context(), s.catalog, analysis.Criteria{
		MinVolume:  req.MinVolume,
		ZThreshold: req.ZThreshold,
		Limit:      req.Limit,
	})
	if err != nil {
		return s.failure(c, err)
	}
	return c.JSON(http.StatusOK, res)
}

// Undervalued returns only the buy list, ranked most undervalued first.
func (s *Server) Undervalued(c echo.Context) error {
	var req UndervaluedRequest
	if err := defaults.Set(&req); err != nil {
		return s.failure(c, err)
	}
	err := echo.QueryParamsBinder(c).
		Int64("min_volume", &req.MinVolume).
		Int("limit", &req.Limit).
		BindError()
	if err != nil {
		return badRequest(c, err)
	}
	if err := s.validate.StructCtx(c.Request().Context(), &req); err != nil {
		return badRequest(c, err)
	}

	res, err := s.source.Candidates(c.Request().Context(), s.catalog, analysis.Criteria{
		MinVolume:  req.MinVolume,
		ZThreshold: s.criteria.ZThreshold,
		Limit:      req.Limit,
	})
	if err != nil {
		return s.failure(c, err)
	}
	return c.JSON(http.StatusOK, res.Buy)
}

func badRequest(c echo.Context, err error) error {
	return c.JSON(http.StatusBadRequest, errorResponse{
		Error:  "invalid query parameters",
		Errors: validationErrors(err),
	})
}

func (s *Server) failure(c echo.Context, err error) error {
	if errors.Is(err, analysis.ErrInvalidParameter) {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	s.logger.Error().Err(err).Str("path", c.Path()).Msg("candidate query failed")
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: http.StatusText(http.StatusInternalServerError)})
}

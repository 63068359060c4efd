package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"market-analyzer/internal/analysis"
	"market-analyzer/internal/catalog"
	"market-analyzer/internal/metrics"
)

// Server exposes the candidate query API over HTTP.
type Server struct {
	echo     *echo.Echo
	source   CandidateSource
	catalog  *catalog.Catalog
	criteria analysis.Criteria
	metrics  *metrics.Recorder
	validate *validator.Validate
	logger   zerolog.Logger
}

// New wires routes and middleware. criteria supplies defaults for unset query parameters.
func New(source CandidateSource, cat *catalog.Catalog, criteria analysis.Criteria, recorder *metrics.Recorder, logger zerolog.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:     e,
		source:   source,
		catalog:  cat,
		criteria: criteria,
		metrics:  recorder,
		validate: newValidator(),
		logger:   logger.With().Str("component", "api").Logger(),
	}

	e.Use(s.recoverer, s.requestLogger)

	g := e.Group("/api")
	g.GET("/ping", s.Ping)
	g.GET("/candidates", s.Candidates)
	g.GET("/undervalued", s.Undervalued)

	e.GET("/metrics", echo.WrapHandler(recorder.Handler()))
	return s
}

// Handler returns the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", addr).Msg("http server listening")
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	s.logger.Info().Msg("http server stopped")
	return nil
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}

		status := c.Response().Status
		route := c.Path()
		s.metrics.RecordRequest(route, strconv.Itoa(status))
		s.logger.Debug().
			Str("method", c.Request().Method).
			Str("uri", c.Request().RequestURI).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Msg("request served")
		return nil
	}
}

func (s *Server) recoverer(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Interface("panic", r).Str("path", c.Path()).Msg("handler panicked")
				err = c.JSON(http.StatusInternalServerError, errorResponse{Error: http.StatusText(http.StatusInternalServerError)})
			}
		}()
		return next(c)
	}
}

package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"transitboard.dev/gtfs"
)

// HTTP front for departure boards.
type Server struct {
	app         *fiber.App
	board       *gtfs.Board
	coordinator *gtfs.RefreshCoordinator
	logger      zerolog.Logger
}

func NewServer(board *gtfs.Board, coordinator *gtfs.RefreshCoordinator, logger zerolog.Logger) *Server {
	s := &Server{
		app: fiber.New(fiber.Config{
			DisableStartupMessage: true,
		}),
		board:       board,
		coordinator: coordinator,
		logger:      logger.With().Str("component", "api").Logger(),
	}

	s.app.Use(s.logRequests)
	s.app.Get("/stop/:code/times", s.stopTimes)
	s.app.Get("/healthz", s.health)

	return s
}

func (s *Server) App() *fiber.App {
	return s.app
}

func (s *Server) Listen(addr string) error {
	s.logger.Info().Str("addr", addr).Msg("listening")
	return s.app.Listen(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) logRequests(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	code := c.Response().StatusCode()
	event := s.logger.Debug()
	switch {
	case code >= fiber.StatusInternalServerError:
		event = s.logger.Error()
	case code >= fiber.StatusBadRequest:
		event = s.logger.Warn()
	}

	event.
		Int("status", code).
		Str("method", c.Method()).
		Str("path", c.Path()).
		Dur("latency", time.Since(start)).
		Msg("request")

	return err
}

func (s *Server) stopTimes(c *fiber.Ctx) error {
	code := c.Params("code")

	rangeStart, err := minutesParam(c, "range_start_mins", gtfs.DefaultRangeStartMinutes)
	if err != nil {
		return badRequest(c, err)
	}
	rangeEnd, err := minutesParam(c, "range_end_mins", gtfs.DefaultRangeEndMinutes)
	if err != nil {
		return badRequest(c, err)
	}

	departures, err := s.board.Departures(code, rangeStart, rangeEnd)
	if errors.Is(err, gtfs.ErrInvalidRange) {
		return badRequest(c, err)
	}
	if err != nil {
		s.logger.Error().Err(err).Str("stop_code", code).Msg("loading departures")
		c.Status(fiber.StatusInternalServerError)
		return c.JSON(fiber.Map{
			"error": "Could not load departures",
		})
	}

	return c.JSON(departures)
}

type regionHealth struct {
	Region      string    `json:"region"`
	Trips       int       `json:"trips"`
	FeedTime    time.Time `json:"feed_timestamp"`
	PublishedAt time.Time `json:"published_at"`
}

func (s *Server) health(c *fiber.Ctx) error {
	snapshot := s.coordinator.Current()

	regions := []regionHealth{}
	for _, name := range snapshot.Regions() {
		idx := snapshot.Region(name)
		regions = append(regions, regionHealth{
			Region:      name,
			Trips:       idx.Len(),
			FeedTime:    idx.Timestamp().UTC(),
			PublishedAt: snapshot.PublishedAt(name).UTC(),
		})
	}

	return c.JSON(fiber.Map{
		"status":  "ok",
		"regions": regions,
	})
}

func minutesParam(c *fiber.Ctx, name string, fallback int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return fallback, nil
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parameter %s should be an integer", name)
	}
	if minutes < 0 {
		return 0, fmt.Errorf("parameter %s must not be negative", name)
	}
	return minutes, nil
}

func badRequest(c *fiber.Ctx, err error) error {
	c.Status(fiber.StatusBadRequest)
	return c.JSON(fiber.Map{
		"error": err.Error(),
	})
}

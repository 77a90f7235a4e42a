package api

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"transit-predictor/internal/transit"
)

func (s *server) errorHandler(c *fiber.Ctx, err error) error {
	// No data is an empty answer, not a failure.
	if errors.Is(err, transit.ErrInsufficientData) || errors.Is(err, transit.ErrStaleData) {
		return s.respond(c, []any{})
	}

	code := fiber.StatusInternalServerError
	var fe *fiber.Error
	switch {
	case errors.As(err, &fe):
		code = fe.Code
	case errors.Is(err, transit.ErrUnknownEntity):
		code = fiber.StatusNotFound
	case errors.Is(err, transit.ErrMalformedRequest):
		code = fiber.StatusBadRequest
	case errors.Is(err, transit.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		code = fiber.StatusGatewayTimeout
		if s.metrics != nil {
			s.metrics.QueryTimeouts.Inc()
		}
	}

	c.Status(code)
	return c.JSON(fiber.Map{
		"error":   true,
		"message": err.Error(),
	})
}

// respond writes v as JSON, or as JSONP when a callback is given.
func (s *server) respond(c *fiber.Ctx, v any) error {
	cb := c.Query("callback")
	if cb == "" {
		return c.JSON(v)
	}
	if !callbackPattern.MatchString(cb) {
		c.Status(fiber.StatusBadRequest)
		return c.JSON(fiber.Map{
			"error":   true,
			"message": transit.Malformed("callback", "not a javascript identifier").Error(),
		})
	}
	return c.JSONP(v, cb)
}

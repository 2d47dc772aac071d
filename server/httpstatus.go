package main

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// NewStatusHTTP builds the operator-facing HTTP surface: a liveness probe
// and a stats snapshot. It is intentionally separate from the presence
// protocol's own TCP listener — operators hit this with curl, players never
// do.
func NewStatusHTTP(srv *Server) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	e.GET("/stats", func(c echo.Context) error {
		return c.JSON(http.StatusOK, srv.Stats())
	})

	return e
}

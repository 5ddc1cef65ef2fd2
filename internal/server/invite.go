package server

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type inviteHandler struct {
	gate Gate
}

func (h *inviteHandler) register(g *echo.Group) {
	g.GET("", h.remaining)
	g.POST("/bind", h.bind)
}

type bindRequest struct {
	Code string `json:"code"`
}

type inviteResponse struct {
	Code      string `json:"code,omitempty"`
	Remaining int    `json:"remaining"`
}

func (h *inviteHandler) bind(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req bindRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Code) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "code is required")
	}
	inv, err := h.gate.Bind(c.Request().Context(), uid, req.Code)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inviteResponse{Code: inv.Code, Remaining: inv.Remaining()})
}

// remaining reports runs left on the caller's active code.
func (h *inviteHandler) remaining(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	n, err := h.gate.Remaining(c.Request().Context(), uid)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, inviteResponse{Remaining: n})
}

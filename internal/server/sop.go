package server

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/linsight/internal/runtime"
	"github.com/mohammad-safakhou/linsight/internal/store"
	"github.com/mohammad-safakhou/linsight/models"
)

const defaultSOPPageSize = 20

// sopHandler serves the inspiration SOP library. Writes keep the retriever index in step.
type sopHandler struct {
	store  Store
	index  SOPIndexer
	logger *log.Logger
}

func (h *sopHandler) register(g *echo.Group) {
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.POST("", h.save, runtime.RequireScopes(runtime.ScopeAdmin))
	g.DELETE("/:id", h.remove, runtime.RequireScopes(runtime.ScopeAdmin))
}

func (h *sopHandler) list(c echo.Context) error {
	page, size := 1, defaultSOPPageSize
	if raw := c.QueryParam("page"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "page must be a positive integer")
		}
		page = n
	}
	if raw := c.QueryParam("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 200 {
			return echo.NewHTTPError(http.StatusBadRequest, "page_size must be within [1,200]")
		}
		size = n
	}
	items, err := h.store.ListSOPs(c.Request().Context(), size, (page-1)*size)
	if err != nil {
		return err
	}
	if items == nil {
		items = []models.SOP{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"page": page, "page_size": size, "items": items})
}

func sopID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid sop id")
	}
	return id, nil
}

func (h *sopHandler) get(c echo.Context) error {
	id, err := sopID(c)
	if err != nil {
		return err
	}
	sop, err := h.store.GetSOP(c.Request().Context(), id)
	if errors.Is(err, store.ErrSOPNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sop)
}

type sopRequest struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Content     string `json:"content"`
	Rating      int    `json:"rating"`
}

// save creates an SOP, or updates it when id is set.
func (h *sopHandler) save(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req sopRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" || strings.TrimSpace(req.Content) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name and content are required")
	}
	if req.Rating < 0 || req.Rating > 5 {
		return echo.NewHTTPError(http.StatusBadRequest, "rating must be between 0 and 5")
	}
	now := time.Now().UTC()
	sop := models.SOP{
		ID:          req.ID,
		Name:        req.Name,
		Description: req.Description,
		Content:     req.Content,
		Rating:      req.Rating,
		UserID:      uid,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	ctx := c.Request().Context()
	status := http.StatusCreated
	if sop.ID > 0 {
		status = http.StatusOK
		err = h.store.UpdateSOP(ctx, &sop)
	} else {
		err = h.store.CreateSOP(ctx, &sop)
	}
	if errors.Is(err, store.ErrSOPNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	// The row is the source of truth; a failed index write is repaired by `sop reindex`.
	if err := h.index.IndexSOP(ctx, sop); err != nil {
		h.logger.Printf("sop=%d index: %v", sop.ID, err)
	}
	return c.JSON(status, sop)
}

func (h *sopHandler) remove(c echo.Context) error {
	id, err := sopID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	if err := h.store.DeleteSOP(ctx, id); err != nil {
		if errors.Is(err, store.ErrSOPNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return err
	}
	if err := h.index.RemoveSOP(ctx, id); err != nil {
		h.logger.Printf("sop=%d unindex: %v", id, err)
	}
	return c.NoContent(http.StatusNoContent)
}

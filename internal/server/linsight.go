package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/linsight/internal/eventbus"
	"github.com/mohammad-safakhou/linsight/internal/queue"
	"github.com/mohammad-safakhou/linsight/internal/queue/streams"
	"github.com/mohammad-safakhou/linsight/internal/runtime"
	"github.com/mohammad-safakhou/linsight/models"
)

const maxTitleRunes = 64

type linsightHandler struct {
	deps   Deps
	logger *log.Logger
}

func (h *linsightHandler) register(g *echo.Group) {
	g.POST("/workbench/submit", h.submit)
	g.GET("/session/:version_id", h.version)
	g.GET("/session/:version_id/events", h.events)
	g.POST("/session/:version_id/feedback", h.feedback)
	g.POST("/session/:version_id/terminate", h.terminate)
	g.GET("/session/:version_id/ws", h.stream)
}

type submitRequest struct {
	Question                 string                 `json:"question"`
	OrgKnowledgeEnabled      bool                   `json:"org_knowledge_enabled"`
	PersonalKnowledgeEnabled bool                   `json:"personal_knowledge_enabled"`
	Files                    []models.FileRef       `json:"files"`
	Tools                    []models.ToolSelection `json:"tools"`
}

type submitResponse struct {
	ChatID    string `json:"chat_id"`
	VersionID string `json:"version_id"`
}

func userID(c echo.Context) (int64, error) {
	id, ok := runtime.UserID(c)
	if !ok {
		return 0, echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
	}
	return id, nil
}

func sessionTitle(question string) string {
	q := strings.TrimSpace(question)
	if r := []rune(q); len(r) > maxTitleRunes {
		return string(r[:maxTitleRunes])
	}
	return q
}

// submit creates a session with its first version and hands it to the runner.
func (h *linsightHandler) submit(c echo.Context) error {
	uid, err := userID(c)
	if err != nil {
		return err
	}
	var req submitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Question) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "question is required")
	}
	if h.deps.Queue.Full() {
		return &apiError{Status: http.StatusTooManyRequests, Code: queue.CodeQueueFull, Message: queue.ErrQueueFull.Error()}
	}
	ctx := c.Request().Context()
	if err := h.deps.Gate.Consume(ctx, uid); err != nil {
		return err
	}

	now := time.Now().UTC()
	sess := &models.Session{ID: uuid.NewString(), UserID: uid, Title: sessionTitle(req.Question), CreatedAt: now}
	v := &models.SessionVersion{
		ID:                       uuid.NewString(),
		SessionID:                sess.ID,
		UserID:                   uid,
		Question:                 req.Question,
		Tools:                    req.Tools,
		OrgKnowledgeEnabled:      req.OrgKnowledgeEnabled,
		PersonalKnowledgeEnabled: req.PersonalKnowledgeEnabled,
		Files:                    req.Files,
		Status:                   models.VersionNotStarted,
		Version:                  now,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	sess.CurrentVersionID = v.ID
	if err := h.deps.Store.CreateSession(ctx, sess, v); err != nil {
		h.refund(uid)
		return err
	}
	if err := h.deps.Runner.Start(*v); err != nil {
		v.Status = models.VersionFailed
		v.UpdatedAt = time.Now().UTC()
		if uerr := h.deps.Store.UpdateVersion(context.Background(), v); uerr != nil {
			h.logger.Printf("version=%s mark failed: %v", v.ID, uerr)
		}
		h.refund(uid)
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusOK, submitResponse{ChatID: sess.ID, VersionID: v.ID})
}

func (h *linsightHandler) refund(uid int64) {
	if err := h.deps.Gate.Refund(context.Background(), uid); err != nil {
		h.logger.Printf("user=%d refund: %v", uid, err)
	}
}

// ownedVersion loads the path version for the authenticated user.
func (h *linsightHandler) ownedVersion(c echo.Context) (models.SessionVersion, int64, error) {
	uid, err := userID(c)
	if err != nil {
		return models.SessionVersion{}, 0, err
	}
	v, err := h.deps.Store.GetUserVersion(c.Request().Context(), c.Param("version_id"), uid)
	if errors.Is(err, models.ErrVersionNotFound) {
		return models.SessionVersion{}, uid, echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return models.SessionVersion{}, uid, err
	}
	return v, uid, nil
}

type versionResponse struct {
	Version models.SessionVersion `json:"version"`
	Tasks   []models.Task         `json:"tasks"`
}

func (h *linsightHandler) version(c echo.Context) error {
	v, _, err := h.ownedVersion(c)
	if err != nil {
		return err
	}
	tasks, err := h.deps.Store.ListTasks(c.Request().Context(), v.ID)
	if err != nil {
		return err
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	return c.JSON(http.StatusOK, versionResponse{Version: v, Tasks: tasks})
}

type eventsResponse struct {
	Events []eventbus.Event `json:"events"`
	Closed bool             `json:"closed"`
}

func querySeq(c echo.Context, name string) (int64, error) {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, name+" must be a non-negative integer")
	}
	return n, nil
}

// events replays the version stream after ?since without blocking.
func (h *linsightHandler) events(c echo.Context) error {
	v, _, err := h.ownedVersion(c)
	if err != nil {
		return err
	}
	since, err := querySeq(c, "since")
	if err != nil {
		return err
	}
	limit, err := querySeq(c, "limit")
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	evs, err := h.deps.Bus.Read(ctx, v.ID, since, int(limit))
	if err != nil {
		return err
	}
	closed, err := h.deps.Bus.Closed(ctx, v.ID)
	if err != nil {
		return err
	}
	if evs == nil {
		evs = []eventbus.Event{}
	}
	return c.JSON(http.StatusOK, eventsResponse{Events: evs, Closed: closed})
}

type feedbackRequest struct {
	Score           int    `json:"score"`
	ExecuteFeedback string `json:"execute_feedback"`
}

func (h *linsightHandler) feedback(c echo.Context) error {
	v, uid, err := h.ownedVersion(c)
	if err != nil {
		return err
	}
	var req feedbackRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Score < 1 || req.Score > 5 {
		return echo.NewHTTPError(http.StatusBadRequest, "score must be between 1 and 5")
	}
	if !v.Status.IsTerminal() {
		return echo.NewHTTPError(http.StatusConflict, "version has not finished")
	}
	if err := h.deps.Store.SetFeedback(c.Request().Context(), v.ID, uid, req.Score, req.ExecuteFeedback); err != nil {
		if errors.Is(err, models.ErrVersionNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// terminate publishes the same control a WebSocket TERMINATE frame does.
func (h *linsightHandler) terminate(c echo.Context) error {
	v, _, err := h.ownedVersion(c)
	if err != nil {
		return err
	}
	if v.Status.IsTerminal() {
		return echo.NewHTTPError(http.StatusConflict, "version already finished")
	}
	ctl := eventbus.Control{Type: streams.ControlTerminate, VersionID: v.ID, Reason: "terminated by user"}
	if err := h.deps.Control.Send(c.Request().Context(), ctl); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "terminating"})
}

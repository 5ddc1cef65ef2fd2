// Package server exposes the linsight HTTP API and the per-version WebSocket bridge.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mohammad-safakhou/linsight/internal/eventbus"
	"github.com/mohammad-safakhou/linsight/internal/invite"
	"github.com/mohammad-safakhou/linsight/internal/runtime"
	"github.com/mohammad-safakhou/linsight/models"
)

// Store is the persistence surface used by the handlers.
type Store interface {
	CreateSession(ctx context.Context, sess *models.Session, v *models.SessionVersion) error
	GetUserVersion(ctx context.Context, id string, userID int64) (models.SessionVersion, error)
	UpdateVersion(ctx context.Context, v *models.SessionVersion) error
	ListTasks(ctx context.Context, versionID string) ([]models.Task, error)
	SetFeedback(ctx context.Context, versionID string, userID int64, score int, feedback string) error

	ListSOPs(ctx context.Context, limit, offset int) ([]models.SOP, error)
	GetSOP(ctx context.Context, id int64) (models.SOP, error)
	CreateSOP(ctx context.Context, sop *models.SOP) error
	UpdateSOP(ctx context.Context, sop *models.SOP) error
	DeleteSOP(ctx context.Context, id int64) error
}

// Gate meters linsight runs per user.
type Gate interface {
	Bind(ctx context.Context, userID int64, code string) (models.InviteCode, error)
	Consume(ctx context.Context, userID int64) error
	Refund(ctx context.Context, userID int64) error
	Remaining(ctx context.Context, userID int64) (int, error)
}

// Admission reports whether the local waiting list can take another version.
type Admission interface {
	Full() bool
}

// Runner starts an accepted version in the background.
type Runner interface {
	Start(v models.SessionVersion) error
}

// SOPIndexer keeps the retriever in step with the SOP library.
type SOPIndexer interface {
	IndexSOP(ctx context.Context, s models.SOP) error
	RemoveSOP(ctx context.Context, id int64) error
}

// Deps are the collaborators of the HTTP surface.
type Deps struct {
	Store          Store
	Gate           Gate
	Queue          Admission
	Runner         Runner
	Bus            eventbus.Bus
	Control        eventbus.ControlChannel
	Index          SOPIndexer
	Secret         []byte
	AllowedOrigins []string
	Metrics        http.Handler
	Logger         *log.Logger
}

// Server wires the echo instance and handlers.
type Server struct {
	echo   *echo.Echo
	deps   Deps
	logger *log.Logger
}

// NewFromApp builds a server over a fully wired AppContext.
func NewFromApp(app *runtime.AppContext, tele *runtime.Telemetry) (*Server, error) {
	secret, err := runtime.LoadJWTSecret(app.Config)
	if err != nil {
		return nil, err
	}
	deps := Deps{
		Store:          app.Store,
		Gate:           app.Gate,
		Queue:          app.Queue,
		Runner:         app.Runner,
		Bus:            app.Bus,
		Control:        app.Control,
		Index:          app.Retriever,
		Secret:         secret,
		AllowedOrigins: app.Config.Server.AllowedOrigins,
	}
	if tele != nil {
		deps.Metrics = tele.MetricsHandler()
	}
	return New(deps)
}

// New registers every route on a fresh echo instance.
func New(deps Deps) (*Server, error) {
	if len(deps.Secret) == 0 {
		return nil, errors.New("jwt secret not configured")
	}
	if deps.Logger == nil {
		deps.Logger = log.New(os.Stdout, "[HTTP] ", log.LstdFlags)
	}
	if deps.Metrics == nil {
		deps.Metrics = promhttp.Handler()
	}
	if len(deps.AllowedOrigins) == 0 {
		deps.AllowedOrigins = []string{"*"}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.HTTPErrorHandler = errorHandler(deps.Logger)
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     deps.AllowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{echo.HeaderContentType, echo.HeaderAuthorization, "Cookie"},
		AllowCredentials: true,
	}))

	s := &Server{echo: e, deps: deps, logger: deps.Logger}
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/metrics", echo.WrapHandler(deps.Metrics))

	api := e.Group("/api/v1", runtime.EchoAuthMiddleware(deps.Secret))

	lh := &linsightHandler{deps: deps, logger: deps.Logger}
	lh.register(api.Group("/linsight"))

	sh := &sopHandler{store: deps.Store, index: deps.Index, logger: deps.Logger}
	sh.register(api.Group("/linsight/sop"))

	ih := &inviteHandler{gate: deps.Gate}
	ih.register(api.Group("/invite"))
	return s, nil
}

// Echo exposes the router, mostly for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Run serves on addr until ctx is cancelled, then drains in-flight requests.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Printf("listening on %s", addr)
		if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}

// apiError carries a stable client-facing code next to the HTTP status.
type apiError struct {
	Status  int
	Code    int
	Message string
}

func (e *apiError) Error() string { return fmt.Sprintf("%d: %s", e.Code, e.Message) }

func errorHandler(logger *log.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		status := http.StatusInternalServerError
		var body interface{} = map[string]interface{}{"error": err.Error()}

		var api *apiError
		var he *echo.HTTPError
		if coded, ok := invite.AsCoded(err); ok {
			status = coded.HTTPStatus
			body = map[string]interface{}{"status_code": coded.Code, "status_message": coded.Message}
		} else if errors.As(err, &api) {
			status = api.Status
			body = map[string]interface{}{"status_code": api.Code, "status_message": api.Message}
		} else if errors.As(err, &he) {
			status = he.Code
			msg := http.StatusText(status)
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
			body = map[string]interface{}{"error": msg}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", status, req.Method, req.URL.Path, c.RealIP(), err)
		if c.Response().Committed {
			return
		}
		if req.Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, body)
	}
}

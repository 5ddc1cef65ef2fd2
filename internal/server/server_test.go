package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/linsight/internal/eventbus"
	"github.com/mohammad-safakhou/linsight/internal/invite"
	"github.com/mohammad-safakhou/linsight/internal/runtime"
	"github.com/mohammad-safakhou/linsight/internal/store"
	"github.com/mohammad-safakhou/linsight/models"
)

var testSecret = []byte("test-secret")

type fakeStore struct {
	mu        sync.Mutex
	sessions  []models.Session
	versions  map[string]models.SessionVersion
	tasks     map[string][]models.Task
	feedback  map[string]int
	sops      map[int64]models.SOP
	nextSOP   int64
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		versions: make(map[string]models.SessionVersion),
		tasks:    make(map[string][]models.Task),
		feedback: make(map[string]int),
		sops:     make(map[int64]models.SOP),
	}
}

func (f *fakeStore) CreateSession(ctx context.Context, sess *models.Session, v *models.SessionVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.sessions = append(f.sessions, *sess)
	f.versions[v.ID] = *v
	return nil
}

func (f *fakeStore) GetUserVersion(ctx context.Context, id string, userID int64) (models.SessionVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.versions[id]
	if !ok || v.UserID != userID {
		return models.SessionVersion{}, models.ErrVersionNotFound
	}
	return v, nil
}

func (f *fakeStore) UpdateVersion(ctx context.Context, v *models.SessionVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[v.ID] = *v
	return nil
}

func (f *fakeStore) ListTasks(ctx context.Context, versionID string) ([]models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[versionID], nil
}

func (f *fakeStore) SetFeedback(ctx context.Context, versionID string, userID int64, score int, feedback string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feedback[versionID] = score
	return nil
}

func (f *fakeStore) ListSOPs(ctx context.Context, limit, offset int) ([]models.SOP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.SOP
	for id := int64(1); id <= f.nextSOP; id++ {
		if s, ok := f.sops[id]; ok {
			out = append(out, s)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) GetSOP(ctx context.Context, id int64) (models.SOP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sops[id]
	if !ok {
		return models.SOP{}, store.ErrSOPNotFound
	}
	return s, nil
}

func (f *fakeStore) CreateSOP(ctx context.Context, sop *models.SOP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextSOP++
	sop.ID = f.nextSOP
	f.sops[sop.ID] = *sop
	return nil
}

func (f *fakeStore) UpdateSOP(ctx context.Context, sop *models.SOP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sops[sop.ID]; !ok {
		return store.ErrSOPNotFound
	}
	f.sops[sop.ID] = *sop
	return nil
}

func (f *fakeStore) DeleteSOP(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sops[id]; !ok {
		return store.ErrSOPNotFound
	}
	delete(f.sops, id)
	return nil
}

type fakeGate struct {
	mu        sync.Mutex
	remaining int
	consumed  int
	refunded  int
}

func (g *fakeGate) Bind(ctx context.Context, userID int64, code string) (models.InviteCode, error) {
	if code != "VALIDCODE1" {
		return models.InviteCode{}, invite.ErrInvalid
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remaining = 3
	return models.InviteCode{Code: code, Limit: 3, BindUser: &userID}, nil
}

func (g *fakeGate) Consume(ctx context.Context, userID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.remaining == 0 {
		return invite.ErrUseUp
	}
	g.remaining--
	g.consumed++
	return nil
}

func (g *fakeGate) Refund(ctx context.Context, userID int64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remaining++
	g.refunded++
	return nil
}

func (g *fakeGate) Remaining(ctx context.Context, userID int64) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remaining, nil
}

type fakeQueue struct{ full bool }

func (q fakeQueue) Full() bool { return q.full }

type fakeRunner struct {
	mu      sync.Mutex
	started []models.SessionVersion
	err     error
}

func (r *fakeRunner) Start(v models.SessionVersion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.started = append(r.started, v)
	return nil
}

type fakeIndex struct {
	mu      sync.Mutex
	indexed []int64
	removed []int64
}

func (i *fakeIndex) IndexSOP(ctx context.Context, s models.SOP) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.indexed = append(i.indexed, s.ID)
	return nil
}

func (i *fakeIndex) RemoveSOP(ctx context.Context, id int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.removed = append(i.removed, id)
	return nil
}

type fixture struct {
	srv     *Server
	store   *fakeStore
	gate    *fakeGate
	queue   *fakeQueue
	runner  *fakeRunner
	index   *fakeIndex
	bus     *eventbus.MemoryBus
	control *eventbus.MemoryControl
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := eventbus.NewEventRegistry()
	if err != nil {
		t.Fatalf("event registry: %v", err)
	}
	f := &fixture{
		store:   newFakeStore(),
		gate:    &fakeGate{remaining: 1},
		queue:   &fakeQueue{},
		runner:  &fakeRunner{},
		index:   &fakeIndex{},
		bus:     eventbus.NewMemoryBus(reg, time.Hour),
		control: eventbus.NewMemoryControl(4),
	}
	srv, err := New(Deps{
		Store:   f.store,
		Gate:    f.gate,
		Queue:   f.queue,
		Runner:  f.runner,
		Bus:     f.bus,
		Control: f.control,
		Index:   f.index,
		Secret:  testSecret,
		Logger:  log.New(io.Discard, "", 0),
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	f.srv = srv
	return f
}

func token(t *testing.T, userID int64, scopes ...string) string {
	t.Helper()
	tok, err := runtime.SignJWT(userID, testSecret, time.Hour, scopes...)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (f *fixture) do(t *testing.T, method, path, tok string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	rec := httptest.NewRecorder()
	f.srv.Echo().ServeHTTP(rec, req)
	return rec
}

func (f *fixture) seedVersion(id string, userID int64, status models.VersionStatus) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.versions[id] = models.SessionVersion{ID: id, SessionID: "s-" + id, UserID: userID, Question: "q", Status: status}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthzIsPublic(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("unexpected healthz %d %q", rec.Code, rec.Body.String())
	}
}

func TestNewRequiresSecret(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Fatalf("expected error without secret")
	}
}

func TestErrorHandlerRendersCodedErrors(t *testing.T) {
	f := newFixture(t)
	e := f.srv.Echo()
	e.GET("/boom/coded", func(c echo.Context) error { return invite.ErrUseUp })
	e.GET("/boom/api", func(c echo.Context) error {
		return &apiError{Status: http.StatusTooManyRequests, Code: 11040, Message: "full"}
	})
	e.GET("/boom/plain", func(c echo.Context) error { return errors.New("kaput") })

	rec := f.do(t, http.MethodGet, "/boom/coded", "", nil)
	var coded map[string]interface{}
	decodeBody(t, rec, &coded)
	if rec.Code != http.StatusPaymentRequired || coded["status_code"] != float64(11030) {
		t.Fatalf("unexpected coded response %d %v", rec.Code, coded)
	}

	rec = f.do(t, http.MethodGet, "/boom/api", "", nil)
	decodeBody(t, rec, &coded)
	if rec.Code != http.StatusTooManyRequests || coded["status_code"] != float64(11040) {
		t.Fatalf("unexpected api response %d %v", rec.Code, coded)
	}

	rec = f.do(t, http.MethodGet, "/boom/plain", "", nil)
	var plain map[string]string
	decodeBody(t, rec, &plain)
	if rec.Code != http.StatusInternalServerError || plain["error"] != "kaput" {
		t.Fatalf("unexpected plain response %d %v", rec.Code, plain)
	}
}

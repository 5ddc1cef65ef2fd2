package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/linsight/internal/eventbus"
	"github.com/mohammad-safakhou/linsight/internal/helpers"
	"github.com/mohammad-safakhou/linsight/models"
)

const (
	wsReadLimit    = 64 << 10
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	// RFC 6455 caps close reasons at 123 bytes.
	maxCloseReason = 123
)

// wsConn serialises writes; gorilla allows one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) writeJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

func (w *wsConn) ping() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

func (w *wsConn) close(reason string) {
	reason = helpers.Truncate(reason, maxCloseReason)
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}

type errorFrame struct {
	Kind eventbus.Kind         `json:"event_type"`
	Data eventbus.ErrorMessage `json:"data"`
}

func (h *linsightHandler) upgrader() websocket.Upgrader {
	allowed := h.deps.AllowedOrigins
	return websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
		return originAllowed(r, allowed)
	}}
}

func originAllowed(r *http.Request, allowed []string) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// stream bridges the version event stream to a WebSocket. ?since replays stored events first
// and then follows live appends from the same cursor.
func (h *linsightHandler) stream(c echo.Context) error {
	v, _, err := h.ownedVersion(c)
	if err != nil {
		return err
	}
	since, err := querySeq(c, "since")
	if err != nil {
		return err
	}
	up := h.upgrader()
	conn, err := up.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Printf("version=%s ws upgrade failed: %v", v.ID, err)
		return nil
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)
	ws := &wsConn{conn: conn}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	sub, err := h.deps.Bus.Subscribe(ctx, v.ID, since)
	if err != nil {
		ws.close("Error: " + err.Error())
		return nil
	}
	defer sub.Close()

	go h.readControls(ctx, cancel, ws, v.ID)

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	var lastError string
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				return nil
			}
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					ws.close("Error: " + err.Error())
				}
				return nil
			}
			if err := ws.writeJSON(ev); err != nil {
				h.logger.Printf("version=%s ws write: %v", v.ID, err)
				return nil
			}
			if ev.Kind == eventbus.KindErrorMessage {
				var em eventbus.ErrorMessage
				if ev.Decode(&em) == nil {
					lastError = em.Text
				}
			}
			if eventbus.IsTerminal(ev.Kind) {
				ws.close(closeReason(ev, lastError))
				return nil
			}
		}
	}
}

func closeReason(ev eventbus.Event, lastError string) string {
	if ev.Kind != eventbus.KindTaskTerminated {
		return "Session finished"
	}
	var tt eventbus.TaskTerminated
	if ev.Decode(&tt) != nil || tt.Status != string(models.VersionFailed) {
		return "Session finished"
	}
	if lastError == "" {
		lastError = tt.Reason
	}
	return "Error: " + lastError
}

// readControls forwards client frames to the scheduler owning versionID. Malformed frames are
// answered with an ERROR_MESSAGE frame that is not persisted to the stream.
func (h *linsightHandler) readControls(ctx context.Context, cancel context.CancelFunc, ws *wsConn, versionID string) {
	defer cancel()
	for {
		_, raw, err := ws.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				h.logger.Printf("version=%s ws read: %v", versionID, err)
			}
			return
		}
		var ctl eventbus.Control
		if err := json.Unmarshal(raw, &ctl); err != nil {
			_ = ws.writeJSON(errorFrame{Kind: eventbus.KindErrorMessage, Data: eventbus.ErrorMessage{Text: "malformed frame: " + err.Error()}})
			continue
		}
		ctl.VersionID = versionID
		if err := ctl.Validate(); err != nil {
			_ = ws.writeJSON(errorFrame{Kind: eventbus.KindErrorMessage, Data: eventbus.ErrorMessage{Text: err.Error()}})
			continue
		}
		if err := h.deps.Control.Send(ctx, ctl); err != nil {
			_ = ws.writeJSON(errorFrame{Kind: eventbus.KindErrorMessage, Data: eventbus.ErrorMessage{Text: err.Error()}})
		}
	}
}

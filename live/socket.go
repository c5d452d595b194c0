package live

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/padraicbc/raceway/middleware"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	// sendBuffer bounds per-connection outbound queueing; a slow reader
	// drops broadcasts rather than stalling the hub.
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Token auth happens before the upgrade; origins are unrestricted like
	// the rest of the API.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	userID string
	conn   *websocket.Conn
	send   chan []byte
	once   chan struct{}
}

func newClient(userID string, conn *websocket.Conn) *client {
	return &client{
		userID: userID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		once:   make(chan struct{}),
	}
}

// trySend enqueues without blocking; full buffer means the frame is dropped.
func (cl *client) trySend(raw []byte) {
	select {
	case cl.send <- raw:
	default:
	}
}

func (cl *client) close() {
	select {
	case <-cl.once:
	default:
		close(cl.once)
		_ = cl.conn.Close()
	}
}

// Serve returns the echo handler for GET /ws. Browser websocket clients cannot
// set an Authorization header on the upgrade request, so the JWT arrives as a
// query parameter instead.
func (h *Hub) Serve(key []byte) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := c.QueryParam("token")
		if token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing token")
		}

		claims, err := middleware.ParseToken(token, key)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
		}
		userID := claims.Subject

		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// Upgrade already wrote the error response.
			return nil
		}

		cl := newClient(userID, conn)
		h.register(userID, cl)
		h.log.Info("websocket connected", zap.String("user_id", userID))

		go cl.writePump()
		h.readPump(cl)

		h.unregister(userID, cl)
		h.log.Info("websocket disconnected", zap.String("user_id", userID))
		return nil
	}
}

func (cl *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case raw := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-cl.once:
			return
		}
	}
}

func (h *Hub) readPump(cl *client) {
	cl.conn.SetReadLimit(maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := cl.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("websocket read", zap.String("user_id", cl.userID), zap.Error(err))
			}
			return
		}

		h.dispatch(cl.userID, raw)
	}
}

// dispatch routes one inbound frame. Unknown event types are logged and
// ignored; events a client has no business sending are treated the same way.
func (h *Hub) dispatch(userID string, raw []byte) {
	e, err := Unmarshal(raw)
	if err != nil {
		if errors.Is(err, ErrUnknownEvent) {
			h.log.Debug("ignoring unknown event", zap.String("user_id", userID), zap.Error(err))
		} else {
			h.log.Warn("bad event payload", zap.String("user_id", userID), zap.Error(err))
		}
		return
	}

	ctx := context.Background()

	switch ev := e.(type) {
	case *JoinRace:
		h.AddToRace(ev.RaceID, userID)
	case *PositionUpdate:
		h.handlePosition(ctx, userID, ev)
	case *FinishRace:
		h.handleFinish(ctx, userID, ev)
	default:
		h.log.Debug("ignoring non-client event", zap.String("type", e.Type()), zap.String("user_id", userID))
	}
}

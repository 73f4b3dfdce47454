package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/iontrap-lab/backend/internal/observer"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// WebSocket message types for the status stream
const (
	// Client -> Server messages
	MsgTypePing = "ping"

	// Server -> Client messages
	MsgTypeConnected = "connected"
	MsgTypeSnapshot  = "snapshot"
	MsgTypePong      = "pong"
	MsgTypeError     = "error"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = wsPongWait * 9 / 10
	wsSendBuffer   = 64
)

// WSMessage is the envelope of every frame. Type is either one of the
// MsgType constants or an observer topic.
type WSMessage struct {
	Type      string      `json:"type"`
	ID        string      `json:"id,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// clientMessage is what clients may send
type clientMessage struct {
	Type string `json:"type"`
}

// WebSocketHandler streams observer notifications to browser clients
type WebSocketHandler struct {
	log        *zap.Logger
	bus        *observer.Bus
	controller Controller
	upgrader   websocket.Upgrader
	readLimit  int64
}

// NewWebSocketHandler creates a new status stream handler. maxMessageKB
// bounds client frames.
func NewWebSocketHandler(logger *zap.Logger, bus *observer.Bus, controller Controller, maxMessageKB int) *WebSocketHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxMessageKB <= 0 {
		maxMessageKB = 64
	}
	return &WebSocketHandler{
		log:        logger.Named("ws"),
		bus:        bus,
		controller: controller,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Allow connections from dev server
				return true
			},
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 16 * 1024,
		},
		readLimit: int64(maxMessageKB) * 1024,
	}
}

// HandleStatusStream upgrades the connection and forwards status-changed,
// value-changed, ion-reappeared and interlock-status-changed notifications
// until the client disconnects. The first frame after "connected" is a
// snapshot of the current status.
func (wsh *WebSocketHandler) HandleStatusStream(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	id, events := wsh.bus.Subscribe(wsSendBuffer)
	defer wsh.bus.Unsubscribe(id)
	log := wsh.log.With(zap.String("client", id.String()))
	log.Info("client connected", zap.String("remote", c.RealIP()))

	// Pings requested by the client are answered by the writer.
	pings := make(chan struct{}, 1)
	readDone := make(chan struct{})
	go wsh.readLoop(ws, log, pings, readDone)

	if err := wsh.send(ws, WSMessage{Type: MsgTypeConnected, ID: id.String()}); err != nil {
		return nil
	}
	if wsh.controller != nil {
		if err := wsh.send(ws, WSMessage{Type: MsgTypeSnapshot, Payload: wsh.controller.Status()}); err != nil {
			return nil
		}
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-readDone:
			log.Info("client disconnected")
			return nil
		case msg, ok := <-events:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(wsWriteWait))
				return nil
			}
			out := WSMessage{
				Type:      string(msg.Topic),
				ID:        uuid.NewString(),
				Payload:   msg.Payload,
				Timestamp: msg.Time.UnixMilli(),
			}
			if err := wsh.send(ws, out); err != nil {
				log.Debug("write failed", zap.Error(err))
				return nil
			}
		case <-pings:
			if err := wsh.send(ws, WSMessage{Type: MsgTypePong}); err != nil {
				return nil
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return nil
			}
		}
	}
}

// readLoop consumes client frames so that control frames are processed and
// a closed connection is noticed.
func (wsh *WebSocketHandler) readLoop(ws *websocket.Conn, log *zap.Logger, pings chan<- struct{}, done chan<- struct{}) {
	defer close(done)
	ws.SetReadLimit(wsh.readLimit)
	_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		var msg clientMessage
		if err := ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("connection error", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(wsPongWait))
		if msg.Type == MsgTypePing {
			select {
			case pings <- struct{}{}:
			default:
			}
		}
	}
}

func (wsh *WebSocketHandler) send(ws *websocket.Conn, msg WSMessage) error {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return ws.WriteJSON(msg)
}

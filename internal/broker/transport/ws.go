package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/kandev/hub/internal/common/errors"
	"github.com/kandev/hub/internal/common/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024
	sendBufferSize = 256
)

// WSTransport implements Transport over a single gorilla/websocket
// connection from the local Cursor Connector process. Exactly one
// connection is accepted at a time; a new connection replaces the old one.
type WSTransport struct {
	mu   sync.RWMutex
	conn *websocket.Conn
	send chan []byte

	pendingMu sync.Mutex
	pending   map[int64]chan Envelope
	nextID    atomic.Int64

	heartbeatMu       sync.RWMutex
	lastHeartbeat     time.Time
	heartbeatInterval time.Duration

	upgrader websocket.Upgrader
	logger   *logger.Logger
}

// NewWSTransport constructs a transport with no connection attached yet.
func NewWSTransport(heartbeatInterval time.Duration, log *logger.Logger) *WSTransport {
	return &WSTransport{
		pending:           make(map[int64]chan Envelope),
		heartbeatInterval: heartbeatInterval,
		upgrader:          websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		logger:            log.WithFields(zap.String("component", "ide-transport")),
	}
}

// HandleConnection upgrades r into the transport's single connection,
// replacing any previous one, and starts its read/write pumps.
func (t *WSTransport) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close()
	}
	t.conn = conn
	t.send = make(chan []byte, sendBufferSize)
	send := t.send
	t.mu.Unlock()

	t.heartbeatMu.Lock()
	t.lastHeartbeat = time.Now()
	t.heartbeatMu.Unlock()

	go t.writePump(conn, send)
	go t.readPump(conn)
	return nil
}

func (t *WSTransport) readPump(conn *websocket.Conn) {
	defer func() {
		t.mu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				t.logger.Warn("connector websocket read error", zap.Error(err))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			t.logger.Warn("invalid connector envelope", zap.Error(err))
			continue
		}
		t.handleEnvelope(env)
	}
}

func (t *WSTransport) handleEnvelope(env Envelope) {
	if env.Type == EnvelopeHeartbeat {
		t.heartbeatMu.Lock()
		t.lastHeartbeat = time.Now()
		t.heartbeatMu.Unlock()
		return
	}

	t.pendingMu.Lock()
	ch, ok := t.pending[env.RequestID]
	t.pendingMu.Unlock()
	if ok {
		select {
		case ch <- env:
		default:
		}
	}
}

func (t *WSTransport) writePump(conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case message, ok := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (t *WSTransport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.conn != nil
}

func (t *WSTransport) HeartbeatHealthy() bool {
	t.heartbeatMu.RLock()
	defer t.heartbeatMu.RUnlock()
	if t.lastHeartbeat.IsZero() {
		return false
	}
	return time.Since(t.lastHeartbeat) <= 2*t.heartbeatInterval
}

// roundTrip sends req and waits for a response envelope matching its
// request id, honoring ctx's deadline.
func (t *WSTransport) roundTrip(ctx context.Context, req Envelope) (Envelope, error) {
	t.mu.RLock()
	send := t.send
	connected := t.conn != nil
	t.mu.RUnlock()
	if !connected {
		return Envelope{}, apperrors.ExternalService("ide-transport", errNotConnected)
	}

	req.RequestID = t.nextID.Add(1)
	respCh := make(chan Envelope, 1)
	t.pendingMu.Lock()
	t.pending[req.RequestID] = respCh
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, req.RequestID)
		t.pendingMu.Unlock()
	}()

	payload, err := json.Marshal(req)
	if err != nil {
		return Envelope{}, apperrors.InternalError("failed to marshal envelope", err)
	}

	select {
	case send <- payload:
	default:
		return Envelope{}, apperrors.ExternalService("ide-transport", errSendBufferFull)
	}

	select {
	case resp := <-respCh:
		if resp.Error != "" {
			return resp, apperrors.ExternalService("ide-transport", errAgentError(resp.Error))
		}
		return resp, nil
	case <-ctx.Done():
		return Envelope{}, apperrors.ExternalService("ide-transport", ctx.Err())
	}
}

func (t *WSTransport) Dispatch(ctx context.Context, req Envelope) (Envelope, error) {
	req.Type = EnvelopeDispatch
	return t.roundTrip(ctx, req)
}

func (t *WSTransport) Abort(ctx context.Context, commandID string) error {
	_, err := t.roundTrip(ctx, Envelope{Type: EnvelopeAbort, CommandID: commandID})
	return err
}

func (t *WSTransport) Verify(ctx context.Context, sshContextID string) error {
	_, err := t.roundTrip(ctx, Envelope{Type: EnvelopeVerify, Data: map[string]interface{}{"ssh_context_id": sshContextID}})
	return err
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

var _ Transport = (*WSTransport)(nil)

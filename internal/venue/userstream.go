package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marketcore/pkg/coremodel"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	fillBufferSize   = 64
)

type fillEventJSON struct {
	OrderID   string  `json:"order_id"`
	TokenID   string  `json:"asset_id"`
	Side      string  `json:"side"`
	FillQty   float64 `json:"fill_qty"`
	FillPrice float64 `json:"fill_price"`
	Timestamp string  `json:"timestamp"`
}

// UserStream is the authenticated per-account WebSocket channel that
// reports fills as they happen. It auto-reconnects with exponential
// backoff and resumes streaming once reconnected.
type UserStream struct {
	url  string
	auth *Auth

	connMu sync.Mutex
	conn   *websocket.Conn

	fillCh chan coremodel.FillEvent
	logger *slog.Logger
}

// NewUserStream builds a fill stream bound to the venue's user channel.
func NewUserStream(wsURL string, auth *Auth, logger *slog.Logger) *UserStream {
	return &UserStream{
		url:    wsURL,
		auth:   auth,
		fillCh: make(chan coremodel.FillEvent, fillBufferSize),
		logger: logger.With("component", "venue-userstream"),
	}
}

// Fills returns a read-only channel of fill notifications.
func (u *UserStream) Fills() <-chan coremodel.FillEvent { return u.fillCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (u *UserStream) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := u.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		u.logger.Warn("user stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (u *UserStream) Close() error {
	u.connMu.Lock()
	defer u.connMu.Unlock()
	if u.conn != nil {
		return u.conn.Close()
	}
	return nil
}

func (u *UserStream) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	u.connMu.Lock()
	u.conn = conn
	u.connMu.Unlock()

	defer func() {
		u.connMu.Lock()
		conn.Close()
		u.conn = nil
		u.connMu.Unlock()
	}()

	if err := u.writeJSON(map[string]any{"operation": "subscribe", "auth": u.auth.WSAuthPayload()}); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	u.logger.Info("user stream connected")

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go u.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		u.dispatchMessage(msg)
	}
}

func (u *UserStream) dispatchMessage(data []byte) {
	var raw fillEventJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		u.logger.Debug("ignoring unparseable user stream message", "data", string(data))
		return
	}
	if raw.OrderID == "" {
		return
	}

	ts, err := time.Parse(time.RFC3339, raw.Timestamp)
	if err != nil {
		ts = time.Now()
	}

	fill := coremodel.FillEvent{
		OrderID:   raw.OrderID,
		TokenID:   raw.TokenID,
		Side:      coremodel.OrderSide(raw.Side),
		FillQty:   raw.FillQty,
		FillPrice: raw.FillPrice,
		Ts:        ts,
	}

	select {
	case u.fillCh <- fill:
	default:
		u.logger.Warn("fill channel full, dropping event", "order_id", fill.OrderID)
	}
}

func (u *UserStream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := u.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				u.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (u *UserStream) writeJSON(v any) error {
	u.connMu.Lock()
	defer u.connMu.Unlock()
	if u.conn == nil {
		return nil
	}
	u.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return u.conn.WriteJSON(v)
}

func (u *UserStream) writeMessage(messageType int, data []byte) error {
	u.connMu.Lock()
	defer u.connMu.Unlock()
	if u.conn == nil {
		return nil
	}
	u.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return u.conn.WriteMessage(messageType, data)
}

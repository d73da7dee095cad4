// Package feed implements the reference-price and order-book subscriber
// interfaces the core depends on as out-of-scope collaborators, plus a
// concrete WebSocket implementation of each.
//
// Two independent feeds run concurrently:
//
//   - Spot feed (public): subscribes by asset symbol (BTC, ETH, ...),
//     receives reference price ticks used by the IntentBuilder's delta
//     regime classification.
//
//   - Book feed (public): subscribes by token id, receives book snapshots
//     for a market's UP/DOWN tokens. Every message is taken as a full
//     snapshot; incremental price-level deltas are not applied.
//
// Both feeds auto-reconnect with exponential backoff (1s -> 30s max) and
// re-subscribe to all tracked ids on reconnection. A read deadline (90s)
// ensures silent server failures are detected within ~2 missed pings.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	maxReconnectWait = 30 * time.Second
	writeTimeout     = 10 * time.Second
	bufferSize       = 256
)

// SpotTick is a reference price observation for one asset.
type SpotTick struct {
	Asset     string    `json:"asset"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

// BookUpdate is a full order-book snapshot for one token.
type BookUpdate struct {
	TokenID   string      `json:"asset_id"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// BookLevel is one price/size pair on a side of the book.
type BookLevel struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

type subscribeMsg struct {
	Operation string   `json:"operation"`
	Channel   string   `json:"channel"`
	IDs       []string `json:"ids"`
}

// WSFeed manages a single WebSocket connection for either the spot channel
// or the book channel. It handles connection lifecycle, subscription
// tracking, message routing, and automatic reconnection with exponential
// backoff.
type WSFeed struct {
	url     string
	channel string // "spot" or "book"

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[string]bool

	spotCh chan SpotTick
	bookCh chan BookUpdate

	logger *slog.Logger
}

// NewSpotFeed creates a WebSocket feed for the spot reference-price
// channel.
func NewSpotFeed(wsURL string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:        wsURL,
		channel:    "spot",
		subscribed: make(map[string]bool),
		spotCh:     make(chan SpotTick, bufferSize),
		logger:     logger.With("component", "feed-spot"),
	}
}

// NewBookFeed creates a WebSocket feed for the per-token order-book
// channel.
func NewBookFeed(wsURL string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:        wsURL,
		channel:    "book",
		subscribed: make(map[string]bool),
		bookCh:     make(chan BookUpdate, bufferSize),
		logger:     logger.With("component", "feed-book"),
	}
}

// SpotTicks returns a read-only channel of reference price ticks. Only
// populated on a feed created with NewSpotFeed.
func (f *WSFeed) SpotTicks() <-chan SpotTick { return f.spotCh }

// BookUpdates returns a read-only channel of book snapshots. Only populated
// on a feed created with NewBookFeed.
func (f *WSFeed) BookUpdates() <-chan BookUpdate { return f.bookCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("feed disconnected, reconnecting", "error", err, "backoff", backoff)

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

// Subscribe adds asset symbols (spot channel) or token ids (book channel).
func (f *WSFeed) Subscribe(ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		f.subscribed[id] = true
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(subscribeMsg{Operation: "subscribe", Channel: f.channel, IDs: ids})
}

// Unsubscribe removes ids from the subscription.
func (f *WSFeed) Unsubscribe(ids []string) error {
	f.subscribedMu.Lock()
	for _, id := range ids {
		delete(f.subscribed, id)
	}
	f.subscribedMu.Unlock()

	return f.writeJSON(subscribeMsg{Operation: "unsubscribe", Channel: f.channel, IDs: ids})
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("feed connected", "channel", f.channel)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	ids := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		ids = append(ids, id)
	}
	f.subscribedMu.RUnlock()

	return f.writeJSON(subscribeMsg{Operation: "subscribe", Channel: f.channel, IDs: ids})
}

func (f *WSFeed) dispatchMessage(data []byte) {
	switch f.channel {
	case "spot":
		var tick SpotTick
		if err := json.Unmarshal(data, &tick); err != nil {
			f.logger.Debug("ignoring unparseable spot message", "data", string(data))
			return
		}
		select {
		case f.spotCh <- tick:
		default:
			f.logger.Warn("spot channel full, dropping tick", "asset", tick.Asset)
		}

	case "book":
		var update BookUpdate
		if err := json.Unmarshal(data, &update); err != nil {
			f.logger.Debug("ignoring unparseable book message", "data", string(data))
			return
		}
		select {
		case f.bookCh <- update:
		default:
			f.logger.Warn("book channel full, dropping update", "token_id", update.TokenID)
		}
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return nil
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(messageType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return nil
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(messageType, data)
}

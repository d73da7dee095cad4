// Package venue implements the REST and WebSocket exchange adapter the
// core's ExecutionAdapter is coded against (internal/execution.Venue):
//   - GetBook:      GET  /book   — fetch L2 book for a token
//   - PlaceOrder:   POST /orders — place a single signed order
//   - CancelOrders: DELETE /orders — cancel specific orders by id
//   - DeriveAPIKey: GET  /auth/derive-api-key — bootstrap L2 creds from L1 wallet
//
// Book, order and cancel requests are rate-limited via per-category
// TokenBuckets. Every request is retried on transport and 5xx errors. Order
// and cancel requests carry L2 HMAC headers, DeriveAPIKey carries L1
// headers, and book reads are unauthenticated.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"marketcore/internal/config"
	"marketcore/pkg/coremodel"
)

// bookResponse is the JSON shape the venue's /book endpoint returns.
type bookResponse struct {
	Bids []levelJSON `json:"bids"`
	Asks []levelJSON `json:"asks"`
}

type levelJSON struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type orderPayload struct {
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Side          string `json:"side"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	SignatureType int    `json:"signatureType"`
	Owner         string `json:"owner"`
	OrderType     string `json:"orderType"`
}

type orderResponseJSON struct {
	Success   bool    `json:"success"`
	OrderID   string  `json:"orderId"`
	Status    string  `json:"status"`
	AvgPrice  float64 `json:"avgPrice"`
	FilledQty float64 `json:"filledQty"`
	Error     string  `json:"error"`
}

type cancelResponseJSON struct {
	Canceled []string `json:"canceled"`
}

// Client is the venue's REST API client. It wraps a resty HTTP client with
// rate limiting, retry, and auth, and satisfies internal/execution.Venue.
type Client struct {
	http   *resty.Client
	auth   *Auth
	rl     *RateLimiter
	dryRun bool
	logger *slog.Logger

	mu      sync.RWMutex
	tokenID map[string]map[coremodel.Side]string // marketID -> side -> token id
}

// NewClient creates a REST client with rate limiting and retry.
func NewClient(cfg config.Config, auth *Auth, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.Venue.CLOBBaseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:    httpClient,
		auth:    auth,
		rl:      NewRateLimiter(),
		dryRun:  cfg.DryRun,
		logger:  logger.With("component", "venue"),
		tokenID: make(map[string]map[coremodel.Side]string),
	}
}

// RegisterMarket binds a market's UP/DOWN token ids so ResolveTokenID can
// look them up. Called by the discovery/orchestrator wiring whenever a new
// market is found.
func (c *Client) RegisterMarket(marketID, upTokenID, downTokenID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokenID[marketID] = map[coremodel.Side]string{
		coremodel.Up:   upTokenID,
		coremodel.Down: downTokenID,
	}
}

// UnregisterMarket drops a market's token id binding once it settles.
func (c *Client) UnregisterMarket(marketID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tokenID, marketID)
}

// ResolveTokenID implements internal/execution.Venue.
func (c *Client) ResolveTokenID(marketID string, side coremodel.Side) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sides, ok := c.tokenID[marketID]
	if !ok {
		return "", false
	}
	tokenID, ok := sides[side]
	return tokenID, ok
}

// GetBook implements internal/execution.Venue, fetching the L2 book for a
// token and collapsing it to a normalized top-of-book view.
func (c *Client) GetBook(ctx context.Context, tokenID string) (coremodel.BookTop, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return coremodel.BookTop{}, err
	}

	var result bookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("token_id", tokenID).
		SetResult(&result).
		Get("/book")
	if err != nil {
		return coremodel.BookTop{}, fmt.Errorf("get book: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return coremodel.BookTop{}, fmt.Errorf("get book: status %d: %s", resp.StatusCode(), resp.String())
	}

	return toBookTop(result), nil
}

// PlaceOrder implements internal/execution.Venue.
func (c *Client) PlaceOrder(ctx context.Context, req coremodel.PlaceOrderRequest) (coremodel.PlaceOrderResult, error) {
	if c.dryRun {
		c.logger.Info("DRY-RUN: would place order", "token_id", req.TokenID, "side", req.Side, "price", req.Price, "size", req.Size)
		return coremodel.PlaceOrderResult{Success: true, OrderID: fmt.Sprintf("dry-run-%d", time.Now().UnixNano())}, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return coremodel.PlaceOrderResult{}, err
	}

	payload := c.buildOrderPayload(req)

	body, err := json.Marshal(payload)
	if err != nil {
		return coremodel.PlaceOrderResult{}, fmt.Errorf("marshal order: %w", err)
	}
	headers, err := c.auth.L2Headers("POST", "/orders", string(body))
	if err != nil {
		return coremodel.PlaceOrderResult{}, fmt.Errorf("l2 headers: %w", err)
	}

	var result orderResponseJSON
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(payload).
		SetResult(&result).
		Post("/orders")
	if err != nil {
		return coremodel.PlaceOrderResult{}, fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return coremodel.PlaceOrderResult{}, fmt.Errorf("place order: status %d: %s", resp.StatusCode(), resp.String())
	}

	var placeErr error
	if result.Error != "" {
		placeErr = fmt.Errorf("%s", result.Error)
	}
	return coremodel.PlaceOrderResult{
		Success:   result.Success,
		OrderID:   result.OrderID,
		AvgPrice:  result.AvgPrice,
		FilledQty: result.FilledQty,
		Err:       placeErr,
	}, nil
}

// CancelOrders implements internal/execution.Venue.
func (c *Client) CancelOrders(ctx context.Context, orderIDs []string) error {
	if len(orderIDs) == 0 {
		return nil
	}
	if c.dryRun {
		c.logger.Info("DRY-RUN: would cancel orders", "count", len(orderIDs))
		return nil
	}
	if err := c.rl.Cancel.Wait(ctx); err != nil {
		return err
	}

	payload := struct {
		OrderIDs []string `json:"orderIds"`
	}{OrderIDs: orderIDs}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal cancel request: %w", err)
	}
	headers, err := c.auth.L2Headers("DELETE", "/orders", string(body))
	if err != nil {
		return fmt.Errorf("l2 headers: %w", err)
	}

	var result cancelResponseJSON
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetBody(json.RawMessage(body)).
		SetResult(&result).
		Delete("/orders")
	if err != nil {
		return fmt.Errorf("cancel orders: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("cancel orders: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.logger.Info("orders cancelled", "count", len(result.Canceled))
	return nil
}

// DeriveAPIKey derives L2 API credentials via L1 authentication.
func (c *Client) DeriveAPIKey(ctx context.Context) (*Credentials, error) {
	headers, err := c.auth.L1Headers(0)
	if err != nil {
		return nil, fmt.Errorf("l1 headers: %w", err)
	}

	var result Credentials
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/auth/derive-api-key")
	if err != nil {
		return nil, fmt.Errorf("derive api key: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("derive api key: status %d: %s", resp.StatusCode(), resp.String())
	}

	c.auth.SetCredentials(result)
	c.logger.Info("API key derived", "api_key", result.ApiKey)
	return &result, nil
}

func (c *Client) buildOrderPayload(req coremodel.PlaceOrderRequest) orderPayload {
	isBuy := req.Side == coremodel.Buy
	makerAmt, takerAmt := priceToAmounts(req.Price, req.Size, isBuy, 2)

	taker := "0x0000000000000000000000000000000000000000"
	return orderPayload{
		Maker:         c.auth.FunderAddress().Hex(),
		Signer:        c.auth.Address().Hex(),
		Taker:         taker,
		TokenID:       req.TokenID,
		MakerAmount:   makerAmt.String(),
		TakerAmount:   takerAmt.String(),
		Side:          string(req.Side),
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		SignatureType: c.auth.sigType,
		Owner:         c.auth.creds.ApiKey,
		OrderType:     string(req.OrderType),
	}
}

func toBookTop(raw bookResponse) coremodel.BookTop {
	top := coremodel.BookTop{Timestamp: time.Now(), Levels: len(raw.Bids) + len(raw.Asks)}

	if len(raw.Bids) > 0 {
		if p, size, ok := parseLevel(raw.Bids[0]); ok {
			top.BestBid = &p
			top.BidSize = size
		}
	}
	if len(raw.Asks) > 0 {
		if p, size, ok := parseLevel(raw.Asks[0]); ok {
			top.BestAsk = &p
			top.AskSize = size
		}
	}
	return top
}

func parseLevel(lvl levelJSON) (price, size float64, ok bool) {
	var p, s float64
	if _, err := fmt.Sscanf(lvl.Price, "%g", &p); err != nil {
		return 0, 0, false
	}
	if _, err := fmt.Sscanf(lvl.Size, "%g", &s); err != nil {
		return 0, 0, false
	}
	return p, s, true
}

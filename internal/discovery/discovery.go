// Package discovery polls an events API for tradeable binary-outcome crypto
// markets and turns the raw listing into coremodel.MarketDescriptor values
// the orchestrator can register a MarketController against.
//
// This is a concrete default for a collaborator the core only depends on
// through a contract (Discover(ctx) ([]MarketDescriptor, error)); swapping
// in a different exchange's listing API only means writing a new Discoverer.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"marketcore/internal/config"
	"marketcore/pkg/coremodel"
)

// rawEventMarket is the JSON shape the events API returns for one
// binary-outcome crypto market.
type rawEventMarket struct {
	ID              string  `json:"id"`
	Asset           string  `json:"asset"`
	Strike          float64 `json:"strike"`
	Active          bool    `json:"active"`
	Closed          bool    `json:"closed"`
	AcceptingOrders bool    `json:"acceptingOrders"`
	StartTime       string  `json:"startTime"`
	EndTime         string  `json:"endTime"`
	UpTokenID       string  `json:"upTokenId"`
	DownTokenID     string  `json:"downTokenId"`
	Volume24h       float64 `json:"volume24h"`
	Liquidity       float64 `json:"liquidity"`
}

// Discoverer polls a base URL for newly-listed event markets, filtered to
// the configured asset set and duration window.
type Discoverer struct {
	httpClient *resty.Client
	cfg        config.DiscoveryConfig
	logger     *slog.Logger
}

// New builds a Discoverer bound to cfg.BaseURL.
func New(cfg config.DiscoveryConfig, logger *slog.Logger) *Discoverer {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(15 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(time.Second)

	return &Discoverer{
		httpClient: client,
		cfg:        cfg,
		logger:     logger.With("component", "discovery"),
	}
}

// Discover fetches the current event listing, filters to active markets for
// the configured assets with the configured event duration, and returns them
// ranked by 24h volume descending (discovery's own preference order; the
// orchestrator may register all of them regardless of rank).
func (d *Discoverer) Discover(ctx context.Context) ([]coremodel.MarketDescriptor, error) {
	raw, err := d.fetchEvents(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch events: %w", err)
	}

	filtered := d.filter(raw)
	ranked := rank(filtered)

	descriptors := make([]coremodel.MarketDescriptor, 0, len(ranked))
	for _, m := range ranked {
		desc, ok := toDescriptor(m)
		if !ok {
			continue
		}
		descriptors = append(descriptors, desc)
	}

	d.logger.Info("discovery scan complete",
		"fetched", len(raw),
		"filtered", len(filtered),
		"descriptors", len(descriptors),
	)
	return descriptors, nil
}

// Run polls Discover on cfg.PollInterval and sends each batch to out. Blocks
// until ctx is cancelled.
func (d *Discoverer) Run(ctx context.Context, out chan<- []coremodel.MarketDescriptor) {
	interval := d.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	if batch, err := d.Discover(ctx); err != nil {
		d.logger.Error("initial discovery scan failed", "error", err)
	} else {
		d.sendBatch(ctx, out, batch)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			batch, err := d.Discover(ctx)
			if err != nil {
				d.logger.Error("discovery scan failed", "error", err)
				continue
			}
			d.sendBatch(ctx, out, batch)
		}
	}
}

func (d *Discoverer) sendBatch(ctx context.Context, out chan<- []coremodel.MarketDescriptor, batch []coremodel.MarketDescriptor) {
	select {
	case out <- batch:
	case <-ctx.Done():
	}
}

func (d *Discoverer) fetchEvents(ctx context.Context) ([]rawEventMarket, error) {
	var page []rawEventMarket
	resp, err := d.httpClient.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"active": "true", "closed": "false"}).
		SetResult(&page).
		Get("/events")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != 200 {
		return nil, fmt.Errorf("fetch events: status %d", resp.StatusCode())
	}
	return page, nil
}

func (d *Discoverer) filter(markets []rawEventMarket) []rawEventMarket {
	assets := make(map[string]bool, len(d.cfg.Assets))
	for _, a := range d.cfg.Assets {
		assets[strings.ToUpper(strings.TrimSpace(a))] = true
	}

	var out []rawEventMarket
	for _, m := range markets {
		if !m.Active || m.Closed || !m.AcceptingOrders {
			continue
		}
		if len(assets) > 0 && !assets[strings.ToUpper(m.Asset)] {
			continue
		}
		if m.UpTokenID == "" || m.DownTokenID == "" {
			continue
		}

		start, err := time.Parse(time.RFC3339, m.StartTime)
		if err != nil {
			continue
		}
		end, err := time.Parse(time.RFC3339, m.EndTime)
		if err != nil {
			continue
		}
		if d.cfg.EventDurationMs > 0 {
			wantDuration := time.Duration(d.cfg.EventDurationMs) * time.Millisecond
			tolerance := 5 * time.Second
			if diff := end.Sub(start) - wantDuration; diff > tolerance || diff < -tolerance {
				continue
			}
		}

		out = append(out, m)
	}
	return out
}

// rank orders markets by 24h volume descending, falling back to liquidity
// for ties.
func rank(markets []rawEventMarket) []rawEventMarket {
	ranked := make([]rawEventMarket, len(markets))
	copy(ranked, markets)
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Volume24h != ranked[j].Volume24h {
			return ranked[i].Volume24h > ranked[j].Volume24h
		}
		return ranked[i].Liquidity > ranked[j].Liquidity
	})
	return ranked
}

func toDescriptor(m rawEventMarket) (coremodel.MarketDescriptor, bool) {
	start, err := time.Parse(time.RFC3339, m.StartTime)
	if err != nil {
		return coremodel.MarketDescriptor{}, false
	}
	end, err := time.Parse(time.RFC3339, m.EndTime)
	if err != nil {
		return coremodel.MarketDescriptor{}, false
	}

	return coremodel.MarketDescriptor{
		ID:          m.ID,
		Asset:       strings.ToUpper(m.Asset),
		UpTokenID:   m.UpTokenID,
		DownTokenID: m.DownTokenID,
		Strike:      m.Strike,
		StartTime:   start,
		EndTime:     end,
	}, true
}

package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/chaintrader/internal/domain"
)

// snapshotBody is the REST depth response:
//
//	{"lastUpdateId":1027024,"bids":[["4.00","431.00"]],"asks":[["4.02","12.00"]]}
type snapshotBody struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// venueErrorBody is the error payload returned with non-2xx responses.
type venueErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// SnapshotClient fetches depth snapshots from a public REST endpoint. The URL
// template may contain "{symbol}" (upper-case) and "{limit}".
type SnapshotClient struct {
	urlTemplate string
	httpClient  *http.Client
}

// NewSnapshotClient creates a REST snapshot source for urlTemplate.
func NewSnapshotClient(urlTemplate string) *SnapshotClient {
	return &SnapshotClient{
		urlTemplate: urlTemplate,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// GetDepthSnapshot implements orderbook.SnapshotSource.
func (c *SnapshotClient) GetDepthSnapshot(ctx context.Context, symbol string, limit int) (domain.DepthSnapshot, error) {
	if c.urlTemplate == "" {
		return domain.DepthSnapshot{}, errors.New("feed: snapshot url is empty")
	}
	url := strings.NewReplacer(
		"{symbol}", strings.ToUpper(symbol),
		"{limit}", strconv.Itoa(limit),
	).Replace(c.urlTemplate)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return domain.DepthSnapshot{}, fmt.Errorf("feed: snapshot %s: create request: %w", symbol, err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.DepthSnapshot{}, fmt.Errorf("feed: snapshot %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return domain.DepthSnapshot{}, fmt.Errorf("feed: snapshot %s: read response: %w", symbol, err)
	}
	if err := checkStatus(resp.StatusCode, body); err != nil {
		return domain.DepthSnapshot{}, fmt.Errorf("feed: snapshot %s: %w", symbol, err)
	}

	var sb snapshotBody
	if err := json.Unmarshal(body, &sb); err != nil {
		return domain.DepthSnapshot{}, fmt.Errorf("feed: snapshot %s: decode: %w", symbol, err)
	}
	snap := domain.DepthSnapshot{
		Symbol:       strings.ToUpper(symbol),
		LastUpdateID: sb.LastUpdateID,
		Levels:       make([]domain.PriceLevel, 0, len(sb.Bids)+len(sb.Asks)),
	}
	for _, side := range []struct {
		rows [][2]string
		side domain.Side
	}{{sb.Bids, domain.SideBuy}, {sb.Asks, domain.SideSell}} {
		for _, row := range side.rows {
			price, err := decimal.NewFromString(row[0])
			if err != nil {
				return domain.DepthSnapshot{}, fmt.Errorf("feed: snapshot %s: price %q: %w", symbol, row[0], err)
			}
			qty, err := decimal.NewFromString(row[1])
			if err != nil {
				return domain.DepthSnapshot{}, fmt.Errorf("feed: snapshot %s: quantity %q: %w", symbol, row[1], err)
			}
			snap.Levels = append(snap.Levels, domain.PriceLevel{Price: price, Quantity: qty, Side: side.side})
		}
	}
	return snap, nil
}

// checkStatus maps non-2xx responses to domain errors.
func checkStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	switch statusCode {
	case http.StatusTooManyRequests, http.StatusTeapot:
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, body)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %s", domain.ErrNotFound, body)
	}
	var ve venueErrorBody
	if json.Unmarshal(body, &ve) == nil && ve.Msg != "" {
		return &domain.APIError{Code: ve.Code, Message: ve.Msg}
	}
	return fmt.Errorf("HTTP %d: %s", statusCode, body)
}

package domain

import "context"

// MarketFeed supplies tickers and depth data for a venue.
type MarketFeed interface {
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	GetDepthSnapshot(ctx context.Context, symbol string, limit int) (DepthSnapshot, error)
}

// DepthStreamer delivers sequenced diff updates for one symbol. The returned
// channel is closed when ctx is done or the stream ends.
type DepthStreamer interface {
	StreamDepthDeltas(ctx context.Context, symbol string) (<-chan DepthDelta, error)
}

// ExecutionGateway places, cancels and queries orders on a venue. Venue
// rejections are returned as *APIError.
type ExecutionGateway interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) (bool, error)
	QueryOrder(ctx context.Context, symbol, orderID string) (Order, error)
}

package binance

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/marketprism/marketprism/internal/types"
)

const (
	spotRestBaseURL    = "https://api.binance.com"
	futuresRestBaseURL = "https://fapi.binance.com"

	// restBurst paces public endpoints well under Binance's weight caps.
	restRPS   = 5
	restBurst = 10
)

// RestClient fetches public market data endpoints: depth snapshots for the
// orderbook maintainer and the statistics endpoints that have no stream.
type RestClient struct {
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewRestClient creates a rate-limited public REST client.
func NewRestClient() *RestClient {
	return &RestClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(restRPS, restBurst),
	}
}

// DepthSnapshot fetches an orderbook snapshot for a native symbol. Depth is
// capped at 5000 levels per side.
func (c *RestClient) DepthSnapshot(ctx context.Context, marketType types.MarketType, symbol string, depth int) ([]byte, error) {
	if depth > 5000 {
		depth = 5000
	}
	base := spotRestBaseURL + "/api/v3/depth"
	if marketType == types.Perpetual {
		base = futuresRestBaseURL + "/fapi/v1/depth"
	}
	url := fmt.Sprintf("%s?symbol=%s&limit=%d", base, symbol, depth)
	return c.get(ctx, url)
}

// OpenInterestHist fetches the latest open-interest statistics entry for a
// native symbol. The response is a JSON array; the caller normalizes each
// element.
func (c *RestClient) OpenInterestHist(ctx context.Context, symbol, period string) ([]byte, error) {
	url := fmt.Sprintf("%s/futures/data/openInterestHist?symbol=%s&period=%s&limit=1",
		futuresRestBaseURL, symbol, period)
	return c.get(ctx, url)
}

// TopLongShortPositionRatio fetches the latest top-trader position ratio
// entry for a native symbol.
func (c *RestClient) TopLongShortPositionRatio(ctx context.Context, symbol, period string) ([]byte, error) {
	url := fmt.Sprintf("%s/futures/data/topLongShortPositionRatio?symbol=%s&period=%s&limit=1",
		futuresRestBaseURL, symbol, period)
	return c.get(ctx, url)
}

// GlobalLongShortAccountRatio fetches the latest all-account ratio entry
// for a native symbol.
func (c *RestClient) GlobalLongShortAccountRatio(ctx context.Context, symbol, period string) ([]byte, error) {
	url := fmt.Sprintf("%s/futures/data/globalLongShortAccountRatio?symbol=%s&period=%s&limit=1",
		futuresRestBaseURL, symbol, period)
	return c.get(ctx, url)
}

func (c *RestClient) get(ctx context.Context, url string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance rest: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("binance rest read: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance rest %s: status %d: %s", url, resp.StatusCode, body)
	}
	return body, nil
}

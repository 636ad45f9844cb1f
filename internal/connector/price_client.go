package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"wallet-sync/internal/domain"
	"wallet-sync/internal/observability"
)

const methodFetchPrice = "fetchPrice"

// PriceClient reads the spot price from a REST endpoint.
type PriceClient struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
	now      func() time.Time
}

// NewPriceClient creates a price client. Only WithTimeout, WithHTTPClient and WithLogger
// apply; other options are ignored.
func NewPriceClient(endpoint string, opts ...ClientOption) *PriceClient {
	// reuse the JSON-RPC option set
	base := &HTTPClient{client: &http.Client{Timeout: DefaultTimeout}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(base)
	}
	return &PriceClient{
		endpoint: endpoint,
		client:   base.client,
		logger:   base.logger.Named("price"),
		now:      time.Now,
	}
}

// priceResponse is the wire form of the price endpoint. Amounts may be JSON strings or numbers.
type priceResponse struct {
	USD       decimal.Decimal            `json:"usd"`
	Rates     map[string]decimal.Decimal `json:"rates"`
	UpdatedAt int64                      `json:"updatedAt"`
}

// FetchPrice reads the current price of the native coin.
func (c *PriceClient) FetchPrice(ctx context.Context) (_ *domain.PriceState, err error) {
	start := time.Now()
	defer func() {
		observability.RecordRPCLatency(methodFetchPrice, time.Since(start).Seconds())
		if err != nil {
			observability.RecordRPCError(methodFetchPrice, classify(err))
		}
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &NetworkError{Method: methodFetchPrice, Err: err}
	}
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, &NetworkError{Method: methodFetchPrice, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &NetworkError{Method: methodFetchPrice, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &DecodeError{Method: methodFetchPrice, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	var pr priceResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return nil, &DecodeError{Method: methodFetchPrice, Err: err}
	}
	if pr.USD.IsNegative() {
		return nil, &DecodeError{Method: methodFetchPrice, Err: fmt.Errorf("negative price %s", pr.USD)}
	}

	state := &domain.PriceState{
		USD:       pr.USD,
		Rates:     make(map[string]decimal.Decimal, len(pr.Rates)),
		UpdatedAt: pr.UpdatedAt,
	}
	for cur, rate := range pr.Rates {
		state.Rates[strings.ToUpper(cur)] = rate
	}
	if state.UpdatedAt == 0 {
		state.UpdatedAt = c.now().Unix()
	}
	return state, nil
}

package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"multiasset-ledger/internal/money"
)

type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: 30 * time.Second, ConsecutiveFailures: 5}
}

// HTTPProvider fetches quotes from a JSON endpoint:
//
//	GET {base}/rates?from=USD&to=EUR -> {"from":"USD","to":"EUR","rate":"0.92","valid_until":"..."}
//
// Calls go through a circuit breaker so an unhealthy rate service fails
// conversions fast with ErrUnavailable.
type HTTPProvider struct {
	base    *url.URL
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewHTTPProvider(baseURL string, client *http.Client, cfg BreakerConfig, logger *zap.Logger) (*HTTPProvider, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("rates: invalid base url %q", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &HTTPProvider{base: u, client: client, logger: logger}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "rates-http",
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("rate provider breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return p, nil
}

type quoteBody struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Rate       string    `json:"rate"`
	ValidUntil time.Time `json:"valid_until"`
}

func (p *HTTPProvider) GetRate(ctx context.Context, from, to string) (Quote, error) {
	from, to = money.NormalizeCode(from), money.NormalizeCode(to)
	res, err := p.breaker.Execute(func() (interface{}, error) {
		return p.fetch(ctx, from, to)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return Quote{}, fmt.Errorf("%w: %s/%s: %v", ErrUnavailable, from, to, err)
	}
	if err != nil {
		return Quote{}, err
	}
	return res.(Quote), nil
}

func (p *HTTPProvider) fetch(ctx context.Context, from, to string) (Quote, error) {
	u := *p.base
	u.Path = u.Path + "/rates"
	u.RawQuery = url.Values{"from": {from}, "to": {to}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return Quote{}, fmt.Errorf("%w: %s/%s: status %d", ErrUnavailable, from, to, resp.StatusCode)
	}

	var body quoteBody
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return Quote{}, fmt.Errorf("%w: decode: %v", ErrInvalidQuote, err)
	}
	q := Quote{
		From:       money.NormalizeCode(body.From),
		To:         money.NormalizeCode(body.To),
		ValidUntil: body.ValidUntil,
		Source:     "http",
	}
	if q.Rate, err = parseRate(body.Rate); err != nil {
		return Quote{}, err
	}
	if q.From != from || q.To != to {
		return Quote{}, fmt.Errorf("%w: asked %s/%s, got %s/%s", ErrInvalidQuote, from, to, q.From, q.To)
	}
	if err := q.Validate(); err != nil {
		return Quote{}, err
	}
	return q, nil
}

func parseRate(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: rate %q", ErrInvalidQuote, s)
	}
	return d, nil
}

package rates

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func fixedClock(at *time.Time) func() time.Time {
	return func() time.Time { return *at }
}

func TestStatic(t *testing.T) {
	now := t0
	s := NewStatic(time.Minute).WithClock(fixedClock(&now)).Set("usd", "eur", decimal.RequireFromString("0.92"))

	q, err := s.GetRate(context.Background(), "USD", "EUR")
	require.NoError(t, err)
	assert.True(t, q.Rate.Equal(decimal.RequireFromString("0.92")))
	assert.Equal(t, t0.Add(time.Minute), q.ValidUntil)
	assert.False(t, q.Expired(t0))
	assert.True(t, q.Expired(t0.Add(time.Minute)))

	id, err := s.GetRate(context.Background(), "BTC", "btc")
	require.NoError(t, err)
	assert.True(t, id.Rate.Equal(decimal.NewFromInt(1)))

	_, err = s.GetRate(context.Background(), "EUR", "JPY")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestChained_DerivesThroughPivot(t *testing.T) {
	now := t0
	var calls []string
	src := ProviderFunc(func(ctx context.Context, from, to string) (Quote, error) {
		calls = append(calls, from+"/"+to)
		switch from + "/" + to {
		case "GBP/USD":
			return Quote{From: from, To: to, Rate: decimal.RequireFromString("1.25"), ValidUntil: now.Add(5 * time.Minute)}, nil
		case "USD/JPY":
			return Quote{From: from, To: to, Rate: decimal.RequireFromString("150"), ValidUntil: now.Add(time.Minute)}, nil
		}
		return Quote{}, ErrUnavailable
	})

	q, err := NewChained(src, "").GetRate(context.Background(), "gbp", "jpy")
	require.NoError(t, err)
	assert.True(t, q.Rate.Equal(decimal.RequireFromString("187.5")))
	assert.Equal(t, now.Add(time.Minute), q.ValidUntil)
	assert.Equal(t, []string{"GBP/JPY", "JPY/GBP", "GBP/USD", "USD/JPY"}, calls)

	_, err = NewChained(src, "").GetRate(context.Background(), "EUR", "JPY")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestChained_FallsBackToInversePair(t *testing.T) {
	now := t0
	src := ProviderFunc(func(ctx context.Context, from, to string) (Quote, error) {
		switch from + "/" + to {
		case "EUR/USD":
			return Quote{From: from, To: to, Rate: decimal.RequireFromString("1.08"), ValidUntil: now.Add(2 * time.Minute)}, nil
		case "USD/GBP":
			return Quote{From: from, To: to, Rate: decimal.RequireFromString("3"), ValidUntil: now.Add(time.Minute)}, nil
		}
		return Quote{}, ErrUnavailable
	})
	c := NewChained(src, "")

	q, err := c.GetRate(context.Background(), "USD", "EUR")
	require.NoError(t, err)
	assert.Equal(t, "USD", q.From)
	assert.Equal(t, "EUR", q.To)
	assert.Equal(t, "inverse", q.Source)
	assert.Equal(t, now.Add(2*time.Minute), q.ValidUntil)
	// 1/1.08 = 0.925925..., truncated, never rounded up.
	assert.Equal(t, "0.925925925925925925", q.Rate.String())

	// GBP/EUR goes through the pivot with both legs inverted.
	cross, err := c.GetRate(context.Background(), "GBP", "EUR")
	require.NoError(t, err)
	assert.Equal(t, "chained:USD", cross.Source)
	assert.Equal(t, now.Add(time.Minute), cross.ValidUntil)
	// Both legs are truncated, so the cross never exceeds 1/(3*1.08).
	scaled := cross.Rate.Mul(decimal.RequireFromString("3.24"))
	assert.True(t, scaled.LessThanOrEqual(decimal.NewFromInt(1)), "scaled %s", scaled)
	assert.True(t, scaled.GreaterThan(decimal.RequireFromString("0.99999")), "scaled %s", scaled)

	_, err = c.GetRate(context.Background(), "JPY", "EUR")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestCached_ServesUntilExpiry(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	now := t0

	var hits atomic.Int32
	src := ProviderFunc(func(ctx context.Context, from, to string) (Quote, error) {
		hits.Add(1)
		return Quote{From: from, To: to, Rate: decimal.RequireFromString("0.92"), ValidUntil: now.Add(2 * time.Minute)}, nil
	})
	c := NewCached(src, rdb, 0, nil).WithClock(fixedClock(&now))

	_, err := c.GetRate(ctx, "USD", "EUR")
	require.NoError(t, err)
	q, err := c.GetRate(ctx, "usd", "eur")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())
	assert.True(t, q.Rate.Equal(decimal.RequireFromString("0.92")))

	assert.True(t, mr.Exists("rate:USD:EUR"))
	assert.Equal(t, 2*time.Minute, mr.TTL("rate:USD:EUR"))

	now = now.Add(3 * time.Minute)
	_, err = c.GetRate(ctx, "USD", "EUR")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestCached_CapsTTLAndSurvivesRedisOutage(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newRedis(t)
	now := t0

	src := ProviderFunc(func(ctx context.Context, from, to string) (Quote, error) {
		return Quote{From: from, To: to, Rate: decimal.NewFromInt(2), ValidUntil: now.Add(24 * time.Hour)}, nil
	})
	c := NewCached(src, rdb, 15*time.Minute, nil).WithClock(fixedClock(&now))

	_, err := c.GetRate(ctx, "EUR", "USD")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, mr.TTL("rate:EUR:USD"))

	mr.Close()
	q, err := c.GetRate(ctx, "EUR", "USD")
	require.NoError(t, err)
	assert.True(t, q.Rate.Equal(decimal.NewFromInt(2)))
}

func TestHTTPProvider(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	until := time.Now().Add(time.Minute).UTC().Truncate(time.Second)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/rates", r.URL.Path)
		if code := int(status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"from":        r.URL.Query().Get("from"),
			"to":          r.URL.Query().Get("to"),
			"rate":        "0.92",
			"valid_until": until,
		})
	}))
	defer srv.Close()

	cfg := BreakerConfig{MaxRequests: 1, Interval: time.Minute, Timeout: time.Hour, ConsecutiveFailures: 2}
	p, err := NewHTTPProvider(srv.URL+"/v1", srv.Client(), cfg, nil)
	require.NoError(t, err)

	q, err := p.GetRate(context.Background(), "usd", "eur")
	require.NoError(t, err)
	assert.Equal(t, "USD", q.From)
	assert.True(t, q.Rate.Equal(decimal.RequireFromString("0.92")))
	assert.True(t, q.ValidUntil.Equal(until))

	status.Store(http.StatusBadGateway)
	for i := 0; i < 2; i++ {
		_, err = p.GetRate(context.Background(), "USD", "EUR")
		assert.ErrorIs(t, err, ErrUnavailable)
	}

	status.Store(http.StatusOK)
	_, err = p.GetRate(context.Background(), "USD", "EUR")
	assert.ErrorIs(t, err, ErrUnavailable, "breaker stays open until its timeout")
}

func TestNewHTTPProvider_RejectsBadURL(t *testing.T) {
	_, err := NewHTTPProvider("not a url", nil, DefaultBreakerConfig(), nil)
	assert.Error(t, err)
}

func TestQuoteValidate(t *testing.T) {
	ok := Quote{From: "USD", To: "EUR", Rate: decimal.RequireFromString("0.9"), ValidUntil: t0}
	require.NoError(t, ok.Validate())

	zero := ok
	zero.Rate = decimal.Zero
	assert.ErrorIs(t, zero.Validate(), ErrInvalidQuote)

	noExpiry := ok
	noExpiry.ValidUntil = time.Time{}
	assert.ErrorIs(t, noExpiry.Validate(), ErrInvalidQuote)
}

package snapshot

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupMiniRedis(t *testing.T) *redis.Client {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

type fakeSource struct {
	mu        sync.Mutex
	fetches   int32
	candleLen int
}

func makeCandles(n int, start float64) []Candle {
	out := make([]Candle, n)
	price := start
	for i := 0; i < n; i++ {
		price += 1.0
		out[i] = Candle{
			OpenTime: time.Unix(int64(i)*900, 0),
			Open:     price - 1,
			High:     price + 2,
			Low:      price - 2,
			Close:    price,
			Volume:   100,
		}
	}
	return out
}

func (f *fakeSource) Candles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error) {
	atomic.AddInt32(&f.fetches, 1)
	n := f.candleLen
	if n == 0 {
		n = 60
	}
	return makeCandles(n, 100), nil
}

func (f *fakeSource) FundingRate(ctx context.Context, symbol string) (float64, error) {
	return 0.0001, nil
}

func (f *fakeSource) OpenInterest(ctx context.Context, symbol string) (float64, error) {
	return 1_000_000, nil
}

func (f *fakeSource) LargeTrades(ctx context.Context, symbol string, minNotionalUSDT float64) ([]LargeTrade, error) {
	return nil, nil
}

func (f *fakeSource) MarkPrice(ctx context.Context, symbol string) (float64, error) {
	return 150.0, nil
}

func TestGetBuildsSnapshotWithNoCache(t *testing.T) {
	src := &fakeSource{}
	svc := New(src, nil, time.Minute)

	snap, err := svc.Get(context.Background(), "ETHUSDT")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if snap.Symbol != "ETHUSDT" {
		t.Errorf("expected symbol ETHUSDT, got %s", snap.Symbol)
	}
	if snap.MarkPrice != 150.0 {
		t.Errorf("expected mark price 150.0, got %f", snap.MarkPrice)
	}
	if snap.Indicators.RSI.Value == 0 && snap.Indicators.MACD.MACD == 0 {
		t.Errorf("expected non-zero indicator computation")
	}
}

func TestGetInsufficientCandlesErrors(t *testing.T) {
	src := &fakeSource{candleLen: 5}
	svc := New(src, nil, time.Minute)

	_, err := svc.Get(context.Background(), "ETHUSDT")
	if err == nil {
		t.Fatal("expected error for insufficient candle history, got nil")
	}
}

func TestConcurrentGetSingleFlightsFetch(t *testing.T) {
	src := &fakeSource{}
	svc := New(src, nil, time.Minute)

	var wg sync.WaitGroup
	n := 20
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, err := svc.Get(context.Background(), "BTCUSDT")
			errs[idx] = err
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			t.Fatalf("unexpected error from concurrent Get: %v", err)
		}
	}
	if atomic.LoadInt32(&src.fetches) != 1 {
		t.Errorf("expected exactly 1 upstream fetch across %d concurrent Get calls (no cache), got %d", n, src.fetches)
	}
}

func TestGetServesFromRedisCacheOnSecondCall(t *testing.T) {
	redisClient := setupMiniRedis(t)
	src := &fakeSource{}
	svc := New(src, redisClient, time.Minute)

	first, err := svc.Get(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("first Get returned error: %v", err)
	}
	second, err := svc.Get(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("second Get returned error: %v", err)
	}

	if atomic.LoadInt32(&src.fetches) != 1 {
		t.Errorf("expected exactly 1 upstream fetch, second Get should have hit the redis cache, got %d fetches", src.fetches)
	}
	if second.MarkPrice != first.MarkPrice {
		t.Errorf("cached snapshot mark price %f does not match original %f", second.MarkPrice, first.MarkPrice)
	}
}

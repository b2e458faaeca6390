package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/signalforge/enginefunk/internal/indicators"
)

const (
	defaultCandleLimit    = 100
	defaultCacheTTL       = 60 * time.Second
	largeTradeMinNotional = 100_000.0
	cacheKeyPrefix        = "enginefunk:snapshot:"
)

// Service builds and caches MarketSnapshots. Concurrent requests for the
// same symbol within one fetch window share a single upstream call via
// singleflight.
type Service struct {
	source  Source
	redis   *redis.Client
	ttl     time.Duration
	sf      singleflight.Group
	ind     *indicators.Service
}

// New constructs a Service. redisClient may be nil, in which case every
// fetch goes to the source (still single-flighted in-process).
func New(source Source, redisClient *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &Service{
		source: source,
		redis:  redisClient,
		ttl:    ttl,
		ind:    indicators.NewService(),
	}
}

func cacheKey(symbol string) string {
	return cacheKeyPrefix + symbol
}

// Get returns a cached MarketSnapshot if fresh, otherwise fetches, caches,
// and returns a new one. Concurrent Get calls for the same symbol collapse
// into one fetch.
func (s *Service) Get(ctx context.Context, symbol string) (*MarketSnapshot, error) {
	if snap, ok := s.getCached(ctx, symbol); ok {
		return snap, nil
	}

	result, err, _ := s.sf.Do(symbol, func() (interface{}, error) {
		// Re-check the cache inside the single-flight section: another
		// goroutine may have populated it while this one waited to enter.
		if snap, ok := s.getCached(ctx, symbol); ok {
			return snap, nil
		}
		snap, err := s.fetch(ctx, symbol)
		if err != nil {
			return nil, err
		}
		s.setCached(ctx, symbol, snap)
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*MarketSnapshot), nil
}

func (s *Service) getCached(ctx context.Context, symbol string) (*MarketSnapshot, bool) {
	if s.redis == nil {
		return nil, false
	}
	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	raw, err := s.redis.Get(cacheCtx, cacheKey(symbol)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("snapshot: redis get error, treating as miss")
		}
		return nil, false
	}
	var snap MarketSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("snapshot: failed to unmarshal cached snapshot")
		return nil, false
	}
	return &snap, true
}

func (s *Service) setCached(ctx context.Context, symbol string, snap *MarketSnapshot) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("snapshot: failed to marshal for cache")
		return
	}
	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	if err := s.redis.Set(cacheCtx, cacheKey(symbol), data, s.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("snapshot: failed to cache")
	}
}

func (s *Service) fetch(ctx context.Context, symbol string) (*MarketSnapshot, error) {
	candles, err := s.source.Candles(ctx, symbol, "15m", defaultCandleLimit)
	if err != nil {
		return nil, fmt.Errorf("snapshot: candles: %w", err)
	}
	if len(candles) < 30 {
		return nil, fmt.Errorf("snapshot: insufficient candle history for %s: got %d", symbol, len(candles))
	}

	funding, err := s.source.FundingRate(ctx, symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("snapshot: funding rate unavailable, defaulting to 0")
	}
	oi, err := s.source.OpenInterest(ctx, symbol)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("snapshot: open interest unavailable, defaulting to 0")
	}
	largeTrades, err := s.source.LargeTrades(ctx, symbol, largeTradeMinNotional)
	if err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("snapshot: large-trade tape unavailable")
	}
	mark, err := s.source.MarkPrice(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("snapshot: mark price: %w", err)
	}

	ind, err := s.computeIndicators(candles)
	if err != nil {
		return nil, fmt.Errorf("snapshot: indicators: %w", err)
	}

	bbWidthPct := 0.0
	if ind.Bollinger.Middle != 0 {
		bbWidthPct = (ind.Bollinger.Upper - ind.Bollinger.Lower) / ind.Bollinger.Middle
	}
	regime := indicators.ClassifyRegime(ind.ADX.Value, bbWidthPct, ind.EMAFast.Value, ind.EMASlow.Value)

	return &MarketSnapshot{
		Symbol:       symbol,
		Candles:      candles,
		Indicators:   ind,
		FundingRate:  funding,
		OpenInterest: oi,
		LargeTrades:  largeTrades,
		Regime:       regime,
		MarkPrice:    mark,
		Timestamp:    time.Now(),
	}, nil
}

func (s *Service) computeIndicators(candles []Candle) (Indicators, error) {
	closes := make([]interface{}, len(candles))
	highs := make([]interface{}, len(candles))
	lows := make([]interface{}, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		highs[i] = c.High
		lows[i] = c.Low
	}

	rsi, err := s.ind.CalculateRSI(map[string]interface{}{"prices": closes, "period": 14})
	if err != nil {
		return Indicators{}, fmt.Errorf("rsi: %w", err)
	}
	macd, err := s.ind.CalculateMACD(map[string]interface{}{"prices": closes, "fast_period": 12, "slow_period": 26, "signal_period": 9})
	if err != nil {
		return Indicators{}, fmt.Errorf("macd: %w", err)
	}
	bb, err := s.ind.CalculateBollingerBands(map[string]interface{}{"prices": closes, "period": 20, "std_dev": 2.0})
	if err != nil {
		return Indicators{}, fmt.Errorf("bollinger: %w", err)
	}
	kdj, err := s.ind.CalculateKDJ(map[string]interface{}{"high": highs, "low": lows, "close": closes, "period": 9})
	if err != nil {
		return Indicators{}, fmt.Errorf("kdj: %w", err)
	}
	adx, err := s.ind.CalculateADX(map[string]interface{}{"high": highs, "low": lows, "close": closes, "period": 14})
	if err != nil {
		return Indicators{}, fmt.Errorf("adx: %w", err)
	}
	emaFast, err := s.ind.CalculateEMA(map[string]interface{}{"prices": closes, "period": 12})
	if err != nil {
		return Indicators{}, fmt.Errorf("ema fast: %w", err)
	}
	emaSlow, err := s.ind.CalculateEMA(map[string]interface{}{"prices": closes, "period": 26})
	if err != nil {
		return Indicators{}, fmt.Errorf("ema slow: %w", err)
	}

	return Indicators{
		RSI:       *rsi.(*indicators.RSIResult),
		MACD:      *macd.(*indicators.MACDResult),
		Bollinger: *bb.(*indicators.BollingerBandsResult),
		KDJ:       *kdj.(*indicators.KDJResult),
		ADX:       *adx.(*indicators.ADXResult),
		EMAFast:   *emaFast.(*indicators.EMAResult),
		EMASlow:   *emaSlow.(*indicators.EMAResult),
	}, nil
}

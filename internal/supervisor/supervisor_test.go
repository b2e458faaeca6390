package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/signalforge/enginefunk/internal/config"
	"github.com/signalforge/enginefunk/internal/signal"
	"github.com/signalforge/enginefunk/internal/venue"
)

// --- fakes -----------------------------------------------------------

type fakeVenue struct {
	mu       sync.Mutex
	canceled []string
	closes   []venue.MarketOrderParams
	closeErr error
	fillAt   float64
}

func (f *fakeVenue) PlaceMarketOrder(ctx context.Context, p venue.MarketOrderParams) (*venue.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closeErr != nil {
		return nil, f.closeErr
	}
	f.closes = append(f.closes, p)
	return &venue.OrderResult{OrderID: "o-" + p.ClientID, ClientID: p.ClientID, Symbol: p.Symbol, Status: venue.OrderStatusFilled, AvgPrice: f.fillAt, FilledQty: p.Quantity}, nil
}

func (f *fakeVenue) PlaceConditionalOrder(ctx context.Context, p venue.ConditionalOrderParams) (*venue.OrderResult, error) {
	return nil, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, symbol, clientID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, clientID)
	return nil
}

func (f *fakeVenue) GetOrderByClientID(ctx context.Context, symbol, clientID string) (*venue.OrderResult, error) {
	return nil, nil
}
func (f *fakeVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error { return nil }
func (f *fakeVenue) SetMarginType(ctx context.Context, symbol, marginType string) error { return nil }
func (f *fakeVenue) SymbolFilters(ctx context.Context, symbol string) (*venue.SymbolFilters, error) {
	return &venue.SymbolFilters{StepSize: 0.001, MinQty: 0.001, MinNotionalUSDT: 5}, nil
}
func (f *fakeVenue) Account(ctx context.Context) (*venue.AccountState, error) {
	return &venue.AccountState{EquityUSDT: 1000}, nil
}
func (f *fakeVenue) GetPosition(ctx context.Context, symbol string) (*venue.PositionInfo, error) {
	return &venue.PositionInfo{Symbol: symbol}, nil
}
func (f *fakeVenue) MarkPrice(ctx context.Context, symbol string) (float64, error) { return 0, nil }
func (f *fakeVenue) Connected() bool                                              { return true }

type fakeStore struct {
	mu       sync.Mutex
	states   map[string]*signal.Position
	trades   []*signal.TradeRecord
	cooldown map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]*signal.Position), cooldown: make(map[string]time.Time)}
}

func (f *fakeStore) UpsertPositionState(ctx context.Context, p *signal.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[p.Symbol] = p
	return nil
}
func (f *fakeStore) GetAllPositionStates(ctx context.Context) ([]*signal.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*signal.Position
	for _, p := range f.states {
		out = append(out, p)
	}
	return out, nil
}
func (f *fakeStore) DeletePositionState(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, symbol)
	return nil
}
func (f *fakeStore) ArmCooldown(ctx context.Context, symbol, action string, nextAllowedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cooldown[symbol+":"+action] = nextAllowedAt
	return nil
}
func (f *fakeStore) InsertTradeRecord(ctx context.Context, t *signal.TradeRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, t)
	return nil
}

// --- helpers -----------------------------------------------------------

func testTrailingConfig() config.TrailingConfig {
	return config.TrailingConfig{
		L1: 0.01, L2: 0.02, L3: 0.04, L4: 0.08,
		D1: 0.008, D2: 0.006, D3: 0.004, D4: 0.002,
		AdverseTightenPct:    0.003,
		TightenWindow:        30 * time.Minute,
		PositionTimeoutHours: map[string]float64{"default": 24},
	}
}

func newTestSupervisor(v *fakeVenue, store *fakeStore) *Supervisor {
	return New(testTrailingConfig(), config.CooldownConfig{CloseCooldown: 30 * time.Second}, v, store, nil)
}

func trackLong(s *Supervisor, symbol string, entry float64) {
	s.Track(context.Background(), symbol, signal.PositionSideLong, 1.0, entry, 1, nil, nil, "", "")
}

// --- tests -----------------------------------------------------------

func TestOnPriceTick_EntersTrailingAtL1(t *testing.T) {
	v := &fakeVenue{}
	store := newFakeStore()
	s := newTestSupervisor(v, store)
	trackLong(s, "BTCUSDT", 100)

	s.OnPriceTick(context.Background(), "BTCUSDT", 100.5) // +0.5%, below L1
	if got := s.Tracked("BTCUSDT").State; got != signal.PositionOpen {
		t.Fatalf("expected Open, got %s", got)
	}

	s.OnPriceTick(context.Background(), "BTCUSDT", 101.5) // +1.5%, past L1=1%
	pos := s.Tracked("BTCUSDT")
	if pos.State != signal.PositionTrailing {
		t.Fatalf("expected Trailing, got %s", pos.State)
	}
	if pos.Trailing == nil || pos.Trailing.PeakFavorablePrice != 101.5 {
		t.Fatalf("expected peak tracked at 101.5, got %+v", pos.Trailing)
	}
}

func TestOnPriceTick_TrailingStopTriggersClose(t *testing.T) {
	v := &fakeVenue{fillAt: 100.8}
	store := newFakeStore()
	s := newTestSupervisor(v, store)
	trackLong(s, "ETHUSDT", 100)

	s.OnPriceTick(context.Background(), "ETHUSDT", 102) // L2 reached, D2=0.006 stop distance
	pos := s.Tracked("ETHUSDT")
	if pos.State != signal.PositionTrailing {
		t.Fatalf("expected Trailing, got %s", pos.State)
	}
	wantStop := 102 * (1 - 0.006)
	if diff := pos.Trailing.CurrentStop - wantStop; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected stop %.4f, got %.4f", wantStop, pos.Trailing.CurrentStop)
	}

	s.OnPriceTick(context.Background(), "ETHUSDT", wantStop-0.01) // breach the trailing stop
	if s.Tracked("ETHUSDT") != nil {
		t.Fatalf("expected position closed and untracked")
	}
	if len(v.closes) != 1 {
		t.Fatalf("expected exactly one close order, got %d", len(v.closes))
	}
	if len(store.trades) != 1 || store.trades[0].Reason != string(CloseTrailingStop) {
		t.Fatalf("expected a trailing_stop trade record, got %+v", store.trades)
	}
}

func TestOnPriceTick_NeverDoubleClose(t *testing.T) {
	v := &fakeVenue{fillAt: 90}
	store := newFakeStore()
	s := newTestSupervisor(v, store)
	sl := 95.0
	s.Track(context.Background(), "BTCUSDT", signal.PositionSideLong, 1.0, 100, 1, nil, &sl, "", "")

	s.OnPriceTick(context.Background(), "BTCUSDT", 90) // below SL, triggers close
	s.OnPriceTick(context.Background(), "BTCUSDT", 85) // must not trigger a second close

	if len(v.closes) != 1 {
		t.Fatalf("expected exactly one close order despite repeated adverse ticks, got %d", len(v.closes))
	}
}

func TestOnPriceTick_StaticStopLossTriggersClose(t *testing.T) {
	v := &fakeVenue{fillAt: 94.9}
	store := newFakeStore()
	s := newTestSupervisor(v, store)
	sl := 95.0
	s.Track(context.Background(), "BTCUSDT", signal.PositionSideLong, 1.0, 100, 1, nil, &sl, "tp-1", "sl-1")

	s.OnPriceTick(context.Background(), "BTCUSDT", 94.9)

	if s.Tracked("BTCUSDT") != nil {
		t.Fatalf("expected position closed")
	}
	if len(v.canceled) != 2 {
		t.Fatalf("expected both tp and sl orders canceled, got %v", v.canceled)
	}
	if len(store.trades) != 1 || store.trades[0].Reason != string(CloseStopLoss) {
		t.Fatalf("expected a stop_loss trade record, got %+v", store.trades)
	}
}

// TestOnPriceTick_SimultaneousTPAndSLPrefersStopLoss exercises a tick that
// breaches both levels at once: SL takes priority so a loss is never
// misreported as a take-profit.
func TestOnPriceTick_SimultaneousTPAndSLPrefersStopLoss(t *testing.T) {
	v := &fakeVenue{fillAt: 100}
	store := newFakeStore()
	s := newTestSupervisor(v, store)
	tp, sl := 95.0, 105.0
	s.Track(context.Background(), "BTCUSDT", signal.PositionSideLong, 1.0, 100, 1, &tp, &sl, "tp-1", "sl-1")

	s.OnPriceTick(context.Background(), "BTCUSDT", 100)

	if s.Tracked("BTCUSDT") != nil {
		t.Fatalf("expected position closed")
	}
	if len(store.trades) != 1 || store.trades[0].Reason != string(CloseStopLoss) {
		t.Fatalf("expected SL to win a simultaneous TP/SL breach, got %+v", store.trades)
	}
}

func TestSweep_ForceClosesTimedOutPosition(t *testing.T) {
	v := &fakeVenue{fillAt: 100}
	store := newFakeStore()
	s := newTestSupervisor(v, store)
	trackLong(s, "BTCUSDT", 100)

	s.mu.Lock()
	s.tracked["BTCUSDT"].pos.OpenedAt = time.Now().Add(-25 * time.Hour)
	s.mu.Unlock()

	s.Sweep(context.Background())

	if s.Tracked("BTCUSDT") != nil {
		t.Fatalf("expected timed-out position closed")
	}
	if len(store.trades) != 1 || store.trades[0].Reason != string(CloseTimeout) {
		t.Fatalf("expected a timeout trade record, got %+v", store.trades)
	}
}

func TestUntrack_RemovesWithoutClosingOrder(t *testing.T) {
	v := &fakeVenue{fillAt: 100}
	store := newFakeStore()
	s := newTestSupervisor(v, store)
	trackLong(s, "BTCUSDT", 100)

	s.Untrack(context.Background(), "BTCUSDT")

	if s.Tracked("BTCUSDT") != nil {
		t.Fatalf("expected position untracked")
	}
	if len(v.closes) != 0 {
		t.Fatalf("expected no close order placed by Untrack, got %d", len(v.closes))
	}
	if _, ok := store.states["BTCUSDT"]; ok {
		t.Fatalf("expected position state row deleted")
	}
}

func TestRequestClose_ManualClose(t *testing.T) {
	v := &fakeVenue{fillAt: 101}
	store := newFakeStore()
	s := newTestSupervisor(v, store)
	trackLong(s, "BTCUSDT", 100)

	s.RequestClose(context.Background(), "BTCUSDT")

	if s.Tracked("BTCUSDT") != nil {
		t.Fatalf("expected position closed")
	}
	if len(store.trades) != 1 || store.trades[0].Reason != string(CloseManual) {
		t.Fatalf("expected a manual trade record, got %+v", store.trades)
	}
}

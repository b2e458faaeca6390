package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/signalforge/enginefunk/internal/config"
	"github.com/signalforge/enginefunk/internal/signal"
	"github.com/signalforge/enginefunk/internal/venue"
)

type fakeDebateRunner struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeDebateRunner) RunDebate(ctx context.Context, symbol string, trigger signal.Trigger) (*signal.Signal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, symbol)
	return &signal.Signal{Symbol: symbol}, nil
}

func (f *fakeDebateRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakePositions struct {
	ticks   int32
	sweeps  int32
	untrack int32
}

func (f *fakePositions) OnPriceTick(ctx context.Context, symbol string, markPrice float64) {
	atomic.AddInt32(&f.ticks, 1)
}
func (f *fakePositions) Sweep(ctx context.Context)                  { atomic.AddInt32(&f.sweeps, 1) }
func (f *fakePositions) Untrack(ctx context.Context, symbol string) { atomic.AddInt32(&f.untrack, 1) }

type fakeVenue struct {
	mark     float64
	position venue.PositionInfo
}

func (f *fakeVenue) PlaceMarketOrder(ctx context.Context, p venue.MarketOrderParams) (*venue.OrderResult, error) {
	return nil, nil
}
func (f *fakeVenue) PlaceConditionalOrder(ctx context.Context, p venue.ConditionalOrderParams) (*venue.OrderResult, error) {
	return nil, nil
}
func (f *fakeVenue) CancelOrder(ctx context.Context, symbol, clientID string) error { return nil }
func (f *fakeVenue) GetOrderByClientID(ctx context.Context, symbol, clientID string) (*venue.OrderResult, error) {
	return nil, nil
}
func (f *fakeVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error   { return nil }
func (f *fakeVenue) SetMarginType(ctx context.Context, symbol, marginType string) error   { return nil }
func (f *fakeVenue) SymbolFilters(ctx context.Context, symbol string) (*venue.SymbolFilters, error) {
	return &venue.SymbolFilters{}, nil
}
func (f *fakeVenue) Account(ctx context.Context) (*venue.AccountState, error) {
	return &venue.AccountState{EquityUSDT: 10000}, nil
}
func (f *fakeVenue) GetPosition(ctx context.Context, symbol string) (*venue.PositionInfo, error) {
	p := f.position
	return &p, nil
}
func (f *fakeVenue) MarkPrice(ctx context.Context, symbol string) (float64, error) { return f.mark, nil }
func (f *fakeVenue) Connected() bool                                              { return true }

type fakeLocks struct {
	mu      sync.Mutex
	holders map[string]string
	expires map[string]time.Time
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{holders: map[string]string{}, expires: map[string]time.Time{}}
}

func (f *fakeLocks) AcquireSchedulerLock(ctx context.Context, task string, ttl time.Duration, holder string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if exp, ok := f.expires[task]; ok && time.Now().Before(exp) && f.holders[task] != holder {
		return false, nil
	}
	f.holders[task] = holder
	f.expires[task] = time.Now().Add(ttl)
	return true, nil
}

func (f *fakeLocks) RefreshSchedulerLock(ctx context.Context, task string, ttl time.Duration, holder string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holders[task] != holder {
		return false, nil
	}
	f.expires[task] = time.Now().Add(ttl)
	return true, nil
}

func (f *fakeLocks) ReleaseSchedulerLock(ctx context.Context, task, holder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holders[task] == holder {
		delete(f.holders, task)
		delete(f.expires, task)
	}
	return nil
}

func (f *fakeLocks) ReapExpiredSchedulerLocks(ctx context.Context, now time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for task, exp := range f.expires {
		if now.After(exp) {
			delete(f.holders, task)
			delete(f.expires, task)
			n++
		}
	}
	return n, nil
}

type fakeOrphans struct {
	mu     sync.Mutex
	open   map[string][]*signal.TradeRecord
	closed []string
}

func (f *fakeOrphans) GetOpenTradeRecordsBySymbol(ctx context.Context, symbol string) ([]*signal.TradeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open[symbol], nil
}

func (f *fakeOrphans) UpdateTradeRecordStatus(ctx context.Context, clientID string, status signal.TradeStatus, orderID string, price, qty float64, closedAt *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, clientID)
	return nil
}

type fakeBudget struct {
	tier signal.QuotaTier
}

func (f *fakeBudget) CurrentTier(ctx context.Context) (signal.QuotaTier, error) { return f.tier, nil }

func testDebateConfig() config.DebateConfig {
	return config.DebateConfig{
		HotSymbols:  []string{"BTCUSDT"},
		ColdSymbols: []string{"ADAUSDT"},
	}
}

func testExecutorConfig() config.ExecutorConfig {
	return config.ExecutorConfig{OrphanSweepPeriod: 20 * time.Millisecond}
}

func TestScheduler_RunsHotAndColdDebatesOnCadence(t *testing.T) {
	debate := &fakeDebateRunner{}
	positions := &fakePositions{}
	v := &fakeVenue{mark: 65000, position: venue.PositionInfo{Qty: 0}}
	locks := newFakeLocks()
	orphans := &fakeOrphans{open: map[string][]*signal.TradeRecord{}}
	budget := &fakeBudget{tier: signal.TierNormal}

	s := New(testDebateConfig(), testExecutorConfig(), debate, positions, positions, v, locks, orphans, budget, nil)
	s.hotPeriod = 10 * time.Millisecond
	s.coldPeriod = 10 * time.Millisecond
	s.healthPeriod = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(60 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop after context cancellation")
	}

	if debate.count() == 0 {
		t.Fatal("expected at least one scheduled debate to have run")
	}
}

func TestScheduler_ColdSymbolSkippedWhenQuotaExhausted(t *testing.T) {
	debate := &fakeDebateRunner{}
	positions := &fakePositions{}
	v := &fakeVenue{}
	locks := newFakeLocks()
	orphans := &fakeOrphans{open: map[string][]*signal.TradeRecord{}}
	budget := &fakeBudget{tier: signal.TierExhausted}

	cfg := config.DebateConfig{ColdSymbols: []string{"ADAUSDT"}}
	s := New(cfg, testExecutorConfig(), debate, positions, positions, v, locks, orphans, budget, nil)
	s.coldPeriod = 10 * time.Millisecond
	s.healthPeriod = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if debate.count() != 0 {
		t.Fatalf("expected cold-symbol debate to be skipped at exhausted tier, got %d calls", debate.count())
	}
}

func TestScheduler_LockGatingPreventsDoubleRun(t *testing.T) {
	debate := &fakeDebateRunner{}
	positions := &fakePositions{}
	v := &fakeVenue{}
	locks := newFakeLocks()
	orphans := &fakeOrphans{open: map[string][]*signal.TradeRecord{}}
	budget := &fakeBudget{tier: signal.TierNormal}

	cfg := config.DebateConfig{HotSymbols: []string{"BTCUSDT"}}
	s1 := New(cfg, testExecutorConfig(), debate, positions, positions, v, locks, orphans, budget, nil)
	s1.hotPeriod = 10 * time.Millisecond
	s1.healthPeriod = time.Hour

	other := &fakeDebateRunner{}
	s2 := New(cfg, testExecutorConfig(), other, positions, positions, v, locks, orphans, budget, nil)
	s2.hotPeriod = 10 * time.Millisecond
	s2.healthPeriod = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); s1.Run(ctx) }()
	go func() { defer wg.Done(); s2.Run(ctx) }()

	time.Sleep(60 * time.Millisecond)
	cancel()
	wg.Wait()

	// Whichever instance won the lock first keeps winning every refresh;
	// the other should never get a turn.
	if debate.count() > 0 && other.count() > 0 {
		t.Fatalf("both instances ran the same locked task: s1=%d s2=%d", debate.count(), other.count())
	}
	if debate.count() == 0 && other.count() == 0 {
		t.Fatal("neither instance ever acquired the lock")
	}
}

func TestRunOrphanSweep_ReconcilesFlatPositionAndUntracks(t *testing.T) {
	positions := &fakePositions{}
	v := &fakeVenue{position: venue.PositionInfo{Qty: 0}}
	locks := newFakeLocks()
	orphans := &fakeOrphans{open: map[string][]*signal.TradeRecord{
		"BTCUSDT": {{ClientID: "open:BTCUSDT:1", Symbol: "BTCUSDT", Status: signal.TradeStatusFilled}},
	}}
	budget := &fakeBudget{tier: signal.TierNormal}

	cfg := config.DebateConfig{HotSymbols: []string{"BTCUSDT"}}
	s := New(cfg, testExecutorConfig(), &fakeDebateRunner{}, positions, positions, v, locks, orphans, budget, nil)

	s.runOrphanSweep(context.Background())

	if len(orphans.closed) != 1 || orphans.closed[0] != "open:BTCUSDT:1" {
		t.Fatalf("expected the orphaned trade record to be reconciled, got %v", orphans.closed)
	}
	if atomic.LoadInt32(&positions.untrack) != 1 {
		t.Fatalf("expected supervisor.Untrack to be called once, got %d", positions.untrack)
	}
}

func TestRunOrphanSweep_SkipsWhenPositionStillOpen(t *testing.T) {
	positions := &fakePositions{}
	v := &fakeVenue{position: venue.PositionInfo{Qty: 1.0}}
	locks := newFakeLocks()
	orphans := &fakeOrphans{open: map[string][]*signal.TradeRecord{
		"BTCUSDT": {{ClientID: "open:BTCUSDT:1", Symbol: "BTCUSDT", Status: signal.TradeStatusFilled}},
	}}
	budget := &fakeBudget{tier: signal.TierNormal}

	cfg := config.DebateConfig{HotSymbols: []string{"BTCUSDT"}}
	s := New(cfg, testExecutorConfig(), &fakeDebateRunner{}, positions, positions, v, locks, orphans, budget, nil)

	s.runOrphanSweep(context.Background())

	if len(orphans.closed) != 0 {
		t.Fatalf("expected no reconciliation while the venue position is still open, got %v", orphans.closed)
	}
}

func TestRunPositionSweep_TicksEverySymbolAndSweeps(t *testing.T) {
	positions := &fakePositions{}
	v := &fakeVenue{mark: 65000}
	locks := newFakeLocks()
	orphans := &fakeOrphans{open: map[string][]*signal.TradeRecord{}}
	budget := &fakeBudget{tier: signal.TierNormal}

	cfg := config.DebateConfig{HotSymbols: []string{"BTCUSDT"}, ColdSymbols: []string{"ADAUSDT"}}
	s := New(cfg, testExecutorConfig(), &fakeDebateRunner{}, positions, positions, v, locks, orphans, budget, nil)

	s.runPositionSweep(context.Background())

	if atomic.LoadInt32(&positions.ticks) != 2 {
		t.Fatalf("expected one price tick per symbol, got %d", positions.ticks)
	}
	if atomic.LoadInt32(&positions.sweeps) != 1 {
		t.Fatalf("expected exactly one timeout sweep, got %d", positions.sweeps)
	}
}

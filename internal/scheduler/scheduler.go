// Package scheduler drives the engine's periodic triggers (spec §4.8): a
// hot/cold debate cadence per symbol, an orphan-order sweep, daily budget
// rollover, a health log, and the position supervisor's timeout sweep — all
// singleton-guarded by a named lock row so two engine instances sharing one
// database never double-trigger the same task.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/enginefunk/internal/config"
	"github.com/signalforge/enginefunk/internal/quota"
	"github.com/signalforge/enginefunk/internal/signal"
	"github.com/signalforge/enginefunk/internal/venue"
)

const (
	orphanSweepLock   = "orphan_sweep"
	dailyRolloverLock = "daily_budget_rollover"
	healthLogLock     = "health_log"
	positionSweepLock = "position_sweep"
	hotDebateLockFmt  = "debate_hot:%s"
	coldDebateLockFmt = "debate_cold:%s"

	defaultHotPeriod    = 5 * time.Minute
	defaultColdPeriod   = 15 * time.Minute
	defaultHealthPeriod = 60 * time.Second
	orphanInitialDelay  = 5 * time.Second
)

// debateRunner is the subset of *debate.Orchestrator the scheduler needs.
type debateRunner interface {
	RunDebate(ctx context.Context, symbol string, trigger signal.Trigger) (*signal.Signal, error)
}

// priceSupervisor is the subset of *supervisor.Supervisor the scheduler
// needs: price ticks to drive trailing-stop evaluation and the periodic
// timeout sweep.
type priceSupervisor interface {
	OnPriceTick(ctx context.Context, symbol string, markPrice float64)
	Sweep(ctx context.Context)
}

// lockStore is the subset of *db.DB behind the named-lock-row singleton
// discipline.
type lockStore interface {
	AcquireSchedulerLock(ctx context.Context, task string, ttl time.Duration, holder string) (bool, error)
	RefreshSchedulerLock(ctx context.Context, task string, ttl time.Duration, holder string) (bool, error)
	ReleaseSchedulerLock(ctx context.Context, task, holder string) error
	ReapExpiredSchedulerLocks(ctx context.Context, now time.Time) (int64, error)
}

// orphanStore is the subset of *db.DB the orphan sweep needs: any trade
// record still open per our books, so it can be reconciled against the
// venue's actual position.
type orphanStore interface {
	GetOpenTradeRecordsBySymbol(ctx context.Context, symbol string) ([]*signal.TradeRecord, error)
	UpdateTradeRecordStatus(ctx context.Context, clientID string, status signal.TradeStatus, orderID string, price, qty float64, closedAt *time.Time) error
}

// budgetChecker is the subset of *quota.Accountant the daily rollover task
// needs to force today's (or, after midnight, the new day's) budget row
// into existence.
type budgetChecker interface {
	CurrentTier(ctx context.Context) (signal.QuotaTier, error)
}

// broadcaster is the subset of *broadcast.Hub the scheduler pushes
// price/balance snapshots through. Nil-safe: a scheduler with no
// broadcaster still runs every other task.
type broadcaster interface {
	BroadcastPrices(prices map[string]float64) error
	BroadcastBalance(equityUSDT float64) error
}

// untracker is the subset of priceSupervisor the orphan sweep calls when it
// finds a position the venue considers flat but the supervisor is still
// watching.
type untracker interface {
	Untrack(ctx context.Context, symbol string)
}

// Scheduler owns every periodic task in the engine. Tasks run on their own
// goroutines so a slow debate never delays the orphan sweep or health log.
type Scheduler struct {
	debateCfg config.DebateConfig
	execCfg   config.ExecutorConfig

	debate      debateRunner
	positions   priceSupervisor
	untrack     untracker
	venueClient venue.Venue
	locks       lockStore
	orphans     orphanStore
	budget      budgetChecker
	broadcast   broadcaster // may be nil

	holder        string
	shutdownGrace time.Duration
	lockNames     []string

	// Periods default to the spec's §4.8 cadence; overridable only by tests.
	hotPeriod    time.Duration
	coldPeriod   time.Duration
	healthPeriod time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Scheduler. broadcast may be nil if no WS sink is wired.
func New(debateCfg config.DebateConfig, execCfg config.ExecutorConfig, debate debateRunner, positions priceSupervisor, untrack untracker, v venue.Venue, locks lockStore, orphans orphanStore, budget budgetChecker, bcast broadcaster) *Scheduler {
	return &Scheduler{
		debateCfg:     debateCfg,
		execCfg:       execCfg,
		debate:        debate,
		positions:     positions,
		untrack:       untrack,
		venueClient:   v,
		locks:         locks,
		orphans:       orphans,
		budget:        budget,
		broadcast:     bcast,
		holder:        uuid.NewString(),
		shutdownGrace: 30 * time.Second,
		hotPeriod:     defaultHotPeriod,
		coldPeriod:    defaultColdPeriod,
		healthPeriod:  defaultHealthPeriod,
	}
}

// Run starts every periodic task and blocks until ctx is canceled or Stop
// is called, then
// waits (bounded by shutdownGrace) for all tasks to finish their current
// cycle before returning.
func (s *Scheduler) Run(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	for _, symbol := range s.debateCfg.HotSymbols {
		s.spawnDebateLoop(runCtx, symbol, s.hotPeriod, signal.TriggerScheduled, false)
	}
	for _, symbol := range s.debateCfg.ColdSymbols {
		s.spawnDebateLoop(runCtx, symbol, s.coldPeriod, signal.TriggerScheduled, true)
	}

	s.spawnLoop(runCtx, "orphan_sweep", orphanSweepLock, s.execCfg.OrphanSweepPeriod, orphanInitialDelay, s.runOrphanSweep)
	s.spawnLoop(runCtx, "position_sweep", positionSweepLock, s.execCfg.OrphanSweepPeriod, 0, s.runPositionSweep)
	s.spawnLoop(runCtx, "health_log", healthLogLock, s.healthPeriod, 0, s.runHealthLog)
	s.spawnDailyRolloverLoop(runCtx)

	<-runCtx.Done()
	log.Info().Msg("scheduler: shutdown requested")
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("scheduler: all tasks stopped cleanly")
	case <-time.After(s.shutdownGrace):
		log.Warn().Msg("scheduler: shutdown grace period elapsed with tasks still running")
	}

	releaseCtx := context.Background()
	for _, task := range s.lockNames {
		if err := s.locks.ReleaseSchedulerLock(releaseCtx, task, s.holder); err != nil {
			log.Debug().Err(err).Str("task", task).Msg("scheduler: best-effort lock release on shutdown skipped")
		}
	}
}

// spawnLoop runs fn on a fixed period, gated by the named-lock-row
// singleton discipline: fn only executes on a cycle where this instance
// holds task's lock, and its TTL is refreshed to 2x period on each run.
func (s *Scheduler) spawnLoop(ctx context.Context, label, task string, period, initialDelay time.Duration, fn func(ctx context.Context)) {
	if period <= 0 {
		period = time.Minute
	}
	s.lockNames = append(s.lockNames, task)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if initialDelay > 0 {
			select {
			case <-time.After(initialDelay):
			case <-ctx.Done():
				return
			}
		}
		ttl := 2 * period
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ok, err := s.locks.AcquireSchedulerLock(ctx, task, ttl, s.holder)
				if err != nil {
					log.Error().Err(err).Str("task", label).Msg("scheduler: lock acquire failed")
					continue
				}
				if !ok {
					if refreshed, rerr := s.locks.RefreshSchedulerLock(ctx, task, ttl, s.holder); rerr == nil && refreshed {
						ok = true
					}
				}
				if !ok {
					log.Debug().Str("task", label).Msg("scheduler: lock held by another instance, skipping cycle")
					continue
				}
				fn(ctx)
			}
		}
	}()
}

// spawnDebateLoop runs the per-symbol debate cadence. coldGate additionally
// checks the current quota tier still allows cold-symbol debates — hot
// symbols always fire on cadence since admit() inside RunDebate applies
// its own quota/cooldown gate regardless.
func (s *Scheduler) spawnDebateLoop(ctx context.Context, symbol string, period time.Duration, trigger signal.Trigger, coldGate bool) {
	lockName := hotLockName(symbol, coldGate)
	s.spawnLoop(ctx, "debate:"+symbol, lockName, period, 0, func(ctx context.Context) {
		if coldGate && s.budget != nil {
			tier, err := s.budget.CurrentTier(ctx)
			if err == nil && !quota.AllowsColdSymbol(tier) {
				log.Debug().Str("symbol", symbol).Msg("scheduler: cold-symbol debate skipped, quota tier too high")
				return
			}
		}
		if _, err := s.debate.RunDebate(ctx, symbol, trigger); err != nil {
			log.Warn().Err(err).Str("symbol", symbol).Msg("scheduler: scheduled debate failed")
		}
	})
}

func hotLockName(symbol string, cold bool) string {
	if cold {
		return fmt.Sprintf(coldDebateLockFmt, symbol)
	}
	return fmt.Sprintf(hotDebateLockFmt, symbol)
}

// runOrphanSweep polls every symbol this instance debates for a reduce-only
// order the venue considers resolved (position is flat) but our books
// still mark open, and reconciles the trade record's status.
func (s *Scheduler) runOrphanSweep(ctx context.Context) {
	for _, symbol := range s.allSymbols() {
		open, err := s.orphans.GetOpenTradeRecordsBySymbol(ctx, symbol)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("scheduler: orphan sweep failed to load open trades")
			continue
		}
		if len(open) == 0 {
			continue
		}
		pos, err := s.venueClient.GetPosition(ctx, symbol)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("scheduler: orphan sweep failed to read venue position")
			continue
		}
		if !pos.IsFlat() {
			continue
		}
		now := time.Now()
		for _, t := range open {
			log.Warn().Str("symbol", symbol).Str("client_id", t.ClientID).Msg("scheduler: orphaned trade record found, venue position is flat, reconciling")
			if err := s.orphans.UpdateTradeRecordStatus(ctx, t.ClientID, signal.TradeStatusFilled, t.OrderID, t.Price, t.Qty, &now); err != nil {
				log.Error().Err(err).Str("client_id", t.ClientID).Msg("scheduler: failed to reconcile orphaned trade record")
			}
			if s.untrack != nil {
				s.untrack.Untrack(ctx, symbol)
			}
		}
	}
}

// runPositionSweep drives the position supervisor's mark-price tick for
// every symbol (so trailing evaluation still advances even between
// exchange user-data-stream pushes) and its timeout sweep.
func (s *Scheduler) runPositionSweep(ctx context.Context) {
	prices := make(map[string]float64, len(s.allSymbols()))
	for _, symbol := range s.allSymbols() {
		mark, err := s.venueClient.MarkPrice(ctx, symbol)
		if err != nil {
			log.Error().Err(err).Str("symbol", symbol).Msg("scheduler: failed to read mark price")
			continue
		}
		prices[symbol] = mark
		s.positions.OnPriceTick(ctx, symbol, mark)
	}
	s.positions.Sweep(ctx)
	if s.broadcast != nil && len(prices) > 0 {
		if err := s.broadcast.BroadcastPrices(prices); err != nil {
			log.Debug().Err(err).Msg("scheduler: price broadcast failed")
		}
	}
	if s.broadcast != nil {
		if acct, err := s.venueClient.Account(ctx); err == nil {
			if err := s.broadcast.BroadcastBalance(acct.EquityUSDT); err != nil {
				log.Debug().Err(err).Msg("scheduler: balance broadcast failed")
			}
		}
	}
}

// runHealthLog emits a single structured log line summarizing liveness,
// the cheapest possible periodic signal that the scheduler itself is
// still ticking.
func (s *Scheduler) runHealthLog(ctx context.Context) {
	n, err := s.locks.ReapExpiredSchedulerLocks(ctx, time.Now())
	if err != nil {
		log.Warn().Err(err).Msg("scheduler: health log failed to reap expired locks")
	}
	log.Info().
		Str("holder", s.holder).
		Int("hot_symbols", len(s.debateCfg.HotSymbols)).
		Int("cold_symbols", len(s.debateCfg.ColdSymbols)).
		Int64("locks_reaped", n).
		Msg("scheduler: health check")
}

// spawnDailyRolloverLoop wakes once a minute to check whether local
// midnight has passed since the last check, and if so forces today's
// budget row into existence (the quota accountant is lazily-creating by
// date already; this just guarantees the rollover happens promptly rather
// than waiting for the first LLM call of the new day).
func (s *Scheduler) spawnDailyRolloverLoop(ctx context.Context) {
	s.lockNames = append(s.lockNames, dailyRolloverLock)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		lastDay := time.Now().Local().YearDay()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				day := time.Now().Local().YearDay()
				if day == lastDay {
					continue
				}
				lastDay = day
				ok, err := s.locks.AcquireSchedulerLock(ctx, dailyRolloverLock, 2*time.Hour, s.holder)
				if err != nil || !ok {
					continue
				}
				if s.budget != nil {
					if _, err := s.budget.CurrentTier(ctx); err != nil {
						log.Error().Err(err).Msg("scheduler: daily budget rollover failed")
					} else {
						log.Info().Msg("scheduler: daily budget rolled over")
					}
				}
			}
		}
	}()
}

// Stop cancels the scheduler's run context directly, for a caller that
// wants to end the scheduler without canceling the parent context passed
// to Run (e.g. a test, or a future admin-triggered pause).
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) allSymbols() []string {
	out := make([]string, 0, len(s.debateCfg.HotSymbols)+len(s.debateCfg.ColdSymbols))
	out = append(out, s.debateCfg.HotSymbols...)
	out = append(out, s.debateCfg.ColdSymbols...)
	return out
}

// Package riskgate implements the Risk Gate (C5, spec §4.5): an ordered
// pipeline of boolean pre-execution checks. The first failure short-circuits
// the remaining checks, and every check reads from one configuration
// snapshot taken at gate entry so a concurrent config reload never mixes
// old and new thresholds within a single evaluation.
package riskgate

import (
	"github.com/sony/gobreaker"

	"github.com/signalforge/enginefunk/internal/apperr"
	"github.com/signalforge/enginefunk/internal/config"
	"github.com/signalforge/enginefunk/internal/signal"
)

// CheckName identifies one stage of the pipeline, in evaluation order.
type CheckName string

const (
	CheckTradeEnabled      CheckName = "trade_enabled"
	CheckExchangeConnected CheckName = "exchange_connected"
	CheckConfidenceFloor   CheckName = "confidence_floor"
	CheckDailyDrawdown     CheckName = "daily_drawdown"
	CheckLossStreak        CheckName = "loss_streak"
	CheckQuotaCritical     CheckName = "quota_critical"
	CheckCooldownSignal    CheckName = "cooldown_signal"
	CheckMinNotional       CheckName = "min_notional"
)

// checkOrder is the mandated evaluation order; a gate never reorders this.
var checkOrder = []CheckName{
	CheckTradeEnabled,
	CheckExchangeConnected,
	CheckConfidenceFloor,
	CheckDailyDrawdown,
	CheckLossStreak,
	CheckQuotaCritical,
	CheckCooldownSignal,
	CheckMinNotional,
}

// Input bundles everything a gate evaluation needs; the caller (trade
// executor) assembles it fresh for every signal.
type Input struct {
	Signal           *signal.Signal
	Symbol           string
	ComputedSize     float64 // base-asset quantity the executor intends to send
	Price            float64
	RealizedPnLToday float64 // USDT, signed
	Equity           float64
	LossStreak       int // count of consecutive losing closed round-trips, most recent first
	QuotaTier        signal.QuotaTier
	CooldownActive   bool
	ExchangeBreaker  *gobreaker.CircuitBreaker
}

// Result is the outcome of one full gate evaluation.
type Result struct {
	Passed      bool
	FailedCheck CheckName
	Reason      string
}

// Snapshot is the subset of live configuration a gate evaluation reads,
// captured once at gate entry.
type Snapshot struct {
	TradeEnabled        bool
	DisabledSymbols     map[string]bool
	ConfidenceFloor     map[signal.Action]int
	MaxDailyDrawdownPct float64
	LossStreakK         int
	MinNotionalUSDT     float64
	HotSymbols          map[string]bool
}

// NewSnapshot captures a Snapshot from the live Config at gate entry.
func NewSnapshot(cfg *config.Config) Snapshot {
	disabled := make(map[string]bool, len(cfg.Risk.DisabledSymbols))
	for _, s := range cfg.Risk.DisabledSymbols {
		disabled[s] = true
	}
	floor := make(map[signal.Action]int, len(cfg.Risk.ConfidenceFloor))
	for action, v := range cfg.Risk.ConfidenceFloor {
		floor[signal.Action(action)] = v
	}
	hot := make(map[string]bool, len(cfg.Debate.HotSymbols))
	for _, s := range cfg.Debate.HotSymbols {
		hot[s] = true
	}
	return Snapshot{
		TradeEnabled:        cfg.Risk.TradeEnabled,
		DisabledSymbols:     disabled,
		ConfidenceFloor:     floor,
		MaxDailyDrawdownPct: cfg.Risk.MaxDailyDrawdownPct,
		LossStreakK:         cfg.Risk.LossStreakK,
		MinNotionalUSDT:     cfg.Risk.MinNotionalUSDT,
		HotSymbols:          hot,
	}
}

type checkFunc func(snap Snapshot, in Input) (ok bool, reason string)

var checks = map[CheckName]checkFunc{
	CheckTradeEnabled:      checkTradeEnabled,
	CheckExchangeConnected: checkExchangeConnected,
	CheckConfidenceFloor:   checkConfidenceFloor,
	CheckDailyDrawdown:     checkDailyDrawdown,
	CheckLossStreak:        checkLossStreak,
	CheckQuotaCritical:     checkQuotaCritical,
	CheckCooldownSignal:    checkCooldownSignal,
	CheckMinNotional:       checkMinNotional,
}

// Evaluate runs every check in order against one configuration snapshot,
// stopping at the first failure.
func Evaluate(snap Snapshot, in Input) Result {
	for _, name := range checkOrder {
		ok, reason := checks[name](snap, in)
		if !ok {
			return Result{Passed: false, FailedCheck: name, Reason: reason}
		}
	}
	return Result{Passed: true}
}

// Err converts a failed Result into a typed *apperr.Error for the caller.
func (r Result) Err() error {
	if r.Passed {
		return nil
	}
	return apperr.New(apperr.KindValidationFailure, string(r.FailedCheck), r.Reason)
}

func checkTradeEnabled(snap Snapshot, in Input) (bool, string) {
	if !snap.TradeEnabled {
		return false, "global kill switch is off"
	}
	if snap.DisabledSymbols[in.Symbol] {
		return false, "symbol is disabled"
	}
	return true, ""
}

func checkExchangeConnected(snap Snapshot, in Input) (bool, string) {
	if in.ExchangeBreaker == nil {
		return true, ""
	}
	if in.ExchangeBreaker.State() == gobreaker.StateOpen {
		return false, "exchange circuit breaker is open"
	}
	return true, ""
}

func checkConfidenceFloor(snap Snapshot, in Input) (bool, string) {
	floor, ok := snap.ConfidenceFloor[in.Signal.Action]
	if !ok {
		return true, ""
	}
	if in.Signal.Confidence < floor {
		return false, "confidence below floor for this action"
	}
	return true, ""
}

func checkDailyDrawdown(snap Snapshot, in Input) (bool, string) {
	if in.Equity <= 0 {
		return true, ""
	}
	limit := -snap.MaxDailyDrawdownPct * in.Equity
	if in.RealizedPnLToday <= limit {
		return false, "realized PnL today breaches max daily drawdown"
	}
	return true, ""
}

func checkLossStreak(snap Snapshot, in Input) (bool, string) {
	if snap.LossStreakK <= 0 {
		return true, ""
	}
	if in.LossStreak >= snap.LossStreakK {
		return false, "loss streak at or beyond configured limit"
	}
	return true, ""
}

func checkQuotaCritical(snap Snapshot, in Input) (bool, string) {
	if in.QuotaTier != signal.TierCritical {
		return true, ""
	}
	if snap.HotSymbols[in.Symbol] {
		return true, ""
	}
	return false, "quota tier critical and symbol is not in the hot set"
}

func checkCooldownSignal(snap Snapshot, in Input) (bool, string) {
	if in.CooldownActive {
		return false, "signal cooldown active"
	}
	return true, ""
}

func checkMinNotional(snap Snapshot, in Input) (bool, string) {
	notional := in.ComputedSize * in.Price
	if notional < snap.MinNotionalUSDT {
		return false, "computed notional below venue minimum"
	}
	return true, ""
}

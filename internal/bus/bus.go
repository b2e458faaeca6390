// Package bus implements the Callback Bus: the only permitted coupling
// between the debate orchestrator and the trade executor. Three
// registration slots — on_signal, on_execute, on_price_trigger — each hold
// exactly one handler (last-writer-wins). The orchestrator does not import
// the executor; both observe a signal event through this bus.
package bus

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/signalforge/enginefunk/internal/signal"
)

// PriceTriggerKind names why a price-threshold callback fired.
type PriceTriggerKind string

const (
	PriceTriggerTakeProfit PriceTriggerKind = "take_profit"
	PriceTriggerStopLoss   PriceTriggerKind = "stop_loss"
	PriceTriggerManual     PriceTriggerKind = "manual"
)

// SignalHandler observes every persisted Signal, regardless of action.
type SignalHandler func(s *signal.Signal)

// ExecuteHandler observes only actionable signals (BUY/SELL/SHORT/COVER).
type ExecuteHandler func(s *signal.Signal)

// PriceTriggerHandler is invoked by the market adapter on a price-threshold
// crossing; it may enqueue a manual debate.
type PriceTriggerHandler func(symbol string, price float64, kind PriceTriggerKind)

// Bus holds the three callback slots. Zero value is ready to use.
type Bus struct {
	mu             sync.RWMutex
	onSignal       SignalHandler
	onExecute      ExecuteHandler
	onPriceTrigger PriceTriggerHandler
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{}
}

// OnSignal registers the on_signal handler. A second call replaces the
// first (last-writer-wins); it does not stack.
func (b *Bus) OnSignal(h SignalHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSignal = h
}

// OnExecute registers the on_execute handler.
func (b *Bus) OnExecute(h ExecuteHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onExecute = h
}

// OnPriceTrigger registers the on_price_trigger handler.
func (b *Bus) OnPriceTrigger(h PriceTriggerHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onPriceTrigger = h
}

// FireSignal invokes the on_signal handler, if any, for every persisted
// Signal. Fire-and-forget: panics and the handler having no registration
// are both swallowed at the bus boundary and never propagate to the
// orchestrator.
func (b *Bus) FireSignal(s *signal.Signal) {
	b.mu.RLock()
	h := b.onSignal
	b.mu.RUnlock()
	if h == nil {
		return
	}
	defer recoverAndLog("on_signal")
	h(s)
}

// FireExecute invokes the on_execute handler for actionable signals only.
// The caller is responsible for awaiting this call inline (the orchestrator
// waits for on_execute to return before it itself returns, per the
// ordering guarantee that the executor's venue call is awaited inside
// on_execute).
func (b *Bus) FireExecute(s *signal.Signal) {
	b.mu.RLock()
	h := b.onExecute
	b.mu.RUnlock()
	if h == nil {
		return
	}
	defer recoverAndLog("on_execute")
	h(s)
}

// FirePriceTrigger invokes the on_price_trigger handler.
func (b *Bus) FirePriceTrigger(symbol string, price float64, kind PriceTriggerKind) {
	b.mu.RLock()
	h := b.onPriceTrigger
	b.mu.RUnlock()
	if h == nil {
		return
	}
	defer recoverAndLog("on_price_trigger")
	h(symbol, price, kind)
}

func recoverAndLog(slot string) {
	if r := recover(); r != nil {
		log.Error().
			Str("slot", slot).
			Interface("panic", r).
			Msg("callback bus handler panicked; contained at bus boundary")
	}
}

// Slots reports which slots currently hold a handler, for startup/shutdown
// assertions ("tests assert slot population after startup and absence
// after shutdown").
func (b *Bus) Slots() (hasSignal, hasExecute, hasPriceTrigger bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.onSignal != nil, b.onExecute != nil, b.onPriceTrigger != nil
}

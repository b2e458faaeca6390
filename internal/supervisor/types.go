// Package supervisor implements the Position Supervisor (C4, spec §4.4): a
// single cooperative state machine per open position, driven by mark-price
// ticks and reacting to fill events, that owns the Open → Trailing →
// Closing → Closed lifecycle and the one authoritative trailing-stop
// computation every caller defers to.
package supervisor

import (
	"time"

	"github.com/signalforge/enginefunk/internal/signal"
)

// tracked pairs a supervised Position with the venue client-ids of its
// outstanding TP/SL orders, so Closing can cancel them by id.
type tracked struct {
	pos        *signal.Position
	tpClientID string
	slClientID string
}

// CloseReason names why the supervisor moved a position to Closing.
type CloseReason string

const (
	CloseTakeProfit   CloseReason = "take_profit"
	CloseStopLoss     CloseReason = "stop_loss"
	CloseTrailingStop CloseReason = "trailing_stop"
	CloseTimeout      CloseReason = "timeout"
	CloseManual       CloseReason = "manual"
)

func clonePosition(p *signal.Position) *signal.Position {
	cp := *p
	if p.Trailing != nil {
		trailing := *p.Trailing
		cp.Trailing = &trailing
	}
	return &cp
}

func timeoutFor(cfg map[string]float64, symbol string) time.Duration {
	if h, ok := cfg[symbol]; ok {
		return time.Duration(h * float64(time.Hour))
	}
	if h, ok := cfg["default"]; ok {
		return time.Duration(h * float64(time.Hour))
	}
	return 24 * time.Hour
}

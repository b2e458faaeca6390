// Package executor implements the Trade Executor (C3, spec §4.3): the
// single entry point `ExecuteSignal` that turns an actionable Signal into a
// venue order, gated by the Risk Gate and idempotent by signal id. It does
// not reconcile pending trade records against the venue at startup.
package executor

import "github.com/signalforge/enginefunk/internal/signal"

// Outcome is the top-level result of one ExecuteSignal call, mirroring the
// spec's `{filled | skipped(reason) | failed(reason)}` contract.
type Outcome string

const (
	OutcomeFilled  Outcome = "filled"
	OutcomeSkipped Outcome = "skipped"
	OutcomeFailed  Outcome = "failed"
)

// ExecutionResult is returned by ExecuteSignal and published as a
// trade-status event.
type ExecutionResult struct {
	Outcome Outcome
	Reason  string
	Trades  []*signal.TradeRecord
}

// intentKind names what the executor decided to do with a signal against
// the current position.
type intentKind string

const (
	intentOpenLong  intentKind = "open_long"
	intentOpenShort intentKind = "open_short"
	intentCloseLong intentKind = "close_long"
	intentCloseShort intentKind = "close_short"
	intentNoOp      intentKind = "no_op"
)

// orderLeg is one venue order the resolved intent requires. An
// opposite-position BUY/SHORT under the close_then_open pyramiding policy
// resolves to two legs (close, then open); every other signal resolves to
// zero or one.
type orderLeg struct {
	kind           intentKind
	clientIDSuffix string // appended to "signal:<id>" to keep multi-leg client-ids unique
	reduceOnly     bool
}

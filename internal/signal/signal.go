// Package signal defines the central data model shared by the debate
// orchestrator, schema gate, trade executor, and position supervisor: the
// Signal record itself, RoleOpinion, TradeRecord, Position, CooldownState,
// TrailingStopState, and DailyBudget. These are plain data types with no
// behavior beyond small invariant-enforcing constructors, so every consumer
// reads the same fields and a field rename is a compile error everywhere.
package signal

import "time"

// Action is the closed set of signal values. Always one of these five,
// verbatim uppercase on the wire.
type Action string

const (
	ActionBuy   Action = "BUY"
	ActionSell  Action = "SELL"
	ActionShort Action = "SHORT"
	ActionCover Action = "COVER"
	ActionHold  Action = "HOLD"
)

// IsValid reports whether a is one of the five closed values.
func (a Action) IsValid() bool {
	switch a {
	case ActionBuy, ActionSell, ActionShort, ActionCover, ActionHold:
		return true
	}
	return false
}

// IsActionable reports whether a should be handed to the trade executor.
// HOLD is never published to the executor, though it is always persisted.
func (a Action) IsActionable() bool {
	switch a {
	case ActionBuy, ActionSell, ActionShort, ActionCover:
		return true
	}
	return false
}

// RiskLevel is the closed set of risk-assessment labels.
type RiskLevel string

const (
	RiskLow    RiskLevel = "低"
	RiskMedium RiskLevel = "中"
	RiskHigh   RiskLevel = "高"
)

// Trigger names why a debate was started.
type Trigger string

const (
	TriggerScheduled      Trigger = "scheduled"
	TriggerManual         Trigger = "manual"
	TriggerPriceThreshold Trigger = "price_threshold"
)

// RoleOpinion is one analyst's verdict. Created by the debate orchestrator
// and immutable thereafter.
type RoleOpinion struct {
	Name           string        `json:"name"`
	Title          string        `json:"title"`
	Emoji          string        `json:"emoji"`
	ModelLabel     string        `json:"model_label"`
	Signal         Action        `json:"signal"`
	Confidence     int           `json:"confidence"` // 0-100
	Analysis       string        `json:"analysis"`
	LatencyMS      int64         `json:"latency_ms"`
	InputMessages  []ChatMessage `json:"input_messages"`
}

// ChatMessage mirrors the LLM provider's wire message shape.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StageTimestamps records seconds spent in each debate stage.
type StageTimestamps struct {
	FetchSeconds   float64 `json:"fetch"`
	RolesSeconds   float64 `json:"roles"`
	RefereeSeconds float64 `json:"referee"`
	TotalSeconds   float64 `json:"total"`
}

// Signal is the central artifact: produced by the schema gate, consumed by
// the trade executor and the broadcast sink. Constructed atomically at the
// end of a debate; never mutated afterward.
type Signal struct {
	ID                 int64           `json:"id"`
	Symbol             string          `json:"symbol"`
	CreatedAt          time.Time       `json:"created_at"`
	Action             Action          `json:"signal"`
	Confidence         int             `json:"confidence"`
	RiskLevel          RiskLevel       `json:"risk_level"`
	Reason             string          `json:"reason"`
	RiskAssessment     string          `json:"risk_assessment"`
	FinalRawOutput     string          `json:"final_raw_output"`
	RoleOpinions       []RoleOpinion   `json:"role_opinions"`
	RoleInputMessages  [][]ChatMessage `json:"role_input_messages"`
	FinalInputMessages []ChatMessage   `json:"final_input_messages"`
	StageTimestamps    StageTimestamps `json:"stage_timestamps"`
	PriceAtSignal      float64         `json:"price_at_signal"`
	DailyQuote         *string         `json:"daily_quote,omitempty"`
	VoiceText          *string         `json:"voice_text,omitempty"`
	ErrorText          *string         `json:"error_text,omitempty"`
	TPPrice            *float64        `json:"tp_price,omitempty"`
	SLPrice            *float64        `json:"sl_price,omitempty"`
	Leverage           *int            `json:"leverage,omitempty"`
	ParsedByFallback   bool            `json:"parsed_by_fallback"`
}

// Validate enforces the Signal invariants from the data model: a closed
// action, clamped confidence, at least one of reason/final_raw_output
// non-empty, and non-empty role_opinions unless error_text is set.
func (s *Signal) Validate() error {
	if !s.Action.IsValid() {
		return errInvalidAction(s.Action)
	}
	if s.Confidence < 0 {
		s.Confidence = 0
	}
	if s.Confidence > 100 {
		s.Confidence = 100
	}
	if s.RiskLevel == "" {
		s.RiskLevel = RiskMedium
	}
	if s.Reason == "" && s.FinalRawOutput == "" {
		return errMissingContent()
	}
	if len(s.RoleOpinions) == 0 && s.ErrorText == nil {
		return errMissingRoleOpinions()
	}
	return nil
}

// OrderSide is the exchange-level buy/sell direction.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// PositionSide distinguishes long and short on a perpetual-futures venue
// that supports hedge mode.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// TradeStatus is the monotonic status of a TradeRecord.
type TradeStatus string

const (
	TradeStatusPending  TradeStatus = "pending"
	TradeStatusFilled   TradeStatus = "filled"
	TradeStatusPartial  TradeStatus = "partial"
	TradeStatusCanceled TradeStatus = "canceled"
	TradeStatusFailed   TradeStatus = "failed"
)

// TradeRecord is an exchange order lifecycle row. Append-only; status
// transitions are monotonic (pending -> {filled, partial, canceled,
// failed}; filled -> closed via a paired record).
type TradeRecord struct {
	OrderID      string       `json:"order_id"`
	ClientID     string       `json:"client_id"`
	Symbol       string       `json:"symbol"`
	Side         OrderSide    `json:"side"`
	PositionSide PositionSide `json:"position_side"`
	Price        float64      `json:"price"`
	Qty          float64      `json:"qty"`
	Status       TradeStatus  `json:"status"`
	Reason       string       `json:"reason"`
	PnLUSDT      float64      `json:"pnl_usdt"`
	PnLPct       float64      `json:"pnl_pct"`
	Leverage     int          `json:"leverage"`
	OpenedAt     time.Time    `json:"opened_at"`
	ClosedAt     *time.Time   `json:"closed_at,omitempty"`
	SignalID     *int64       `json:"signal_id,omitempty"`
}

// TrailingSubState overlays the Trailing position state.
type TrailingSubState string

const (
	TrailingNone      TrailingSubState = ""
	TrailingTightened TrailingSubState = "tightened"
)

// TrailingStopState is per-position trailing stop bookkeeping.
type TrailingStopState struct {
	ActivatedAt         time.Time  `json:"activated_at"`
	PeakFavorablePrice  float64    `json:"peak_favorable_price"`
	CurrentStop         float64    `json:"current_stop"`
	TightenedUntil      *time.Time `json:"tightened_until,omitempty"`
}

// PositionState names a state in the supervisor's state machine.
type PositionState string

const (
	PositionOpen     PositionState = "open"
	PositionTrailing PositionState = "trailing"
	PositionClosing  PositionState = "closing"
	PositionClosed   PositionState = "closed"
)

// Position is computed from the exchange at read time, not stored directly
// (though the supervisor persists enough to reconstruct it across restarts).
type Position struct {
	Symbol        string             `json:"symbol"`
	Side          PositionSide       `json:"side"`
	Qty           float64            `json:"qty"`
	EntryPrice    float64            `json:"entry_price"`
	MarkPrice     float64            `json:"mark_price"`
	UnrealizedPnL float64            `json:"unrealized_pnl"`
	Leverage      int                `json:"leverage"`
	OpenedAt      time.Time          `json:"opened_at"`
	State         PositionState      `json:"state"`
	TightenedUntil *time.Time        `json:"tightened_until,omitempty"`
	TPPrice       *float64           `json:"tp_price,omitempty"`
	SLPrice       *float64           `json:"sl_price,omitempty"`
	Trailing      *TrailingStopState `json:"trailing_state,omitempty"`
}

// QuotaTier names the tier of the daily LLM budget.
type QuotaTier string

const (
	TierNormal    QuotaTier = "normal"
	TierWarn      QuotaTier = "warn"
	TierCritical  QuotaTier = "critical"
	TierExhausted QuotaTier = "exhausted"
)

// DailyBudget tracks LLM usage for one UTC day.
type DailyBudget struct {
	Date           string             `json:"date"`
	TotalCalls     int                `json:"total_calls"`
	CallsByModel   map[string]int     `json:"calls_by_model"`
	TokensIn       int64              `json:"tokens_in"`
	TokensOut      int64              `json:"tokens_out"`
	EstimatedCost  float64            `json:"estimated_cost"`
	Limit          int                `json:"limit"`
	Tier           QuotaTier          `json:"tier"`
}

// CooldownState tracks next_allowed_at for one (symbol, action) key.
type CooldownState struct {
	Symbol        string    `json:"symbol"`
	Action        string    `json:"action"`
	NextAllowedAt time.Time `json:"next_allowed_at"`
}

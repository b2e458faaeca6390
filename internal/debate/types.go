// Package debate implements the debate orchestrator (spec §4.1): it fans a
// MarketSnapshot out to a panel of analyst roles, gathers their opinions,
// asks a referee model to arbitrate, and assembles the result into a
// Signal. A completed debate fires the callback bus and publishes an
// eventbus envelope for external observers.
package debate

import (
	"time"

	"github.com/signalforge/enginefunk/internal/signal"
	"github.com/signalforge/enginefunk/internal/snapshot"
)

// roleResult is one role's raw outcome before assembly, including enough
// to build the RoleOpinion and the recorded input transcript even when the
// role errored out.
type roleResult struct {
	name          string
	title         string
	emoji         string
	model         string
	opinion       *signal.RoleOpinion
	inputMessages []signal.ChatMessage
	tokensIn      int64
	tokensOut     int64
	err           error
}

// refereeVerdict is the referee model's structured arbitration.
type refereeVerdict struct {
	Action         signal.Action    `json:"action"`
	Confidence     int              `json:"confidence"`
	RiskLevel      signal.RiskLevel `json:"risk_level"`
	Reason         string           `json:"reason"`
	RiskAssessment string           `json:"risk_assessment"`
	TPPrice        *float64         `json:"tp_price,omitempty"`
	SLPrice        *float64         `json:"sl_price,omitempty"`
	Leverage       *int             `json:"leverage,omitempty"`
}

// debateRun carries the accumulating state of one RunDebate call.
type debateRun struct {
	symbol    string
	trigger   signal.Trigger
	startedAt time.Time
	snapshot  *snapshot.MarketSnapshot
	roles     []roleResult
	fetchSecs float64
	roleSecs  float64
	refSecs   float64
}

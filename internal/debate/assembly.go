package debate

import (
	"sort"

	"github.com/signalforge/enginefunk/internal/signal"
)

// roleVerdict is the JSON shape one analyst role returns.
type roleVerdict struct {
	Signal     signal.Action `json:"signal"`
	Confidence int           `json:"confidence"`
	Analysis   string        `json:"analysis"`
}

// assembleFromReferee builds the final Signal from a successful referee
// verdict plus the panel's opinions.
func assembleFromReferee(run *debateRun, verdict refereeVerdict, opinions []signal.RoleOpinion) *signal.Signal {
	return &signal.Signal{
		Symbol:         run.symbol,
		Action:         verdict.Action,
		Confidence:     verdict.Confidence,
		RiskLevel:      verdict.RiskLevel,
		Reason:         verdict.Reason,
		RiskAssessment: verdict.RiskAssessment,
		RoleOpinions:   opinions,
		PriceAtSignal:  run.snapshot.MarkPrice,
		TPPrice:        verdict.TPPrice,
		SLPrice:        verdict.SLPrice,
		Leverage:       verdict.Leverage,
	}
}

// assembleFromMajority is the fallback path taken when the referee call
// fails or its response cannot be parsed: tie-break to HOLD, confidence is
// the median of the winning side's opinions.
func assembleFromMajority(run *debateRun, opinions []signal.RoleOpinion, refereeErr error) *signal.Signal {
	counts := make(map[signal.Action]int)
	for _, op := range opinions {
		counts[op.Signal]++
	}

	best := signal.ActionHold
	bestCount := 0
	tied := false
	for _, action := range []signal.Action{signal.ActionBuy, signal.ActionSell, signal.ActionShort, signal.ActionCover, signal.ActionHold} {
		c := counts[action]
		if c > bestCount {
			bestCount = c
			best = action
			tied = false
		} else if c == bestCount && c > 0 {
			tied = true
		}
	}
	if tied {
		best = signal.ActionHold
	}

	majority := make([]signal.RoleOpinion, 0, len(opinions))
	for _, op := range opinions {
		if op.Signal == best {
			majority = append(majority, op)
		}
	}
	confidence := medianConfidence(majority)

	reason := "referee unavailable, falling back to panel majority vote"
	if refereeErr != nil {
		reason = "referee failed (" + refereeErr.Error() + "), falling back to panel majority vote"
	}
	errorText := "referee_failed_majority_fallback"

	return &signal.Signal{
		Symbol:           run.symbol,
		Action:           best,
		Confidence:       confidence,
		RiskLevel:        signal.RiskMedium,
		Reason:           reason,
		RiskAssessment:   "referee arbitration unavailable; risk not independently assessed",
		RoleOpinions:     opinions,
		PriceAtSignal:    run.snapshot.MarkPrice,
		ErrorText:        &errorText,
		ParsedByFallback: true,
	}
}

// medianConfidence returns the median confidence across opinions. Callers
// pass only the majority-side subset (spec: "median of the majority-side
// confidences"), not the full panel.
func medianConfidence(opinions []signal.RoleOpinion) int {
	if len(opinions) == 0 {
		return 0
	}
	values := make([]int, len(opinions))
	for i, op := range opinions {
		values[i] = op.Confidence
	}
	sort.Ints(values)
	n := len(values)
	if n%2 == 1 {
		return values[n/2]
	}
	return (values[n/2-1] + values[n/2]) / 2
}

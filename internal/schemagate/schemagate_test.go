package schemagate

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/signalforge/enginefunk/internal/signal"
)

func nopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestStrategy1DirectJSON(t *testing.T) {
	frag, err := Parse(nopLogger(), `{"signal":"BUY","confidence":72,"reason":"MACD金叉","risk_level":"中"}`)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if frag.StrategyIndex != 1 {
		t.Errorf("expected strategy 1, got %d", frag.StrategyIndex)
	}
	if frag.Action != signal.ActionBuy || frag.Confidence != 72 {
		t.Errorf("unexpected fragment: %+v", frag)
	}
}

func TestCascadeFencedBlockAfterTrailingCommaTolerance(t *testing.T) {
	// Scenario 6 from the spec: think-block + fenced JSON with a trailing
	// comma and a lowercase/over-range confidence.
	input := "<think>weighing</think> ```json\n{\"signal\":\"buy\",\"confidence\":\"102\",\"reason\":\"x\",}\n```"
	frag, err := Parse(nopLogger(), input)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if frag.StrategyIndex != 2 {
		t.Errorf("expected strategy 2 (fenced markdown), got %d", frag.StrategyIndex)
	}
	if frag.Action != signal.ActionBuy {
		t.Errorf("signal not normalized to BUY: %+v", frag)
	}
	if frag.Confidence != 100 {
		t.Errorf("confidence not clamped to 100: got %d", frag.Confidence)
	}
}

func TestStrategyOrderingStrictness(t *testing.T) {
	// A direct-JSON-parseable input must never fall through to a later
	// strategy, even though it also contains a fenced block and a nested
	// object (both inside the reason string).
	fence := "```"
	input := `{"signal":"SELL","confidence":40,"reason":"ok ` + fence + `json\n{\"signal\":\"BUY\",\"confidence\":90}\n` + fence + `"}`
	frag, err := Parse(nopLogger(), input)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if frag.StrategyIndex != 1 {
		t.Errorf("expected strategy 1 to win, got %d", frag.StrategyIndex)
	}
	if frag.Action != signal.ActionSell {
		t.Errorf("expected SELL from the first parse, got %s", frag.Action)
	}
}

func TestStrategy5ChineseHeuristic(t *testing.T) {
	frag, err := Parse(nopLogger(), "综合分析后，建议开多 置信度 73%")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if frag.StrategyIndex != 5 {
		t.Errorf("expected strategy 5, got %d", frag.StrategyIndex)
	}
	if frag.Action != signal.ActionBuy {
		t.Errorf("expected BUY, got %s", frag.Action)
	}
	if frag.Confidence != 73 {
		t.Errorf("expected confidence 73, got %d", frag.Confidence)
	}
}

func TestInvalidActionRejected(t *testing.T) {
	_, err := Parse(nopLogger(), `{"signal":"MAYBE","confidence":50,"reason":"x"}`)
	if err == nil {
		t.Fatal("expected rejection for invalid action")
	}
	var f *Failure
	if !asFailure(err, &f) {
		t.Fatalf("expected *Failure, got %T", err)
	}
}

func asFailure(err error, out **Failure) bool {
	f, ok := err.(*Failure)
	if ok {
		*out = f
	}
	return ok
}

func TestNoStrategyMatches(t *testing.T) {
	_, err := Parse(nopLogger(), "this text has no json and no chinese verbs at all")
	if err == nil {
		t.Fatal("expected failure when no strategy matches")
	}
}

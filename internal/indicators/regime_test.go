package indicators

import "testing"

func TestClassifyRegimeSqueeze(t *testing.T) {
	if got := ClassifyRegime(30, 0.01, 101, 100); got != RegimeSqueeze {
		t.Errorf("expected squeeze, got %s", got)
	}
}

func TestClassifyRegimeVolatileOverridesTrend(t *testing.T) {
	if got := ClassifyRegime(40, 0.10, 101, 100); got != RegimeVolatile {
		t.Errorf("expected volatile to take precedence over trend, got %s", got)
	}
}

func TestClassifyRegimeTrendUp(t *testing.T) {
	if got := ClassifyRegime(30, 0.05, 101, 100); got != RegimeTrendUp {
		t.Errorf("expected trend-up, got %s", got)
	}
}

func TestClassifyRegimeTrendDown(t *testing.T) {
	if got := ClassifyRegime(30, 0.05, 99, 100); got != RegimeTrendDn {
		t.Errorf("expected trend-down, got %s", got)
	}
}

func TestClassifyRegimeSideways(t *testing.T) {
	if got := ClassifyRegime(10, 0.05, 100, 100); got != RegimeSideways {
		t.Errorf("expected sideways for weak ADX and flat EMAs, got %s", got)
	}
}

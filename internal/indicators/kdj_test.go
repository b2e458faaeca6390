package indicators

import "testing"

func TestCalculateKDJOversold(t *testing.T) {
	s := NewService()
	n := 30
	high := make([]interface{}, n)
	low := make([]interface{}, n)
	closePrices := make([]interface{}, n)
	price := 100.0
	for i := 0; i < n; i++ {
		price -= 1.0 // steady decline
		high[i] = price + 0.5
		low[i] = price - 0.5
		closePrices[i] = price
	}

	result, err := s.CalculateKDJ(map[string]interface{}{
		"high": high, "low": low, "close": closePrices, "period": 9,
	})
	if err != nil {
		t.Fatalf("CalculateKDJ: %v", err)
	}
	kdj := result.(*KDJResult)
	if kdj.Signal != "oversold" {
		t.Errorf("expected oversold on a steady decline, got %s (k=%.2f d=%.2f)", kdj.Signal, kdj.K, kdj.D)
	}
}

func TestCalculateKDJMismatchedLengths(t *testing.T) {
	s := NewService()
	_, err := s.CalculateKDJ(map[string]interface{}{
		"high":  []interface{}{1.0, 2.0},
		"low":   []interface{}{1.0},
		"close": []interface{}{1.0, 2.0},
	})
	if err == nil {
		t.Fatal("expected error on mismatched array lengths")
	}
}

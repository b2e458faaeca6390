package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/signalforge/enginefunk/internal/signal"
)

func TestFormatSignalAlert(t *testing.T) {
	s := &signal.Signal{Symbol: "BTCUSDT", Action: signal.ActionBuy, Confidence: 80}
	assert.Equal(t, "BTC/USDT:USDT BUY confidence=80", formatSignalAlert(s))
}

func TestFormatTradeAlert(t *testing.T) {
	t.Run("filled is info", func(t *testing.T) {
		tr := &signal.TradeRecord{Symbol: "ETHUSDT", Status: signal.TradeStatusFilled, Qty: 1.5, Price: 3000}
		msg, severity := formatTradeAlert(tr)
		assert.Equal(t, "ETH/USDT:USDT filled qty=1.5000 price=3000.00", msg)
		assert.Equal(t, "INFO", severity)
	})

	t.Run("failed is warning", func(t *testing.T) {
		tr := &signal.TradeRecord{Symbol: "ETHUSDT", Status: signal.TradeStatusFailed, Qty: 0, Price: 0}
		_, severity := formatTradeAlert(tr)
		assert.Equal(t, "WARNING", severity)
	})

	t.Run("unrecognized quote asset falls back to raw symbol", func(t *testing.T) {
		tr := &signal.TradeRecord{Symbol: "XYZFOO", Status: signal.TradeStatusFilled, Qty: 1, Price: 1}
		msg, _ := formatTradeAlert(tr)
		assert.Equal(t, "XYZFOO filled qty=1.0000 price=1.00", msg)
	})
}

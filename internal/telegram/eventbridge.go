package telegram

import (
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/signalforge/enginefunk/internal/eventbus"
	"github.com/signalforge/enginefunk/internal/signal"
	"github.com/signalforge/enginefunk/internal/symbol"
)

// SubscribeEventBus wires the bot onto the debate/executor/supervisor
// eventbus instead of polling an orchestrator HTTP endpoint: every signal
// and trade status transition gets pushed to chatID as a Telegram alert.
func (b *Bot) SubscribeEventBus(bus *eventbus.Bus, chatID int64) error {
	subs := []struct {
		evt eventbus.EventType
		fn  func(*eventbus.Envelope) error
	}{
		{eventbus.EventSignalCreated, b.onSignalCreated(chatID)},
		{eventbus.EventTradeStatus, b.onTradeStatus(chatID)},
	}
	for _, s := range subs {
		if _, err := bus.Subscribe(s.evt, s.fn); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bot) onSignalCreated(chatID int64) func(*eventbus.Envelope) error {
	return func(env *eventbus.Envelope) error {
		var p eventbus.SignalCreatedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Warn().Err(err).Msg("telegram: failed to decode signal_created event")
			return err
		}
		if p.Signal == nil {
			return nil
		}
		return b.SendAlert(chatID, "New signal", formatSignalAlert(p.Signal), "INFO")
	}
}

func (b *Bot) onTradeStatus(chatID int64) func(*eventbus.Envelope) error {
	return func(env *eventbus.Envelope) error {
		var p eventbus.TradeStatusPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			log.Warn().Err(err).Msg("telegram: failed to decode trade_status event")
			return err
		}
		if p.Trade == nil {
			return nil
		}
		msg, severity := formatTradeAlert(p.Trade)
		return b.SendAlert(chatID, "Trade update", msg, severity)
	}
}

// displaySymbol renders a raw persisted symbol (e.g. "BTCUSDT") in its
// slashed display form ("BTC/USDT:USDT") for chat messages; falls back to
// the raw form for any symbol the quote-asset table doesn't recognize.
func displaySymbol(raw string) string {
	d, err := symbol.ToDisplay(raw)
	if err != nil {
		return raw
	}
	return d
}

func formatSignalAlert(s *signal.Signal) string {
	return fmt.Sprintf("%s %s confidence=%d", displaySymbol(s.Symbol), s.Action, s.Confidence)
}

func formatTradeAlert(t *signal.TradeRecord) (msg, severity string) {
	msg = fmt.Sprintf("%s %s qty=%.4f price=%.2f", displaySymbol(t.Symbol), t.Status, t.Qty, t.Price)
	severity = "INFO"
	if t.Status == signal.TradeStatusFailed {
		severity = "WARNING"
	}
	return msg, severity
}

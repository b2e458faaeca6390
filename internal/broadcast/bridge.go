package broadcast

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/signalforge/enginefunk/internal/eventbus"
)

// SubscribeEventBus wires every NATS event type the hub re-broadcasts over
// WS onto the corresponding hub.Broadcast call, so any out-of-process
// publisher (the trade executor, the position supervisor, a debate) fans
// straight through to connected dashboards without the hub importing those
// packages directly.
func (h *Hub) SubscribeEventBus(bus *eventbus.Bus) error {
	subs := []struct {
		evt  eventbus.EventType
		fn   func(*eventbus.Envelope) error
	}{
		{eventbus.EventSignalCreated, h.onSignalCreated},
		{eventbus.EventTradeStatus, h.onTradeStatus},
		{eventbus.EventOrderUpdate, h.onOrderUpdate},
		{eventbus.EventPositionUpdate, h.onPositionUpdate},
	}
	for _, s := range subs {
		if _, err := bus.Subscribe(s.evt, s.fn); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) onSignalCreated(env *eventbus.Envelope) error {
	var p eventbus.SignalCreatedPayload
	if err := decodeEnvelope(env, &p); err != nil {
		return err
	}
	return h.Broadcast(MessageTypeNewSignal, p.Signal)
}

func (h *Hub) onTradeStatus(env *eventbus.Envelope) error {
	var p eventbus.TradeStatusPayload
	if err := decodeEnvelope(env, &p); err != nil {
		return err
	}
	return h.Broadcast(MessageTypeTradeStatus, p.Trade)
}

func (h *Hub) onOrderUpdate(env *eventbus.Envelope) error {
	var p eventbus.OrderUpdatePayload
	if err := decodeEnvelope(env, &p); err != nil {
		return err
	}
	return h.Broadcast(MessageTypeOrderUpdate, p)
}

func (h *Hub) onPositionUpdate(env *eventbus.Envelope) error {
	var p eventbus.PositionUpdatePayload
	if err := decodeEnvelope(env, &p); err != nil {
		return err
	}
	return h.Broadcast(MessageTypePositionUpdate, p.Position)
}

// BroadcastPrices fans out a batch of mark-price samples, for the
// scheduler's periodic price-tick distribution.
func (h *Hub) BroadcastPrices(prices map[string]float64) error {
	return h.Broadcast(MessageTypePrices, PricesPayload{Prices: prices})
}

// BroadcastBalance fans out the account's current equity, for the
// scheduler's periodic balance refresh.
func (h *Hub) BroadcastBalance(equityUSDT float64) error {
	return h.Broadcast(MessageTypeBalanceUpdate, BalanceUpdatePayload{EquityUSDT: equityUSDT})
}

func decodeEnvelope(env *eventbus.Envelope, v interface{}) error {
	if err := json.Unmarshal(env.Payload, v); err != nil {
		log.Warn().Str("type", string(env.Type)).Err(err).Msg("broadcast: failed to decode event payload")
		return err
	}
	return nil
}

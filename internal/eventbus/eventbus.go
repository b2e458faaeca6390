// Package eventbus adapts the teacher's agent-to-agent NATS transport into
// an out-of-process fan-out for observers that live outside this binary —
// the Telegram notifier, an external dashboard, another instance's
// broadcast sink. In-process coupling (orchestrator -> executor) goes
// through internal/bus instead; this package exists only for observers
// that cannot share a callback slot.
package eventbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/signalforge/enginefunk/internal/signal"
)

// EventType names the subject suffix an event publishes under.
type EventType string

const (
	EventSignalCreated  EventType = "signal.created"
	EventTradeStatus    EventType = "trade.status"
	EventOrderUpdate    EventType = "order.update"
	EventPositionUpdate EventType = "position.update"
)

// Envelope wraps every published event with routing metadata, mirroring
// the teacher's AgentMessage envelope but narrowed to this system's event
// vocabulary instead of a generic agent-to-agent payload.
type Envelope struct {
	ID        uuid.UUID       `json:"id"`
	Type      EventType       `json:"type"`
	Symbol    string          `json:"symbol"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// SignalCreatedPayload is published whenever a debate persists a Signal.
type SignalCreatedPayload struct {
	Signal *signal.Signal `json:"signal"`
}

// TradeStatusPayload is published on every TradeRecord status transition.
type TradeStatusPayload struct {
	Trade *signal.TradeRecord `json:"trade"`
}

// OrderUpdatePayload is published on a raw venue order-update event,
// ahead of TradeRecord reconciliation.
type OrderUpdatePayload struct {
	Symbol   string  `json:"symbol"`
	OrderID  string  `json:"order_id"`
	Status   string  `json:"status"`
	FilledQty float64 `json:"filled_qty"`
}

// PositionUpdatePayload is published on every supervisor state transition.
type PositionUpdatePayload struct {
	Position *signal.Position `json:"position"`
}

// Config configures the NATS connection.
type Config struct {
	NATSURL string
	Prefix  string // subject prefix, default "enginefunk.events."
}

// DefaultConfig returns sane local defaults.
func DefaultConfig() Config {
	return Config{
		NATSURL: "nats://localhost:4222",
		Prefix:  "enginefunk.events.",
	}
}

// Bus publishes domain events to NATS and lets out-of-process observers
// subscribe to them.
type Bus struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials NATS with the teacher's reconnect posture: infinite
// reconnects, logged transitions.
func Connect(cfg Config) (*Bus, error) {
	nc, err := nats.Connect(
		cfg.NATSURL,
		nats.Name("enginefunk-eventbus"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("eventbus: NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("eventbus: NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "enginefunk.events."
	}
	log.Info().Str("nats_url", cfg.NATSURL).Str("prefix", cfg.Prefix).Msg("eventbus connected")
	return &Bus{nc: nc, prefix: cfg.Prefix}, nil
}

// Close drains and closes the underlying connection.
func (b *Bus) Close() {
	if b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		log.Warn().Err(err).Msg("eventbus: drain failed")
	}
}

func (b *Bus) publish(evtType EventType, symbol string, payload interface{}) error {
	if !b.nc.IsConnected() {
		return fmt.Errorf("eventbus: not connected")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventbus: marshal payload: %w", err)
	}
	env := Envelope{
		ID:        uuid.New(),
		Type:      evtType,
		Symbol:    symbol,
		Payload:   raw,
		Timestamp: time.Now(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("eventbus: marshal envelope: %w", err)
	}
	subject := b.prefix + string(evtType)
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", subject, err)
	}
	log.Debug().Str("subject", subject).Str("symbol", symbol).Msg("eventbus: published")
	return nil
}

// PublishSignalCreated fans out a newly persisted Signal.
func (b *Bus) PublishSignalCreated(s *signal.Signal) error {
	return b.publish(EventSignalCreated, s.Symbol, SignalCreatedPayload{Signal: s})
}

// PublishTradeStatus fans out a TradeRecord status transition.
func (b *Bus) PublishTradeStatus(t *signal.TradeRecord) error {
	return b.publish(EventTradeStatus, t.Symbol, TradeStatusPayload{Trade: t})
}

// PublishOrderUpdate fans out a raw venue order-update event.
func (b *Bus) PublishOrderUpdate(p OrderUpdatePayload) error {
	return b.publish(EventOrderUpdate, p.Symbol, p)
}

// PublishPositionUpdate fans out a supervisor state transition.
func (b *Bus) PublishPositionUpdate(p *signal.Position) error {
	return b.publish(EventPositionUpdate, p.Symbol, PositionUpdatePayload{Position: p})
}

// Handler processes one decoded envelope; returning an error only logs,
// since events are fire-and-forget notifications, not request-reply.
type Handler func(env *Envelope) error

// Subscribe registers handler for evtType across all symbols.
func (b *Bus) Subscribe(evtType EventType, handler Handler) (*nats.Subscription, error) {
	subject := b.prefix + string(evtType)
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Warn().Err(err).Str("subject", subject).Msg("eventbus: malformed envelope")
			return
		}
		if err := handler(&env); err != nil {
			log.Error().Err(err).Str("subject", subject).Str("symbol", env.Symbol).Msg("eventbus: handler error")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("eventbus: subscribe %s: %w", subject, err)
	}
	return sub, nil
}

package executor

import (
	"fmt"

	"github.com/signalforge/enginefunk/internal/config"
	"github.com/signalforge/enginefunk/internal/signal"
	"github.com/signalforge/enginefunk/internal/venue"
)

// resolveIntent turns a signal's action and the venue's current position
// into zero, one, or two order legs (§4.3 step 2). BUY/SHORT against an
// opposite existing position branch on cfg.OnOpposite; everything else is a
// single leg or a no-op.
func resolveIntent(action signal.Action, pos *venue.PositionInfo, pyramiding config.PyramidingConfig) ([]orderLeg, string) {
	flat := pos == nil || pos.IsFlat()

	switch action {
	case signal.ActionBuy:
		switch {
		case flat:
			return []orderLeg{{kind: intentOpenLong}}, ""
		case pos.Side == venue.PositionSideLong:
			return nil, "already-long"
		default: // existing short
			return onOpposite(pyramiding.OnOpposite, intentCloseShort, intentOpenLong)
		}

	case signal.ActionSell:
		if !flat && pos.Side == venue.PositionSideLong {
			return []orderLeg{{kind: intentCloseLong, reduceOnly: true}}, ""
		}
		return nil, "no-long-to-close"

	case signal.ActionShort:
		switch {
		case flat:
			return []orderLeg{{kind: intentOpenShort}}, ""
		case pos.Side == venue.PositionSideShort:
			return nil, "already-short"
		default: // existing long
			return onOpposite(pyramiding.OnOpposite, intentCloseLong, intentOpenShort)
		}

	case signal.ActionCover:
		if !flat && pos.Side == venue.PositionSideShort {
			return []orderLeg{{kind: intentCloseShort, reduceOnly: true}}, ""
		}
		return nil, "no-short-to-cover"

	default: // HOLD, or anything not actionable
		return nil, "not-actionable"
	}
}

// onOpposite applies the pyramiding policy when a signal would open a
// position opposite to the one already held.
func onOpposite(policy string, closeKind, openKind intentKind) ([]orderLeg, string) {
	switch policy {
	case "ignore":
		return nil, "opposite-position-ignored"
	case "close_only":
		return []orderLeg{
			{kind: closeKind, clientIDSuffix: "close", reduceOnly: true},
		}, ""
	default: // "close_then_open", and the zero value
		return []orderLeg{
			{kind: closeKind, clientIDSuffix: "close", reduceOnly: true},
			{kind: openKind, clientIDSuffix: "open"},
		}, ""
	}
}

// clientID derives the venue client-order-id for one leg of signal id. The
// suffix keeps a two-leg close_then_open resolution's two orders distinct
// (a close_only close carries the same "close" suffix); a leg without a
// suffix gets the bare "signal:<id>".
func clientID(signalID int64, suffix string) string {
	if suffix == "" {
		return fmt.Sprintf("signal:%d", signalID)
	}
	return fmt.Sprintf("signal:%d:%s", signalID, suffix)
}

func orderParams(leg orderLeg, symbol string, qty float64, cid string) venue.MarketOrderParams {
	p := venue.MarketOrderParams{
		Symbol:     symbol,
		Quantity:   qty,
		ClientID:   cid,
		ReduceOnly: leg.reduceOnly,
	}
	switch leg.kind {
	case intentOpenLong:
		p.Side, p.PositionSide = venue.SideBuy, venue.PositionSideLong
	case intentCloseLong:
		p.Side, p.PositionSide = venue.SideSell, venue.PositionSideLong
	case intentOpenShort:
		p.Side, p.PositionSide = venue.SideSell, venue.PositionSideShort
	case intentCloseShort:
		p.Side, p.PositionSide = venue.SideBuy, venue.PositionSideShort
	}
	return p
}

// isOpen reports whether leg opens new exposure (as opposed to reducing an
// existing position), used to decide whether TP/SL legs and a leverage/
// margin-mode set apply.
func (k intentKind) isOpen() bool {
	return k == intentOpenLong || k == intentOpenShort
}

func (k intentKind) orderSide() signal.OrderSide {
	if k == intentOpenLong || k == intentCloseShort {
		return signal.OrderSideBuy
	}
	return signal.OrderSideSell
}

func (k intentKind) positionSide() signal.PositionSide {
	if k == intentOpenLong || k == intentCloseLong {
		return signal.PositionSideLong
	}
	return signal.PositionSideShort
}

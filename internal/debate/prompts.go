package debate

import (
	"fmt"
	"strings"

	"github.com/signalforge/enginefunk/internal/config"
	"github.com/signalforge/enginefunk/internal/signal"
	"github.com/signalforge/enginefunk/internal/snapshot"
)

const roleSystemPromptTemplate = `You are %s (%s), one voice on a panel of analysts debating a single
perpetual futures symbol. Analyze the market data you are given and return
your verdict as a single JSON object, and nothing else:
{
  "signal": "BUY" | "SELL" | "SHORT" | "COVER" | "HOLD",
  "confidence": 0-100,
  "analysis": "your reasoning in a few sentences"
}`

func buildRoleSystemPrompt(role config.RoleConfig) string {
	return fmt.Sprintf(roleSystemPromptTemplate, role.Title, role.Name)
}

func buildRoleUserPrompt(snap *snapshot.MarketSnapshot) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Symbol: %s\n", snap.Symbol)
	fmt.Fprintf(&sb, "Mark price: %.4f\n", snap.MarkPrice)
	fmt.Fprintf(&sb, "Funding rate: %.6f\n", snap.FundingRate)
	fmt.Fprintf(&sb, "Open interest: %.2f\n", snap.OpenInterest)
	fmt.Fprintf(&sb, "Regime: %s\n\n", snap.Regime)

	fmt.Fprintf(&sb, "Indicators:\n")
	fmt.Fprintf(&sb, "  RSI: %.2f (%s)\n", snap.Indicators.RSI.Value, snap.Indicators.RSI.Signal)
	fmt.Fprintf(&sb, "  MACD: macd=%.4f signal=%.4f histogram=%.4f (%s)\n",
		snap.Indicators.MACD.MACD, snap.Indicators.MACD.Signal, snap.Indicators.MACD.Histogram, snap.Indicators.MACD.Crossover)
	fmt.Fprintf(&sb, "  Bollinger: upper=%.4f middle=%.4f lower=%.4f width=%.4f (%s)\n",
		snap.Indicators.Bollinger.Upper, snap.Indicators.Bollinger.Middle, snap.Indicators.Bollinger.Lower,
		snap.Indicators.Bollinger.Width, snap.Indicators.Bollinger.Signal)
	fmt.Fprintf(&sb, "  KDJ: k=%.2f d=%.2f j=%.2f (%s)\n",
		snap.Indicators.KDJ.K, snap.Indicators.KDJ.D, snap.Indicators.KDJ.J, snap.Indicators.KDJ.Signal)
	fmt.Fprintf(&sb, "  ADX: %.2f (%s)\n", snap.Indicators.ADX.Value, snap.Indicators.ADX.Strength)
	fmt.Fprintf(&sb, "  EMA fast: %.4f (%s)\n", snap.Indicators.EMAFast.Value, snap.Indicators.EMAFast.Trend)
	fmt.Fprintf(&sb, "  EMA slow: %.4f (%s)\n\n", snap.Indicators.EMASlow.Value, snap.Indicators.EMASlow.Trend)

	if len(snap.LargeTrades) > 0 {
		fmt.Fprintf(&sb, "Large trades (last %d):\n", len(snap.LargeTrades))
		for _, t := range snap.LargeTrades {
			side := "sell"
			if t.IsBuyer {
				side = "buy"
			}
			fmt.Fprintf(&sb, "  %s %.4f @ %.4f (%.2f USDT)\n", side, t.Qty, t.Price, t.NotionalUSDT)
		}
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "Recent candles (oldest to newest, last %d of %d):\n", min(10, len(snap.Candles)), len(snap.Candles))
	start := 0
	if len(snap.Candles) > 10 {
		start = len(snap.Candles) - 10
	}
	for _, c := range snap.Candles[start:] {
		fmt.Fprintf(&sb, "  O=%.4f H=%.4f L=%.4f C=%.4f V=%.2f\n", c.Open, c.High, c.Low, c.Close, c.Volume)
	}

	return sb.String()
}

const refereeSystemPrompt = `You are the referee of a trading-signal debate. You are given the
analyst panel's individual verdicts for one symbol. Weigh them, resolve any
disagreement, and return your own final ruling as a single JSON object, and
nothing else:
{
  "action": "BUY" | "SELL" | "SHORT" | "COVER" | "HOLD",
  "confidence": 0-100,
  "risk_level": "低" | "中" | "高",
  "reason": "why you ruled this way, referencing the panel where relevant",
  "risk_assessment": "the key risk to this call",
  "tp_price": optional take-profit price,
  "sl_price": optional stop-loss price,
  "leverage": optional integer leverage suggestion
}`

func buildRefereeUserPrompt(snap *snapshot.MarketSnapshot, opinions []signal.RoleOpinion) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Symbol: %s   Mark price: %.4f   Regime: %s\n\n", snap.Symbol, snap.MarkPrice, snap.Regime)
	fmt.Fprintf(&sb, "Panel verdicts:\n")
	for _, op := range opinions {
		fmt.Fprintf(&sb, "- %s (%s): %s, confidence=%d\n  %s\n", op.Title, op.Name, op.Signal, op.Confidence, op.Analysis)
	}
	return sb.String()
}

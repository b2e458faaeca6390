// Package schemagate coerces free-form LLM text (mixed prose, <think> blocks,
// fenced Markdown JSON, raw JSON, or Chinese prose) into a validated, typed
// Signal fragment. It applies a ranked cascade of five extraction strategies;
// the first to succeed wins, and every failure is logged, never swallowed.
package schemagate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/signalforge/enginefunk/internal/signal"
)

// Fragment is the typed, partially-populated record the cascade assembles
// before validation closes it into a signal.Signal's core fields.
type Fragment struct {
	Action         signal.Action
	Confidence     int
	Reason         string
	RiskLevel      signal.RiskLevel
	RiskAssessment string
	TPPrice        *float64
	SLPrice        *float64
	Leverage       *int

	// StrategyIndex is the 1-based index of the cascade strategy that
	// produced this fragment (for the fallback-rate metric).
	StrategyIndex int
	// RegexExtractedFields lists which fields came from strategy 4's
	// field-level regex rather than a structured parse, so downstream
	// metrics can observe "fallback rate" per field.
	RegexExtractedFields []string
}

// Failure is the typed rejection returned when no strategy in the cascade
// succeeds, or when the winning strategy's output fails validation.
type Failure struct {
	StrategyIndex int
	Snippet       string
	Reason        string
}

func (f *Failure) Error() string {
	return fmt.Sprintf("schemagate: strategy %d failed: %s (input: %q)", f.StrategyIndex, f.Reason, f.Snippet)
}

const snippetLen = 200

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > snippetLen {
		return s[:snippetLen] + "…"
	}
	return s
}

var thinkBlockRE = regexp.MustCompile(`(?s)<think>.*?</think>`)

// rawFragment is the wire shape a structured strategy (1-3) parses into
// before field-level normalization.
type rawFragment struct {
	Signal         interface{} `json:"signal"`
	Confidence     interface{} `json:"confidence"`
	Reason         string      `json:"reason"`
	RiskLevel      string      `json:"risk_level"`
	RiskAssessment string      `json:"risk_assessment"`
	TPPrice        interface{} `json:"tp_price"`
	SLPrice        interface{} `json:"sl_price"`
	Leverage       interface{} `json:"leverage"`
}

// Parse runs the 5-strategy cascade against raw LLM output and returns a
// validated Fragment, or a typed Failure describing why every strategy
// rejected the input.
func Parse(log zerolog.Logger, raw string) (*Fragment, error) {
	stripped := thinkBlockRE.ReplaceAllString(raw, "")
	stripped = strings.TrimSpace(stripped)

	strategies := []func(string) (*rawFragment, int, error){
		strategyDirectJSON,
		strategyFencedMarkdown,
		strategyLargestBalancedObject,
	}

	for _, strat := range strategies {
		rf, idx, err := strat(stripped)
		if err != nil {
			log.Debug().Int("strategy", idx).Err(err).Msg("schema gate strategy failed")
			continue
		}
		frag, verr := normalize(rf, idx, nil)
		if verr != nil {
			log.Debug().Int("strategy", idx).Err(verr).Msg("schema gate strategy produced invalid record")
			return nil, &Failure{StrategyIndex: idx, Snippet: truncate(raw), Reason: verr.Error()}
		}
		return frag, nil
	}

	// Strategy 4: field-level regex extraction.
	if frag, fields, ok := strategyFieldRegex(stripped); ok {
		f, verr := normalize(frag, 4, fields)
		if verr != nil {
			log.Debug().Int("strategy", 4).Err(verr).Msg("schema gate strategy 4 produced invalid record")
		} else {
			return f, nil
		}
	}
	log.Debug().Int("strategy", 4).Msg("schema gate strategy failed")

	// Strategy 5: Chinese-text heuristic.
	if frag, ok := strategyChineseHeuristic(stripped); ok {
		f, verr := normalize(frag, 5, []string{"signal", "confidence"})
		if verr != nil {
			log.Debug().Int("strategy", 5).Err(verr).Msg("schema gate strategy 5 produced invalid record")
		} else {
			return f, nil
		}
	}
	log.Debug().Int("strategy", 5).Msg("schema gate strategy failed")

	return nil, &Failure{StrategyIndex: 5, Snippet: truncate(raw), Reason: "no extraction strategy matched"}
}

// strategyDirectJSON: attempt direct JSON parse of the remainder after
// stripping <think> blocks.
func strategyDirectJSON(s string) (*rawFragment, int, error) {
	var rf rawFragment
	if err := json.Unmarshal([]byte(s), &rf); err != nil {
		return nil, 1, err
	}
	return &rf, 1, nil
}

var fencePrefixes = []string{"```json\n", "```json", "```\n", "```"}

// strategyFencedMarkdown: scan for fenced Markdown JSON blocks, try each in
// order.
func strategyFencedMarkdown(s string) (*rawFragment, int, error) {
	blocks := extractFencedBlocks(s)
	if len(blocks) == 0 {
		return nil, 2, fmt.Errorf("no fenced code blocks found")
	}
	var lastErr error
	for _, block := range blocks {
		tolerant := stripTrailingCommas(block)
		var rf rawFragment
		if err := json.Unmarshal([]byte(tolerant), &rf); err != nil {
			lastErr = err
			continue
		}
		return &rf, 2, nil
	}
	return nil, 2, lastErr
}

func extractFencedBlocks(s string) []string {
	var blocks []string
	idx := 0
	for {
		start := strings.Index(s[idx:], "```")
		if start == -1 {
			break
		}
		start += idx
		rest := s[start+3:]
		// Skip an optional language tag on the same line.
		if nl := strings.IndexByte(rest, '\n'); nl != -1 && nl < 20 {
			rest = rest[nl+1:]
		}
		end := strings.Index(rest, "```")
		if end == -1 {
			break
		}
		blocks = append(blocks, strings.TrimSpace(rest[:end]))
		idx = start + 3 + end + 3
	}
	return blocks
}

// strategyLargestBalancedObject: extract the largest balanced {...}
// substring, tolerate trailing commas, parse.
func strategyLargestBalancedObject(s string) (*rawFragment, int, error) {
	obj := largestBalancedObject(s)
	if obj == "" {
		return nil, 3, fmt.Errorf("no balanced object found")
	}
	tolerant := stripTrailingCommas(obj)
	var rf rawFragment
	if err := json.Unmarshal([]byte(tolerant), &rf); err != nil {
		return nil, 3, err
	}
	return &rf, 3, nil
}

func largestBalancedObject(s string) string {
	best := ""
outer:
	for i, c := range s {
		if c != '{' {
			continue
		}
		depth := 0
		inString := false
		escape := false
		for j := i; j < len(s); j++ {
			ch := s[j]
			if inString {
				if escape {
					escape = false
				} else if ch == '\\' {
					escape = true
				} else if ch == '"' {
					inString = false
				}
				continue
			}
			switch ch {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					candidate := s[i : j+1]
					if len(candidate) > len(best) {
						best = candidate
					}
					continue outer
				}
			}
		}
	}
	return best
}

var trailingCommaRE = regexp.MustCompile(`,\s*([}\]])`)

func stripTrailingCommas(s string) string {
	return trailingCommaRE.ReplaceAllString(s, "$1")
}

var fieldPatterns = map[string]*regexp.Regexp{
	"signal":     regexp.MustCompile(`(?i)"?signal"?\s*[:=]\s*"?(BUY|SELL|SHORT|COVER|HOLD)"?`),
	"confidence": regexp.MustCompile(`(?i)"?confidence"?\s*[:=]\s*"?(\d+(?:\.\d+)?)"?`),
	"reason":     regexp.MustCompile(`(?i)"?reason"?\s*[:=]\s*"([^"]*)"`),
	"risk_level": regexp.MustCompile(`(?i)"?risk_level"?\s*[:=]\s*"?(低|中|高|low|medium|high)"?`),
	"tp_price":   regexp.MustCompile(`(?i)"?tp_price"?\s*[:=]\s*"?(-?\d+(?:\.\d+)?)"?`),
	"sl_price":   regexp.MustCompile(`(?i)"?sl_price"?\s*[:=]\s*"?(-?\d+(?:\.\d+)?)"?`),
	"leverage":   regexp.MustCompile(`(?i)"?leverage"?\s*[:=]\s*"?(\d+)"?`),
}

// strategyFieldRegex assembles a partial record from per-field regex
// extraction. Returns ok=false only if no field at all matched.
func strategyFieldRegex(s string) (*rawFragment, []string, bool) {
	var rf rawFragment
	var matched []string

	if m := fieldPatterns["signal"].FindStringSubmatch(s); m != nil {
		rf.Signal = m[1]
		matched = append(matched, "signal")
	}
	if m := fieldPatterns["confidence"].FindStringSubmatch(s); m != nil {
		rf.Confidence = m[1]
		matched = append(matched, "confidence")
	}
	if m := fieldPatterns["reason"].FindStringSubmatch(s); m != nil {
		rf.Reason = m[1]
		matched = append(matched, "reason")
	}
	if m := fieldPatterns["risk_level"].FindStringSubmatch(s); m != nil {
		rf.RiskLevel = m[1]
		matched = append(matched, "risk_level")
	}
	if m := fieldPatterns["tp_price"].FindStringSubmatch(s); m != nil {
		rf.TPPrice = m[1]
		matched = append(matched, "tp_price")
	}
	if m := fieldPatterns["sl_price"].FindStringSubmatch(s); m != nil {
		rf.SLPrice = m[1]
		matched = append(matched, "sl_price")
	}
	if m := fieldPatterns["leverage"].FindStringSubmatch(s); m != nil {
		rf.Leverage = m[1]
		matched = append(matched, "leverage")
	}

	if len(matched) == 0 {
		return nil, nil, false
	}
	return &rf, matched, true
}

// chineseVerbToAction maps the key verbs named in the cascade spec to
// actions.
var chineseVerbToAction = []struct {
	verb   string
	action signal.Action
}{
	{"开多", signal.ActionBuy},
	{"开空", signal.ActionShort},
	{"平多", signal.ActionSell},
	{"平空", signal.ActionCover},
	{"观望", signal.ActionHold},
}

var percentRE = regexp.MustCompile(`(\d+)\s*%`)

// strategyChineseHeuristic: presence of a key verb maps to signal; a nearby
// percent token maps to confidence.
func strategyChineseHeuristic(s string) (*rawFragment, bool) {
	for _, v := range chineseVerbToAction {
		if strings.Contains(s, v.verb) {
			rf := &rawFragment{Signal: string(v.action)}
			if m := percentRE.FindStringSubmatch(s); m != nil {
				rf.Confidence = m[1]
			}
			rf.Reason = truncate(s)
			return rf, true
		}
	}
	return nil, false
}

// normalize applies the validation rules that run after every extraction
// strategy: action normalized to the closed set, confidence clamped,
// risk_level defaulted, numeric fields parsed and rejected on NaN/inf.
func normalize(rf *rawFragment, strategyIndex int, regexFields []string) (*Fragment, error) {
	actionStr, err := asString(rf.Signal)
	if err != nil {
		return nil, fmt.Errorf("signal field: %w", err)
	}
	action := signal.Action(strings.ToUpper(strings.TrimSpace(actionStr)))
	if !action.IsValid() {
		return nil, fmt.Errorf("signal value %q is not one of BUY/SELL/SHORT/COVER/HOLD", actionStr)
	}

	conf := 0
	if rf.Confidence != nil {
		c, err := asFloat(rf.Confidence)
		if err != nil {
			return nil, fmt.Errorf("confidence field: %w", err)
		}
		conf = int(c)
	}
	if conf < 0 {
		conf = 0
	}
	if conf > 100 {
		conf = 100
	}

	risk := signal.RiskLevel(rf.RiskLevel)
	switch risk {
	case signal.RiskLow, signal.RiskMedium, signal.RiskHigh:
	case "low":
		risk = signal.RiskLow
	case "medium":
		risk = signal.RiskMedium
	case "high":
		risk = signal.RiskHigh
	default:
		risk = signal.RiskMedium
	}

	frag := &Fragment{
		Action:               action,
		Confidence:           conf,
		Reason:               rf.Reason,
		RiskLevel:            risk,
		RiskAssessment:       rf.RiskAssessment,
		StrategyIndex:        strategyIndex,
		RegexExtractedFields: regexFields,
	}

	if rf.TPPrice != nil {
		v, err := asFloat(rf.TPPrice)
		if err != nil {
			return nil, fmt.Errorf("tp_price field: %w", err)
		}
		frag.TPPrice = &v
	}
	if rf.SLPrice != nil {
		v, err := asFloat(rf.SLPrice)
		if err != nil {
			return nil, fmt.Errorf("sl_price field: %w", err)
		}
		frag.SLPrice = &v
	}
	if rf.Leverage != nil {
		v, err := asFloat(rf.Leverage)
		if err != nil {
			return nil, fmt.Errorf("leverage field: %w", err)
		}
		lev := int(v)
		frag.Leverage = &lev
	}

	return frag, nil
}

func asString(v interface{}) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case nil:
		return "", fmt.Errorf("missing")
	default:
		return fmt.Sprintf("%v", t), nil
	}
}

func asFloat(v interface{}) (float64, error) {
	switch t := v.(type) {
	case float64:
		if isNaNOrInf(t) {
			return 0, fmt.Errorf("value is NaN or infinite")
		}
		return t, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, err
		}
		if isNaNOrInf(f) {
			return 0, fmt.Errorf("value is NaN or infinite")
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

func isNaNOrInf(f float64) bool {
	return f != f || f > 1e308 || f < -1e308
}

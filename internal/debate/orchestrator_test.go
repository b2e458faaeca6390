package debate

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/signalforge/enginefunk/internal/bus"
	"github.com/signalforge/enginefunk/internal/config"
	"github.com/signalforge/enginefunk/internal/llm"
	"github.com/signalforge/enginefunk/internal/signal"
	"github.com/signalforge/enginefunk/internal/snapshot"
)

// --- fakes -----------------------------------------------------------

type fakeQuota struct {
	tier signal.QuotaTier
}

func (f *fakeQuota) CurrentTier(ctx context.Context) (signal.QuotaTier, error) {
	return f.tier, nil
}

func (f *fakeQuota) RecordCall(ctx context.Context, model string, tokensIn, tokensOut int64) (*signal.DailyBudget, error) {
	return &signal.DailyBudget{}, nil
}

type fakeStore struct {
	mu         sync.Mutex
	cooldowns  map[string]time.Time
	inserted   []*signal.Signal
	nextID     int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{cooldowns: make(map[string]time.Time)}
}

func (f *fakeStore) GetCooldown(ctx context.Context, symbol, action string) (*time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.cooldowns[symbol+":"+action]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (f *fakeStore) ArmCooldown(ctx context.Context, symbol, action string, nextAllowedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cooldowns[symbol+":"+action] = nextAllowedAt
	return nil
}

func (f *fakeStore) InsertSignal(ctx context.Context, s *signal.Signal) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.inserted = append(f.inserted, s)
	return f.nextID, nil
}

// fakeLLM returns a fixed JSON verdict every call.
type fakeLLM struct {
	content string
	err     error
}

func (f *fakeLLM) Complete(ctx context.Context, messages []llm.ChatMessage) (*llm.ChatResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	raw := fmt.Sprintf(`{"choices":[{"message":{"role":"assistant","content":%s}}],"usage":{"prompt_tokens":100,"completion_tokens":50}}`, marshalString(f.content))
	var resp llm.ChatResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func marshalString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func (f *fakeLLM) CompleteWithRetry(ctx context.Context, messages []llm.ChatMessage, maxRetries int) (*llm.ChatResponse, error) {
	return f.Complete(ctx, messages)
}

func (f *fakeLLM) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := f.Complete(ctx, nil)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Message.Content, nil
}

func (f *fakeLLM) ParseJSONResponse(content string, target interface{}) error {
	return json.Unmarshal([]byte(content), target)
}

// --- snapshot plumbing -------------------------------------------------

type fakeSnapshotSource struct{}

func (fakeSnapshotSource) Candles(ctx context.Context, symbol, interval string, limit int) ([]snapshot.Candle, error) {
	out := make([]snapshot.Candle, 60)
	price := 100.0
	for i := range out {
		price += 1
		out[i] = snapshot.Candle{OpenTime: time.Unix(int64(i)*900, 0), Open: price - 1, High: price + 2, Low: price - 2, Close: price, Volume: 10}
	}
	return out, nil
}
func (fakeSnapshotSource) FundingRate(ctx context.Context, symbol string) (float64, error) { return 0.0001, nil }
func (fakeSnapshotSource) OpenInterest(ctx context.Context, symbol string) (float64, error) { return 1000, nil }
func (fakeSnapshotSource) LargeTrades(ctx context.Context, symbol string, minNotionalUSDT float64) ([]snapshot.LargeTrade, error) {
	return nil, nil
}
func (fakeSnapshotSource) MarkPrice(ctx context.Context, symbol string) (float64, error) { return 150, nil }

func testDebateConfig() config.DebateConfig {
	return config.DebateConfig{
		Roles: []config.RoleConfig{
			{Name: "technical", Title: "Technical Analyst", Emoji: "📈", Model: "model-a"},
			{Name: "trend", Title: "Trend Follower", Emoji: "🧭", Model: "model-b"},
		},
		RefereeModel:   "referee-model",
		RefereeTimeout: time.Second,
		RoleTimeout:    time.Second,
		DebateTimeout:  5 * time.Second,
		HotSymbols:     []string{"BTCUSDT"},
		ColdSymbols:    []string{"DOGEUSDT"},
	}
}

func newTestOrchestrator(roleContent, refereeContent string, refereeErr error) (*Orchestrator, *fakeStore) {
	store := newFakeStore()
	snapSvc := snapshot.New(fakeSnapshotSource{}, nil, time.Minute)
	roleClients := map[string]llm.LLMClient{
		"technical": &fakeLLM{content: roleContent},
		"trend":     &fakeLLM{content: roleContent},
	}
	refereeClient := &fakeLLM{content: refereeContent, err: refereeErr}
	return New(testDebateConfig(), config.CooldownConfig{SignalCooldown: map[string]time.Duration{"HOLD": time.Minute}}, &fakeQuota{tier: signal.TierNormal}, snapSvc, roleClients, refereeClient, store, bus.New(), nil), store
}

// --- tests -------------------------------------------------------------

func TestRunDebateHappyPath(t *testing.T) {
	roleContent := `{"signal":"BUY","confidence":70,"analysis":"looks bullish"}`
	refereeContent := `{"action":"BUY","confidence":75,"risk_level":"中","reason":"panel agrees","risk_assessment":"funding rate elevated"}`

	orch, store := newTestOrchestrator(roleContent, refereeContent, nil)

	sig, err := orch.RunDebate(context.Background(), "BTCUSDT", signal.TriggerManual)
	if err != nil {
		t.Fatalf("RunDebate returned error: %v", err)
	}
	if sig.Action != signal.ActionBuy {
		t.Errorf("expected BUY, got %s", sig.Action)
	}
	if len(sig.RoleOpinions) != 2 {
		t.Errorf("expected 2 role opinions, got %d", len(sig.RoleOpinions))
	}
	if len(store.inserted) != 1 {
		t.Errorf("expected 1 persisted signal, got %d", len(store.inserted))
	}
}

func TestRunDebateRefereeFailureFallsBackToMajority(t *testing.T) {
	roleContent := `{"signal":"SELL","confidence":60,"analysis":"bearish divergence"}`

	orch, _ := newTestOrchestrator(roleContent, "", fmt.Errorf("referee unreachable"))

	sig, err := orch.RunDebate(context.Background(), "BTCUSDT", signal.TriggerManual)
	if err != nil {
		t.Fatalf("RunDebate returned error: %v", err)
	}
	if sig.Action != signal.ActionSell {
		t.Errorf("expected majority fallback to SELL, got %s", sig.Action)
	}
	if !sig.ParsedByFallback {
		t.Errorf("expected ParsedByFallback to be true")
	}
}

func TestRunDebateQuotaExhaustedBlocksColdSymbol(t *testing.T) {
	roleContent := `{"signal":"BUY","confidence":70,"analysis":"ok"}`
	refereeContent := `{"action":"BUY","confidence":70,"risk_level":"中","reason":"ok","risk_assessment":"ok"}`

	store := newFakeStore()
	snapSvc := snapshot.New(fakeSnapshotSource{}, nil, time.Minute)
	roleClients := map[string]llm.LLMClient{
		"technical": &fakeLLM{content: roleContent},
		"trend":     &fakeLLM{content: roleContent},
	}
	orch := New(testDebateConfig(), config.CooldownConfig{}, &fakeQuota{tier: signal.TierCritical}, snapSvc, roleClients, &fakeLLM{content: refereeContent}, store, bus.New(), nil)

	_, err := orch.RunDebate(context.Background(), "DOGEUSDT", signal.TriggerScheduled)
	if err == nil {
		t.Fatal("expected quota exhaustion error for cold symbol at critical tier, got nil")
	}
}

func TestRunDebateCooldownBlocksScheduledTrigger(t *testing.T) {
	roleContent := `{"signal":"BUY","confidence":70,"analysis":"ok"}`
	refereeContent := `{"action":"BUY","confidence":70,"risk_level":"中","reason":"ok","risk_assessment":"ok"}`

	orch, store := newTestOrchestrator(roleContent, refereeContent, nil)
	store.cooldowns["BTCUSDT:BUY"] = time.Now().Add(time.Hour)

	_, err := orch.RunDebate(context.Background(), "BTCUSDT", signal.TriggerScheduled)
	if err == nil {
		t.Fatal("expected cooldown-active error, got nil")
	}
}

func TestRunDebateCooldownDoesNotBlockOppositeDirection(t *testing.T) {
	roleContent := `{"signal":"SHORT","confidence":70,"analysis":"ok"}`
	refereeContent := `{"action":"SHORT","confidence":70,"risk_level":"中","reason":"ok","risk_assessment":"ok"}`

	orch, store := newTestOrchestrator(roleContent, refereeContent, nil)
	store.cooldowns["BTCUSDT:BUY"] = time.Now().Add(time.Hour)

	sig, err := orch.RunDebate(context.Background(), "BTCUSDT", signal.TriggerScheduled)
	if err != nil {
		t.Fatalf("expected BUY cooldown to not block independent SHORT signal, got error: %v", err)
	}
	if sig.Action != signal.ActionShort {
		t.Errorf("expected SHORT, got %s", sig.Action)
	}
}

func TestRunDebateAllRolesFailedReturnsError(t *testing.T) {
	store := newFakeStore()
	snapSvc := snapshot.New(fakeSnapshotSource{}, nil, time.Minute)
	roleClients := map[string]llm.LLMClient{
		"technical": &fakeLLM{err: fmt.Errorf("upstream down")},
		"trend":     &fakeLLM{err: fmt.Errorf("upstream down")},
	}
	orch := New(testDebateConfig(), config.CooldownConfig{}, &fakeQuota{tier: signal.TierNormal}, snapSvc, roleClients, &fakeLLM{content: "{}"}, store, bus.New(), nil)

	_, err := orch.RunDebate(context.Background(), "BTCUSDT", signal.TriggerManual)
	if err == nil {
		t.Fatal("expected all-roles-failed error, got nil")
	}
}

package debate

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/signalforge/enginefunk/internal/apperr"
	"github.com/signalforge/enginefunk/internal/bus"
	"github.com/signalforge/enginefunk/internal/config"
	"github.com/signalforge/enginefunk/internal/eventbus"
	"github.com/signalforge/enginefunk/internal/llm"
	"github.com/signalforge/enginefunk/internal/quota"
	"github.com/signalforge/enginefunk/internal/schemagate"
	"github.com/signalforge/enginefunk/internal/signal"
	"github.com/signalforge/enginefunk/internal/snapshot"
)

// quotaChecker is the subset of *quota.Accountant the orchestrator needs,
// narrowed for testability against a fake.
type quotaChecker interface {
	CurrentTier(ctx context.Context) (signal.QuotaTier, error)
	RecordCall(ctx context.Context, model string, tokensIn, tokensOut int64) (*signal.DailyBudget, error)
}

// signalStore is the subset of *db.DB the orchestrator needs.
type signalStore interface {
	GetCooldown(ctx context.Context, symbol, action string) (*time.Time, error)
	ArmCooldown(ctx context.Context, symbol, action string, nextAllowedAt time.Time) error
	InsertSignal(ctx context.Context, s *signal.Signal) (int64, error)
}

// Orchestrator runs debates: admission, snapshot fetch, role fan-out,
// referee arbitration, assembly, persistence, and notification.
type Orchestrator struct {
	cfg           config.DebateConfig
	cooldownCfg   config.CooldownConfig
	hotSymbols    map[string]bool
	quota         quotaChecker
	snapshots     *snapshot.Service
	roleClients   map[string]llm.LLMClient
	refereeClient llm.LLMClient
	db            signalStore
	bus           *bus.Bus
	events        *eventbus.Bus
}

// New constructs an Orchestrator. roleClients must have one entry per
// cfg.Roles[i].Name.
func New(cfg config.DebateConfig, cooldownCfg config.CooldownConfig, q quotaChecker, snapshots *snapshot.Service, roleClients map[string]llm.LLMClient, refereeClient llm.LLMClient, database signalStore, callbackBus *bus.Bus, events *eventbus.Bus) *Orchestrator {
	hot := make(map[string]bool, len(cfg.HotSymbols))
	for _, s := range cfg.HotSymbols {
		hot[s] = true
	}
	return &Orchestrator{
		cfg:           cfg,
		cooldownCfg:   cooldownCfg,
		hotSymbols:    hot,
		quota:         q,
		snapshots:     snapshots,
		roleClients:   roleClients,
		refereeClient: refereeClient,
		db:            database,
		bus:           callbackBus,
		events:        events,
	}
}

// RunDebate executes one full debate round for symbol and returns the
// persisted Signal.
func (o *Orchestrator) RunDebate(ctx context.Context, symbol string, trigger signal.Trigger) (*signal.Signal, error) {
	run := &debateRun{symbol: symbol, trigger: trigger, startedAt: time.Now()}

	if o.cfg.DebateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.DebateTimeout)
		defer cancel()
	}

	if err := o.admit(ctx, symbol, trigger); err != nil {
		return nil, err
	}

	snapStart := time.Now()
	snap, err := o.snapshots.Get(ctx, symbol)
	run.fetchSecs = time.Since(snapStart).Seconds()
	if err != nil {
		return nil, apperr.SnapshotUnavailable(symbol, err)
	}
	run.snapshot = snap

	roleStart := time.Now()
	opinions, roleInputMessages, err := o.runRoles(ctx, run)
	run.roleSecs = time.Since(roleStart).Seconds()
	if err != nil {
		return nil, err
	}

	refStart := time.Now()
	sig := o.runReferee(ctx, run, opinions)
	run.refSecs = time.Since(refStart).Seconds()

	// The signal cooldown is per-symbol, per-direction (spec), and the
	// direction is only known once the referee (or majority fallback) has
	// decided it, so this check happens here rather than in admit.
	if err := o.checkCooldown(ctx, symbol, sig.Action, trigger); err != nil {
		return nil, err
	}

	sig.RoleInputMessages = roleInputMessages
	sig.CreatedAt = time.Now()
	sig.StageTimestamps = signal.StageTimestamps{
		FetchSeconds:   run.fetchSecs,
		RolesSeconds:   run.roleSecs,
		RefereeSeconds: run.refSecs,
		TotalSeconds:   time.Since(run.startedAt).Seconds(),
	}

	if err := sig.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternalInvariant, "signal_invalid", err)
	}

	id, err := o.db.InsertSignal(ctx, sig)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "signal_persist_failed", err)
	}
	sig.ID = id

	o.notify(ctx, sig)

	if err := o.armCooldown(ctx, symbol, sig.Action); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("debate: failed to arm cooldown, proceeding anyway")
	}

	return sig, nil
}

// admit runs the quota checks that gate a debate before any LLM spend
// happens. The signal cooldown is checked separately, in checkCooldown,
// once the debate's direction is known.
func (o *Orchestrator) admit(ctx context.Context, symbol string, trigger signal.Trigger) error {
	tier, err := o.quota.CurrentTier(ctx)
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "quota_lookup_failed", err)
	}
	if !quota.AllowsAnyDebate(tier, trigger) {
		return apperr.QuotaExhausted(fmt.Sprintf("daily quota exhausted, tier=%s", tier))
	}
	if !o.hotSymbols[symbol] && !quota.AllowsColdSymbol(tier) {
		return apperr.QuotaExhausted(fmt.Sprintf("cold symbol %s blocked at tier=%s", symbol, tier))
	}

	return nil
}

// checkCooldown enforces the per-symbol, per-direction signal cooldown
// (spec: "(symbol, action)") against the direction the debate actually
// settled on.
func (o *Orchestrator) checkCooldown(ctx context.Context, symbol string, action signal.Action, trigger signal.Trigger) error {
	nextAllowed, err := o.db.GetCooldown(ctx, symbol, string(action))
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "cooldown_lookup_failed", err)
	}
	if nextAllowed != nil && trigger != signal.TriggerManual && time.Now().Before(*nextAllowed) {
		return apperr.CooldownActive(symbol)
	}
	return nil
}

// runRoles fans the snapshot out to every configured role concurrently,
// each bounded by the per-role timeout. A role that errors contributes a
// synthetic HOLD/confidence=0 opinion carrying the error text, so the panel
// size stays constant for downstream majority-vote math; if every role
// fails the debate fails outright instead of producing an all-synthetic
// panel.
func (o *Orchestrator) runRoles(ctx context.Context, run *debateRun) ([]signal.RoleOpinion, [][]signal.ChatMessage, error) {
	results := make([]roleResult, len(o.cfg.Roles))

	g, gctx := errgroup.WithContext(ctx)
	for i, role := range o.cfg.Roles {
		i, role := i, role
		g.Go(func() error {
			results[i] = o.runOneRole(gctx, run, role)
			return nil
		})
	}
	// Errors from individual roles are captured in results, not propagated,
	// so g.Wait() only reports context cancellation/timeout.
	if err := g.Wait(); err != nil {
		log.Warn().Err(err).Str("symbol", run.symbol).Msg("debate: role fan-out context ended early")
	}

	opinions := make([]signal.RoleOpinion, 0, len(results))
	inputMessages := make([][]signal.ChatMessage, 0, len(results))
	failures := 0
	for _, r := range results {
		if r.err != nil {
			log.Warn().Err(r.err).Str("symbol", run.symbol).Str("role", r.name).Msg("debate: role failed")
			failures++
			opinions = append(opinions, signal.RoleOpinion{
				Name:          r.name,
				Title:         r.title,
				Emoji:         r.emoji,
				ModelLabel:    r.model,
				Signal:        signal.ActionHold,
				Confidence:    0,
				Analysis:      r.err.Error(),
				InputMessages: r.inputMessages,
			})
			inputMessages = append(inputMessages, r.inputMessages)
			continue
		}
		opinions = append(opinions, *r.opinion)
		inputMessages = append(inputMessages, r.inputMessages)
	}

	if failures == len(results) {
		return nil, nil, apperr.AllRolesFailed(run.symbol)
	}

	return opinions, inputMessages, nil
}

func (o *Orchestrator) runOneRole(ctx context.Context, run *debateRun, role config.RoleConfig) roleResult {
	result := roleResult{name: role.Name, title: role.Title, emoji: role.Emoji, model: role.Model}

	client, ok := o.roleClients[role.Name]
	if !ok {
		result.err = fmt.Errorf("debate: no LLM client configured for role %s", role.Name)
		return result
	}

	if o.cfg.RoleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RoleTimeout)
		defer cancel()
	}

	messages := []llm.ChatMessage{
		{Role: "system", Content: buildRoleSystemPrompt(role)},
		{Role: "user", Content: buildRoleUserPrompt(run.snapshot)},
	}
	result.inputMessages = toSignalMessages(messages)

	start := time.Now()
	resp, err := client.Complete(ctx, messages)
	latency := time.Since(start)
	if err != nil {
		result.err = fmt.Errorf("role %s: %w", role.Name, err)
		return result
	}
	if len(resp.Choices) == 0 {
		result.err = fmt.Errorf("role %s: empty response", role.Name)
		return result
	}

	var verdict roleVerdict
	if err := client.ParseJSONResponse(resp.Choices[0].Message.Content, &verdict); err != nil {
		result.err = fmt.Errorf("role %s: unparsable response: %w", role.Name, err)
		return result
	}
	if !verdict.Signal.IsValid() {
		result.err = fmt.Errorf("role %s: invalid signal %q", role.Name, verdict.Signal)
		return result
	}

	result.tokensIn = int64(resp.Usage.PromptTokens)
	result.tokensOut = int64(resp.Usage.CompletionTokens)
	result.opinion = &signal.RoleOpinion{
		Name:          role.Name,
		Title:         role.Title,
		Emoji:         role.Emoji,
		ModelLabel:    role.Model,
		Signal:        verdict.Signal,
		Confidence:    verdict.Confidence,
		Analysis:      verdict.Analysis,
		LatencyMS:     latency.Milliseconds(),
		InputMessages: result.inputMessages,
	}

	if o.quota != nil {
		if _, err := o.quota.RecordCall(ctx, role.Model, result.tokensIn, result.tokensOut); err != nil {
			log.Warn().Err(err).Str("model", role.Model).Msg("debate: failed to record role call in quota ledger")
		}
	}

	return result
}

// runReferee calls the referee model and assembles the final Signal,
// falling back to a majority vote across the panel when the referee call
// or its parse fails.
func (o *Orchestrator) runReferee(ctx context.Context, run *debateRun, opinions []signal.RoleOpinion) *signal.Signal {
	if o.cfg.RefereeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RefereeTimeout)
		defer cancel()
	}

	messages := []llm.ChatMessage{
		{Role: "system", Content: refereeSystemPrompt},
		{Role: "user", Content: buildRefereeUserPrompt(run.snapshot, opinions)},
	}

	resp, err := o.refereeClient.Complete(ctx, messages)
	if err != nil {
		sig := assembleFromMajority(run, opinions, err)
		sig.FinalInputMessages = toSignalMessages(messages)
		return sig
	}
	if len(resp.Choices) == 0 {
		sig := assembleFromMajority(run, opinions, fmt.Errorf("empty referee response"))
		sig.FinalInputMessages = toSignalMessages(messages)
		return sig
	}

	frag, err := schemagate.Parse(log.Logger, resp.Choices[0].Message.Content)
	if err != nil {
		sig := assembleFromMajority(run, opinions, err)
		sig.FinalInputMessages = toSignalMessages(messages)
		sig.FinalRawOutput = resp.Choices[0].Message.Content
		return sig
	}
	if len(frag.RegexExtractedFields) > 0 {
		log.Warn().Strs("fields", frag.RegexExtractedFields).Msg("debate: referee verdict fell back to field-level regex extraction")
	}
	verdict := refereeVerdict{
		Action:         frag.Action,
		Confidence:     frag.Confidence,
		RiskLevel:      frag.RiskLevel,
		Reason:         frag.Reason,
		RiskAssessment: frag.RiskAssessment,
		TPPrice:        frag.TPPrice,
		SLPrice:        frag.SLPrice,
		Leverage:       frag.Leverage,
	}

	if o.quota != nil {
		if _, err := o.quota.RecordCall(ctx, o.cfg.RefereeModel, int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens)); err != nil {
			log.Warn().Err(err).Str("model", o.cfg.RefereeModel).Msg("debate: failed to record referee call in quota ledger")
		}
	}

	sig := assembleFromReferee(run, verdict, opinions)
	sig.FinalInputMessages = toSignalMessages(messages)
	sig.FinalRawOutput = resp.Choices[0].Message.Content
	return sig
}

// notify fires the in-process callback bus and publishes an eventbus
// envelope; neither failure modifies the already-persisted Signal.
func (o *Orchestrator) notify(ctx context.Context, sig *signal.Signal) {
	if o.bus != nil {
		o.bus.FireSignal(sig)
		if sig.Action.IsActionable() {
			o.bus.FireExecute(sig)
		}
	}
	if o.events != nil {
		if err := o.events.PublishSignalCreated(sig); err != nil {
			log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("debate: failed to publish signal.created event")
		}
	}
}

func (o *Orchestrator) armCooldown(ctx context.Context, symbol string, action signal.Action) error {
	d, ok := o.cooldownCfg.SignalCooldown[string(action)]
	if !ok || d <= 0 {
		return nil
	}
	return o.db.ArmCooldown(ctx, symbol, string(action), time.Now().Add(d))
}

func toSignalMessages(messages []llm.ChatMessage) []signal.ChatMessage {
	out := make([]signal.ChatMessage, len(messages))
	for i, m := range messages {
		out[i] = signal.ChatMessage{Role: m.Role, Content: m.Content}
	}
	return out
}

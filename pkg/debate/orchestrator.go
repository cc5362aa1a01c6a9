package debate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/TanyuSylvain/unify-llm/pkg/artifact"
	"github.com/TanyuSylvain/unify-llm/pkg/llms"
	"github.com/TanyuSylvain/unify-llm/pkg/observability"
	"github.com/TanyuSylvain/unify-llm/pkg/prompt"
	"github.com/TanyuSylvain/unify-llm/pkg/store"
)

// defaultMaxTokens bounds role replies.
const defaultMaxTokens = 4096

// Orchestrator runs one debate turn as a bounded state machine. It is
// single-request-scoped: one instance serves concurrent requests, but all
// per-turn state lives in the Run call.
type Orchestrator struct {
	registry     *llms.Registry
	store        *store.Store
	callTimeout  time.Duration
	totalTimeout time.Duration
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(registry *llms.Registry, st *store.Store, callTimeout, totalTimeout time.Duration) *Orchestrator {
	if callTimeout == 0 {
		callTimeout = 180 * time.Second
	}
	if totalTimeout == 0 {
		totalTimeout = 15 * time.Minute
	}
	return &Orchestrator{
		registry:     registry,
		store:        st,
		callTimeout:  callTimeout,
		totalTimeout: totalTimeout,
	}
}

// Request is one debate turn.
type Request struct {
	ConversationID string
	UserMessage    string
	Config         Config
	State          State
}

// Run executes the turn and returns a lazy, ordered event sequence. The
// channel closes after exactly one done or error event, or silently when
// ctx is cancelled by a client disconnect. Artifacts persisted before
// cancellation remain persisted.
func (o *Orchestrator) Run(ctx context.Context, req Request) <-chan Event {
	events := make(chan Event, 16)
	go func() {
		defer close(events)
		o.run(ctx, req, events)
	}()
	return events
}

func (o *Orchestrator) run(ctx context.Context, req Request, events chan<- Event) {
	tracer := observability.GetTracer("unify.debate")
	ctx, span := tracer.Start(ctx, observability.SpanDebateRequest,
		trace.WithAttributes(
			attribute.String(observability.AttrConversationID, req.ConversationID),
		),
	)
	defer span.End()

	// The whole-debate deadline is separate from the request context so a
	// timeout can be told apart from a client disconnect.
	dctx, cancel := context.WithTimeout(ctx, o.totalTimeout)
	defer cancel()

	emit := func(ev Event) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	storageFail := func(err error) {
		slog.Error("Debate aborted on storage failure",
			"conversation_id", req.ConversationID, "error", err)
		emit(Event{Type: EventError, Error: "storage: " + err.Error()})
	}

	cfg := req.Config
	state := req.State
	state.Active = true
	state.Config = cfg

	// INIT: the moderator analyzes the question.
	raw, err := o.invoke(dctx, cfg.Models.Moderator,
		prompt.ModeratorInit(req.UserMessage, state.Context), cfg.Thinking.Moderator)
	if ctx.Err() != nil {
		return
	}

	var init artifact.ModeratorInit
	if err != nil {
		slog.Warn("Moderator init call failed",
			"conversation_id", req.ConversationID, "error", err)
		init = artifact.FallbackModeratorInit()
		raw = "moderator call failed: " + err.Error()
	} else {
		init, _ = artifact.ParseModeratorInit(raw)
	}

	if err := o.persistArtifact(ctx, req.ConversationID, "system", raw,
		"moderator_init", nil, cfg.Models.Moderator, init); err != nil {
		storageFail(err)
		return
	}
	if !emit(Event{Type: EventModeratorInit, Analysis: &init}) {
		return
	}

	if init.Decision == artifact.DecisionDirectAnswer {
		o.finish(ctx, req, state, nil, finishParams{
			finalAnswer:     init.DirectAnswer,
			reason:          artifact.ReasonSimpleQuestion,
			wasDirectAnswer: true,
		}, emit, storageFail)
		return
	}

	// Iterative rounds: expert -> critic -> moderator synthesis.
	var turnRecords []IterationRecord
	var prior *prompt.PriorRound
	reason := ""

	for i := 1; i <= cfg.MaxIterations; i++ {
		if dctx.Err() != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Debate hit total timeout",
				"conversation_id", req.ConversationID, "iteration", i)
			reason = artifact.ReasonMaxIterations
			break
		}

		expertArt, ok := o.expertPhase(ctx, dctx, req, state, i, prior, emit, storageFail)
		if !ok {
			return
		}
		review, ok := o.criticPhase(ctx, dctx, req, expertArt, i, emit, storageFail)
		if !ok {
			return
		}
		synth, ok := o.synthesisPhase(ctx, dctx, req, expertArt, review, i, emit, storageFail)
		if !ok {
			return
		}

		record := IterationRecord{
			Iteration: i,
			Expert:    expertArt,
			Review:    review,
			Synthesis: synth,
			Score:     review.OverallScore,
			Decision:  synth.Decision,
		}
		turnRecords = append(turnRecords, record)
		state.Iterations = append(state.Iterations, record)

		if !emit(Event{Type: EventIterationComplete, Iteration: i,
			Score: review.OverallScore, Decision: synth.Decision}) {
			return
		}

		reason = terminationReason(turnRecords, i, cfg)
		if reason != "" {
			break
		}
		prior = &prompt.PriorRound{Review: review, Guidance: synth.ImprovementGuidance}
	}

	if reason == "" {
		// Loop exhausted without an explicit ruling.
		reason = artifact.ReasonMaxIterations
	}

	o.finish(ctx, req, state, turnRecords, finishParams{
		finalAnswer: assembleFinalAnswer(turnRecords),
		reason:      reason,
	}, emit, storageFail)
}

// expertPhase runs one expert call: emits phase_start, invokes the model,
// parses (or fabricates) the artifact, persists it, emits expert_answer.
func (o *Orchestrator) expertPhase(ctx, dctx context.Context, req Request, state State,
	i int, prior *prompt.PriorRound, emit func(Event) bool, storageFail func(error)) (artifact.ExpertAnswer, bool) {

	if !emit(Event{Type: EventPhaseStart, Phase: PhaseExpert, Iteration: i}) {
		return artifact.ExpertAnswer{}, false
	}

	dctx, span := startPhaseSpan(dctx, PhaseExpert, i)
	defer span.End()

	raw, err := o.invoke(dctx, req.Config.Models.Expert,
		prompt.Expert(req.UserMessage, state.Context, prior), req.Config.Thinking.Expert)
	if ctx.Err() != nil {
		return artifact.ExpertAnswer{}, false
	}

	var art artifact.ExpertAnswer
	if err != nil {
		slog.Warn("Expert call failed", "conversation_id", req.ConversationID,
			"iteration", i, "error", err)
		raw = "expert call failed: " + err.Error()
		art = artifact.FallbackExpertAnswer(raw)
	} else {
		art, _ = artifact.ParseExpertAnswer(raw)
	}

	if err := o.persistArtifact(ctx, req.ConversationID, "assistant", raw,
		"expert_answer", &i, req.Config.Models.Expert, art); err != nil {
		storageFail(err)
		return artifact.ExpertAnswer{}, false
	}
	if !emit(Event{Type: EventExpertAnswer, Iteration: i, Answer: &art}) {
		return artifact.ExpertAnswer{}, false
	}
	return art, true
}

// criticPhase reviews the current expert answer only, keeping the review
// local to the round.
func (o *Orchestrator) criticPhase(ctx, dctx context.Context, req Request,
	answer artifact.ExpertAnswer, i int, emit func(Event) bool, storageFail func(error)) (artifact.CriticReview, bool) {

	if !emit(Event{Type: EventPhaseStart, Phase: PhaseCritic, Iteration: i}) {
		return artifact.CriticReview{}, false
	}

	dctx, span := startPhaseSpan(dctx, PhaseCritic, i)
	defer span.End()

	raw, err := o.invoke(dctx, req.Config.Models.Critic,
		prompt.Critic(req.UserMessage, answer), req.Config.Thinking.Critic)
	if ctx.Err() != nil {
		return artifact.CriticReview{}, false
	}

	var review artifact.CriticReview
	if err != nil {
		slog.Warn("Critic call failed", "conversation_id", req.ConversationID,
			"iteration", i, "error", err)
		raw = "critic call failed: " + err.Error()
		review = artifact.FallbackCriticReview(raw)
	} else {
		review, _ = artifact.ParseCriticReview(raw)
	}

	if err := o.persistArtifact(ctx, req.ConversationID, "system", raw,
		"critic_review", &i, req.Config.Models.Critic, review); err != nil {
		storageFail(err)
		return artifact.CriticReview{}, false
	}
	if !emit(Event{Type: EventCriticReview, Iteration: i, Review: &review}) {
		return artifact.CriticReview{}, false
	}
	return review, true
}

// synthesisPhase runs the moderator's end-of-round ruling.
func (o *Orchestrator) synthesisPhase(ctx, dctx context.Context, req Request,
	answer artifact.ExpertAnswer, review artifact.CriticReview, i int,
	emit func(Event) bool, storageFail func(error)) (artifact.ModeratorSynthesis, bool) {

	if !emit(Event{Type: EventPhaseStart, Phase: PhaseModerator, Iteration: i}) {
		return artifact.ModeratorSynthesis{}, false
	}

	dctx, span := startPhaseSpan(dctx, PhaseModerator, i)
	defer span.End()

	raw, err := o.invoke(dctx, req.Config.Models.Moderator,
		prompt.Synthesis(req.UserMessage, answer, review, i,
			req.Config.MaxIterations, req.Config.ScoreThreshold),
		req.Config.Thinking.Moderator)
	if ctx.Err() != nil {
		return artifact.ModeratorSynthesis{}, false
	}

	var synth artifact.ModeratorSynthesis
	if err != nil {
		slog.Warn("Moderator synthesis call failed",
			"conversation_id", req.ConversationID, "iteration", i, "error", err)
		raw = "moderator call failed: " + err.Error()
		synth = artifact.FallbackModeratorSynthesis()
	} else {
		synth, _ = artifact.ParseModeratorSynthesis(raw)
	}

	if err := o.persistArtifact(ctx, req.ConversationID, "system", raw,
		"moderator_synthesize", &i, req.Config.Models.Moderator, synth); err != nil {
		storageFail(err)
		return artifact.ModeratorSynthesis{}, false
	}
	if !emit(Event{Type: EventModeratorSynthesize, Iteration: i, Synthesis: &synth}) {
		return artifact.ModeratorSynthesis{}, false
	}
	return synth, true
}

// startPhaseSpan opens the tracing span for one role phase.
func startPhaseSpan(ctx context.Context, phase string, iteration int) (context.Context, trace.Span) {
	tracer := observability.GetTracer("unify.debate")
	return tracer.Start(ctx, observability.SpanDebatePhase,
		trace.WithAttributes(
			attribute.String(observability.AttrDebateRole, phase),
			attribute.Int(observability.AttrIteration, iteration),
		),
	)
}

// terminationReason evaluates the termination policy in priority order.
// Empty means continue.
func terminationReason(turnRecords []IterationRecord, i int, cfg Config) string {
	rec := turnRecords[len(turnRecords)-1]

	if rec.Review.Passed {
		return artifact.ReasonExplicitPass
	}
	if rec.Score >= cfg.ScoreThreshold {
		return artifact.ReasonScoreThreshold
	}
	if i >= cfg.MaxIterations {
		return artifact.ReasonMaxIterations
	}
	if len(turnRecords) >= 2 {
		prev := turnRecords[len(turnRecords)-2]
		sameConclusion := normalizeConclusion(rec.Expert.Conclusion) ==
			normalizeConclusion(prev.Expert.Conclusion)
		if sameConclusion && rec.Score-prev.Score < 2 {
			return artifact.ReasonConvergence
		}
	}
	if rec.Synthesis.Decision == artifact.DecisionEnd {
		return artifact.ReasonExplicitPass
	}
	return ""
}

type finishParams struct {
	finalAnswer     string
	reason          string
	wasDirectAnswer bool
}

// finish persists the final assistant message and updated debate state,
// then emits the single done event.
func (o *Orchestrator) finish(ctx context.Context, req Request, state State,
	turnRecords []IterationRecord, p finishParams, emit func(Event) bool, storageFail func(error)) {

	totalIterations := len(turnRecords)

	meta, _ := json.Marshal(map[string]any{
		"termination_reason": p.reason,
		"total_iterations":   totalIterations,
		"was_direct_answer":  p.wasDirectAnswer,
	})
	if _, err := o.store.AppendMessage(ctx, store.AppendParams{
		ConversationID: req.ConversationID,
		Role:           "assistant",
		Content:        p.finalAnswer,
		MessageType:    "final_answer",
		Metadata:       meta,
	}); err != nil {
		storageFail(err)
		return
	}

	state.Terminated = true
	state.Context = AppendContext(state.Context, req.UserMessage, p.finalAnswer)
	stateJSON, err := json.Marshal(state)
	if err == nil {
		err = o.store.WriteDebateState(ctx, req.ConversationID, stateJSON)
	}
	if err != nil {
		storageFail(err)
		return
	}

	if m := observability.GetGlobalMetrics(); m != nil {
		m.RecordDebate(ctx, p.reason, totalIterations)
	}

	emit(Event{
		Type:              EventDone,
		FinalAnswer:       p.finalAnswer,
		WasDirectAnswer:   p.wasDirectAnswer,
		TerminationReason: p.reason,
		TotalIterations:   totalIterations,
	})
}

// assembleFinalAnswer builds the final text from the highest-scoring
// round's expert answer, led by the last synthesis summary.
func assembleFinalAnswer(turnRecords []IterationRecord) string {
	if len(turnRecords) == 0 {
		return "The debate produced no usable answer."
	}

	best := turnRecords[0]
	for _, rec := range turnRecords[1:] {
		if rec.Score > best.Score {
			best = rec
		}
	}
	last := turnRecords[len(turnRecords)-1]

	var parts []string
	if lead := strings.TrimSpace(last.Synthesis.IterationSummary); lead != "" {
		parts = append(parts, lead)
	}
	if u := strings.TrimSpace(best.Expert.Understanding); u != "" {
		parts = append(parts, u)
	}
	if len(best.Expert.CorePoints) > 0 {
		var sb strings.Builder
		for idx, pt := range best.Expert.CorePoints {
			if idx > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString("- ")
			sb.WriteString(pt)
		}
		parts = append(parts, sb.String())
	}
	if d := strings.TrimSpace(best.Expert.Details); d != "" {
		parts = append(parts, d)
	}
	if c := strings.TrimSpace(best.Expert.Conclusion); c != "" {
		parts = append(parts, c)
	}
	return strings.Join(parts, "\n\n")
}

// invoke resolves the model, streams the role call, and returns the
// concatenated text. Thinking content is drained but excluded from the
// returned text, which feeds the artifact parser.
func (o *Orchestrator) invoke(ctx context.Context, model string, messages []llms.Message, thinking bool) (string, error) {
	provider, info, err := o.registry.Resolve(model)
	if err != nil {
		return "", err
	}

	opts := llms.Options{
		ThinkingEnabled: (thinking || info.ThinkingLocked) && info.SupportsThinking,
		JSONMode:        info.SupportsJSONMode,
		MaxTokens:       defaultMaxTokens,
	}

	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	ch, err := provider.Stream(callCtx, model, messages, opts)
	if err != nil {
		return "", err
	}

	var text strings.Builder
	for chunk := range ch {
		switch chunk.Type {
		case llms.ChunkText:
			text.WriteString(chunk.Text)
		case llms.ChunkError:
			return "", chunk.Err
		case llms.ChunkDone:
		}
	}

	if text.Len() == 0 && ctx.Err() != nil {
		return "", fmt.Errorf("role call cancelled: %w", ctx.Err())
	}
	return text.String(), nil
}

// persistArtifact stores one role artifact message with its parsed
// metadata.
func (o *Orchestrator) persistArtifact(ctx context.Context, conversationID, role, content,
	messageType string, iteration *int, model string, art any) error {

	meta, err := json.Marshal(art)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact: %w", err)
	}
	_, err = o.store.AppendMessage(ctx, store.AppendParams{
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Model:          model,
		MessageType:    messageType,
		Iteration:      iteration,
		Metadata:       meta,
	})
	return err
}

package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/intakeflow/intakeflow/internal/events"
	"github.com/intakeflow/intakeflow/internal/extract"
	"github.com/intakeflow/intakeflow/internal/genai"
	"github.com/intakeflow/intakeflow/internal/models"
	"github.com/intakeflow/intakeflow/internal/phrasing"
	"github.com/intakeflow/intakeflow/internal/session"
	"github.com/intakeflow/intakeflow/internal/store"
)

// Default identity used in greetings.
const (
	DefaultAgentName = "Michelle Ross"
	DefaultFirmName  = "Pearson Specter Personal Injury"
)

// Fixed terminal-state responses.
const (
	ClosingMessage    = "Thanks, your intake is saved. We'll follow up shortly. Goodbye!"
	CompleteReminder  = "Your intake is complete. Say 'bye' when you're ready to end, or tell me if you want to add anything."
	CompletionMessage = "That's everything I needed, thank you. Say 'bye' when you're ready to end, or tell me if you want to add anything."
)

// Opts holds configurable fields for the engine.
type Opts struct {
	AgentName string
	FirmName  string
	Bus       *events.Bus
}

// Option configures the engine via functional options.
type Option func(*Opts)

// WithAgentName sets the agent name used in greetings.
func WithAgentName(name string) Option {
	return func(o *Opts) { o.AgentName = name }
}

// WithFirmName sets the firm name used in greetings.
func WithFirmName(name string) Option {
	return func(o *Opts) { o.FirmName = name }
}

// WithBus attaches an event bus for lifecycle notifications.
func WithBus(bus *events.Bus) Option {
	return func(o *Opts) { o.Bus = bus }
}

// Engine drives conversations through a loaded flow. For every step it runs
// an ask phase (render and present the question) and a store phase (consume
// the answer), suspending in the store phase whenever no unconsumed human
// input exists. Turns for a given session are serialized.
type Engine struct {
	def      *Definition
	store    store.Store
	sessions session.Store
	pipeline *extract.Pipeline
	rewriter *phrasing.Rewriter
	bus      *events.Bus

	agentName string
	firmName  string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine loads the named flow and builds an engine for it. Flow lookup
// failures are the only fatal errors; everything later fails open.
func NewEngine(flowName string, st store.Store, sessions session.Store, client genai.ClientInterface, opts ...Option) (*Engine, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AgentName == "" {
		cfg.AgentName = DefaultAgentName
	}
	if cfg.FirmName == "" {
		cfg.FirmName = DefaultFirmName
	}

	def, err := Load(st, flowName)
	if err != nil {
		return nil, err
	}
	slog.Info("flow.NewEngine ready", "flow", flowName, "steps", len(def.Steps), "entry", def.Entry)
	return &Engine{
		def:       def,
		store:     st,
		sessions:  sessions,
		pipeline:  extract.NewPipeline(client),
		rewriter:  phrasing.NewRewriter(client),
		bus:       cfg.Bus,
		agentName: cfg.AgentName,
		firmName:  cfg.FirmName,
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// FlowID returns the loaded flow's catalog ID.
func (e *Engine) FlowID() string { return e.def.FlowID }

// FlowName returns the loaded flow's name.
func (e *Engine) FlowName() string { return e.def.Name }

// State returns the persisted conversation state for a session.
func (e *Engine) State(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	return e.sessions.Get(ctx, sessionID)
}

// Start begins a conversation, running the graph until it suspends waiting
// for the first answer. Starting an existing session is idempotent: it
// returns the last prompt without resetting any collected data.
func (e *Engine) Start(ctx context.Context, sessionID string) (string, error) {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.sessions.Get(ctx, sessionID)
	if err == nil {
		slog.Debug("flow.Start session already exists", "sessionID", sessionID, "currentStep", state.CurrentStep)
		return state.LastAssistantText(), nil
	}
	// Only a missing session warrants a fresh state. A transient store
	// failure must not overwrite a live conversation.
	if !errors.Is(err, models.ErrSessionNotFound) {
		slog.Error("flow.Start failed to read session state", "error", err, "sessionID", sessionID)
		return "", fmt.Errorf("failed to read session %s: %w", sessionID, err)
	}

	state = models.NewConversationState(sessionID, e.def.Entry)
	e.publish(models.Event{Event: models.EventSessionStarted, SessionID: sessionID, FlowName: e.def.Name})

	produced := e.runGraph(ctx, state, true)
	if err := e.sessions.Save(ctx, state); err != nil {
		slog.Error("flow.Start failed to save session state", "error", err, "sessionID", sessionID)
		return "", fmt.Errorf("failed to save session %s: %w", sessionID, err)
	}
	slog.Debug("flow.Start succeeded", "sessionID", sessionID, "currentStep", state.CurrentStep)
	return joinTurns(produced, state), nil
}

// HandleUser feeds one human message into a session and runs the graph
// until it suspends again, returning the assistant text produced this turn.
func (e *Engine) HandleUser(ctx context.Context, sessionID, text string) (string, error) {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	e.publish(models.Event{Event: models.EventUserHeard, SessionID: sessionID, Text: text})
	slog.Debug("flow.HandleUser invoked", "sessionID", sessionID, "currentStep", state.CurrentStep)

	// A finished flow only honors farewells. Anything else gets a reminder
	// and leaves the run open.
	if state.IsComplete() {
		if IsFarewell(text) {
			e.finalizeRun(sessionID, strings.TrimSpace(text))
			e.publish(models.Event{Event: models.EventSessionEnded, SessionID: sessionID, FlowName: e.def.Name})
			return ClosingMessage, nil
		}
		return CompleteReminder, nil
	}

	state.Messages = append(state.Messages, models.Message{Role: models.RoleHuman, Content: strings.TrimSpace(text)})
	// The current step's question is already in the transcript, so resume
	// directly in the store phase.
	produced := e.runGraph(ctx, state, false)
	if err := e.sessions.Save(ctx, state); err != nil {
		slog.Error("flow.HandleUser failed to save session state", "error", err, "sessionID", sessionID)
		return "", fmt.Errorf("failed to save session %s: %w", sessionID, err)
	}
	return joinTurns(produced, state), nil
}

// runGraph advances ask/store phases until the conversation suspends or
// reaches the terminal state. askFirst is false when resuming a suspended
// store phase. It returns the assistant texts produced this invocation.
func (e *Engine) runGraph(ctx context.Context, state *models.ConversationState, askFirst bool) []string {
	var produced []string
	maxHops := 2*len(e.def.Steps) + 2

	for hop := 0; hop < maxHops; hop++ {
		if state.CurrentStep == "" {
			return produced
		}
		step, ok := e.def.Steps[state.CurrentStep]
		if !ok {
			// The chain can briefly dangle while the catalog is edited
			// under a live session. Terminate defensively.
			slog.Warn("flow.runGraph step reference broken, terminating flow",
				"sessionID", state.SessionID, "currentStep", state.CurrentStep)
			state.CurrentStep = models.TerminalStep
			e.publish(e.completedEvent(state))
			return produced
		}

		if askFirst {
			e.ask(ctx, state, step, &produced)
		}
		askFirst = true

		if !e.storeStep(ctx, state, step, &produced) {
			return produced
		}
	}
	slog.Error("flow.runGraph exceeded hop budget, terminating flow", "sessionID", state.SessionID)
	state.CurrentStep = models.TerminalStep
	return produced
}

// ask renders and presents a step's question, with a one-time greeting on
// the conversation's first turn.
func (e *Engine) ask(ctx context.Context, state *models.ConversationState, step models.Step, produced *[]string) {
	// Guard against re-entry on a stale step. runGraph always passes the
	// current step, so this only fires if a caller ever drives ask directly.
	if state.CurrentStep != step.Name {
		return
	}
	if len(state.CompletedSteps) == 0 {
		greeting := e.rewriter.Greeting(ctx, e.agentName, e.firmName)
		e.say(state, produced, greeting)
	}

	question := render(step.AskPrompt, state.CollectedData)
	e.say(state, produced, e.rewriter.Rewrite(ctx, question))
	e.publish(models.Event{
		Event:          models.EventNodeEntered,
		SessionID:      state.SessionID,
		NodeID:         step.Name,
		CollectedData:  state.CollectedData,
		CompletedSteps: state.CompletedSteps,
	})
}

// storeStep consumes the next unconsumed human message for a step. It
// reports false when the turn is over: either the engine suspended waiting
// for input, or the answer was rejected and a clarification was issued.
func (e *Engine) storeStep(ctx context.Context, state *models.ConversationState, step models.Step, produced *[]string) bool {
	humans := state.HumanMessageCount()
	if state.HumanCursor >= humans {
		slog.Debug("flow.storeStep suspending for human input",
			"sessionID", state.SessionID, "step", step.Name, "humanCursor", state.HumanCursor)
		return false
	}

	raw := strings.TrimSpace(state.HumanMessageAt(state.HumanCursor))
	question := render(step.AskPrompt, state.CollectedData)
	res := e.pipeline.ExtractAndValidate(ctx, question, raw)

	if !res.Valid {
		// Re-ask the same step; the rejected input still counts as consumed.
		slog.Debug("flow.storeStep answer rejected",
			"sessionID", state.SessionID, "step", step.Name, "clarification", res.Clarification)
		e.say(state, produced, res.Clarification)
		state.HumanCursor++
		return false
	}

	value := res.Value
	if value == "" {
		value = raw
	}
	state.CollectedData[step.InputKey] = value
	if !state.HasCompletedStep(step.Name) {
		state.CompletedSteps = append(state.CompletedSteps, step.Name)
	}
	e.persistAnswer(state.SessionID, step, value)

	if ack := acknowledgment(step, value); ack != "" {
		e.say(state, produced, ack)
	}

	next := step.NextName
	if next != "" {
		if _, ok := e.def.Steps[next]; !ok {
			slog.Warn("flow.storeStep successor missing, treating step as terminal",
				"sessionID", state.SessionID, "step", step.Name, "next", next)
			next = models.TerminalStep
		}
	}
	state.CurrentStep = next
	state.HumanCursor++
	slog.Debug("flow.storeStep advanced",
		"sessionID", state.SessionID, "step", step.Name, "next", next, "value", value)

	if state.CurrentStep == models.TerminalStep {
		e.say(state, produced, CompletionMessage)
		e.publish(e.completedEvent(state))
	}
	return true
}

// persistAnswer writes one answer row, creating the run lazily. Failures
// are logged and never interrupt the conversation.
func (e *Engine) persistAnswer(sessionID string, step models.Step, value string) {
	run, err := e.store.GetOrCreateRun(e.def.FlowID, sessionID)
	if err != nil {
		slog.Warn("flow.persistAnswer run lookup failed, skipping write", "error", err, "sessionID", sessionID)
		return
	}
	if err := e.store.AddAnswer(models.Answer{RunID: run.ID, StepName: step.Name, InputKey: step.InputKey, Value: value}); err != nil {
		slog.Error("flow.persistAnswer write failed", "error", err, "sessionID", sessionID, "step", step.Name)
	}
}

// finalizeRun records why the session ended and stamps the run completed.
func (e *Engine) finalizeRun(sessionID, reason string) {
	if reason == "" {
		reason = "user_ended"
	}
	run, err := e.store.GetOrCreateRun(e.def.FlowID, sessionID)
	if err != nil {
		slog.Warn("flow.finalizeRun run lookup failed", "error", err, "sessionID", sessionID)
		return
	}
	if err := e.store.AddAnswer(models.Answer{RunID: run.ID, StepName: "session_end", InputKey: "end_reason", Value: reason}); err != nil {
		slog.Error("flow.finalizeRun failed to record end reason", "error", err, "sessionID", sessionID)
	}
	if err := e.store.MarkRunCompleted(run.ID); err != nil {
		slog.Error("flow.finalizeRun failed to mark run completed", "error", err, "runID", run.ID)
	}
	slog.Info("flow.finalizeRun session closed", "sessionID", sessionID, "runID", run.ID)
}

// say appends an assistant turn to the transcript and the reply accumulator.
func (e *Engine) say(state *models.ConversationState, produced *[]string, text string) {
	if text == "" {
		return
	}
	state.Messages = append(state.Messages, models.Message{Role: models.RoleAssistant, Content: text})
	*produced = append(*produced, text)
}

func (e *Engine) publish(ev models.Event) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(ev)
}

func (e *Engine) completedEvent(state *models.ConversationState) models.Event {
	return models.Event{
		Event:          models.EventCompleted,
		SessionID:      state.SessionID,
		FlowName:       e.def.Name,
		CollectedData:  state.CollectedData,
		CompletedSteps: state.CompletedSteps,
	}
}

// sessionLock returns the mutex serializing turns for a session.
func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[sessionID] = lock
	}
	return lock
}

// render substitutes {key} placeholders with collected values. Unknown
// placeholders stay literal.
func render(template string, data map[string]string) string {
	out := template
	for k, v := range data {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// joinTurns flattens the assistant texts of one turn into a single reply.
func joinTurns(produced []string, state *models.ConversationState) string {
	if len(produced) == 0 {
		return state.LastAssistantText()
	}
	return strings.Join(produced, " ")
}

// severityKeywords trigger a safety advisory when they appear in an
// injuries answer.
var severityKeywords = []string{"severe", "bleeding", "unconscious", "broken", "fracture", "concussion", "head injury"}

var noInjuryAnswers = map[string]bool{"none": true, "no": true, "no injuries": true, "not injured": true}

// acknowledgment returns the contextual follow-up line for a stored value,
// or empty when no policy applies.
func acknowledgment(step models.Step, value string) string {
	low := strings.ToLower(strings.TrimSpace(value))
	switch step.InputKey {
	case "injuries":
		if noInjuryAnswers[low] {
			return "I'm glad to hear you weren't injured. Let's continue."
		}
		for _, kw := range severityKeywords {
			if strings.Contains(low, kw) {
				return "That sounds serious. If you feel unwell right now, please call 911 or seek immediate medical help."
			}
		}
	case "medical_treatment":
		if strings.HasPrefix(low, "no") {
			return "Thank you for letting me know."
		}
	case "witnesses":
		if low != "no" {
			return "Thank you. If you know the witnesses' names, it would help to note those as well."
		}
	}
	return ""
}

// Package models defines the core data structures for IntakeFlow.
//
// It includes types for flows, steps, conversation state, and run/answer
// persistence, which are shared across modules.
package models

import (
	"errors"
	"time"
)

// Error variables for better error handling and testability
var (
	// ErrFlowNotFound indicates that no flow matches the requested name.
	ErrFlowNotFound = errors.New("flow not found")
	// ErrEmptyFlow indicates that a flow exists but contains zero steps.
	ErrEmptyFlow = errors.New("flow has no steps")
	// ErrStepNotFound indicates that a named step does not exist in the flow.
	ErrStepNotFound = errors.New("step not found")
	// ErrSessionNotFound indicates that no conversation state exists for a session.
	ErrSessionNotFound = errors.New("session not found")
)

// TerminalStep is the sentinel value of ConversationState.CurrentStep and
// Step.NextName that marks the end of the chain.
const TerminalStep = ""

// Flow identifies a named, ordered sequence of intake steps.
type Flow struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Step is a single question unit in a flow: a prompt template, a destination
// field, and a pointer to its successor. NextName empty means terminal.
type Step struct {
	Name          string `json:"name"`
	AskPrompt     string `json:"ask_prompt"`
	InputKey      string `json:"input_key"`
	NextName      string `json:"next_name"`
	SystemPrompt  string `json:"system_prompt,omitempty"`
	ValidateRegex string `json:"validate_regex,omitempty"`
	OrderIndex    int    `json:"order_index"`
}

// IsTerminal reports whether this step is the last one in its chain.
func (s Step) IsTerminal() bool {
	return s.NextName == TerminalStep
}

// StepInsert carries the caller-supplied fields for inserting a new step
// after an existing one. Name is optional; when empty the step name is
// derived from the prompt text.
type StepInsert struct {
	InsertAfter   string `json:"insert_after"`
	Name          string `json:"name,omitempty"`
	AskPrompt     string `json:"ask_prompt"`
	InputKey      string `json:"input_key,omitempty"`
	SystemPrompt  string `json:"system_prompt,omitempty"`
	ValidateRegex string `json:"validate_regex,omitempty"`
}

// Validate checks the required fields for a step insertion.
func (si *StepInsert) Validate() error {
	if si.InsertAfter == "" {
		return errors.New("insert_after is required")
	}
	if si.AskPrompt == "" {
		return errors.New("ask_prompt is required")
	}
	return nil
}

// StepUpdate carries optional field updates for an existing step. Nil fields
// are left unchanged.
type StepUpdate struct {
	AskPrompt     *string `json:"ask_prompt,omitempty"`
	InputKey      *string `json:"input_key,omitempty"`
	SystemPrompt  *string `json:"system_prompt,omitempty"`
	ValidateRegex *string `json:"validate_regex,omitempty"`
}

// MessageRole tags a transcript entry as spoken by the caller or the agent.
type MessageRole string

const (
	// RoleHuman marks a message supplied by the caller.
	RoleHuman MessageRole = "human"
	// RoleAssistant marks a message produced by the engine.
	RoleAssistant MessageRole = "assistant"
)

// Message is one entry in a conversation transcript.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// ConversationState is the per-session engine state. It is created on the
// first Start call and mutated turn by turn; the caller owns its lifecycle.
type ConversationState struct {
	SessionID      string            `json:"session_id"`
	Messages       []Message         `json:"messages"`
	CollectedData  map[string]string `json:"collected_data"`
	CurrentStep    string            `json:"current_step"`
	CompletedSteps []string          `json:"completed_steps"`
	HumanCursor    int               `json:"human_cursor"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// NewConversationState initializes a fresh state positioned at the entry step.
func NewConversationState(sessionID, entryStep string) *ConversationState {
	now := time.Now()
	return &ConversationState{
		SessionID:      sessionID,
		Messages:       []Message{},
		CollectedData:  make(map[string]string),
		CurrentStep:    entryStep,
		CompletedSteps: []string{},
		HumanCursor:    0,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// IsComplete reports whether the flow has reached its terminal state.
func (cs *ConversationState) IsComplete() bool {
	return cs.CurrentStep == TerminalStep
}

// HumanMessageCount returns the number of human turns in the transcript.
func (cs *ConversationState) HumanMessageCount() int {
	n := 0
	for _, m := range cs.Messages {
		if m.Role == RoleHuman {
			n++
		}
	}
	return n
}

// LastAssistantText returns the most recent assistant message, or empty if
// none exists. The transcript uses a single canonical message shape, so this
// is a plain reverse scan.
func (cs *ConversationState) LastAssistantText() string {
	for i := len(cs.Messages) - 1; i >= 0; i-- {
		if cs.Messages[i].Role == RoleAssistant {
			return cs.Messages[i].Content
		}
	}
	return ""
}

// HumanMessageAt returns the content of the i-th human turn (zero-based),
// or empty if out of range.
func (cs *ConversationState) HumanMessageAt(i int) string {
	n := 0
	for _, m := range cs.Messages {
		if m.Role != RoleHuman {
			continue
		}
		if n == i {
			return m.Content
		}
		n++
	}
	return ""
}

// HasCompletedStep reports whether the named step is already recorded in
// CompletedSteps.
func (cs *ConversationState) HasCompletedStep(name string) bool {
	for _, s := range cs.CompletedSteps {
		if s == name {
			return true
		}
	}
	return false
}

// Run correlates a flow and a session in durable storage. At most one Run
// exists per (flow_id, session_id) pair.
type Run struct {
	ID          string     `json:"id"`
	FlowID      string     `json:"flow_id"`
	SessionID   string     `json:"session_id"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Answer is one captured step answer belonging to a Run.
type Answer struct {
	ID        string    `json:"id"`
	RunID     string    `json:"run_id"`
	StepName  string    `json:"step_name"`
	InputKey  string    `json:"input_key"`
	Value     string    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

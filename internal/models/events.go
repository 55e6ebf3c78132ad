// Package models defines event envelope types for the IntakeFlow pub/sub boundary.
package models

// EventType identifies the kind of notification emitted by the engine.
type EventType string

const (
	// EventSessionStarted is emitted when a new conversation begins.
	EventSessionStarted EventType = "session_started"
	// EventSessionEnded is emitted when a completed conversation is closed out.
	EventSessionEnded EventType = "session_ended"
	// EventNodeEntered is emitted when the engine enters a step's ask node.
	EventNodeEntered EventType = "node_entered"
	// EventUserHeard is emitted when a caller message is accepted for processing.
	EventUserHeard EventType = "user_heard"
	// EventCompleted is emitted when the flow reaches its terminal state.
	EventCompleted EventType = "completed"
)

// Event is the JSON envelope delivered to event subscribers. Delivery is
// best-effort: a failed or slow subscriber never fails the turn.
type Event struct {
	Event          EventType         `json:"event"`
	SessionID      string            `json:"session_id"`
	FlowName       string            `json:"flow_name,omitempty"`
	NodeID         string            `json:"node_id,omitempty"`
	Text           string            `json:"text,omitempty"`
	CollectedData  map[string]string `json:"collected_data,omitempty"`
	CompletedSteps []string          `json:"completed_steps,omitempty"`
}

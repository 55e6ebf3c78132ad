// Package models defines API request and response structures for IntakeFlow.
package models

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// StartRequest is the payload for POST /api/intake/start.
type StartRequest struct {
	FlowName  string `json:"flow_name,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

// MessageRequest is the payload for POST /api/intake/message.
type MessageRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
}

// StateSnapshot is the state view returned to front-ends. It exposes the
// fields a UI needs to render progress without the full transcript bookkeeping.
type StateSnapshot struct {
	SessionID      string            `json:"session_id"`
	CurrentStep    string            `json:"current_step"`
	CollectedData  map[string]string `json:"collected_data"`
	CompletedSteps []string          `json:"completed_steps"`
	Complete       bool              `json:"complete"`
}

// SnapshotOf builds a StateSnapshot from a conversation state.
func SnapshotOf(cs *ConversationState) StateSnapshot {
	if cs == nil {
		return StateSnapshot{}
	}
	return StateSnapshot{
		SessionID:      cs.SessionID,
		CurrentStep:    cs.CurrentStep,
		CollectedData:  cs.CollectedData,
		CompletedSteps: cs.CompletedSteps,
		Complete:       cs.IsComplete(),
	}
}

// StartResponse is the result payload for a started conversation.
type StartResponse struct {
	SessionID string        `json:"session_id"`
	Reply     string        `json:"reply"`
	State     StateSnapshot `json:"state"`
}

// MessageResponse is the result payload for a processed caller message.
// NextSessionID is set once the caller says goodbye at the end of a
// completed intake; clients start the next conversation with it.
type MessageResponse struct {
	SessionID     string        `json:"session_id"`
	Reply         string        `json:"reply"`
	State         StateSnapshot `json:"state"`
	NextSessionID string        `json:"next_session_id,omitempty"`
}

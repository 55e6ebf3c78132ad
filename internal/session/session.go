// Package session persists conversation state between turns so a session can
// suspend while waiting for user input and resume later, possibly in another
// process.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/intakeflow/intakeflow/internal/models"
)

// Store persists conversation state keyed by session ID.
type Store interface {
	// Get returns the state for a session, or models.ErrSessionNotFound.
	Get(ctx context.Context, sessionID string) (*models.ConversationState, error)
	// Save writes the state, stamping UpdatedAt.
	Save(ctx context.Context, state *models.ConversationState) error
	// Delete removes a session's state. Deleting a missing session is not an error.
	Delete(ctx context.Context, sessionID string) error
	// Close releases backend resources.
	Close() error
}

// InMemoryStore keeps conversation state in process memory.
type InMemoryStore struct {
	mu     sync.RWMutex
	states map[string]models.ConversationState
}

// NewInMemoryStore creates an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{states: make(map[string]models.ConversationState)}
}

func (s *InMemoryStore) Get(ctx context.Context, sessionID string) (*models.ConversationState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, models.ErrSessionNotFound)
	}
	return cloneState(&state), nil
}

func (s *InMemoryStore) Save(ctx context.Context, state *models.ConversationState) error {
	if state == nil || state.SessionID == "" {
		return fmt.Errorf("state must carry a session ID")
	}
	state.UpdatedAt = time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.SessionID] = *cloneState(state)
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, sessionID)
	return nil
}

func (s *InMemoryStore) Close() error { return nil }

// cloneState deep-copies a state so stored and returned values never share
// slices or maps with the caller.
func cloneState(state *models.ConversationState) *models.ConversationState {
	cp := *state
	cp.Messages = append([]models.Message(nil), state.Messages...)
	cp.CompletedSteps = append([]string(nil), state.CompletedSteps...)
	if state.CollectedData != nil {
		cp.CollectedData = make(map[string]string, len(state.CollectedData))
		for k, v := range state.CollectedData {
			cp.CollectedData[k] = v
		}
	}
	return &cp
}

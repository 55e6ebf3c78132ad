package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/intakeflow/intakeflow/internal/models"
	"github.com/intakeflow/intakeflow/internal/util"
)

// InMemoryStore is a non-persistent Store used in tests and local development.
type InMemoryStore struct {
	mu      sync.Mutex
	flows   map[string]*models.Flow   // keyed by flow name
	steps   map[string][]models.Step  // keyed by flow ID, ordered
	runs    map[string]*models.Run    // keyed by run ID
	answers map[string][]models.Answer // keyed by run ID, insertion order
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:   make(map[string]*models.Flow),
		steps:   make(map[string][]models.Step),
		runs:    make(map[string]*models.Run),
		answers: make(map[string][]models.Answer),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) GetFlowByName(name string) (*models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flows[name]; ok {
		cp := *f
		return &cp, nil
	}
	return nil, nil
}

func (s *InMemoryStore) SeedFlow(name string, steps []models.Step) (*models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.flows[name]; ok {
		cp := *f
		return &cp, nil
	}
	f := &models.Flow{ID: util.GenerateRandomID("flow_", 16), Name: name}
	s.flows[name] = f
	copied := make([]models.Step, len(steps))
	copy(copied, steps)
	for i := range copied {
		copied[i].OrderIndex = i
	}
	s.steps[f.ID] = copied
	cp := *f
	return &cp, nil
}

func (s *InMemoryStore) ListSteps(flowID string) ([]models.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copySteps(flowID), nil
}

func (s *InMemoryStore) copySteps(flowID string) []models.Step {
	steps := s.steps[flowID]
	out := make([]models.Step, len(steps))
	copy(out, steps)
	return out
}

func (s *InMemoryStore) InsertStepAfter(flowID string, ins models.StepInsert) ([]models.Step, error) {
	if err := ins.Validate(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	steps := s.steps[flowID]
	predIdx := -1
	for i := range steps {
		if steps[i].Name == ins.InsertAfter {
			predIdx = i
			break
		}
	}
	if predIdx < 0 {
		return nil, fmt.Errorf("predecessor %s: %w", ins.InsertAfter, models.ErrStepNotFound)
	}
	pred := steps[predIdx]

	newName := util.UniqueSlug(ins.Name, ins.AskPrompt, stepNames(steps))
	inputKey := ins.InputKey
	if inputKey == "" {
		inputKey = newName
	}
	newStep := models.Step{
		Name:          newName,
		AskPrompt:     ins.AskPrompt,
		InputKey:      inputKey,
		NextName:      pred.NextName,
		SystemPrompt:  ins.SystemPrompt,
		ValidateRegex: ins.ValidateRegex,
	}

	steps[predIdx].NextName = newName
	updated := make([]models.Step, 0, len(steps)+1)
	updated = append(updated, steps[:predIdx+1]...)
	updated = append(updated, newStep)
	updated = append(updated, steps[predIdx+1:]...)
	for i := range updated {
		updated[i].OrderIndex = i
	}
	s.steps[flowID] = updated
	return s.copySteps(flowID), nil
}

func (s *InMemoryStore) UpdateStep(flowID, stepName string, upd models.StepUpdate) ([]models.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps := s.steps[flowID]
	target := findStep(steps, stepName)
	if target == nil {
		return nil, fmt.Errorf("step %s: %w", stepName, models.ErrStepNotFound)
	}
	applyStepUpdate(target, upd)
	return s.copySteps(flowID), nil
}

func (s *InMemoryStore) DeleteStep(flowID, stepName string) ([]models.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	steps := s.steps[flowID]
	idx := -1
	for i := range steps {
		if steps[i].Name == stepName {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, fmt.Errorf("step %s: %w", stepName, models.ErrStepNotFound)
	}
	target := steps[idx]

	for i := range steps {
		if steps[i].NextName == target.Name {
			steps[i].NextName = target.NextName
		}
	}
	remaining := append(steps[:idx:idx], steps[idx+1:]...)
	for i := range remaining {
		remaining[i].OrderIndex = i
	}
	s.steps[flowID] = remaining
	return s.copySteps(flowID), nil
}

func (s *InMemoryStore) GetRun(flowID, sessionID string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.findRunLocked(flowID, sessionID), nil
}

func (s *InMemoryStore) findRunLocked(flowID, sessionID string) *models.Run {
	// Deterministic scan order keeps duplicate detection stable in tests.
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		r := s.runs[id]
		if r.FlowID == flowID && r.SessionID == sessionID {
			cp := *r
			return &cp
		}
	}
	return nil
}

func (s *InMemoryStore) GetOrCreateRun(flowID, sessionID string) (*models.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r := s.findRunLocked(flowID, sessionID); r != nil {
		return r, nil
	}
	r := &models.Run{
		ID:        util.GenerateRunID(),
		FlowID:    flowID,
		SessionID: sessionID,
		CreatedAt: time.Now(),
	}
	s.runs[r.ID] = r
	cp := *r
	return &cp, nil
}

func (s *InMemoryStore) AddAnswer(a models.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ID == "" {
		a.ID = util.GenerateAnswerID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	s.answers[a.RunID] = append(s.answers[a.RunID], a)
	return nil
}

func (s *InMemoryStore) ListAnswers(runID string) ([]models.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	answers := s.answers[runID]
	out := make([]models.Answer, len(answers))
	copy(out, answers)
	return out, nil
}

func (s *InMemoryStore) MarkRunCompleted(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("run %s not found", runID)
	}
	now := time.Now()
	r.CompletedAt = &now
	return nil
}

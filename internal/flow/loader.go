// Package flow loads intake flow definitions and drives resumable
// multi-turn conversations through them.
package flow

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/intakeflow/intakeflow/internal/models"
	"github.com/intakeflow/intakeflow/internal/store"
)

// Definition is an immutable snapshot of a flow's step chain. Catalog edits
// made after loading take effect only when the flow is loaded again.
type Definition struct {
	FlowID string
	Name   string
	Entry  string
	Steps  map[string]models.Step
}

// Load fetches a named flow and its ordered steps from the catalog.
// It fails with models.ErrFlowNotFound when the flow does not exist and
// models.ErrEmptyFlow when the flow has no steps.
func Load(st store.Store, flowName string) (*Definition, error) {
	slog.Debug("flow.Load invoked", "flow", flowName)

	f, err := st.GetFlowByName(flowName)
	if err != nil {
		return nil, fmt.Errorf("failed to look up flow %s: %w", flowName, err)
	}
	if f == nil {
		slog.Error("flow.Load flow not found", "flow", flowName)
		return nil, fmt.Errorf("flow %s: %w", flowName, models.ErrFlowNotFound)
	}

	steps, err := st.ListSteps(f.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load steps for flow %s: %w", flowName, err)
	}
	if len(steps) == 0 {
		slog.Error("flow.Load flow has no steps", "flow", flowName)
		return nil, fmt.Errorf("flow %s: %w", flowName, models.ErrEmptyFlow)
	}

	def := &Definition{
		FlowID: f.ID,
		Name:   f.Name,
		Entry:  strings.TrimSpace(steps[0].Name),
		Steps:  make(map[string]models.Step, len(steps)),
	}
	for _, s := range steps {
		s.Name = strings.TrimSpace(s.Name)
		s.NextName = strings.TrimSpace(s.NextName)
		def.Steps[s.Name] = s
	}
	slog.Debug("flow.Load succeeded", "flow", flowName, "steps", len(def.Steps), "entry", def.Entry)
	return def, nil
}

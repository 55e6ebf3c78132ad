package store

import (
	"database/sql"
	"fmt"

	"github.com/intakeflow/intakeflow/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// scanStep scans a Step from sql.Rows.
func scanStep(rows *sql.Rows) (models.Step, error) {
	var s models.Step
	var systemPrompt, validateRegex sql.NullString
	err := rows.Scan(&s.Name, &s.AskPrompt, &s.InputKey, &s.NextName, &systemPrompt, &validateRegex, &s.OrderIndex)
	if err != nil {
		return s, fmt.Errorf("scan step failed: %w", err)
	}
	s.SystemPrompt = systemPrompt.String
	s.ValidateRegex = validateRegex.String
	return s, nil
}

// scanRunRow scans a Run from a single sql.Row.
func scanRunRow(row *sql.Row) (models.Run, error) {
	var r models.Run
	var completedAt sql.NullTime
	err := row.Scan(&r.ID, &r.FlowID, &r.SessionID, &completedAt, &r.CreatedAt)
	if err != nil {
		return r, err
	}
	if completedAt.Valid {
		r.CompletedAt = &completedAt.Time
	}
	return r, nil
}

// collectSteps drains rows into an ordered step slice.
func collectSteps(rows *sql.Rows) ([]models.Step, error) {
	defer rows.Close()
	var steps []models.Step
	for rows.Next() {
		s, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate step rows: %w", err)
	}
	return steps, nil
}

// stepNames builds the name set used for slug collision checks.
func stepNames(steps []models.Step) map[string]bool {
	taken := make(map[string]bool, len(steps))
	for _, s := range steps {
		taken[s.Name] = true
	}
	return taken
}

// findStep locates a step by name in an ordered list, or nil.
func findStep(steps []models.Step, name string) *models.Step {
	for i := range steps {
		if steps[i].Name == name {
			return &steps[i]
		}
	}
	return nil
}

// applyStepUpdate patches non-nil fields onto a step.
func applyStepUpdate(s *models.Step, upd models.StepUpdate) {
	if upd.AskPrompt != nil {
		s.AskPrompt = *upd.AskPrompt
	}
	if upd.InputKey != nil {
		s.InputKey = *upd.InputKey
	}
	if upd.SystemPrompt != nil {
		s.SystemPrompt = *upd.SystemPrompt
	}
	if upd.ValidateRegex != nil {
		s.ValidateRegex = *upd.ValidateRegex
	}
}

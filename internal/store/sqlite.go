// Package store provides storage backends for IntakeFlow.
//
// This file implements an SQLite-backed store for the flow catalog and
// run/answer persistence.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/intakeflow/intakeflow/internal/models"
	"github.com/intakeflow/intakeflow/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	// Run migrations to ensure tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetFlowByName returns the flow with the given name, or nil if absent.
func (s *SQLiteStore) GetFlowByName(name string) (*models.Flow, error) {
	var f models.Flow
	err := s.db.QueryRow(`SELECT id, name FROM flows WHERE name = ?`, name).Scan(&f.ID, &f.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetFlowByName failed", "error", err, "name", name)
		return nil, fmt.Errorf("failed to query flow %s: %w", name, err)
	}
	return &f, nil
}

// SeedFlow creates the flow and its step chain if no flow with that name exists yet.
func (s *SQLiteStore) SeedFlow(name string, steps []models.Step) (*models.Flow, error) {
	existing, err := s.GetFlowByName(name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		slog.Debug("SQLiteStore SeedFlow flow already present", "name", name)
		return existing, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin seed transaction: %w", err)
	}
	defer tx.Rollback()

	flowID := util.GenerateRandomID("flow_", 16)
	if _, err := tx.Exec(`INSERT INTO flows (id, name) VALUES (?, ?)`, flowID, name); err != nil {
		slog.Error("SQLiteStore SeedFlow insert flow failed", "error", err, "name", name)
		return nil, fmt.Errorf("failed to insert flow %s: %w", name, err)
	}
	for i, step := range steps {
		_, err := tx.Exec(
			`INSERT INTO intake_steps (id, flow_id, name, ask_prompt, input_key, next_name, system_prompt, validate_regex, order_index)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			util.GenerateRandomID("step_", 16), flowID, step.Name, step.AskPrompt, step.InputKey,
			step.NextName, nilIfEmpty(step.SystemPrompt), nilIfEmpty(step.ValidateRegex), i,
		)
		if err != nil {
			slog.Error("SQLiteStore SeedFlow insert step failed", "error", err, "step", step.Name)
			return nil, fmt.Errorf("failed to insert step %s: %w", step.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit seed transaction: %w", err)
	}
	slog.Info("SQLiteStore SeedFlow created flow", "name", name, "steps", len(steps))
	return &models.Flow{ID: flowID, Name: name}, nil
}

// ListSteps returns the flow's steps ordered by order_index.
func (s *SQLiteStore) ListSteps(flowID string) ([]models.Step, error) {
	rows, err := s.db.Query(
		`SELECT name, ask_prompt, input_key, next_name, system_prompt, validate_regex, order_index
		 FROM intake_steps WHERE flow_id = ? ORDER BY order_index ASC`, flowID)
	if err != nil {
		slog.Error("SQLiteStore ListSteps query failed", "error", err, "flowID", flowID)
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	return collectSteps(rows)
}

// InsertStepAfter splices a new step into the chain after the named predecessor.
func (s *SQLiteStore) InsertStepAfter(flowID string, ins models.StepInsert) ([]models.Step, error) {
	if err := ins.Validate(); err != nil {
		return nil, err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin insert transaction: %w", err)
	}
	defer tx.Rollback()

	steps, err := s.listStepsTx(tx, flowID)
	if err != nil {
		return nil, err
	}
	pred := findStep(steps, ins.InsertAfter)
	if pred == nil {
		return nil, fmt.Errorf("predecessor %s: %w", ins.InsertAfter, models.ErrStepNotFound)
	}

	newName := util.UniqueSlug(ins.Name, ins.AskPrompt, stepNames(steps))
	inputKey := ins.InputKey
	if inputKey == "" {
		inputKey = newName
	}

	// Shift every step after the predecessor down the order.
	if _, err := tx.Exec(
		`UPDATE intake_steps SET order_index = order_index + 1 WHERE flow_id = ? AND order_index > ?`,
		flowID, pred.OrderIndex); err != nil {
		slog.Error("SQLiteStore InsertStepAfter shift failed", "error", err, "flowID", flowID)
		return nil, fmt.Errorf("failed to shift step order: %w", err)
	}

	// New step inherits the predecessor's old successor.
	if _, err := tx.Exec(
		`INSERT INTO intake_steps (id, flow_id, name, ask_prompt, input_key, next_name, system_prompt, validate_regex, order_index)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		util.GenerateRandomID("step_", 16), flowID, newName, ins.AskPrompt, inputKey,
		pred.NextName, nilIfEmpty(ins.SystemPrompt), nilIfEmpty(ins.ValidateRegex), pred.OrderIndex+1,
	); err != nil {
		slog.Error("SQLiteStore InsertStepAfter insert failed", "error", err, "name", newName)
		return nil, fmt.Errorf("failed to insert step %s: %w", newName, err)
	}

	// Repoint the predecessor at the new step.
	if _, err := tx.Exec(
		`UPDATE intake_steps SET next_name = ? WHERE flow_id = ? AND name = ?`,
		newName, flowID, pred.Name); err != nil {
		slog.Error("SQLiteStore InsertStepAfter repoint failed", "error", err, "name", pred.Name)
		return nil, fmt.Errorf("failed to repoint predecessor: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit insert transaction: %w", err)
	}
	slog.Info("SQLiteStore InsertStepAfter succeeded", "flowID", flowID, "name", newName, "after", pred.Name)
	return s.ListSteps(flowID)
}

// UpdateStep patches fields of an existing step.
func (s *SQLiteStore) UpdateStep(flowID, stepName string, upd models.StepUpdate) ([]models.Step, error) {
	steps, err := s.ListSteps(flowID)
	if err != nil {
		return nil, err
	}
	target := findStep(steps, stepName)
	if target == nil {
		return nil, fmt.Errorf("step %s: %w", stepName, models.ErrStepNotFound)
	}
	applyStepUpdate(target, upd)

	_, err = s.db.Exec(
		`UPDATE intake_steps SET ask_prompt = ?, input_key = ?, system_prompt = ?, validate_regex = ?
		 WHERE flow_id = ? AND name = ?`,
		target.AskPrompt, target.InputKey, nilIfEmpty(target.SystemPrompt), nilIfEmpty(target.ValidateRegex),
		flowID, stepName,
	)
	if err != nil {
		slog.Error("SQLiteStore UpdateStep failed", "error", err, "name", stepName)
		return nil, fmt.Errorf("failed to update step %s: %w", stepName, err)
	}
	slog.Debug("SQLiteStore UpdateStep succeeded", "flowID", flowID, "name", stepName)
	return s.ListSteps(flowID)
}

// DeleteStep removes a step, bridging the chain around it and compacting order indices.
func (s *SQLiteStore) DeleteStep(flowID, stepName string) ([]models.Step, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin delete transaction: %w", err)
	}
	defer tx.Rollback()

	steps, err := s.listStepsTx(tx, flowID)
	if err != nil {
		return nil, err
	}
	target := findStep(steps, stepName)
	if target == nil {
		return nil, fmt.Errorf("step %s: %w", stepName, models.ErrStepNotFound)
	}

	// Bridge the gap: every step pointing at the target now points at the
	// target's own successor.
	if _, err := tx.Exec(
		`UPDATE intake_steps SET next_name = ? WHERE flow_id = ? AND next_name = ?`,
		target.NextName, flowID, target.Name); err != nil {
		slog.Error("SQLiteStore DeleteStep relink failed", "error", err, "name", stepName)
		return nil, fmt.Errorf("failed to relink chain: %w", err)
	}

	if _, err := tx.Exec(
		`DELETE FROM intake_steps WHERE flow_id = ? AND name = ?`, flowID, stepName); err != nil {
		slog.Error("SQLiteStore DeleteStep delete failed", "error", err, "name", stepName)
		return nil, fmt.Errorf("failed to delete step %s: %w", stepName, err)
	}

	// Renumber remaining order positions so they stay contiguous from 0.
	remaining, err := s.listStepsTx(tx, flowID)
	if err != nil {
		return nil, err
	}
	for i, step := range remaining {
		if step.OrderIndex == i {
			continue
		}
		if _, err := tx.Exec(
			`UPDATE intake_steps SET order_index = ? WHERE flow_id = ? AND name = ?`,
			i, flowID, step.Name); err != nil {
			slog.Error("SQLiteStore DeleteStep renumber failed", "error", err, "name", step.Name)
			return nil, fmt.Errorf("failed to renumber steps: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit delete transaction: %w", err)
	}
	slog.Info("SQLiteStore DeleteStep succeeded", "flowID", flowID, "name", stepName)
	return s.ListSteps(flowID)
}

// listStepsTx reads the ordered step list inside a transaction.
func (s *SQLiteStore) listStepsTx(tx *sql.Tx, flowID string) ([]models.Step, error) {
	rows, err := tx.Query(
		`SELECT name, ask_prompt, input_key, next_name, system_prompt, validate_regex, order_index
		 FROM intake_steps WHERE flow_id = ? ORDER BY order_index ASC`, flowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query steps: %w", err)
	}
	return collectSteps(rows)
}

// GetRun returns the run for (flowID, sessionID), or nil if absent.
func (s *SQLiteStore) GetRun(flowID, sessionID string) (*models.Run, error) {
	row := s.db.QueryRow(
		`SELECT id, flow_id, session_id, completed_at, created_at FROM intake_runs
		 WHERE flow_id = ? AND session_id = ?`, flowID, sessionID)
	r, err := scanRunRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore GetRun failed", "error", err, "flowID", flowID, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	return &r, nil
}

// GetOrCreateRun finds or lazily creates the run for (flowID, sessionID).
// The unique constraint on (flow_id, session_id) makes concurrent creation
// attempts collapse onto a single row.
func (s *SQLiteStore) GetOrCreateRun(flowID, sessionID string) (*models.Run, error) {
	if run, err := s.GetRun(flowID, sessionID); err != nil || run != nil {
		return run, err
	}

	_, err := s.db.Exec(
		`INSERT INTO intake_runs (id, flow_id, session_id, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (flow_id, session_id) DO NOTHING`,
		util.GenerateRunID(), flowID, sessionID, time.Now())
	if err != nil {
		slog.Error("SQLiteStore GetOrCreateRun insert failed", "error", err, "flowID", flowID, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	run, err := s.GetRun(flowID, sessionID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("run for flow %s session %s not found after upsert", flowID, sessionID)
	}
	slog.Debug("SQLiteStore GetOrCreateRun succeeded", "runID", run.ID, "sessionID", sessionID)
	return run, nil
}

// AddAnswer appends an answer row to a run.
func (s *SQLiteStore) AddAnswer(a models.Answer) error {
	id := a.ID
	if id == "" {
		id = util.GenerateAnswerID()
	}
	created := a.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.Exec(
		`INSERT INTO intake_answers (id, run_id, step_name, input_key, value, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, a.RunID, a.StepName, a.InputKey, a.Value, created)
	if err != nil {
		slog.Error("SQLiteStore AddAnswer failed", "error", err, "runID", a.RunID, "step", a.StepName)
		return fmt.Errorf("failed to insert answer for %s: %w", a.StepName, err)
	}
	slog.Debug("SQLiteStore AddAnswer succeeded", "runID", a.RunID, "step", a.StepName, "key", a.InputKey)
	return nil
}

// ListAnswers returns a run's answers in insertion order. Ordering by
// rowid is exact for the append-only answers table; created_at ties can't
// scramble it.
func (s *SQLiteStore) ListAnswers(runID string) ([]models.Answer, error) {
	rows, err := s.db.Query(
		`SELECT id, run_id, step_name, input_key, value, created_at FROM intake_answers
		 WHERE run_id = ? ORDER BY rowid ASC`, runID)
	if err != nil {
		slog.Error("SQLiteStore ListAnswers query failed", "error", err, "runID", runID)
		return nil, fmt.Errorf("failed to query answers: %w", err)
	}
	defer rows.Close()

	var answers []models.Answer
	for rows.Next() {
		var a models.Answer
		if err := rows.Scan(&a.ID, &a.RunID, &a.StepName, &a.InputKey, &a.Value, &a.CreatedAt); err != nil {
			slog.Error("SQLiteStore ListAnswers scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan answer row: %w", err)
		}
		answers = append(answers, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate answer rows: %w", err)
	}
	return answers, nil
}

// MarkRunCompleted stamps the run's completion time.
func (s *SQLiteStore) MarkRunCompleted(runID string) error {
	_, err := s.db.Exec(`UPDATE intake_runs SET completed_at = ? WHERE id = ?`, time.Now(), runID)
	if err != nil {
		slog.Error("SQLiteStore MarkRunCompleted failed", "error", err, "runID", runID)
		return fmt.Errorf("failed to mark run %s completed: %w", runID, err)
	}
	slog.Debug("SQLiteStore MarkRunCompleted succeeded", "runID", runID)
	return nil
}

// Package store provides storage backends for IntakeFlow.
//
// It persists the flow catalog (flows and their ordered step chains) and the
// run/answer records written while conversations progress. SQLite and
// PostgreSQL backends share the same schema; an in-memory store backs tests.
package store

import (
	"strings"

	"github.com/intakeflow/intakeflow/internal/models"
)

// Store defines the persistence operations required by the flow loader, the
// workflow engine, and the admin API.
type Store interface {
	// GetFlowByName returns the flow with the given name, or nil if absent.
	GetFlowByName(name string) (*models.Flow, error)

	// SeedFlow creates the flow and its step chain if no flow with that name
	// exists yet. It is idempotent: an existing flow is returned unchanged.
	SeedFlow(name string, steps []models.Step) (*models.Flow, error)

	// ListSteps returns the flow's steps ordered by order_index.
	ListSteps(flowID string) ([]models.Step, error)

	// InsertStepAfter splices a new step between the named predecessor and the
	// predecessor's old successor, shifting subsequent order indices. It
	// returns the refreshed ordered step list.
	InsertStepAfter(flowID string, ins models.StepInsert) ([]models.Step, error)

	// UpdateStep patches fields of an existing step and returns the refreshed
	// ordered step list.
	UpdateStep(flowID, stepName string, upd models.StepUpdate) ([]models.Step, error)

	// DeleteStep removes a step, re-links every predecessor pointing at it to
	// its own successor, compacts order indices, and returns the refreshed
	// ordered step list.
	DeleteStep(flowID, stepName string) ([]models.Step, error)

	// GetOrCreateRun finds or lazily creates the run for (flowID, sessionID).
	// Creation is idempotent under concurrent callers.
	GetOrCreateRun(flowID, sessionID string) (*models.Run, error)

	// GetRun returns the run for (flowID, sessionID), or nil if absent.
	GetRun(flowID, sessionID string) (*models.Run, error)

	// AddAnswer appends an answer row to a run.
	AddAnswer(a models.Answer) error

	// ListAnswers returns a run's answers in insertion order.
	ListAnswers(runID string) ([]models.Answer, error)

	// MarkRunCompleted stamps the run's completion time.
	MarkRunCompleted(runID string) error

	// Close releases the underlying connection handle.
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType classifies a DSN as "postgres" or "sqlite3" so callers can
// pick a backend without a separate driver flag.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

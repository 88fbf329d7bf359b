package history

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/artpar/freighter/internal/core/invoice"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for the dispatch ledger.
type Store interface {
	// Run operations
	StartRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, id string, bill *invoice.BillOfLading, runErr error, finishedAt time.Time) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]Run, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Entities
// =============================================================================

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run is one invocation of an action against a fleet.
type Run struct {
	ID          string
	Action      string
	Team        string
	Project     string
	Environment string
	DataCenter  string
	Service     string
	Tags        []string
	PID         int
	Status      Status
	Error       string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Outcomes    []Outcome
}

// Outcome is the recorded result of one service on one host.
type Outcome struct {
	Host       string
	Service    string
	Successful bool
}

// NewRun creates a running ledger entry for inv.
func NewRun(inv *invoice.Invoice, now time.Time) *Run {
	return &Run{
		ID:          uuid.NewString(),
		Action:      string(inv.Action),
		Team:        inv.Team,
		Project:     inv.Project,
		Environment: inv.Environment,
		DataCenter:  inv.DataCenter,
		Service:     inv.TargetService().Name,
		Tags:        inv.Tags,
		PID:         os.Getpid(),
		Status:      StatusRunning,
		StartedAt:   now.UTC(),
	}
}

// Duration returns how long the run took, or zero while it is running.
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// outcomesFromBill flattens a bill of lading into ledger rows.
func outcomesFromBill(bill *invoice.BillOfLading) []Outcome {
	if bill == nil {
		return nil
	}
	var outcomes []Outcome
	for _, host := range bill.Hosts() {
		for _, svc := range bill.SucceededOn(host) {
			outcomes = append(outcomes, Outcome{Host: host, Service: svc, Successful: true})
		}
		for _, svc := range bill.FailedOn(host) {
			outcomes = append(outcomes, Outcome{Host: host, Service: svc, Successful: false})
		}
	}
	return outcomes
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  20,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}

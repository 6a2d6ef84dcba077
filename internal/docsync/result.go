package docsync

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/ordersync/internal/pricing"
	"github.com/xenking/ordersync/internal/target"
)

// Status is the outcome class of a synchronization.
type Status string

const (
	StatusOK                 Status = "ok"
	StatusPartialFailure     Status = "partial_failure"
	StatusSessionUnavailable Status = "session_unavailable"
	StatusFailed             Status = "failed"
)

// Step names a stage of document population.
type Step string

const (
	StepPlan            Step = "plan"
	StepAcquire         Step = "acquire"
	StepCreateDocument  Step = "create_document"
	StepFindParty       Step = "find_counterparty"
	StepSetCounterparty Step = "set_counterparty"
	StepSetNote         Step = "set_note"
	StepAddLine         Step = "add_line"
	StepSetQuantity     Step = "set_quantity"
	StepBasePrice       Step = "base_price"
	StepSetNetPrice     Step = "set_net_price"
	StepSetDiscount     Step = "set_discount"
	StepPresent         Step = "present"
)

// StepError is the failure of a single population step.
type StepError struct {
	Step Step
	// Line is the zero-based plan line index, -1 for document level steps.
	Line int
	Err  error
}

func (e *StepError) Error() string {
	if e.Line >= 0 {
		return fmt.Sprintf("%s (line %d): %v", e.Step, e.Line, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// LineResult is what was written for one planned line.
type LineResult struct {
	CatalogID   int64
	Quantity    int
	TargetPrice decimal.Decimal
	BasePrice   decimal.Decimal
	Discount    decimal.Decimal
	Raised      bool
	Fee         pricing.FeeKind
}

// SyncResult reports the outcome of Synchronize.
type SyncResult struct {
	RunID   uuid.UUID
	OrderID string
	Status  Status
	// Reason is a human readable explanation for any non-OK status.
	Reason string
	// Err is the underlying error for any non-OK status.
	Err error

	DocumentID      string
	DocumentCreated bool
	Variant         target.Variant
	Counterparty    *target.Counterparty
	CouponPercent   decimal.Decimal
	Lines           []LineResult
	Skipped         []pricing.SkippedLine
	Duration        time.Duration
}

// OK reports whether the document was fully populated and presented.
func (r *SyncResult) OK() bool { return r.Status == StatusOK }

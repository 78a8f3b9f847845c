package workflow

import "fmt"

// Skip reasons are stable strings surfaced on run items; the export and the
// retry tooling match on them.
const (
	SkipReasonCancelled        = "cancelled"
	SkipReasonMissingSku       = "missing_sku"
	SkipReasonNonPositiveQty   = "non_positive_qty"
	SkipReasonAlreadyAllocated = "already_allocated"

	FailReasonInsufficientStock = "insufficient_stock"
)

// StructuralError marks a broken bundle definition (no components, or a
// component that is itself a bundle). Fatal for the order, not the batch.
type StructuralError struct {
	Msg string
}

func (e *StructuralError) Error() string { return e.Msg }

func structuralErrorf(format string, args ...any) *StructuralError {
	return &StructuralError{Msg: fmt.Sprintf(format, args...)}
}

// InvariantViolation wraps a rejected lot quantity update. It indicates a
// concurrency bug or corrupted state: the operation aborts, the order is
// marked failed, and the event is logged distinctly for investigation.
type InvariantViolation struct {
	Op  string
	Err error
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation during %s: %v", e.Op, e.Err)
}

func (e *InvariantViolation) Unwrap() error { return e.Err }

package models

// LotOrigin records how a receipt lot entered the system.
type LotOrigin string

const (
	LotOriginOpeningBalance LotOrigin = "OPENING_BALANCE"
	LotOriginStockIn        LotOrigin = "STOCK_IN"
)

// AllocationMethod is the costing method used for an allocation.
// Only FIFO is supported; the column exists so the ledger stays
// self-describing if another method is ever added.
type AllocationMethod string

const (
	AllocationMethodFifo AllocationMethod = "FIFO"
)

// RunItemStatus is the per-order outcome of one apply run.
type RunItemStatus string

const (
	RunItemStatusSuccessful RunItemStatus = "successful"
	RunItemStatusPartial    RunItemStatus = "partial"
	RunItemStatusSkipped    RunItemStatus = "skipped"
	RunItemStatusFailed     RunItemStatus = "failed"
)

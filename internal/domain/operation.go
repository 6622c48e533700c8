package domain

import "time"

// OperationStatus is the lifecycle state of an acquisition operation.
type OperationStatus string

const (
	OperationPending   OperationStatus = "pending"
	OperationRunning   OperationStatus = "running"
	OperationCompleted OperationStatus = "completed"
	OperationFailed    OperationStatus = "failed"
	OperationCancelled OperationStatus = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s OperationStatus) Terminal() bool {
	return s == OperationCompleted || s == OperationFailed || s == OperationCancelled
}

// OperationProgress reports how far an operation has advanced.
type OperationProgress struct {
	Percentage  float64 `json:"percentage"`
	CurrentStep string  `json:"current_step"`
	StepIndex   int     `json:"step_index"`
	StepCount   int     `json:"step_count"`
}

// OperationResult summarises a finished acquisition.
type OperationResult struct {
	RowsDownloaded    int       `json:"rows_downloaded"`
	TotalRows         int       `json:"total_rows"`
	CacheHadData      bool      `json:"cache_had_data"`
	GapsFound         int       `json:"gaps_found"`
	GapsFilled        int       `json:"gaps_filled"`
	SegmentsSucceeded int       `json:"segments_succeeded"`
	SegmentsFailed    int       `json:"segments_failed"`
	Start             time.Time `json:"start"`
	End               time.Time `json:"end"`
}

// Operation is a point-in-time snapshot of an acquisition operation.
type Operation struct {
	ID         string            `json:"operation_id"`
	Symbol     string            `json:"symbol"`
	Timeframe  Timeframe         `json:"timeframe"`
	Mode       Mode              `json:"mode"`
	Status     OperationStatus   `json:"status"`
	Progress   OperationProgress `json:"progress"`
	Result     *OperationResult  `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

package job

// Failure reasons recorded in the result payload of a FAILED or STOPPED execution.
const (
	ReasonExecutionError = "execution_error"
	ReasonCircuitOpen    = "circuit_open"
	ReasonLeaseExpired   = "lease_expired"
	ReasonEnqueueFailed  = "enqueue_failed"
	ReasonCancelFailed   = "cancel_failed"
)

// StatementResult is the outcome of one query statement.
type StatementResult struct {
	QueryID  string   `json:"queryid,omitempty"`
	Query    string   `json:"query"`
	Columns  []string `json:"columns,omitempty"`
	Rows     [][]any  `json:"rows"`
	RowCount int64    `json:"rowcount"`
}

// SuccessResult is persisted for DONE executions in apply mode.
type SuccessResult struct {
	Success bool              `json:"success"`
	Results []StatementResult `json:"results"`
}

// ErrorResult is persisted when an execution fails.
type ErrorResult struct {
	Error     string `json:"error"`
	Reason    string `json:"reason"`
	Traceback string `json:"traceback,omitempty"`
	Attempt   int    `json:"attempt"`
}

package controlplane

import "encoding/json"

// HistoryItemRef identifies one discovered item in a batch history check.
type HistoryItemRef struct {
	Identity string `json:"identity"`
	Path     string `json:"path"`
}

// HistoryCheckRequest is the body of POST .../file-history/check-batch/.
type HistoryCheckRequest struct {
	WorkflowID     string           `json:"workflow_id"`
	Items          []HistoryItemRef `json:"items"`
	OrganizationID string           `json:"organization_id"`
}

// HistoryRecord is the control plane's durable record for one item, keyed in
// the response by the composite "identity::path" key.
type HistoryRecord struct {
	Found             bool   `json:"found"`
	IsCompleted       bool   `json:"is_completed"`
	Status            string `json:"status"`
	FilePath          string `json:"file_path"`
	ExecutionCount    int    `json:"execution_count"`
	MaxExecutionCount int    `json:"max_execution_count"`
	HasExceededLimit  bool   `json:"has_exceeded_limit"`
}

// HistoryCheckResponse maps composite keys to history records.
type HistoryCheckResponse struct {
	Results map[string]HistoryRecord `json:"results"`
}

// ActiveCheckRequest is the body of POST .../check-active-processing.
type ActiveCheckRequest struct {
	WorkflowID         string   `json:"workflow_id"`
	Identities         []string `json:"identities"`
	CurrentExecutionID string   `json:"current_execution_id"`
}

// ActiveExecution describes an item claimed by another execution.
type ActiveExecution struct {
	Identity    string `json:"identity"`
	Path        string `json:"path"`
	ExecutionID string `json:"execution_id"`
}

// ActiveCheckResponse lists items actively processed elsewhere.
type ActiveCheckResponse struct {
	Active []ActiveExecution `json:"active"`
}

// StatusUpdate is one buffered status write destined for a batch call.
type StatusUpdate struct {
	OperationID string          `json:"operation_id"`
	ExecutionID string          `json:"execution_id"`
	Payload     json.RawMessage `json:"payload"`
}

// BatchUpdateRequest is the body of POST .../batch-status-update/ and the
// analogous pipeline-status endpoint.
type BatchUpdateRequest struct {
	Updates []StatusUpdate `json:"updates"`
}

// UpdateOutcome is the per-item result of a batch update. Partial failures
// are normal; callers must never collapse them into one verdict.
type UpdateOutcome struct {
	OperationID string `json:"operation_id"`
	Success     bool   `json:"success"`
	Error       string `json:"error,omitempty"`
}

// BatchUpdateResponse carries per-item outcomes for a batch update.
type BatchUpdateResponse struct {
	Outcomes []UpdateOutcome `json:"outcomes"`
}

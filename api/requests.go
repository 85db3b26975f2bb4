package api

// RegisterWorkerRequest authenticates a worker against a minted token.
type RegisterWorkerRequest struct {
	Token    string            `json:"token"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// HeartbeatRequest carries a worker liveness signal.
type HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

// ListWorkersRequest filters the worker listing.
type ListWorkersRequest struct {
	Region string `query:"region"`
	Health string `query:"health"`
}

// ClaimJobRequest asks for the next job in the worker's region.
type ClaimJobRequest struct {
	WorkerID string `json:"worker_id"`
	Region   string `json:"region"`
}

// ReportJobRequest finalizes a running job.
type ReportJobRequest struct {
	WorkerID string `json:"worker_id"`
	Outcome  string `json:"outcome"`
	Error    string `json:"error,omitempty"`
}

// CreateJobRequest creates jobs from the catalog: either one job for a
// test case, or one per enabled test case of a workflow. Exactly one of
// the two IDs must be set.
type CreateJobRequest struct {
	TestCaseID string `json:"test_case_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
}

// ListJobsRequest filters the job listing.
type ListJobsRequest struct {
	State      string `query:"state"`
	Region     string `query:"region"`
	WorkflowID string `query:"workflow_id"`
	Limit      int    `query:"limit"`
	Offset     int    `query:"offset"`
}

// GetJobRequest is the (empty) request for a single-job read; the job ID
// comes from the path.
type GetJobRequest struct{}

// MintTokenRequest creates a worker token.
type MintTokenRequest struct {
	Name   string `json:"name"`
	Region string `json:"region"`
}

// MintTokenResponse carries the raw secret exactly once. Only the hash is
// stored; the secret is unrecoverable after this response.
type MintTokenResponse struct {
	TokenID string `json:"token_id"`
	Name    string `json:"name"`
	Region  string `json:"region"`
	Secret  string `json:"secret"`
}

// defaultLimit caps unset or oversized limits for list endpoints.
func defaultLimit(limit int) int {
	const def, max = 50, 500
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}

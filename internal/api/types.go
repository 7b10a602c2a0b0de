package api

// SubmitRequest is the JSON body for POST /requests.
type SubmitRequest struct {
	Type     string            `json:"type"`
	ParentID string            `json:"parent_id,omitempty"`
	Data     map[string]string `json:"data,omitempty"`
}

// SubmitResponse is returned once a request is queued.
type SubmitResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Type      string `json:"type"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string          `json:"status"` // ok | unavailable
	State         string          `json:"state"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	RunningJobs   int             `json:"running_jobs"`
	Handlers      []HandlerStatus `json:"handlers"`
}

type HandlerStatus struct {
	Name        string   `json:"name"`
	Types       []string `json:"types"`
	RunningJobs int      `json:"running_jobs"`
}

// Package proto defines the JSON messages of the filehaven HTTP API.
package proto

// ErrorResponse is returned for every failed request.
// Attempted and Available are set only for quota rejections.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id,omitempty"`
	Attempted *int64 `json:"attempted,omitempty"`
	Available *int64 `json:"available,omitempty"`
}

// RenameResponse is returned after a file or folder rename.
type RenameResponse struct {
	Path string `json:"path"`
}

// DeleteResponse is returned after a file or folder delete.
type DeleteResponse struct {
	Path       string `json:"path"`
	FreedBytes int64  `json:"freed_bytes"`
}

// PlanResponse describes a plan as shown to tenants.
type PlanResponse struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Price       int    `json:"price"`
	LimitBytes  int64  `json:"storage_limit_bytes"`
}

// HealthResponse is returned by /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

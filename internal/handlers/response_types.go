package handlers

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Message string `json:"message" example:"Server healthy"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error" example:"Something went wrong"`
	Details string `json:"details,omitempty" example:"redis ping: connection refused"`
}

// HealthResponse is returned by /health
type HealthResponse struct {
	Status string `json:"status" example:"ok"`
}

// ReadyResponse is returned by /ready
type ReadyResponse struct {
	Status      string `json:"status" example:"ready"`
	Connections int    `json:"connections"`
}

// StatsResponse wraps the aggregate pipeline counters
type StatsResponse struct {
	Status string         `json:"status" example:"ok"`
	Data   map[string]any `json:"data"`
}

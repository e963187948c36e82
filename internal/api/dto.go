package api

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// PaginatedResponse wraps paginated results with metadata
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int64       `json:"total"`
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset"`
	TotalPages int         `json:"total_pages"`
}

// StatusResponse acknowledges inbound provider traffic
type StatusResponse struct {
	Status string `json:"status"`
	Event  string `json:"event,omitempty"`
}

// PluginConfigRequest replaces stored plugin settings
type PluginConfigRequest struct {
	Values map[string]string `json:"values" binding:"required"`
}

// EventMessage is one frame of the event stream
type EventMessage struct {
	ID   string                 `json:"id"`
	Type string                 `json:"type"`
	Data map[string]interface{} `json:"data"`
	Time string                 `json:"time"`
}

const (
	statusAccepted = "accepted"
	statusIgnored  = "ignored"
)

package event

// ClientConnectedData is the data for client.connected events.
type ClientConnectedData struct {
	ClientID string `json:"clientId"`
}

// ClientClosedData is the data for client.closed events.
type ClientClosedData struct {
	ClientID string `json:"clientId"`
}

// ClientEvictedData is the data for client.evicted events. Evictions happen
// only through the liveness sweeper, never through write failures.
type ClientEvictedData struct {
	ClientID   string  `json:"clientId"`
	IdleSecs   float64 `json:"idleSeconds"`
	QueueDepth int     `json:"queueDepth"`
}

// ToolExecutedData is the data for tool.executed events.
type ToolExecutedData struct {
	Tool       string  `json:"tool"`
	Outcome    string  `json:"outcome"`
	DurationMS float64 `json:"durationMs"`
}

// ToolsChangedData is the data for tools.changed events.
type ToolsChangedData struct {
	Tools []string `json:"tools"`
}

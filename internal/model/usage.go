package model

// Usage is the token usage extracted from a settled upstream response,
// either from the final SSE usage frame or from a buffered JSON body.
type Usage struct {
	InputTokens       int64 `json:"input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	CacheCreateTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadTokens   int64 `json:"cache_read_input_tokens"`

	// Optional ephemeral cache breakdown of CacheCreateTokens.
	Ephemeral5mTokens int64 `json:"ephemeral_5m_input_tokens,omitempty"`
	Ephemeral1hTokens int64 `json:"ephemeral_1h_input_tokens,omitempty"`

	// Speed is the upstream's advertised service tier ("fast" enables
	// fast-mode billing when the request opted in).
	Speed      string `json:"speed,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
}

// TotalInput counts every token that entered the context window.
func (u Usage) TotalInput() int64 {
	return u.InputTokens + u.CacheCreateTokens + u.CacheReadTokens
}

// AllTokens is the grand total across every line.
func (u Usage) AllTokens() int64 {
	return u.TotalInput() + u.OutputTokens
}

// RelayRequest is the internal request object handed to the proxy engine
// by a protocol adapter.
type RelayRequest struct {
	KeySecret    string
	Provider     string
	EndpointType string
	Model        string
	IsStreaming  bool
	ClientID     string
	SessionHash  string
	BetaHeader   string
	Path         string
	Body         []byte
	Headers      map[string]string
}

// UpstreamDecision is the scheduling outcome consumed by the transport.
type UpstreamDecision struct {
	AccountID   string
	UpstreamURL string
	AuthKey     string
	Dedicated   bool
}

package domain

import "time"

// Message is a single persisted conversation entry. BackendID is empty for
// user messages.
type Message struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Content    string    `json:"content"`
	Timestamp  time.Time `json:"timestamp"`
	IsFromUser bool      `json:"isFromUser"`
	BackendID  BackendID `json:"backendId,omitempty"`
	TurnID     string    `json:"turnId,omitempty"`
}

// Turn is one user message and the participants chosen to answer it. It is
// immutable once created.
type Turn struct {
	ID           string      `json:"id"`
	SessionID    string      `json:"sessionId"`
	UserText     string      `json:"userText"`
	Participants []BackendID `json:"participants"`
	Number       int         `json:"number"`
	StartedAt    time.Time   `json:"startedAt"`
}

// ModelResponse is the outcome of one participant's call for a turn. A failed
// call is still a ModelResponse: Text carries the tagged error and Error the
// raw description.
type ModelResponse struct {
	TurnID    string      `json:"turnId"`
	BackendID BackendID   `json:"backendId"`
	MessageID string      `json:"messageId"`
	Text      string      `json:"text"`
	Usage     *TokenUsage `json:"usage,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	LatencyMs float64     `json:"latencyMs"`
	Error     string      `json:"error,omitempty"`
}

// Failed reports whether the response stands in for a failed backend call.
func (r ModelResponse) Failed() bool {
	return r.Error != ""
}

// RoutingLog is a diagnostic record of a routing decision and its outcome.
type RoutingLog struct {
	TurnID     string      `json:"turnId"`
	Requested  []BackendID `json:"requested"`
	Dispatched []BackendID `json:"dispatched"`
	Responders []BackendID `json:"responders"`
	Dropped    []BackendID `json:"dropped"`
	Timestamp  time.Time   `json:"timestamp"`
}

package protocol

import (
	"encoding/json"
	"time"
)

// Envelope is the canonical JSON body for HTTP error and data responses on
// the public and admin surfaces.
type Envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// NewEnvelope builds a response envelope stamped with the current time.
func NewEnvelope(success bool, data any, message string) Envelope {
	return Envelope{
		Success:   success,
		Data:      data,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// ErrorEnvelopeJSON renders the failure envelope for message as JSON bytes.
// Marshaling cannot fail for string payloads, so the result is always valid.
func ErrorEnvelopeJSON(message string) []byte {
	b, _ := json.Marshal(NewEnvelope(false, nil, message))
	return b
}

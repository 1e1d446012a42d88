package event

import (
	"encoding/json"
	"time"
)

// Event is the canonical input model for all incoming webhook callbacks.
type Event struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"` // "message", "edited_message", etc.
	Source     string            `json:"source"`
	Payload    json.RawMessage   `json:"payload"` // opaque event body, forwarded as-is
	Meta       map[string]string `json:"meta"`    // tenant, region, etc.
	ReceivedAt time.Time         `json:"-"`
}

// Field resolves a top-level key of the payload for routing decisions.
// Returns false when the payload is not a JSON object or the key is absent.
func (e *Event) Field(name string) (string, bool) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(e.Payload, &obj); err != nil {
		return "", false
	}
	raw, ok := obj[name]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	// Non-string scalars compare by their JSON text.
	return string(raw), true
}

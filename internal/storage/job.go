package storage

import "time"

// Job states. Delivered and dead_lettered are terminal; a failed attempt
// returns the job to pending with an increased next_attempt_at.
const (
	StatePending      = "pending"
	StateInFlight     = "in_flight"
	StateDelivered    = "delivered"
	StateDeadLettered = "dead_lettered"
)

// Job is one pending forward of an event to a single destination.
type Job struct {
	ID             string     `json:"job_id"`
	EventID        string     `json:"event_id"`
	DestinationID  string     `json:"destination_id"`
	Payload        []byte     `json:"payload"`
	State          string     `json:"state"`
	AttemptCount   int        `json:"attempt_count"`
	NextAttemptAt  time.Time  `json:"next_attempt_at"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

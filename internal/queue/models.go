package queue

import "time"

// Message is the minimal unit of work published at request acceptance. Full
// request state is always rehydrated from the request store; the message body
// is never trusted on its own.
type Message struct {
	ID               int64
	RequestToken     string
	CorrelationToken string
	Requester        string
	ParamsJSON       string
	AvailableAt      time.Time
	LeaseExpiresAt   *time.Time
	DeliveryCount    int
	Inspections      int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DeadLetter holds a message that exhausted its retries plus failure
// diagnostics for external operator tooling.
type DeadLetter struct {
	ID               int64
	MessageID        int64
	RequestToken     string
	CorrelationToken string
	Requester        string
	ParamsJSON       string
	Reason           string
	DiagnosticsJSON  string
	DeliveryCount    int
	CreatedAt        time.Time
}

// Dead-letter reasons recorded for operator tooling.
const (
	ReasonOrphan    = "orphan"
	ReasonPoison    = "poison"
	ReasonExhausted = "retries_exhausted"
)

// Stats summarizes queue depth for diagnostics.
type Stats struct {
	Ready       int
	Leased      int
	DeadLetters int
}

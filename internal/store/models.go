package store

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a generation request.
type Status string

const (
	StatusPending             Status = "pending"
	StatusValidating          Status = "validating"
	StatusRetrieving          Status = "retrieving"
	StatusGeneratingPrimary   Status = "generating_primary"
	StatusGeneratingSecondary Status = "generating_secondary"
	StatusPostProcessing      Status = "post_processing"
	StatusNotifying           Status = "notifying"
	StatusCompleted           Status = "completed"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
)

// statusOrder lists the forward progression of a request. Terminal failure
// states are reachable from any non-terminal status and are not part of the
// ordered walk.
var statusOrder = []Status{
	StatusPending,
	StatusValidating,
	StatusRetrieving,
	StatusGeneratingPrimary,
	StatusGeneratingSecondary,
	StatusPostProcessing,
	StatusNotifying,
	StatusCompleted,
}

var statusIndex = func() map[Status]int {
	idx := make(map[Status]int, len(statusOrder))
	for i, status := range statusOrder {
		idx[status] = i
	}
	return idx
}()

var workingStatuses = map[Status]struct{}{
	StatusValidating:          {},
	StatusRetrieving:          {},
	StatusGeneratingPrimary:   {},
	StatusGeneratingSecondary: {},
	StatusPostProcessing:      {},
	StatusNotifying:           {},
}

// AllStatuses returns the ordered list of known statuses, terminal states last.
func AllStatuses() []Status {
	all := make([]Status, 0, len(statusOrder)+2)
	all = append(all, statusOrder...)
	all = append(all, StatusFailed, StatusCancelled)
	return all
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	for _, status := range AllStatuses() {
		if status == normalized {
			return status, true
		}
	}
	return "", false
}

// IsTerminal reports whether a status admits no further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsWorking reports whether the status reflects an in-flight stage.
func (s Status) IsWorking() bool {
	_, ok := workingStatuses[s]
	return ok
}

// CanTransition reports whether moving from s to next respects stage order.
// Failure and cancellation are reachable from any non-terminal state; forward
// transitions must follow the configured order exactly. Out-of-order attempts
// are the signature of duplicate or stale deliveries and must be rejected.
func (s Status) CanTransition(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed || next == StatusCancelled {
		return true
	}
	from, okFrom := statusIndex[s]
	to, okTo := statusIndex[next]
	if !okFrom || !okTo {
		return false
	}
	// pending -> completed is the cache short-circuit.
	if s == StatusPending && next == StatusCompleted {
		return true
	}
	return to == from+1
}

// StageStatus represents the lifecycle of one stage execution record.
type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageFailed     StageStatus = "failed"
	StageSkipped    StageStatus = "skipped"
)

// IsTerminal reports whether the stage record has reached a final state.
func (s StageStatus) IsTerminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageSkipped:
		return true
	default:
		return false
	}
}

// Request is the durable record of one generation request.
type Request struct {
	ID              int64
	Token           string
	Requester       string
	Topic           string
	Personalization string
	Variant         string
	ParamsJSON      string
	Fingerprint     string
	Status          Status
	CurrentStage    string
	ProgressPercent int
	ErrorMessage    string
	ErrorStage      string
	ErrorDetails    string
	RetryCount      int
	OutputsJSON     string
	CreatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	FailedAt        *time.Time
	UpdatedAt       time.Time
	LastHeartbeat   *time.Time
	DurationMillis  int64
}

// StageExecution records one stage run for a request, unique per
// (request, stage name).
type StageExecution struct {
	ID             int64
	RequestID      int64
	Stage          string
	Status         StageStatus
	Attempt        int
	StartedAt      *time.Time
	FinishedAt     *time.Time
	DurationMillis int64
	OutputJSON     string
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Event severity levels mirror slog levels for operator filtering.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// Event is an immutable audit row describing one transition.
type Event struct {
	ID          int64
	RequestID   int64
	Type        string
	Severity    string
	Message     string
	PayloadJSON string
	Origin      string
	CreatedAt   time.Time
}

// MetricsBucket is an hourly aggregate keyed by window start and tenant.
type MetricsBucket struct {
	WindowStart time.Time
	Tenant      string
	Completed   int
	Failed      int
	Cancelled   int
	CacheHits   int
	Retries     int
}

// StageDurations aggregates duration percentiles for one stage within a window.
type StageDurations struct {
	Stage   string
	Samples int
	P50     time.Duration
	P95     time.Duration
}

// HealthSummary describes aggregated request counts per key lifecycle states.
type HealthSummary struct {
	Total     int
	Pending   int
	Working   int
	Completed int
	Failed    int
	Cancelled int
}

package stage

import (
	"time"

	"loom/internal/store"
)

// Name identifies one pipeline stage. Stages are a closed set so transition
// handling stays exhaustive at compile time instead of dispatching on
// arbitrary strings.
type Name string

const (
	Validation          Name = "validation"
	Retrieval           Name = "retrieval"
	PrimaryGeneration   Name = "primary_generation"
	SecondaryGeneration Name = "secondary_generation"
	PostProcessing      Name = "post_processing"
	Notification        Name = "notification"
)

// Definition describes one stage's position and execution policy. Definitions
// are read-only at runtime.
type Definition struct {
	Name              Name
	Working           store.Status
	Order             int
	Critical          bool
	MaxRetries        int
	Timeout           time.Duration
	EstimatedDuration time.Duration
}

// definitions is the configured pipeline in execution order. Order values are
// contiguous from zero; Working statuses mirror the request state machine.
var definitions = []Definition{
	{Name: Validation, Working: store.StatusValidating, Order: 0, Critical: true, MaxRetries: 0, Timeout: 30 * time.Second, EstimatedDuration: time.Second},
	{Name: Retrieval, Working: store.StatusRetrieving, Order: 1, Critical: true, MaxRetries: 3, Timeout: 2 * time.Minute, EstimatedDuration: 10 * time.Second},
	{Name: PrimaryGeneration, Working: store.StatusGeneratingPrimary, Order: 2, Critical: true, MaxRetries: 2, Timeout: 10 * time.Minute, EstimatedDuration: 3 * time.Minute},
	{Name: SecondaryGeneration, Working: store.StatusGeneratingSecondary, Order: 3, Critical: false, MaxRetries: 2, Timeout: 5 * time.Minute, EstimatedDuration: time.Minute},
	{Name: PostProcessing, Working: store.StatusPostProcessing, Order: 4, Critical: true, MaxRetries: 2, Timeout: 3 * time.Minute, EstimatedDuration: 30 * time.Second},
	{Name: Notification, Working: store.StatusNotifying, Order: 5, Critical: false, MaxRetries: 1, Timeout: 30 * time.Second, EstimatedDuration: 2 * time.Second},
}

var byName = func() map[Name]Definition {
	m := make(map[Name]Definition, len(definitions))
	for _, def := range definitions {
		m[def.Name] = def
	}
	return m
}()

// Definitions returns the configured pipeline in execution order.
func Definitions() []Definition {
	cp := make([]Definition, len(definitions))
	copy(cp, definitions)
	return cp
}

// ByName looks up a stage definition.
func ByName(name Name) (Definition, bool) {
	def, ok := byName[name]
	return def, ok
}

// Total returns the number of configured stages.
func Total() int {
	return len(definitions)
}

// PriorStatus returns the request status expected before a stage may be
// claimed: pending for the first stage, otherwise the previous stage's
// working status.
func PriorStatus(def Definition) store.Status {
	if def.Order == 0 {
		return store.StatusPending
	}
	return definitions[def.Order-1].Working
}

// Progress computes the request progress percentage from completed stage
// counts: floor(100 * completed / total). Callers recompute and persist this
// after every stage record reaching a terminal value; the stored value must
// always be reproducible from the records.
func Progress(completed, total int) int {
	if total <= 0 {
		return 0
	}
	if completed < 0 {
		completed = 0
	}
	if completed > total {
		completed = total
	}
	return (100 * completed) / total
}

// CompletedCount counts stage records in the completed state.
func CompletedCount(records []*store.StageExecution) int {
	count := 0
	for _, rec := range records {
		if rec != nil && rec.Status == store.StageCompleted {
			count++
		}
	}
	return count
}

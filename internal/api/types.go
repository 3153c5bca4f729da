package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// SubmitRequest is the payload accepted when creating a generation request.
type SubmitRequest struct {
	Requester       string         `json:"requester"`
	Topic           string         `json:"topic"`
	Personalization map[string]any `json:"personalization,omitempty"`
	Variant         string         `json:"variant,omitempty"`
	Params          map[string]any `json:"params,omitempty"`
}

// SubmitResponse acknowledges an accepted request.
type SubmitResponse struct {
	Token  string `json:"token"`
	Status string `json:"status"`
}

// RequestError carries the sanitized failure summary for a request view.
type RequestError struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage,omitempty"`
	Message string `json:"message"`
}

// RequestView describes a request in a transport-friendly format.
type RequestView struct {
	Token        string        `json:"token"`
	Requester    string        `json:"requester,omitempty"`
	Topic        string        `json:"topic"`
	Variant      string        `json:"variant"`
	Status       string        `json:"status"`
	CurrentStage string        `json:"currentStage,omitempty"`
	Progress     int           `json:"progress"`
	RetryCount   int           `json:"retryCount"`
	Artifacts    []string      `json:"artifacts,omitempty"`
	Error        *RequestError `json:"error,omitempty"`
	CreatedAt    string        `json:"createdAt,omitempty"`
	StartedAt    string        `json:"startedAt,omitempty"`
	CompletedAt  string        `json:"completedAt,omitempty"`
	UpdatedAt    string        `json:"updatedAt,omitempty"`
	DurationMS   int64         `json:"durationMs,omitempty"`
}

// StageView describes one stage execution record.
type StageView struct {
	Stage      string `json:"stage"`
	Status     string `json:"status"`
	Attempt    int    `json:"attempt"`
	DurationMS int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
	StartedAt  string `json:"startedAt,omitempty"`
	FinishedAt string `json:"finishedAt,omitempty"`
}

// EventView describes one immutable lifecycle event.
type EventView struct {
	Type      string `json:"type"`
	Severity  string `json:"severity"`
	Message   string `json:"message"`
	Origin    string `json:"origin,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

// RequestDetailResponse bundles a request with its stage and event history.
type RequestDetailResponse struct {
	Request RequestView `json:"request"`
	Stages  []StageView `json:"stages,omitempty"`
	Events  []EventView `json:"events,omitempty"`
}

// RequestListResponse wraps a collection of request views.
type RequestListResponse struct {
	Requests []RequestView `json:"requests"`
}

// DeliveryResponse is a signed, expiring reference to a generated artifact.
type DeliveryResponse struct {
	Object    string `json:"object"`
	Variant   string `json:"variant"`
	Token     string `json:"token"`
	URL       string `json:"url,omitempty"`
	ExpiresAt string `json:"expiresAt"`
}

// QueueStatsView summarizes queue depth for operators.
type QueueStatsView struct {
	Ready       int `json:"ready"`
	Leased      int `json:"leased"`
	DeadLetters int `json:"deadLetters"`
}

// DeadLetterView describes one dead-lettered message.
type DeadLetterView struct {
	ID           int64  `json:"id"`
	RequestToken string `json:"requestToken"`
	Reason       string `json:"reason"`
	Diagnostics  string `json:"diagnostics,omitempty"`
	CreatedAt    string `json:"createdAt,omitempty"`
}

// MetricsBucketView is one hourly aggregate.
type MetricsBucketView struct {
	WindowStart string `json:"windowStart"`
	Tenant      string `json:"tenant,omitempty"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	Cancelled   int    `json:"cancelled"`
	CacheHits   int    `json:"cacheHits"`
	Retries     int    `json:"retries"`
}

// StageDurationView carries duration percentiles for one stage.
type StageDurationView struct {
	Stage   string `json:"stage"`
	Samples int    `json:"samples"`
	P50MS   int64  `json:"p50Ms"`
	P95MS   int64  `json:"p95Ms"`
}

// MetricsResponse bundles bucket counters with stage duration percentiles.
type MetricsResponse struct {
	Buckets        []MetricsBucketView `json:"buckets"`
	StageDurations []StageDurationView `json:"stageDurations,omitempty"`
}

// CacheStatsView reports two-tier cache usage.
type CacheStatsView struct {
	Enabled      bool    `json:"enabled"`
	HotEntries   int     `json:"hotEntries"`
	ColdEntries  int     `json:"coldEntries"`
	ColdBytes    int64   `json:"coldBytes"`
	FreeBytes    uint64  `json:"freeBytes"`
	TotalFSBytes uint64  `json:"totalFsBytes"`
	FreeRatio    float64 `json:"freeRatio"`
}

// DaemonStatus aggregates daemon runtime information for API consumers.
type DaemonStatus struct {
	Running      bool           `json:"running"`
	PID          int            `json:"pid"`
	StoreDBPath  string         `json:"storeDbPath"`
	LockFilePath string         `json:"lockFilePath"`
	Consumer     ConsumerStatus `json:"consumer"`
	Queue        QueueStatsView `json:"queue"`
	Requests     map[string]int `json:"requests,omitempty"`
}

// ConsumerStatus summarizes worker pool state.
type ConsumerStatus struct {
	Running   bool   `json:"running"`
	LastError string `json:"lastError,omitempty"`
}

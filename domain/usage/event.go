// Package usage provides the usage event model and pure functions that turn
// batches of events into rollup deltas.
package usage

import (
	"errors"
	"strings"
	"time"

	"github.com/artpar/tokenledger/domain/pricing"
)

// DateLayout is the layout of every rollup date key.
const DateLayout = "2006-01-02"

// UnknownModel is the rollup key for events without a resolved model.
const UnknownModel = "unknown"

// Status values reported by the gateway.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Event is the outcome of one LLM API call (value type, immutable once created).
// InputTokens excludes cache-read tokens; see TotalInputTokens.
type Event struct {
	EventID             string    `json:"eventId"`
	UserID              string    `json:"userId"`
	Date                string    `json:"date"`
	Timestamp           time.Time `json:"timestamp"`
	Model               string    `json:"model,omitempty"`
	MessageID           string    `json:"messageId,omitempty"`
	InputTokens         int64     `json:"inputTokens"`
	OutputTokens        int64     `json:"outputTokens"`
	CacheCreationTokens int64     `json:"cacheCreationTokens"`
	CacheReadTokens     int64     `json:"cacheReadTokens"`
	TotalTokens         int64     `json:"totalTokens"`
	LatencyMs           int64     `json:"latencyMs"`
	Stream              bool      `json:"stream"`
	StopReason          string    `json:"stopReason,omitempty"`
	Status              string    `json:"status"`
	ErrorType           string    `json:"errorType,omitempty"`
	KeyAlias            string    `json:"keyAlias,omitempty"`
	TraceID             string    `json:"traceId,omitempty"`
	UpstreamRequestID   string    `json:"upstreamRequestId,omitempty"`
}

// Validation errors.
var (
	ErrMissingUser      = errors.New("userId is required")
	ErrMissingTimestamp = errors.New("timestamp is required")
	ErrNegativeTokens   = errors.New("token counts must not be negative")
	ErrNegativeLatency  = errors.New("latencyMs must not be negative")
	ErrBadDate          = errors.New("date must be YYYY-MM-DD")
)

// IsSuccess reports whether the call succeeded (status is "success", any case).
func (e Event) IsSuccess() bool {
	return strings.EqualFold(e.Status, StatusSuccess)
}

// TotalInputTokens is input plus cache-creation plus cache-read tokens.
func (e Event) TotalInputTokens() int64 {
	return e.InputTokens + e.CacheCreationTokens + e.CacheReadTokens
}

// Tokens returns the billable token counts.
func (e Event) Tokens() pricing.Tokens {
	return pricing.Tokens{
		Input:         e.InputTokens,
		Output:        e.OutputTokens,
		CacheCreation: e.CacheCreationTokens,
		CacheRead:     e.CacheReadTokens,
	}
}

// Hour is the UTC hour of day the call happened.
func (e Event) Hour() int {
	return e.Timestamp.UTC().Hour()
}

// ModelKey is the rollup key for the event's model.
func (e Event) ModelKey() string {
	if e.Model == "" {
		return UnknownModel
	}
	return SanitizeKey(e.Model)
}

// Validate checks the fields the pipeline depends on.
func (e Event) Validate() error {
	if strings.TrimSpace(e.UserID) == "" {
		return ErrMissingUser
	}
	if e.Timestamp.IsZero() {
		return ErrMissingTimestamp
	}
	if e.InputTokens < 0 || e.OutputTokens < 0 || e.CacheCreationTokens < 0 || e.CacheReadTokens < 0 || e.TotalTokens < 0 {
		return ErrNegativeTokens
	}
	if e.LatencyMs < 0 {
		return ErrNegativeLatency
	}
	if e.Date != "" {
		if _, err := time.Parse(DateLayout, e.Date); err != nil {
			return ErrBadDate
		}
	}
	return nil
}

// Normalize fills derivable fields: the UTC date of the timestamp and the
// total token count when the sender left them empty.
// This is a PURE function.
func Normalize(e Event) Event {
	if e.Date == "" && !e.Timestamp.IsZero() {
		e.Date = DateOf(e.Timestamp)
	}
	if e.TotalTokens == 0 {
		e.TotalTokens = e.TotalInputTokens() + e.OutputTokens
	}
	return e
}

// DateOf formats the UTC calendar date of t.
func DateOf(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// NormalizeErrorType folds provider error names into a small fixed set.
func NormalizeErrorType(errorType string) string {
	switch strings.ToLower(strings.TrimSpace(errorType)) {
	case "rate_limit_error", "rate_limited":
		return "rate_limit"
	case "overloaded_error", "overloaded":
		return "overloaded"
	case "invalid_request_error":
		return "invalid_request"
	case "authentication_error":
		return "authentication"
	case "context_length_exceeded":
		return "context_length"
	case "server_error", "internal_error":
		return "server_error"
	default:
		return "unknown"
	}
}

var keyReplacer = strings.NewReplacer(".", "_", "$", "_")

// SanitizeKey makes a dynamic map key safe for document stores, where "."
// separates path segments and "$" starts operators.
func SanitizeKey(k string) string {
	return keyReplacer.Replace(k)
}

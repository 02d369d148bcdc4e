package broker

import (
	"strconv"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Retry and dead-letter headers. Timestamps are epoch milliseconds.
const (
	HeaderRetryCount        = "x-retry-count"
	HeaderFirstDeathReason  = "x-first-death-reason"
	HeaderOriginalTimestamp = "x-original-timestamp"
	HeaderDeathReason       = "x-death-reason"
	HeaderDeathTimestamp    = "x-death-timestamp"
)

// Death reasons.
const (
	DeathReasonProcessingFailed = "processing-failed"
	DeathReasonMaxRetries       = "max-retries-exceeded"
	DeathReasonNonRetryable     = "non-retryable"
)

// RetryState is the retry bookkeeping carried in a message's headers.
type RetryState struct {
	RetryCount        int
	FirstDeathReason  string
	OriginalTimestamp int64
}

// RetryStateFromHeaders reads the retry headers. Missing or malformed values
// yield zero values; a negative count is treated as zero.
func RetryStateFromHeaders(h amqp.Table) RetryState {
	var st RetryState
	if h == nil {
		return st
	}
	if n, ok := intHeader(h[HeaderRetryCount]); ok && n > 0 {
		st.RetryCount = int(n)
	}
	if s, ok := h[HeaderFirstDeathReason].(string); ok {
		st.FirstDeathReason = s
	}
	if n, ok := intHeader(h[HeaderOriginalTimestamp]); ok && n > 0 {
		st.OriginalTimestamp = n
	}
	return st
}

// RetryHeaders returns the headers for the next retry: base headers are kept,
// the count is incremented and the first failure's reason and time are
// preserved when already set.
func (s RetryState) RetryHeaders(base amqp.Table, reason string, now time.Time) amqp.Table {
	h := copyTable(base)
	h[HeaderRetryCount] = int32(s.RetryCount + 1)

	first := s.FirstDeathReason
	if first == "" {
		first = reason
	}
	h[HeaderFirstDeathReason] = first

	ts := s.OriginalTimestamp
	if ts == 0 {
		ts = now.UnixMilli()
	}
	h[HeaderOriginalTimestamp] = ts
	return h
}

// DeadLetterHeaders returns the headers for a dead-lettered message. The
// count is kept as is.
func (s RetryState) DeadLetterHeaders(base amqp.Table, reason string, now time.Time) amqp.Table {
	h := copyTable(base)
	h[HeaderRetryCount] = int32(s.RetryCount)
	h[HeaderDeathReason] = reason
	h[HeaderDeathTimestamp] = now.UnixMilli()
	return h
}

func copyTable(t amqp.Table) amqp.Table {
	out := make(amqp.Table, len(t)+3)
	for k, v := range t {
		out[k] = v
	}
	return out
}

func intHeader(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return int64(n), true
	case float32:
		return int64(n), true
	case float64:
		return int64(n), true
	case string:
		return parseInt(n)
	case []byte:
		return parseInt(string(n))
	default:
		return 0, false
	}
}

func parseInt(s string) (int64, bool) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

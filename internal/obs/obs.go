package obs

import (
	"context"
	"time"
)

type contextKey string

const requestIDKey contextKey = "request_id"

// WithRequestID carries the request id into worker spans and logs.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) (string, bool) {
	value, ok := ctx.Value(requestIDKey).(string)
	return value, ok
}

type RequestContext struct {
	RequestID     string
	Method        string
	URL           string
	Mode          string
	CacheSource   string
	CacheVersion  string
	Status        int
	Duration      time.Duration
	BytesOut      int64
	ErrorCategory string
	UserAgent     string
	RemoteAddr    string
}

// Event is a worker lifecycle record.
type Event struct {
	Name         string
	CacheVersion string
	State        string
	Detail       string
	Count        int
	Duration     time.Duration
	Err          error
}

package obs

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

var (
	outputMu sync.Mutex
	output   io.Writer = os.Stdout
)

// SetOutput redirects log lines and returns the previous writer.
func SetOutput(w io.Writer) io.Writer {
	outputMu.Lock()
	defer outputMu.Unlock()
	previous := output
	if w == nil {
		w = os.Stdout
	}
	output = w
	return previous
}

type AccessLogEntry struct {
	Timestamp     string `json:"ts"`
	Kind          string `json:"kind"`
	RequestID     string `json:"request_id"`
	Method        string `json:"method"`
	URL           string `json:"url"`
	Mode          string `json:"mode"`
	CacheSource   string `json:"cache_source"`
	CacheVersion  string `json:"cache_version"`
	Status        int    `json:"status"`
	DurationMS    int64  `json:"duration_ms"`
	BytesOut      int64  `json:"bytes_out"`
	ErrorCategory string `json:"error_category"`
	UserAgent     string `json:"user_agent,omitempty"`
	RemoteAddr    string `json:"remote_addr,omitempty"`
}

type EventLogEntry struct {
	Timestamp    string `json:"ts"`
	Kind         string `json:"kind"`
	Event        string `json:"event"`
	CacheVersion string `json:"cache_version"`
	State        string `json:"state,omitempty"`
	Detail       string `json:"detail,omitempty"`
	Count        int    `json:"count,omitempty"`
	DurationMS   int64  `json:"duration_ms,omitempty"`
	Error        string `json:"error,omitempty"`
}

func LogAccess(ctx RequestContext) {
	writeLine(ctx.RequestID, AccessLogEntry{
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
		Kind:          "access",
		RequestID:     defaultString(ctx.RequestID, "none"),
		Method:        ctx.Method,
		URL:           ctx.URL,
		Mode:          defaultString(ctx.Mode, "subresource"),
		CacheSource:   defaultString(ctx.CacheSource, "none"),
		CacheVersion:  defaultString(ctx.CacheVersion, "none"),
		Status:        ctx.Status,
		DurationMS:    ctx.Duration.Milliseconds(),
		BytesOut:      ctx.BytesOut,
		ErrorCategory: defaultString(ctx.ErrorCategory, "none"),
		UserAgent:     ctx.UserAgent,
		RemoteAddr:    ctx.RemoteAddr,
	})
}

func LogEvent(event Event) {
	entry := EventLogEntry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339Nano),
		Kind:         "event",
		Event:        event.Name,
		CacheVersion: defaultString(event.CacheVersion, "none"),
		State:        event.State,
		Detail:       event.Detail,
		Count:        event.Count,
		DurationMS:   event.Duration.Milliseconds(),
	}
	if event.Err != nil {
		entry.Error = event.Err.Error()
	}
	writeLine(event.Name, entry)
}

func writeLine(id string, entry any) {
	data, err := json.Marshal(entry)
	outputMu.Lock()
	defer outputMu.Unlock()
	if err != nil {
		_, _ = fmt.Fprintf(output, "log_marshal_error id=%s error=%v\n", id, err)
		return
	}
	_, _ = output.Write(append(data, '\n'))
}

func defaultString(value string, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

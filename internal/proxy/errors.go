package proxy

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	RequestIDHeader = "X-Request-Id"
	SourceHeader    = "X-Offline-Cache"
)

type ProxyErrorBody struct {
	Status        int    `json:"status"`
	RequestID     string `json:"request_id"`
	ErrorCategory string `json:"error_category"`
	Message       string `json:"message"`
}

// WriteProxyError answers requests rejected before interception. Failed
// fetches are never answered this way.
func WriteProxyError(w http.ResponseWriter, requestID string, status int, category string, message string) {
	if recorder, ok := w.(errorCategoryWriter); ok {
		recorder.SetErrorCategory(category)
	}
	if requestID != "" {
		w.Header().Set(RequestIDHeader, requestID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ProxyErrorBody{
		Status:        status,
		RequestID:     requestID,
		ErrorCategory: category,
		Message:       message,
	})
}

func NewRequestID() string {
	return uuid.NewString()
}

// requestIDFor keeps a well-formed inbound id and mints one otherwise.
func requestIDFor(r *http.Request) string {
	inbound := strings.TrimSpace(r.Header.Get(RequestIDHeader))
	if inbound != "" && len(inbound) <= 128 && !strings.ContainsAny(inbound, " \t\r\n") {
		return inbound
	}
	return NewRequestID()
}

package proxy

import "net/http"

// accessRecorder captures what the access log reports about a response.
type accessRecorder struct {
	http.ResponseWriter
	status   int
	bytesOut int64
	category string
}

type errorCategoryWriter interface {
	SetErrorCategory(string)
}

func newAccessRecorder(w http.ResponseWriter) *accessRecorder {
	return &accessRecorder{ResponseWriter: w}
}

func (r *accessRecorder) WriteHeader(status int) {
	if r.status == 0 {
		r.status = status
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *accessRecorder) Write(data []byte) (int, error) {
	if r.status == 0 {
		r.WriteHeader(http.StatusOK)
	}
	n, err := r.ResponseWriter.Write(data)
	r.bytesOut += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the connection.
func (r *accessRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Status is 0 until a header is written.
func (r *accessRecorder) Status() int {
	return r.status
}

func (r *accessRecorder) BytesOut() int64 {
	return r.bytesOut
}

func (r *accessRecorder) SetErrorCategory(category string) {
	r.category = category
}

func (r *accessRecorder) ErrorCategory() string {
	return r.category
}

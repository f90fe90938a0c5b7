package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// Network performs a request, returning a response or failing.
type Network interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client is the Network used by the worker. Redirects are returned to the
// caller as is so a page observes the same redirect chain it would without
// the worker in between.
type Client struct {
	http      *http.Client
	transport *http.Transport
}

func NewClient(opts Options) *Client {
	transport := NewTransport(opts)
	return &Client{
		transport: transport,
		http: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.http.Do(req)
}

func (c *Client) CloseIdle() {
	if c == nil || c.transport == nil {
		return
	}
	c.transport.CloseIdleConnections()
}

// ClassifyError maps a network failure onto the error categories used in logs
// and metrics.
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded) || isTimeoutError(err):
		return "timeout"
	case isDialError(err):
		return "connect_failed"
	default:
		return "other"
	}
}

func isTimeoutError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func isDialError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

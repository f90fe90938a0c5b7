package testutil

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"testing"
)

// AdminClient calls the admin API with a bearer token.
type AdminClient struct {
	BaseURL string
	Client  *http.Client
	Token   string
}

type AdminClientConfig struct {
	BaseURL    string
	Token      string
	CAFile     string
	ClientCert *CertFiles
}

func NewAdminClient(t *testing.T, cfg AdminClientConfig) *AdminClient {
	t.Helper()

	tlsConfig := &tls.Config{}
	if cfg.CAFile != "" {
		caData, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			t.Fatalf("read CA file: %v", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			t.Fatalf("append CA cert")
		}
		tlsConfig.RootCAs = pool
	}
	if cfg.ClientCert != nil {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCert.CertFile, cfg.ClientCert.KeyFile)
		if err != nil {
			t.Fatalf("load client cert: %v", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	transport := &http.Transport{TLSClientConfig: tlsConfig}
	t.Cleanup(transport.CloseIdleConnections)
	return &AdminClient{
		BaseURL: cfg.BaseURL,
		Client:  &http.Client{Transport: transport},
		Token:   cfg.Token,
	}
}

// Call sends body (JSON-encoded unless nil) and decodes the JSON reply into
// a generic map.
func (c *AdminClient) Call(t *testing.T, method string, path string, body interface{}) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("encode body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.BaseURL+path, reader)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	decoded := map[string]interface{}{}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("decode %q: %v", data, err)
		}
	}
	return resp.StatusCode, decoded
}

package admin

import (
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
)

type AuthConfig struct {
	Token string
	// ClientCAFile, when set, also requires a client certificate issued by
	// one of its CAs.
	ClientCAFile string
}

type Authenticator struct {
	token     []byte
	clientCAs *x509.CertPool
}

type AuthError struct {
	Status  int
	Message string
}

func (e *AuthError) Error() string {
	if e == nil {
		return "auth error"
	}
	return e.Message
}

func NewAuthenticator(cfg AuthConfig) (*Authenticator, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("admin token is required")
	}

	var pool *x509.CertPool
	if cfg.ClientCAFile != "" {
		var err error
		pool, err = loadCertPool(cfg.ClientCAFile)
		if err != nil {
			return nil, err
		}
	}
	return &Authenticator{token: []byte(token), clientCAs: pool}, nil
}

func (a *Authenticator) Authenticate(r *http.Request) error {
	if a == nil {
		return &AuthError{Status: http.StatusUnauthorized, Message: "auth unavailable"}
	}
	if a.clientCAs != nil {
		if err := a.verifyClient(r); err != nil {
			return err
		}
	}

	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok || token == "" {
		return &AuthError{Status: http.StatusUnauthorized, Message: "token required"}
	}
	if subtle.ConstantTimeCompare([]byte(token), a.token) != 1 {
		return &AuthError{Status: http.StatusUnauthorized, Message: "token invalid"}
	}
	return nil
}

func (a *Authenticator) verifyClient(r *http.Request) error {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return &AuthError{Status: http.StatusForbidden, Message: "client certificate required"}
	}
	cert := r.TLS.PeerCertificates[0]
	intermediates := x509.NewCertPool()
	for _, chainCert := range r.TLS.PeerCertificates[1:] {
		intermediates.AddCert(chainCert)
	}
	if _, err := cert.Verify(x509.VerifyOptions{
		Roots:         a.clientCAs,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}); err != nil {
		return &AuthError{Status: http.StatusForbidden, Message: "client certificate invalid"}
	}
	return nil
}

func bearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

func loadCertPool(path string) (*x509.CertPool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("no certificates in %s", path)
	}
	return pool, nil
}

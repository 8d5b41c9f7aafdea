package transport

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"io/ioutil"

	"github.com/pkg/errors"
)

// TLSFiles locates the agent's client certificate and the coordinator's CA.
type TLSFiles struct {
	CAFile     string
	CertFile   string
	KeyFile    string
	ServerName string
}

// LoadTLS builds the mutual TLS configuration for the session.
func LoadTLS(files TLSFiles) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(files.CertFile, files.KeyFile)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load client certificate")
	}
	caCert, err := ioutil.ReadFile(files.CAFile)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read CA certificate")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.Errorf("no certificates found in %s", files.CAFile)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		ServerName:   files.ServerName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// SessionToken identifies an authenticated session. It never prints its
// contents.
type SessionToken struct {
	SessionID       string
	CertFingerprint string
}

func (t SessionToken) String() string {
	if t.SessionID == "" {
		return "session(none)"
	}
	return "session(redacted)"
}

// GoString keeps %#v from exposing the token either.
func (t SessionToken) GoString() string {
	return t.String()
}

// Valid reports whether the token came from a completed handshake.
func (t SessionToken) Valid() bool {
	return t.SessionID != ""
}

// certFingerprint is the sha256 of the leaf client certificate, empty when
// the session is not using one.
func certFingerprint(cfg *tls.Config) string {
	if cfg == nil || len(cfg.Certificates) == 0 || len(cfg.Certificates[0].Certificate) == 0 {
		return ""
	}
	sum := sha256.Sum256(cfg.Certificates[0].Certificate[0])
	return hex.EncodeToString(sum[:])
}

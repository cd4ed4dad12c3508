// Package cluster holds shared helpers for the peer-facing side of the
// process: the mutual-TLS material both the route server and the peer
// pool load from the same config block.
package cluster

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/wudi/regplane/internal/config"
)

// BuildServerTLSConfig builds the cluster route server's TLS config.
// Peers authenticate mutually: the server presents its own cert and
// verifies peer client certs against the shared CA.
func BuildServerTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("cluster: load server cert/key: %w", err)
	}

	caPool, err := loadCAPool(cfg.CAFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

// BuildClientTLSConfig builds the peer pool's client-side TLS config:
// it presents this node's cert and verifies the remote peer against
// the shared CA.
func BuildClientTLSConfig(cfg config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("cluster: load client cert/key: %w", err)
	}

	caPool, err := loadCAPool(cfg.CAFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caPool,
		MinVersion:   tls.VersionTLS13,
	}, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("cluster: read CA file: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("cluster: failed to parse CA certificate")
	}
	return caPool, nil
}

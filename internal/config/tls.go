package config

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"golang.org/x/crypto/pkcs12"
)

// TLSConfig loads the listener's TLS credentials: either a PEM key/cert
// pair or a PKCS#12 bundle. A configured CA file enables client certificate
// verification. Returns nil when the listener is cleartext.
func (l ListenSpec) TLSConfig() (*tls.Config, error) {
	if !l.TLS() {
		return nil, nil
	}

	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case l.Pfx != "":
		cert, err = loadPfx(l.Pfx, l.Passphrase)
	default:
		cert, err = tls.LoadX509KeyPair(l.Cert, l.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("load listener certificate: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if l.CA != "" {
		caPEM, err := os.ReadFile(l.CA)
		if err != nil {
			return nil, fmt.Errorf("read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caPEM) {
			return nil, fmt.Errorf("CA file %s contains no certificates", l.CA)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// loadPfx converts a PKCS#12 bundle to a TLS certificate.
func loadPfx(path, passphrase string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, err
	}
	blocks, err := pkcs12.ToPEM(data, passphrase)
	if err != nil {
		return tls.Certificate{}, err
	}
	var pemBytes []byte
	for _, block := range blocks {
		pemBytes = append(pemBytes, pem.EncodeToMemory(block)...)
	}
	return tls.X509KeyPair(pemBytes, pemBytes)
}

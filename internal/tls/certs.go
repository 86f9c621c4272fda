// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

// Package tls generates development certificates and loads TLS
// configuration for the authd listeners.
package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	gotls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/samber/oops"
)

// File names written by SaveCertificates.
const (
	CACertFile     = "ca.crt"
	CAKeyFile      = "ca.key"
	ServerCertFile = "server.crt"
	ServerKeyFile  = "server.key"
)

// CA holds a certificate authority certificate and private key.
type CA struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
}

// ServerCert holds a server certificate and private key.
type ServerCert struct {
	Certificate *x509.Certificate
	PrivateKey  *ecdsa.PrivateKey
}

func newSerial() (*big.Int, error) {
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, oops.Code("TLS_GENERATE_FAILED").With("operation", "generate serial").Wrap(err)
	}
	return serial, nil
}

// GenerateCA creates a self-signed root CA valid for ten years.
func GenerateCA() (*CA, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, oops.Code("TLS_GENERATE_FAILED").With("operation", "generate CA key").Wrap(err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"authd"},
			CommonName:   "authd development CA",
		},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().AddDate(10, 0, 0),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, oops.Code("TLS_GENERATE_FAILED").With("operation", "create CA certificate").Wrap(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, oops.Code("TLS_GENERATE_FAILED").With("operation", "parse CA certificate").Wrap(err)
	}
	return &CA{Certificate: cert, PrivateKey: key}, nil
}

// GenerateServerCert creates a one-year server certificate signed by ca.
// Each host is added as an IP SAN if it parses as an IP, otherwise as a DNS
// SAN. localhost and 127.0.0.1 are always included.
func GenerateServerCert(ca *CA, hosts ...string) (*ServerCert, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, oops.Code("TLS_GENERATE_FAILED").With("operation", "generate server key").Wrap(err)
	}
	serial, err := newSerial()
	if err != nil {
		return nil, err
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"authd"},
			CommonName:   "authd",
		},
		NotBefore:   time.Now(),
		NotAfter:    time.Now().AddDate(1, 0, 0),
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:    []string{"localhost"},
		IPAddresses: []net.IP{net.ParseIP("127.0.0.1")},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else if h != "" && h != "localhost" {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.Certificate, &key.PublicKey, ca.PrivateKey)
	if err != nil {
		return nil, oops.Code("TLS_GENERATE_FAILED").With("operation", "create server certificate").Wrap(err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, oops.Code("TLS_GENERATE_FAILED").With("operation", "parse server certificate").Wrap(err)
	}
	return &ServerCert{Certificate: cert, PrivateKey: key}, nil
}

// SaveCertificates writes the CA and server pair into dir with 0600 files.
func SaveCertificates(dir string, ca *CA, server *ServerCert) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return oops.Code("TLS_SAVE_FAILED").With("dir", dir).Wrap(err)
	}
	files := []struct {
		name string
		save func(string) error
	}{
		{CACertFile, func(p string) error { return saveCert(p, ca.Certificate) }},
		{CAKeyFile, func(p string) error { return saveKey(p, ca.PrivateKey) }},
		{ServerCertFile, func(p string) error { return saveCert(p, server.Certificate) }},
		{ServerKeyFile, func(p string) error { return saveKey(p, server.PrivateKey) }},
	}
	for _, f := range files {
		if err := f.save(filepath.Join(dir, f.name)); err != nil {
			return oops.Code("TLS_SAVE_FAILED").With("file", f.name).Wrap(err)
		}
	}
	return nil
}

// LoadCA reads the CA written by SaveCertificates.
func LoadCA(dir string) (*CA, error) {
	certPEM, err := os.ReadFile(filepath.Clean(filepath.Join(dir, CACertFile)))
	if err != nil {
		return nil, oops.Code("TLS_LOAD_FAILED").With("file", CACertFile).Wrap(err)
	}
	keyPEM, err := os.ReadFile(filepath.Clean(filepath.Join(dir, CAKeyFile)))
	if err != nil {
		return nil, oops.Code("TLS_LOAD_FAILED").With("file", CAKeyFile).Wrap(err)
	}

	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, oops.Code("TLS_LOAD_FAILED").With("file", CACertFile).Errorf("no PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, oops.Code("TLS_LOAD_FAILED").With("file", CACertFile).Wrap(err)
	}

	block, _ = pem.Decode(keyPEM)
	if block == nil {
		return nil, oops.Code("TLS_LOAD_FAILED").With("file", CAKeyFile).Errorf("no PEM block")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, oops.Code("TLS_LOAD_FAILED").With("file", CAKeyFile).Wrap(err)
	}
	return &CA{Certificate: cert, PrivateKey: key}, nil
}

// ServerConfig loads a certificate pair for a listener. TLS 1.2 is the
// minimum version.
func ServerConfig(certFile, keyFile string) (*gotls.Config, error) {
	pair, err := gotls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, oops.Code("TLS_LOAD_FAILED").
			With("cert_file", certFile).
			With("key_file", keyFile).
			Wrap(err)
	}
	return &gotls.Config{
		Certificates: []gotls.Certificate{pair},
		MinVersion:   gotls.VersionTLS12,
	}, nil
}

// ClientConfig trusts the CA in caFile. An empty caFile uses the system pool.
func ClientConfig(caFile string) (*gotls.Config, error) {
	cfg := &gotls.Config{MinVersion: gotls.VersionTLS12}
	if caFile == "" {
		return cfg, nil
	}
	caPEM, err := os.ReadFile(filepath.Clean(caFile))
	if err != nil {
		return nil, oops.Code("TLS_LOAD_FAILED").With("ca_file", caFile).Wrap(err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, oops.Code("TLS_LOAD_FAILED").With("ca_file", caFile).Errorf("no certificates in CA file")
	}
	cfg.RootCAs = pool
	return cfg, nil
}

func saveCert(path string, cert *x509.Certificate) error {
	return writePEM(path, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})
}

func saveKey(path string, key *ecdsa.PrivateKey) error {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return oops.With("operation", "marshal key").Wrap(err)
	}
	return writePEM(path, &pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
}

func writePEM(path string, block *pem.Block) error {
	f, err := os.OpenFile(filepath.Clean(path), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return oops.With("path", path).Wrap(err)
	}
	if err := pem.Encode(f, block); err != nil {
		_ = f.Close()
		return oops.With("path", path).Wrap(err)
	}
	if err := f.Close(); err != nil {
		return oops.With("path", path).Wrap(err)
	}
	return nil
}

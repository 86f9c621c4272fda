// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authd Contributors

package tls

import (
	gotls "crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sensfusion/authd/pkg/errutil"
)

func generate(t *testing.T, hosts ...string) (*CA, *ServerCert, string) {
	t.Helper()
	ca, err := GenerateCA()
	require.NoError(t, err)
	server, err := GenerateServerCert(ca, hosts...)
	require.NoError(t, err)
	dir := filepath.Join(t.TempDir(), "certs")
	require.NoError(t, SaveCertificates(dir, ca, server))
	return ca, server, dir
}

func TestGenerateCA(t *testing.T) {
	ca, err := GenerateCA()
	require.NoError(t, err)
	assert.True(t, ca.Certificate.IsCA)
	assert.Equal(t, "authd development CA", ca.Certificate.Subject.CommonName)
	assert.True(t, ca.Certificate.NotAfter.After(ca.Certificate.NotBefore.AddDate(9, 0, 0)))
}

func TestGenerateServerCert_SANs(t *testing.T) {
	ca, server, _ := generate(t, "auth.internal", "10.1.2.3", "localhost")

	assert.ElementsMatch(t, []string{"localhost", "auth.internal"}, server.Certificate.DNSNames)
	var ips []string
	for _, ip := range server.Certificate.IPAddresses {
		ips = append(ips, ip.String())
	}
	assert.ElementsMatch(t, []string{"127.0.0.1", "10.1.2.3"}, ips)

	roots := x509.NewCertPool()
	roots.AddCert(ca.Certificate)
	_, err := server.Certificate.Verify(x509.VerifyOptions{DNSName: "auth.internal", Roots: roots})
	assert.NoError(t, err)
}

func TestSaveAndLoadCA(t *testing.T) {
	ca, _, dir := generate(t)

	for _, name := range []string{CACertFile, CAKeyFile, ServerCertFile, ServerKeyFile} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err, name)
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), name)
	}

	loaded, err := LoadCA(dir)
	require.NoError(t, err)
	assert.True(t, ca.Certificate.Equal(loaded.Certificate))
	assert.True(t, ca.PrivateKey.Equal(loaded.PrivateKey))
}

func TestLoadCA_Errors(t *testing.T) {
	_, err := LoadCA(t.TempDir())
	errutil.AssertErrorCode(t, err, "TLS_LOAD_FAILED")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, CACertFile), []byte("garbage"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, CAKeyFile), []byte("garbage"), 0o600))
	_, err = LoadCA(dir)
	errutil.AssertErrorContext(t, err, "file", CACertFile)
}

func TestServerAndClientConfig_Handshake(t *testing.T) {
	_, _, dir := generate(t)

	serverCfg, err := ServerConfig(filepath.Join(dir, ServerCertFile), filepath.Join(dir, ServerKeyFile))
	require.NoError(t, err)
	assert.Equal(t, uint16(gotls.VersionTLS12), serverCfg.MinVersion)

	srv := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	srv.TLS = serverCfg
	srv.StartTLS()
	defer srv.Close()

	clientCfg, err := ClientConfig(filepath.Join(dir, CACertFile))
	require.NoError(t, err)

	_, port, err := net.SplitHostPort(srv.Listener.Addr().String())
	require.NoError(t, err)
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: clientCfg}}
	resp, err := client.Get("https://localhost:" + port) //nolint:noctx // test request
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestConfig_Errors(t *testing.T) {
	_, err := ServerConfig("missing.crt", "missing.key")
	errutil.AssertErrorCode(t, err, "TLS_LOAD_FAILED")

	_, err = ClientConfig(filepath.Join(t.TempDir(), "missing.crt"))
	errutil.AssertErrorCode(t, err, "TLS_LOAD_FAILED")

	empty := filepath.Join(t.TempDir(), "empty.crt")
	require.NoError(t, os.WriteFile(empty, []byte("not pem"), 0o600))
	_, err = ClientConfig(empty)
	errutil.AssertErrorCode(t, err, "TLS_LOAD_FAILED")

	cfg, err := ClientConfig("")
	require.NoError(t, err)
	assert.Nil(t, cfg.RootCAs)
}

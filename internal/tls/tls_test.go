package tls

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(Options{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetupAutoGenerate(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	c, err := Setup(Options{Enabled: true, Dir: dir, AutoGenerate: true, MinVersion: "1.2"})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)

	for _, f := range []string{tlsCrt, tlsKey, tlsCaCrt} {
		_, err := os.Stat(filepath.Join(dir, f))
		assert.NoError(t, err, f)
	}
	cert, err := c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.NotEmpty(t, cert.Certificate)

	// second call reuses the existing pair
	before, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	_, err = Setup(Options{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSetupCertFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, GenerateSelfSignedCert(CertConfig{
		CommonName: "bugexd.test",
		CertPath:   filepath.Join(dir, "server.crt"),
		KeyPath:    filepath.Join(dir, "server.key"),
		NotAfter:   time.Now().Add(24 * time.Hour),
	}))
	c, err := Setup(Options{Enabled: true, CertFile: filepath.Join(dir, "server.crt"), KeyFile: filepath.Join(dir, "server.key")})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MinVersion)
	_, err = c.GetCertificate(&tls.ClientHelloInfo{})
	assert.NoError(t, err)
}

func TestSetupErrors(t *testing.T) {
	_, err := Setup(Options{Enabled: true})
	assert.Error(t, err)
	_, err = Setup(Options{Enabled: true, Dir: t.TempDir()})
	assert.ErrorContains(t, err, "auto_generate")
	_, err = Setup(Options{Enabled: true, Dir: t.TempDir(), AutoGenerate: true, MinVersion: "1.0"})
	assert.ErrorContains(t, err, "unsupported")
}

func TestSafeReadFileOutsideBase(t *testing.T) {
	_, err := safeReadFile(t.TempDir(), "/etc/hostname")
	assert.Error(t, err)
}

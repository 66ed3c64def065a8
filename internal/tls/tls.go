package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// Options selects the API server certificate. CertFile/KeyFile win over Dir;
// with Dir, AutoGenerate creates a self-signed pair when none exists.
type Options struct {
	Enabled      bool
	CertFile     string
	KeyFile      string
	Dir          string
	AutoGenerate bool
	MinVersion   string // "1.2" or "1.3"
	CommonName   string
	DNSNames     []string
	IPAddresses  []string
	ValidDays    int
}

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// safeReadFile reads file content safely within base directory
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	if baseDir != "" {
		absBase, _ := filepath.Abs(baseDir)
		absFile, _ := filepath.Abs(clean)
		if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
			return nil, errors.New("file path outside of allowed directory")
		}
	}
	return os.ReadFile(clean)
}

// getCertificationFunc reloads the pair on every handshake so rotated
// certificates are picked up without a restart.
func getCertificationFunc(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	baseDir := filepath.Dir(certFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		readCert, err := safeReadFile(baseDir, certFile)
		if err != nil {
			return nil, err
		}
		readKey, err := safeReadFile(baseDir, keyFile)
		if err != nil {
			return nil, err
		}
		certificate, err := tls.X509KeyPair(readCert, readKey)
		return &certificate, err
	}
}

// Setup returns the server TLS config, or nil when TLS is disabled.
func Setup(o Options) (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}
	if o.MinVersion != "" {
		if _, ok := parseTLSVersion(o.MinVersion); !ok {
			return nil, fmt.Errorf("unsupported TLS version %q", o.MinVersion)
		}
	}
	minVer := uint16(tls.VersionTLS13)
	if v, ok := parseTLSVersion(o.MinVersion); ok {
		minVer = v
	}

	if o.CertFile != "" && o.KeyFile != "" {
		return createTLSConfig(o.CertFile, o.KeyFile, minVer), nil
	}
	if o.Dir != "" {
		keyPath := filepath.Join(o.Dir, tlsKey)
		certPath := filepath.Join(o.Dir, tlsCrt)
		if !certificatesExist(certPath, keyPath) {
			if !o.AutoGenerate {
				return nil, fmt.Errorf("no certificate in %s and auto_generate is off", o.Dir)
			}
			if err := generateCertificate(o); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
		return createTLSConfig(certPath, keyPath, minVer), nil
	}
	return nil, errors.New("TLS enabled but no valid certificate configuration found")
}

func getOrDefault(value, defaultValue string) string {
	if value == "" {
		return defaultValue
	}
	return value
}

func getOrDefaultSlice(value, defaultValue []string) []string {
	if len(value) == 0 {
		return defaultValue
	}
	return value
}

func createTLSConfig(certPath, keyPath string, minVer uint16) *tls.Config {
	return &tls.Config{
		GetCertificate: getCertificationFunc(certPath, keyPath),
		MinVersion:     minVer,
	}
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

// generateCertificate writes tls.crt, tls.key and tls_ca.crt into o.Dir.
func generateCertificate(o Options) error {
	if err := os.MkdirAll(o.Dir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	validDays := o.ValidDays
	if validDays <= 0 {
		validDays = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   getOrDefault(o.CommonName, "localhost"),
		Organization: "bugexd",
		DNSNames:     getOrDefaultSlice(o.DNSNames, []string{"localhost"}),
		IPAddresses:  getOrDefaultSlice(o.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(o.Dir, tlsCrt),
		KeyPath:      filepath.Join(o.Dir, tlsKey),
		CACertPath:   filepath.Join(o.Dir, tlsCaCrt),
	})
}

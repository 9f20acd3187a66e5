// Package certs issues and loads the host's self-signed TLS certificate.
//
// Displays on a LAN rarely have a name a public CA would sign, so a host can
// run with a generated certificate and advertise its SHA-256 fingerprint
// over mDNS. Displays pin that fingerprint instead of trusting a chain.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	// CertFile and KeyFile are the file names used inside a cert directory.
	CertFile = "host.crt"
	KeyFile  = "host.key"

	// DefaultValidity is how long a generated certificate lasts.
	DefaultValidity = 365 * 24 * time.Hour

	// RenewBefore regenerates a certificate this close to expiry.
	RenewBefore = 30 * 24 * time.Hour

	organization = "signcast"
)

// Info describes a certificate on disk.
type Info struct {
	CertPath    string
	KeyPath     string
	Fingerprint string
	NotAfter    time.Time
	Generated   bool
}

// Options controls Ensure. Zero values take defaults.
type Options struct {
	// Hosts are DNS names or IP literals for the SAN list. When empty,
	// localhost, the loopback addresses, the hostname and the machine's
	// non-loopback addresses are used.
	Hosts []string

	Validity time.Duration

	// TimeNow is for tests.
	TimeNow func() time.Time
}

// DefaultDir returns ~/.signcast/certs.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".signcast", "certs"), nil
}

// Ensure returns the certificate in dir, generating a new one when none
// exists, when it cannot be parsed, or when it expires within RenewBefore.
func Ensure(dir string, opts Options) (*Info, error) {
	now := time.Now
	if opts.TimeNow != nil {
		now = opts.TimeNow
	}
	certPath := filepath.Join(dir, CertFile)
	keyPath := filepath.Join(dir, KeyFile)

	info, err := Load(certPath, keyPath)
	if err == nil && now().Add(RenewBefore).Before(info.NotAfter) {
		return info, nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		// Unreadable or mismatched pair. Replace it rather than refuse to start.
		log.Printf("certs: replacing unusable certificate in %s: %v", dir, err)
	}
	return generate(certPath, keyPath, opts, now())
}

// Load reads a certificate and key pair and reports its fingerprint.
func Load(certPath, keyPath string) (*Info, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		if _, statErr := os.Stat(certPath); errors.Is(statErr, os.ErrNotExist) {
			return nil, statErr
		}
		if _, statErr := os.Stat(keyPath); errors.Is(statErr, os.ErrNotExist) {
			return nil, statErr
		}
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &Info{
		CertPath:    certPath,
		KeyPath:     keyPath,
		Fingerprint: Fingerprint(leaf.Raw),
		NotAfter:    leaf.NotAfter,
	}, nil
}

func generate(certPath, keyPath string, opts Options, now time.Time) (*Info, error) {
	validity := opts.Validity
	if validity <= 0 {
		validity = DefaultValidity
	}
	hosts := opts.Hosts
	if len(hosts) == 0 {
		hosts = defaultHosts()
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{organization},
			CommonName:   hosts[0],
		},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(certPath), 0700); err != nil {
		return nil, fmt.Errorf("create cert directory: %w", err)
	}
	if err := writePEM(keyPath, "EC PRIVATE KEY", keyDER, 0600); err != nil {
		return nil, err
	}
	if err := writePEM(certPath, "CERTIFICATE", der, 0644); err != nil {
		return nil, err
	}

	return &Info{
		CertPath:    certPath,
		KeyPath:     keyPath,
		Fingerprint: Fingerprint(der),
		NotAfter:    tmpl.NotAfter,
		Generated:   true,
	}, nil
}

func writePEM(path, blockType string, der []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// Fingerprint returns the SHA-256 of a DER certificate as colon separated
// upper case hex, the form displays compare against.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	enc := strings.ToUpper(hex.EncodeToString(sum[:]))
	parts := make([]string, 0, len(sum))
	for i := 0; i < len(enc); i += 2 {
		parts = append(parts, enc[i:i+2])
	}
	return strings.Join(parts, ":")
}

// ServerConfig loads a key pair into a TLS 1.2+ server config.
func ServerConfig(certPath, keyPath string) (*tls.Config, error) {
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func defaultHosts() []string {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if name, err := os.Hostname(); err == nil && name != "" && name != "localhost" {
		hosts = append(hosts, name)
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return hosts
	}
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() || ipNet.IP.IsLinkLocalUnicast() {
			continue
		}
		hosts = append(hosts, ipNet.IP.String())
	}
	return hosts
}

// PinnedClientConfig trusts exactly the certificate with the given
// fingerprint and nothing else.
func PinnedClientConfig(fingerprint string) *tls.Config {
	want := strings.ToUpper(fingerprint)
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		// The chain is self-signed; the fingerprint check below replaces it.
		InsecureSkipVerify: true,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) == 0 {
				return errors.New("certs: no peer certificate")
			}
			if got := Fingerprint(rawCerts[0]); got != want {
				return fmt.Errorf("certs: fingerprint mismatch: got %s", got)
			}
			return nil
		},
	}
}

package certs

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestEnsure_Generates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")

	info, err := Ensure(dir, Options{Hosts: []string{"lobby.local", "192.0.2.7"}, Validity: 48 * time.Hour})
	if err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if !info.Generated {
		t.Error("Generated = false for a new certificate")
	}
	if info.CertPath != filepath.Join(dir, CertFile) || info.KeyPath != filepath.Join(dir, KeyFile) {
		t.Errorf("paths = %q %q", info.CertPath, info.KeyPath)
	}

	keyStat, err := os.Stat(info.KeyPath)
	if err != nil {
		t.Fatal(err)
	}
	if keyStat.Mode().Perm() != 0600 {
		t.Errorf("key mode = %o, want 600", keyStat.Mode().Perm())
	}

	pair, err := tls.LoadX509KeyPair(info.CertPath, info.KeyPath)
	if err != nil {
		t.Fatalf("generated pair does not load: %v", err)
	}
	leaf, err := x509.ParseCertificate(pair.Certificate[0])
	if err != nil {
		t.Fatal(err)
	}
	if len(leaf.DNSNames) != 1 || leaf.DNSNames[0] != "lobby.local" {
		t.Errorf("DNSNames = %v", leaf.DNSNames)
	}
	if len(leaf.IPAddresses) != 1 || leaf.IPAddresses[0].String() != "192.0.2.7" {
		t.Errorf("IPAddresses = %v", leaf.IPAddresses)
	}
	if leaf.Subject.Organization[0] != "signcast" {
		t.Errorf("Organization = %v", leaf.Subject.Organization)
	}
	if got := Fingerprint(leaf.Raw); got != info.Fingerprint {
		t.Errorf("fingerprint = %s, want %s", info.Fingerprint, got)
	}
	if parts := strings.Split(info.Fingerprint, ":"); len(parts) != 32 {
		t.Errorf("fingerprint has %d parts, want 32", len(parts))
	}
}

func TestEnsure_Reuses(t *testing.T) {
	dir := t.TempDir()
	first, err := Ensure(dir, Options{Hosts: []string{"localhost"}})
	if err != nil {
		t.Fatal(err)
	}
	second, err := Ensure(dir, Options{Hosts: []string{"localhost"}})
	if err != nil {
		t.Fatal(err)
	}
	if second.Generated {
		t.Error("valid certificate was regenerated")
	}
	if second.Fingerprint != first.Fingerprint {
		t.Errorf("fingerprint changed: %s -> %s", first.Fingerprint, second.Fingerprint)
	}
}

func TestEnsure_RenewsNearExpiry(t *testing.T) {
	dir := t.TempDir()
	first, err := Ensure(dir, Options{Hosts: []string{"localhost"}, Validity: 10 * 24 * time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	second, err := Ensure(dir, Options{Hosts: []string{"localhost"}})
	if err != nil {
		t.Fatal(err)
	}
	if !second.Generated || second.Fingerprint == first.Fingerprint {
		t.Error("certificate inside the renewal window was kept")
	}
}

func TestEnsure_ReplacesCorrupt(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, CertFile), []byte("not pem"), 0644)
	os.WriteFile(filepath.Join(dir, KeyFile), []byte("not pem"), 0600)

	info, err := Ensure(dir, Options{Hosts: []string{"localhost"}})
	if err != nil {
		t.Fatalf("Ensure() error: %v", err)
	}
	if !info.Generated {
		t.Error("corrupt certificate was not replaced")
	}
}

func TestLoad_Missing(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(filepath.Join(dir, CertFile), filepath.Join(dir, KeyFile))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want ErrNotExist", err)
	}
}

func TestFingerprint_Format(t *testing.T) {
	fp := Fingerprint([]byte("x"))
	if len(fp) != 95 || fp != strings.ToUpper(fp) {
		t.Errorf("Fingerprint = %q", fp)
	}
}

func TestServerConfig_BadFiles(t *testing.T) {
	if _, err := ServerConfig("/nonexistent.crt", "/nonexistent.key"); err == nil {
		t.Error("ServerConfig() accepted missing files")
	}
}

func TestPinnedClientConfig(t *testing.T) {
	info, err := Ensure(t.TempDir(), Options{Hosts: []string{"127.0.0.1"}})
	if err != nil {
		t.Fatal(err)
	}
	tlsCfg, err := ServerConfig(info.CertPath, info.KeyPath)
	if err != nil {
		t.Fatal(err)
	}

	ts := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	ts.TLS = tlsCfg
	ts.StartTLS()
	defer ts.Close()

	pinned := &http.Client{Transport: &http.Transport{TLSClientConfig: PinnedClientConfig(info.Fingerprint)}}
	resp, err := pinned.Get(ts.URL)
	if err != nil {
		t.Fatalf("pinned GET: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", resp.StatusCode)
	}

	wrong := &http.Client{Transport: &http.Transport{TLSClientConfig: PinnedClientConfig(Fingerprint([]byte("other")))}}
	if resp, err := wrong.Get(ts.URL); err == nil {
		resp.Body.Close()
		t.Error("GET succeeded with the wrong fingerprint")
	}
}

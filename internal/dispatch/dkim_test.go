package dispatch

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-msgauth/dkim"
)

func writeTestKey(t *testing.T, pkcs8 bool) (string, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}

	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	if pkcs8 {
		der, err := x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			t.Fatalf("MarshalPKCS8PrivateKey() error = %v", err)
		}
		block = &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	}

	path := filepath.Join(t.TempDir(), "dkim.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path, key
}

func verifyOptions(t *testing.T, key *rsa.PrivateKey) *dkim.VerifyOptions {
	t.Helper()
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey() error = %v", err)
	}
	record := "v=DKIM1; k=rsa; p=" + base64.StdEncoding.EncodeToString(pub)
	return &dkim.VerifyOptions{
		LookupTXT: func(domain string) ([]string, error) {
			if domain != "drip._domainkey.example.com" {
				t.Errorf("LookupTXT(%q)", domain)
			}
			return []string{record}, nil
		},
	}
}

func TestLoadDKIMSigner(t *testing.T) {
	for _, pkcs8 := range []bool{false, true} {
		path, _ := writeTestKey(t, pkcs8)
		if _, err := LoadDKIMSigner(path, "example.com", "drip"); err != nil {
			t.Errorf("LoadDKIMSigner(pkcs8=%v) error = %v", pkcs8, err)
		}
	}

	bad := filepath.Join(t.TempDir(), "bad.pem")
	os.WriteFile(bad, []byte("not a key"), 0600)
	if _, err := LoadDKIMSigner(bad, "example.com", "drip"); err == nil {
		t.Error("LoadDKIMSigner() with garbage succeeded")
	}
	if _, err := LoadDKIMSigner(filepath.Join(t.TempDir(), "missing.pem"), "example.com", "drip"); err == nil {
		t.Error("LoadDKIMSigner() with missing file succeeded")
	}
}

func TestSMTPDispatcherSignsMessage(t *testing.T) {
	path, key := writeTestKey(t, false)
	signer, err := LoadDKIMSigner(path, "example.com", "drip")
	if err != nil {
		t.Fatalf("LoadDKIMSigner() error = %v", err)
	}

	be := &smtpRecorder{}
	host, port := startSMTPServer(t, be)

	d := NewSMTPDispatcher(SMTPOptions{
		Host:            host,
		Port:            port,
		From:            "drip@example.com",
		RecipientDomain: "clients.example.com",
		TLS:             "none",
		Hostname:        "drip.test",
		Timeout:         5 * time.Second,
		Signer:          signer,
	}, testLogger())

	if err := d.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	be.mu.Lock()
	data := be.data
	to := append([]string(nil), be.to...)
	be.mu.Unlock()

	if len(to) != 1 || to[0] != "5511999990000@clients.example.com" {
		t.Errorf("RCPT TO = %v", to)
	}

	if !strings.HasPrefix(data, "DKIM-Signature:") {
		t.Fatalf("DATA does not start with a signature: %q", data)
	}

	verifications, err := dkim.VerifyWithOptions(strings.NewReader(data), verifyOptions(t, key))
	if err != nil {
		t.Fatalf("VerifyWithOptions() error = %v", err)
	}
	if len(verifications) != 1 || verifications[0].Err != nil {
		t.Fatalf("verifications = %+v", verifications)
	}
	if verifications[0].Domain != "example.com" {
		t.Errorf("signed domain = %q", verifications[0].Domain)
	}
}

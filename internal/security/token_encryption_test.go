package security

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

var testKey = base64.StdEncoding.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))

func TestAEADTokenEncryptor_RoundTrip(t *testing.T) {
	enc, err := NewAEADTokenEncryptor(testKey)
	if err != nil {
		t.Fatalf("NewAEADTokenEncryptor() error = %v", err)
	}

	ct, err := enc.Encrypt("access-token-123")
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if !strings.HasPrefix(ct, ciphertextPrefix) {
		t.Errorf("ciphertext = %q, want prefix %q", ct, ciphertextPrefix)
	}
	if strings.Contains(ct, "access-token-123") {
		t.Error("ciphertext must not contain the plaintext")
	}

	pt, err := enc.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if pt != "access-token-123" {
		t.Errorf("Decrypt() = %q", pt)
	}
}

func TestAEADTokenEncryptor_FreshNonce(t *testing.T) {
	enc, _ := NewAEADTokenEncryptor(testKey)
	a, _ := enc.Encrypt("same")
	b, _ := enc.Encrypt("same")
	if a == b {
		t.Error("encrypting the same value twice should produce different ciphertexts")
	}
}

func TestAEADTokenEncryptor_EmptyStaysEmpty(t *testing.T) {
	enc, _ := NewAEADTokenEncryptor(testKey)
	if ct, _ := enc.Encrypt(""); ct != "" {
		t.Errorf("Encrypt(\"\") = %q", ct)
	}
	if pt, _ := enc.Decrypt(""); pt != "" {
		t.Errorf("Decrypt(\"\") = %q", pt)
	}
	if d := enc.Digest(""); d != "" {
		t.Errorf("Digest(\"\") = %q", d)
	}
}

func TestAEADTokenEncryptor_Tampered(t *testing.T) {
	enc, _ := NewAEADTokenEncryptor(testKey)
	ct, _ := enc.Encrypt("secret")

	raw, _ := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ct, ciphertextPrefix))
	raw[len(raw)-1] ^= 0xff
	tampered := ciphertextPrefix + base64.RawURLEncoding.EncodeToString(raw)

	if _, err := enc.Decrypt(tampered); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Decrypt(tampered) error = %v, want ErrInvalidCiphertext", err)
	}
	if _, err := enc.Decrypt("plain-token"); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Decrypt(unprefixed) error = %v, want ErrInvalidCiphertext", err)
	}
}

func TestAEADTokenEncryptor_WrongKey(t *testing.T) {
	enc, _ := NewAEADTokenEncryptor(testKey)
	other, _ := NewAEADTokenEncryptor(strings.Repeat("ab", 32))

	ct, _ := enc.Encrypt("secret")
	if _, err := other.Decrypt(ct); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("Decrypt with other key error = %v", err)
	}
}

func TestAEADTokenEncryptor_DigestIsDeterministicAndKeyed(t *testing.T) {
	enc, _ := NewAEADTokenEncryptor(testKey)
	other, _ := NewAEADTokenEncryptor(strings.Repeat("ab", 32))

	if enc.Digest("tok") != enc.Digest("tok") {
		t.Error("Digest should be deterministic")
	}
	if enc.Digest("tok") == enc.Digest("tok2") {
		t.Error("Digest should differ for different values")
	}
	if enc.Digest("tok") == other.Digest("tok") {
		t.Error("Digest should depend on the key")
	}
}

func TestParseKey(t *testing.T) {
	valid := []string{
		testKey,
		strings.TrimRight(testKey, "="),
		strings.Repeat("0f", 32),
	}
	for _, k := range valid {
		if _, err := ParseKey(k); err != nil {
			t.Errorf("ParseKey(%q) error = %v", k, err)
		}
	}
	for _, k := range []string{"", "short", base64.StdEncoding.EncodeToString([]byte("16-bytes-only!!!"))} {
		if _, err := ParseKey(k); err == nil {
			t.Errorf("ParseKey(%q) expected error", k)
		}
	}
}

func TestNoopTokenEncryptor(t *testing.T) {
	enc := NewNoopTokenEncryptor()
	ct, _ := enc.Encrypt("tok")
	if ct != "tok" {
		t.Errorf("Encrypt() = %q", ct)
	}
	pt, _ := enc.Decrypt("tok")
	if pt != "tok" {
		t.Errorf("Decrypt() = %q", pt)
	}
	if enc.Digest("tok") == "" || enc.Digest("tok") == "tok" {
		t.Errorf("Digest() = %q, want hashed value", enc.Digest("tok"))
	}
}

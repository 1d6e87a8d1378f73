package security

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// requiredKeyLength はマスターキーのバイト長。
	requiredKeyLength = 32
	// ciphertextPrefix は暗号化済みの値の識別子。鍵の世代を変える際に番号を上げる。
	ciphertextPrefix = "v1:"

	hkdfInfoEncryption = "connectbroker/token-encryption"
	hkdfInfoDigest     = "connectbroker/token-digest"
)

// ErrInvalidCiphertext は復号できない値が渡された場合のエラー。
var ErrInvalidCiphertext = errors.New("invalid token ciphertext")

// TokenEncryptor はコネクションのトークンを保存時に暗号化する。
// 空文字列はnullを表すため暗号化せずそのまま返す。
type TokenEncryptor interface {
	// Encrypt は平文を暗号化した文字列を返す。
	Encrypt(plaintext string) (string, error)
	// Decrypt はEncryptの出力を平文に戻す。
	Decrypt(ciphertext string) (string, error)
	// Digest はアクセストークンの逆引き用の決定的なダイジェストを返す。
	Digest(value string) string
}

// noopTokenEncryptor は暗号化を行わないTokenEncryptor。
// TOKEN_ENCRYPTION_KEY未設定の開発環境で使用する。
type noopTokenEncryptor struct{}

// NewNoopTokenEncryptor は平文のまま保存するTokenEncryptorを返す。
func NewNoopTokenEncryptor() TokenEncryptor {
	return noopTokenEncryptor{}
}

func (noopTokenEncryptor) Encrypt(plaintext string) (string, error)  { return plaintext, nil }
func (noopTokenEncryptor) Decrypt(ciphertext string) (string, error) { return ciphertext, nil }

func (noopTokenEncryptor) Digest(value string) string {
	if value == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// aeadTokenEncryptor はXChaCha20-Poly1305で暗号化するTokenEncryptor。
// 暗号鍵とダイジェスト鍵はマスターキーからHKDF-SHA256で導出する。
type aeadTokenEncryptor struct {
	encKey    []byte
	digestKey []byte
}

// NewAEADTokenEncryptor はマスターキーからTokenEncryptorを生成する。
// キーはbase64（パディングあり/なし）または64文字のhexで32バイトを指定する。
func NewAEADTokenEncryptor(rawKey string) (TokenEncryptor, error) {
	master, err := ParseKey(rawKey)
	if err != nil {
		return nil, err
	}

	encKey, err := deriveKey(master, hkdfInfoEncryption, chacha20poly1305.KeySize)
	if err != nil {
		return nil, err
	}
	digestKey, err := deriveKey(master, hkdfInfoDigest, sha256.Size)
	if err != nil {
		return nil, err
	}
	return &aeadTokenEncryptor{encKey: encKey, digestKey: digestKey}, nil
}

// ParseKey はbase64またはhexでエンコードされた32バイトの鍵を解析する。
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil && len(b) == requiredKeyLength {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(raw); err == nil && len(b) == requiredKeyLength {
		return b, nil
	}
	if len(raw) == 2*requiredKeyLength {
		if b, err := hex.DecodeString(raw); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("invalid encryption key: must decode to %d bytes (generate with: openssl rand -base64 32)", requiredKeyLength)
}

func deriveKey(master []byte, info string, size int) ([]byte, error) {
	key := make([]byte, size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// Encrypt は "v1:" + base64url(nonce || ciphertext) を返す。
func (e *aeadTokenEncryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(e.encKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return ciphertextPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt はEncryptの出力を復号する。改ざんされた値はErrInvalidCiphertextを返す。
func (e *aeadTokenEncryptor) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	if !strings.HasPrefix(ciphertext, ciphertextPrefix) {
		return "", fmt.Errorf("%w: unknown format", ErrInvalidCiphertext)
	}
	sealed, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(ciphertext, ciphertextPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}

	aead, err := chacha20poly1305.NewX(e.encKey)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return "", fmt.Errorf("%w: too short", ErrInvalidCiphertext)
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCiphertext, err)
	}
	return string(pt), nil
}

// Digest はHMAC-SHA256のhex表現を返す。
func (e *aeadTokenEncryptor) Digest(value string) string {
	if value == "" {
		return ""
	}
	mac := hmac.New(sha256.New, e.digestKey)
	mac.Write([]byte(value))
	return hex.EncodeToString(mac.Sum(nil))
}

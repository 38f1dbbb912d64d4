package session

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kostush/purchase-gateway-sub010/purchase"
)

var ErrInvalidKey = errors.New("session: payment key must be 32 bytes")

// Cipher seals payment info at rest with XChaCha20-Poly1305.
type Cipher struct {
	key []byte
}

// NewCipher takes a hex encoded 32 byte key.
func NewCipher(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("session: decode payment key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	return &Cipher{key: key}, nil
}

// Seal encrypts the payment info bound to the session id. Empty info seals to "".
func (c *Cipher) Seal(sessionID string, info purchase.PaymentInfo) (string, error) {
	if info == (purchase.PaymentInfo{}) {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("session: cipher: %w", err)
	}
	plain, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("session: marshal payment info: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("session: nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, plain, []byte(sessionID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (c *Cipher) Open(sessionID, sealed string) (purchase.PaymentInfo, error) {
	if sealed == "" {
		return purchase.PaymentInfo{}, nil
	}
	raw, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return purchase.PaymentInfo{}, fmt.Errorf("session: decode sealed payment info: %w", err)
	}
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return purchase.PaymentInfo{}, fmt.Errorf("session: cipher: %w", err)
	}
	if len(raw) < aead.NonceSize() {
		return purchase.PaymentInfo{}, fmt.Errorf("session: sealed payment info too short")
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(sessionID))
	if err != nil {
		return purchase.PaymentInfo{}, fmt.Errorf("session: open payment info: %w", err)
	}
	var info purchase.PaymentInfo
	if err := json.Unmarshal(plain, &info); err != nil {
		return purchase.PaymentInfo{}, fmt.Errorf("session: unmarshal payment info: %w", err)
	}
	return info, nil
}

// Package crypto шифрует содержимое сообщений чата при хранении.
package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

var (
	// ErrInvalidKey возвращается для ключа неверной длины.
	ErrInvalidKey = errors.New("crypto: key must be 32 bytes")
	// ErrMalformed возвращается, если шифртекст повреждён или подделан.
	ErrMalformed = errors.New("crypto: malformed ciphertext")
)

// Cipher - XChaCha20-Poly1305 с случайным nonce на каждое сообщение.
// Результат хранится как base64(nonce || ciphertext).
type Cipher struct {
	key []byte
}

// NewCipher создаёт шифр из 32-байтного ключа.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidKey
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Cipher{key: k}, nil
}

// NewCipherFromHex разбирает ключ из конфигурации.
func NewCipherFromHex(hexKey string) (*Cipher, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("crypto: decode key %w", err)
	}
	return NewCipher(key)
}

// Encrypt шифрует текст. chatID привязывает шифртекст к диалогу.
func (c *Cipher) Encrypt(plaintext, chatID string) (string, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("crypto: init aead %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("crypto: nonce %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(chatID))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt расшифровывает значение, полученное Encrypt для того же диалога.
func (c *Cipher) Decrypt(encoded, chatID string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrMalformed
	}

	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return "", fmt.Errorf("crypto: init aead %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformed
	}

	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, []byte(chatID))
	if err != nil {
		return "", ErrMalformed
	}
	return string(plain), nil
}

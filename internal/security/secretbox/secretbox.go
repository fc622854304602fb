package secretbox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/awnumar/memguard"
)

// ErrDecrypt is returned when a payload cannot be opened with the box key,
// typically because it was sealed on another machine.
var ErrDecrypt = errors.New("secretbox: payload cannot be decrypted with this key")

const keyInfo = "folio session cache v2"

var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

// Box seals short secrets with AES-256-GCM. The key lives in a memguard
// enclave and is only unsealed for the duration of a single operation.
type Box struct {
	key *memguard.Enclave
}

// New builds a box from an explicit base64-encoded 32-byte key.
func New(base64Key string) (*Box, error) {
	if base64Key == "" {
		return nil, errors.New("missing SESSION_ENCRYPTION_KEY")
	}
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("decode SESSION_ENCRYPTION_KEY: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("SESSION_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return &Box{key: memguard.NewEnclave(key)}, nil
}

// NewFromSecret derives the box key from arbitrary secret material.
func NewFromSecret(secret []byte) (*Box, error) {
	if len(secret) == 0 {
		return nil, errors.New("empty key material")
	}
	key, err := hkdf.Key(sha256.New, secret, nil, keyInfo, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return &Box{key: memguard.NewEnclave(key)}, nil
}

// NewMachineBound derives the key from the host's machine id, falling back
// to the hostname. Payloads sealed here cannot be opened on another host.
func NewMachineBound() (*Box, error) {
	secret, err := machineSecret()
	if err != nil {
		return nil, err
	}
	return NewFromSecret(secret)
}

func machineSecret() ([]byte, error) {
	for _, p := range machineIDPaths {
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(raw)); id != "" {
			return []byte(id), nil
		}
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return nil, errors.New("no machine id or hostname available for key derivation")
	}
	return []byte(host), nil
}

func (b *Box) aead() (cipher.AEAD, func(), error) {
	buf, err := b.key.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("open key enclave: %w", err)
	}
	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		buf.Destroy()
		return nil, nil, err
	}
	return gcm, buf.Destroy, nil
}

func (b *Box) Encrypt(plaintext string) (string, error) {
	gcm, release, err := b.aead()
	if err != nil {
		return "", err
	}
	defer release()
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (b *Box) Decrypt(encoded string) (string, error) {
	gcm, release, err := b.aead()
	if err != nil {
		return "", err
	}
	defer release()
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: short payload", ErrDecrypt)
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plaintext), nil
}

package crypto

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/gluk-w/claworc/ssh-service/internal/database"
)

const keySetting = "fernet_key"

// MaskedValue replaces stored secrets in API responses.
const MaskedValue = "••••••••"

var ErrInvalidToken = errors.New("decrypt: invalid token")

var (
	keyMu     sync.Mutex
	cachedKey *fernet.Key
)

func getKey() (*fernet.Key, error) {
	keyMu.Lock()
	defer keyMu.Unlock()
	if cachedKey != nil {
		return cachedKey, nil
	}

	keyStr, err := database.GetSetting(keySetting)
	if err != nil {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting(keySetting, k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		cachedKey = &k
		return cachedKey, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	cachedKey = key
	return cachedKey, nil
}

// ResetKeyCache forgets the cached key so the next call reloads it from the
// settings table.
func ResetKeyCache() {
	keyMu.Lock()
	cachedKey = nil
	keyMu.Unlock()
}

// Encrypt returns a Fernet token for plaintext. The empty string stays empty.
func Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	key, err := getKey()
	if err != nil {
		return "", err
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), key)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

func Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	key, err := getKey()
	if err != nil {
		return "", err
	}
	msg := fernet.VerifyAndDecrypt([]byte(ciphertext), 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}

// Mask hides a stored secret, keeping only whether one is set.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	return MaskedValue
}

package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"github.com/google/uuid"
)

const encPrefix = "enc:"

var ErrEmptySecret = errors.New("app secret is empty")

func Encrypt(plaintext []byte, secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", ErrEmptySecret
	}
	gcm, err := newGCM(secret)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return encPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func Decrypt(ciphertext string, secret string) ([]byte, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrEmptySecret
	}
	trimmed := strings.TrimSpace(ciphertext)
	if !strings.HasPrefix(trimmed, encPrefix) {
		return nil, errors.New("unsupported ciphertext format")
	}
	gcm, err := newGCM(secret)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(trimmed, encPrefix))
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce := raw[:gcm.NonceSize()]
	payload := raw[gcm.NonceSize():]
	return gcm.Open(nil, nonce, payload, nil)
}

func newGCM(secret string) (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// NewIdentity mints the per-install identity presented to the device.
func NewIdentity() string {
	return uuid.NewString()
}

// NewSecret returns 32 random bytes, hex encoded.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Signer produces the Authorization value the device expects on local calls.
type Signer struct {
	Identity string
	Key      string
}

// Sign returns "tablo:<identity>:<hmac>" over method, path, body digest and date.
func (s Signer) Sign(method, path string, body []byte, date string) string {
	bodyDigest := ""
	if len(body) > 0 {
		sum := md5.Sum(body)
		bodyDigest = hex.EncodeToString(sum[:])
	}
	mac := hmac.New(md5.New, []byte(s.Key))
	mac.Write([]byte(strings.ToUpper(method) + "\n" + path + "\n" + bodyDigest + "\n" + date))
	return "tablo:" + s.Identity + ":" + hex.EncodeToString(mac.Sum(nil))
}

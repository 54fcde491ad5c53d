package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// Envelope format: $aes-256-cbc/pbkdf2-sha1$i=<iterations>$<b64 salt>$<b64 ciphertext>
// The salt doubles as the CBC IV, so it must be exactly one AES block.

const algorithm = "aes-256-cbc/pbkdf2-sha1"

var (
	ErrBadEnvelope = errors.New("malformed encrypted envelope")
	ErrBadPadding  = errors.New("bad pkcs7 padding")
)

// Service decrypts (and, for tests and symmetric callers, encrypts) content
// with a shared passphrase.
type Service struct {
	passphrase []byte
}

func New(passphrase string) *Service {
	return &Service{passphrase: []byte(passphrase)}
}

func (s *Service) Decrypt(envelope string) (string, error) {
	parts := strings.Split(envelope, "$")
	if len(parts) != 5 || parts[0] != "" {
		return "", ErrBadEnvelope
	}
	if parts[1] != algorithm {
		return "", fmt.Errorf("%w: unsupported algorithm %q", ErrBadEnvelope, parts[1])
	}
	iterations, err := parseIterations(parts[2])
	if err != nil {
		return "", err
	}
	salt, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return "", fmt.Errorf("%w: salt: %v", ErrBadEnvelope, err)
	}
	if len(salt) != aes.BlockSize {
		return "", fmt.Errorf("%w: salt must be %d bytes", ErrBadEnvelope, aes.BlockSize)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[4])
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext: %v", ErrBadEnvelope, err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext not block-aligned", ErrBadEnvelope)
	}

	block, err := aes.NewCipher(s.key(salt, iterations))
	if err != nil {
		return "", err
	}
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, salt).CryptBlocks(plain, ciphertext)

	plain, err = stripPKCS7(plain)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Encrypt produces an envelope Decrypt accepts.
func (s *Service) Encrypt(plaintext string, iterations int) (string, error) {
	salt := make([]byte, aes.BlockSize)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	block, err := aes.NewCipher(s.key(salt, iterations))
	if err != nil {
		return "", err
	}

	padded := padPKCS7([]byte(plaintext))
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, salt).CryptBlocks(out, padded)

	return fmt.Sprintf("$%s$i=%d$%s$%s",
		algorithm, iterations,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(out)), nil
}

func (s *Service) key(salt []byte, iterations int) []byte {
	return pbkdf2.Key(s.passphrase, salt, iterations, 32, sha1.New)
}

func parseIterations(param string) (int, error) {
	v, ok := strings.CutPrefix(param, "i=")
	if !ok {
		return 0, fmt.Errorf("%w: missing iteration parameter", ErrBadEnvelope)
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%w: bad iteration count %q", ErrBadEnvelope, v)
	}
	return n, nil
}

func padPKCS7(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func stripPKCS7(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrBadPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, ErrBadPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrBadPadding
		}
	}
	return b[:len(b)-n], nil
}

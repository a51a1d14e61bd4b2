package security

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
)

// TokenBytes is the auth token size in bytes; tokens are stored and
// transmitted hex-encoded.
const TokenBytes = 32

// TokenHexLen is the length of a hex-encoded token.
const TokenHexLen = TokenBytes * 2

// ErrInsufficientEntropy indicates the system random source failed.
var ErrInsufficientEntropy = errors.New("security: insufficient entropy")

// GenerateToken returns a new random auth token, hex-encoded.
func GenerateToken() (string, error) {
	buf := make([]byte, TokenBytes)
	n, err := rand.Read(buf)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInsufficientEntropy, err)
	}
	if n != TokenBytes {
		return "", fmt.Errorf("%w: only got %d of %d bytes", ErrInsufficientEntropy, n, TokenBytes)
	}
	return hex.EncodeToString(buf), nil
}

// LoadOrCreateToken reads the auth token from path, generating and
// persisting a fresh one when the file does not exist. The token file
// is owner-only; clients on the TCP fallback transport present it
// during the handshake.
func LoadOrCreateToken(path string) (string, error) {
	data, err := ReadSecureFile(path, 4096)
	if err == nil {
		token := strings.TrimSpace(string(data))
		if verr := ValidateHexString(token, TokenHexLen); verr != nil {
			return "", fmt.Errorf("token file %s: %w", path, verr)
		}
		return token, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	token, err := GenerateToken()
	if err != nil {
		return "", err
	}
	if err := WriteSecretFile(path, []byte(token+"\n")); err != nil {
		return "", fmt.Errorf("write token file: %w", err)
	}
	return token, nil
}

// CompareTokens compares two tokens in constant time.
func CompareTokens(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

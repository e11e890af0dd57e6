package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
)

// CanonicalString builds the string a client signs:
// METHOD\npath\ntimestamp\nnonce.
func CanonicalString(method, path, timestamp, nonce string) string {
	var sb strings.Builder
	sb.Grow(len(method) + len(path) + len(timestamp) + len(nonce) + 3)
	sb.WriteString(strings.ToUpper(method))
	sb.WriteByte('\n')
	sb.WriteString(path)
	sb.WriteByte('\n')
	sb.WriteString(timestamp)
	sb.WriteByte('\n')
	sb.WriteString(nonce)
	return sb.String()
}

// Sign returns the Base64 HMAC-SHA256 of the canonical string.
func Sign(secret, method, path, timestamp, nonce string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(CanonicalString(method, path, timestamp, nonce)))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Equal compares a client signature with the expected one in constant time.
func Equal(got, want string) bool {
	return hmac.Equal([]byte(got), []byte(want))
}

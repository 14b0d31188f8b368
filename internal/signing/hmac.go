package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
)

// UnsubscribeToken is the keyed hash of the normalized address, so the same
// recipient always gets the same link without a stored token.
func UnsubscribeToken(secret, email string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify never accepts a token when no secret is configured.
func Verify(secret, email, token string) bool {
	if secret == "" {
		return false
	}
	expected := UnsubscribeToken(secret, email)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(token)))
}

// UnsubscribeURL appends email and token query parameters to base,
// preserving any query it already carries.
func UnsubscribeURL(base, secret, email string) string {
	q := url.Values{}
	q.Set("email", strings.ToLower(strings.TrimSpace(email)))
	q.Set("token", UnsubscribeToken(secret, email))

	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + q.Encode()
}

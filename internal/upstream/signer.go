package upstream

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"trendwatch/internal/credential"

	"github.com/mazen160/go-random"
)

// Signer produces the anti-automation token that has to accompany a query.
// The token is bound to the exact parameter set it was computed over.
type Signer interface {
	Sign(params url.Values, cred credential.Credential) (string, error)
}

// ParamSigner is a deterministic keyed digest over the canonical query, the
// user agent and the cookie. It stands in for the platform algorithm which
// can be plugged in through Signer.
type ParamSigner struct {
	Secret    []byte
	UserAgent string
}

func (s ParamSigner) Sign(params url.Values, cred credential.Credential) (string, error) {
	mac := hmac.New(sha256.New, s.Secret)
	// url.Values.Encode sorts by key
	mac.Write([]byte(params.Encode()))
	mac.Write([]byte{0})
	mac.Write([]byte(s.UserAgent))
	mac.Write([]byte{0})
	cookieDigest := sha256.Sum256([]byte(cred.Token))
	mac.Write(cookieDigest[:])

	sum := mac.Sum(nil)
	return base64.RawURLEncoding.EncodeToString(sum)[:28], nil
}

// newMsToken returns a random 128 character msToken.
func newMsToken() (string, error) {
	return random.String(128)
}

// newWebID returns a random 19 digit web id starting with 7.
func newWebID() (string, error) {
	raw, err := random.String(18)
	if err != nil {
		return "", err
	}
	digits := make([]byte, 0, 19)
	digits = append(digits, '7')
	for i := 0; i < len(raw); i++ {
		digits = append(digits, '0'+raw[i]%10)
	}
	return string(digits), nil
}

package subscriber

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"regexp"
	"strings"
)

// Hash constructors by wire algorithm name. sha1 is the protocol's
// default/legacy algorithm; md5 survives for ancient hubs.
var hashAlgos = map[string]func() hash.Hash{
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
	"md5":    md5.New,
}

var signaturePattern = regexp.MustCompile(`^(\w+)=([0-9A-Fa-f]*)$`)

// Sign computes the X-Hub-Signature header value for payload.
func Sign(algo, secret string, payload []byte) (string, error) {
	algo = strings.ToLower(algo)
	newHash, ok := hashAlgos[algo]
	if !ok {
		return "", fmt.Errorf("unknown signature algorithm %q", algo)
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(payload)
	return fmt.Sprintf("%s=%x", algo, mac.Sum(nil)), nil
}

// ValidateSignature checks an inbound `algo=hexdigest` header against the
// shared secret. Malformed headers are rejected rather than guessed at, and
// digest comparison is constant time.
func ValidateSignature(header, secret string, payload []byte, allowedAlgos []string) error {
	if header == "" {
		return fmt.Errorf("missing signature header")
	}

	m := signaturePattern.FindStringSubmatch(strings.TrimSpace(header))
	if m == nil {
		return fmt.Errorf("malformed signature header %q", header)
	}
	algo, digest := strings.ToLower(m[1]), strings.ToLower(m[2])

	if _, ok := hashAlgos[algo]; !ok {
		return fmt.Errorf("unknown signature algorithm %q", algo)
	}
	if !algoAllowed(algo, allowedAlgos) {
		return fmt.Errorf("signature algorithm %q is not in the allow-list", algo)
	}

	want, err := Sign(algo, secret, payload)
	if err != nil {
		return err
	}
	want = strings.TrimPrefix(want, algo+"=")

	if !hmac.Equal([]byte(digest), []byte(want)) {
		return fmt.Errorf("signature mismatch for algorithm %q", algo)
	}
	return nil
}

func algoAllowed(algo string, allowed []string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if strings.EqualFold(a, algo) {
			return true
		}
	}
	return false
}

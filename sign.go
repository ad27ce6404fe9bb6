package websub

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"hash"
	"strings"

	"github.com/pkg/errors"
)

// SignatureHeader is the header carrying the content signature on
// notifications for subscriptions created with a secret.
const SignatureHeader = "X-Hub-Signature"

// NewHasher takes an algorithm name and returns a hash constructor for it.
// Names are matched case insensitively.
func NewHasher(name string) (func() hash.Hash, bool) {
	switch strings.ToLower(name) {
	case "sha1":
		return sha1.New, true
	case "sha256":
		return sha256.New, true
	case "sha384":
		return sha512.New384, true
	case "sha512":
		return sha512.New, true
	}

	return nil, false
}

// Sign computes the signature header value for a payload, in the form
// "algorithm=hexdigest".
func Sign(hasher, secret string, body []byte) (string, error) {
	fn, ok := NewHasher(hasher)

	if !ok {
		return "", errors.Errorf("unknown hasher %q", hasher)
	}

	mac := hmac.New(fn, []byte(secret))
	mac.Write(body)

	return hasher + "=" + hex.EncodeToString(mac.Sum(nil)), nil
}

// ParseSignature splits a signature header value into its algorithm and
// hex digest. The algorithm is lowercased.
func ParseSignature(header string) (string, string, bool) {
	idx := strings.IndexByte(header, '=')

	if idx <= 0 || idx == len(header)-1 {
		return "", "", false
	}

	return strings.ToLower(header[:idx]), header[idx+1:], true
}

// ValidSignature reports whether a signature header value matches the
// payload under the given secret. The expected digest is computed over
// the full body for every input, missing and malformed headers
// included, and compared in constant time, so rejection time does not
// reveal which check failed.
func ValidSignature(header, secret string, body []byte) bool {
	alg, digest, parsed := ParseSignature(header)

	fn, known := NewHasher(alg)

	if !known {
		fn = sha256.New
	}

	provided, err := hex.DecodeString(digest)

	mac := hmac.New(fn, []byte(secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	return hmac.Equal(provided, expected) && parsed && known && err == nil
}

package websub

import (
	"strings"
	"testing"
)

func TestSignRoundTrip(t *testing.T) {
	for _, alg := range []string{"sha1", "sha256", "sha384", "sha512"} {
		sig, err := Sign(alg, "s3cr3t", []byte("payload"))

		if err != nil {
			t.Fatalf("unable to sign with %s: %v", alg, err)
		}

		if !strings.HasPrefix(sig, alg+"=") {
			t.Errorf("expected %s prefix, got %q", alg, sig)
		}

		if !ValidSignature(sig, "s3cr3t", []byte("payload")) {
			t.Errorf("expected %s signature to validate", alg)
		}
	}
}

func TestSignUnknownHasher(t *testing.T) {
	if _, err := Sign("md5", "s3cr3t", []byte("payload")); err == nil {
		t.Error("expected an error for an unknown hasher")
	}
}

func TestValidSignatureCaseInsensitive(t *testing.T) {
	sig, _ := Sign("sha256", "s3cr3t", []byte("payload"))

	upper := "SHA256" + strings.TrimPrefix(sig, "sha256")

	if !ValidSignature(upper, "s3cr3t", []byte("payload")) {
		t.Error("expected uppercase algorithm token to validate")
	}
}

func TestValidSignatureRejects(t *testing.T) {
	sig, _ := Sign("sha256", "s3cr3t", []byte("payload"))

	cases := map[string]struct {
		header string
		secret string
		body   string
	}{
		"tampered body":  {sig, "s3cr3t", "payload2"},
		"wrong secret":   {sig, "other", "payload"},
		"missing header": {"", "s3cr3t", "payload"},
		"no digest":      {"sha256=", "s3cr3t", "payload"},
		"no algorithm":   {"=abcdef", "s3cr3t", "payload"},
		"unknown alg":    {"md5=abcdef", "s3cr3t", "payload"},
		"bad hex":        {"sha256=zz", "s3cr3t", "payload"},
	}

	for name, c := range cases {
		if ValidSignature(c.header, c.secret, []byte(c.body)) {
			t.Errorf("%s: expected validation to fail", name)
		}
	}
}

func TestParseSignature(t *testing.T) {
	alg, digest, ok := ParseSignature("SHA256=abc123")

	if !ok || alg != "sha256" || digest != "abc123" {
		t.Errorf("unexpected parse result: %q %q %v", alg, digest, ok)
	}

	if _, _, ok := ParseSignature("sha256"); ok {
		t.Error("expected parse to fail without a separator")
	}
}

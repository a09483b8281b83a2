package plugins

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// SignatureHeader carries the HMAC signature of webhook bodies:
//
//	X-Notifier-Signature: t=<unix>,v1=<hmac>[,v1_old=<hmac>]
//
// The signed content is "<unix>.<body>". v1_old is added while a rotated
// secret is still inside its grace period.
const SignatureHeader = "X-Notifier-Signature"

// signingKeys holds the secrets of one webhook configuration.
type signingKeys struct {
	current         string
	previous        string
	previousExpires time.Time
}

func (k signingKeys) enabled() bool { return k.current != "" }

func (k signingKeys) sign(body []byte, now time.Time) string {
	ts := now.Unix()
	content := fmt.Sprintf("%d.%s", ts, body)

	header := fmt.Sprintf("t=%d,v1=%s", ts, computeHMAC(content, k.current))
	if k.previous != "" && !k.previousExpires.IsZero() && !now.After(k.previousExpires) {
		header += ",v1_old=" + computeHMAC(content, k.previous)
	}
	return header
}

// VerifySignature checks body against a SignatureHeader value with any of
// the given secrets. Receivers use it; the notifier only signs.
func VerifySignature(body []byte, header string, secrets ...string) bool {
	parts := parseSignatureHeader(header)
	if parts.timestamp == "" || parts.v1 == "" {
		return false
	}
	content := parts.timestamp + "." + string(body)

	for _, secret := range secrets {
		if secret == "" {
			continue
		}
		expected := computeHMAC(content, secret)
		if hmac.Equal([]byte(parts.v1), []byte(expected)) {
			return true
		}
		if parts.v1Old != "" && hmac.Equal([]byte(parts.v1Old), []byte(expected)) {
			return true
		}
	}
	return false
}

type signatureParts struct {
	timestamp string
	v1        string
	v1Old     string
}

func parseSignatureHeader(header string) signatureParts {
	var parts signatureParts
	for _, segment := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(segment, "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "t":
			parts.timestamp = strings.TrimSpace(value)
		case "v1":
			parts.v1 = strings.TrimSpace(value)
		case "v1_old":
			parts.v1Old = strings.TrimSpace(value)
		}
	}
	return parts
}

func computeHMAC(content, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(content))
	return hex.EncodeToString(mac.Sum(nil))
}

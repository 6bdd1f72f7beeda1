package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader is the request header carrying the webhook payload signature.
const SignatureHeader = "X-Webhook-Signature"

// ErrBadSignature is returned when a signature header is malformed, stale, or does not match.
var ErrBadSignature = errors.New("bad webhook signature")

// Sign returns the header value t=<unix>,v1=<hex> where v1 is HMAC-SHA256 over "<unix>.<body>".
func Sign(secret string, ts time.Time, body []byte) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + mac(secret, unix, body)
}

// VerifySignature checks a header produced by Sign. tolerance <= 0 disables the freshness check.
func VerifySignature(secret, header string, body []byte, now time.Time, tolerance time.Duration) error {
	var unix, sig string
	for part := range strings.SplitSeq(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return ErrBadSignature
		}
		switch k {
		case "t":
			unix = v
		case "v1":
			sig = v
		}
	}
	if unix == "" || sig == "" {
		return ErrBadSignature
	}
	ts, err := strconv.ParseInt(unix, 10, 64)
	if err != nil {
		return ErrBadSignature
	}
	if tolerance > 0 {
		if d := now.Sub(time.Unix(ts, 0)); d > tolerance || d < -tolerance {
			return ErrBadSignature
		}
	}
	if !hmac.Equal([]byte(sig), []byte(mac(secret, unix, body))) {
		return ErrBadSignature
	}
	return nil
}

func mac(secret, unix string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(unix))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

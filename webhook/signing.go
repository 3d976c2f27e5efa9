package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	SignatureHeader = "Webhook-Signature"
	EventIDHeader   = "Webhook-Id"
	EventTypeHeader = "Webhook-Event"

	// DefaultTolerance bounds the accepted age of a signature timestamp.
	DefaultTolerance = 5 * time.Minute
)

var (
	ErrMissingSignature   = errors.New("webhook: missing signature header")
	ErrMalformedSignature = errors.New("webhook: malformed signature header")
	ErrTimestampTolerance = errors.New("webhook: timestamp outside tolerance")
	ErrSignatureMismatch  = errors.New("webhook: signature mismatch")
)

// ComputeSignature returns hex(HMAC-SHA256(secret, "<ts>.<body>")).
func ComputeSignature(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignatureHeaderValue formats the signature header as "t=<ts>,v1=<hex>".
func SignatureHeaderValue(secret string, ts int64, body []byte) string {
	return fmt.Sprintf("t=%d,v1=%s", ts, ComputeSignature(secret, ts, body))
}

// ParseSignatureHeader splits a signature header into its timestamp and v1
// signatures. Unknown schemes are ignored.
func ParseSignatureHeader(header string) (int64, []string, error) {
	if header == "" {
		return 0, nil, ErrMissingSignature
	}
	var (
		ts     int64
		haveTS bool
		sigs   []string
	)
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return 0, nil, ErrMalformedSignature
		}
		switch k {
		case "t":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 0, nil, ErrMalformedSignature
			}
			ts, haveTS = n, true
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if !haveTS || len(sigs) == 0 {
		return 0, nil, ErrMalformedSignature
	}
	return ts, sigs, nil
}

// VerifySignature checks header against body. A zero tolerance disables the
// timestamp window check.
func VerifySignature(secret, header string, body []byte, tolerance time.Duration, now time.Time) error {
	ts, sigs, err := ParseSignatureHeader(header)
	if err != nil {
		return err
	}
	if tolerance > 0 {
		age := now.Sub(time.Unix(ts, 0))
		if age > tolerance || age < -tolerance {
			return ErrTimestampTolerance
		}
	}
	expected := []byte(ComputeSignature(secret, ts, body))
	for _, s := range sigs {
		if hmac.Equal(expected, []byte(s)) {
			return nil
		}
	}
	return ErrSignatureMismatch
}

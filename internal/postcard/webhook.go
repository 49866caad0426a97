package postcard

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// Webhook header names used by the provider.
const (
	SignatureHeader          = "Lob-Signature"
	SignatureTimestampHeader = "Lob-Signature-Timestamp"
)

// SignWebhook computes hex(HMAC-SHA256(secret, timestamp + "." + body)).
func SignWebhook(secret, timestamp string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(timestamp))
	h.Write([]byte("."))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// VerifyWebhook checks the signature and, when maxAge > 0, that the
// timestamp is recent. Timestamps may be unix seconds or milliseconds.
func VerifyWebhook(secret, signature, timestamp string, body []byte, maxAge time.Duration, now time.Time) error {
	if secret == "" {
		return fmt.Errorf("%w: secret is not configured", ErrInvalidSignature)
	}
	if signature == "" || timestamp == "" {
		return fmt.Errorf("%w: signature headers are missing", ErrInvalidSignature)
	}

	if maxAge > 0 {
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: invalid timestamp", ErrInvalidSignature)
		}
		var sent time.Time
		if ts > 1e12 {
			sent = time.UnixMilli(ts)
		} else {
			sent = time.Unix(ts, 0)
		}
		age := now.Sub(sent)
		if age > maxAge {
			return fmt.Errorf("%w: timestamp too old", ErrInvalidSignature)
		}
		if age < -time.Minute {
			return fmt.Errorf("%w: timestamp in the future", ErrInvalidSignature)
		}
	}

	expected := SignWebhook(secret, timestamp, body)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return fmt.Errorf("%w: signature mismatch", ErrInvalidSignature)
	}
	return nil
}

package dispatch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signature header names sent with every signed delivery.
const (
	HeaderTimestamp        = "X-Inbound-Email-Timestamp"
	HeaderSignature        = "X-Inbound-Email-Signature"
	HeaderSignatureVersion = "X-Inbound-Email-Signature-Version"

	SignatureVersion = "v1"
)

// Sign creates the delivery signature for a payload: an HMAC-SHA256 over
// "{timestamp}.{payload}" rendered as "sha256=<hex>". The timestamp is unix
// milliseconds to prevent replay.
func Sign(payload []byte, secret string, timestampMillis int64) string {
	signedContent := fmt.Sprintf("%d.%s", timestampMillis, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(signedContent))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature in constant time.
func VerifySignature(payload []byte, secret string, timestampMillis int64, signature string) bool {
	expected := Sign(payload, secret, timestampMillis)
	return hmac.Equal([]byte(expected), []byte(signature))
}

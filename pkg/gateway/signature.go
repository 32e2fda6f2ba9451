package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

const signaturePayloadDelimiter = "|"

// SignPayload computes the lowercase hex HMAC-SHA256 digest the gateway
// attaches to a confirmed payment: HMAC(orderID + "|" + paymentID, secret).
func SignPayload(orderID string, paymentID string, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(orderID + signaturePayloadDelimiter + paymentID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether clientSignature matches the digest computed
// under secret. The comparison is constant time. A mismatch is an expected
// outcome, not a fault, so no error is returned.
func VerifySignature(orderID string, paymentID string, clientSignature string, secret []byte) bool {
	expected := SignPayload(orderID, paymentID, secret)
	return hmac.Equal([]byte(expected), []byte(clientSignature))
}

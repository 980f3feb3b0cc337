package payments

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignPayment is HMAC-SHA256(secret, gatewayOrderID|gatewayPaymentID), hex.
func SignPayment(secret, gatewayOrderID, gatewayPaymentID string) string {
	return sign(secret, []byte(gatewayOrderID+"|"+gatewayPaymentID))
}

// SignWebhook is HMAC-SHA256(secret, raw body), hex.
func SignWebhook(secret string, body []byte) string {
	return sign(secret, body)
}

func VerifyPaymentSignature(secret, gatewayOrderID, gatewayPaymentID, signature string) bool {
	return equal(SignPayment(secret, gatewayOrderID, gatewayPaymentID), signature)
}

func VerifyWebhookSignature(secret string, body []byte, signature string) bool {
	return equal(SignWebhook(secret, body), signature)
}

func sign(secret string, msg []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(msg)
	return hex.EncodeToString(mac.Sum(nil))
}

func equal(expected, got string) bool {
	return hmac.Equal([]byte(expected), []byte(got))
}

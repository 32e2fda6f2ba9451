package gateway

import "testing"

func TestSignPayloadKnownVector(test *testing.T) {
	test.Parallel()
	const expected = "c4ba7785e595b717abd8b4847eaf30e97f23acbdbe1b8f5cbbf17d28d63b068f"
	got := SignPayload("order_1", "pay_1", []byte("s3cr3t"))
	if got != expected {
		test.Fatalf("signature mismatch:\n got %s\nwant %s", got, expected)
	}
}

func TestVerifySignatureAcceptsMatching(test *testing.T) {
	test.Parallel()
	secret := []byte("s3cr3t")
	signature := SignPayload("order_1", "pay_1", secret)
	if !VerifySignature("order_1", "pay_1", signature, secret) {
		test.Fatalf("valid signature rejected")
	}
}

func TestVerifySignatureRejectsTampering(test *testing.T) {
	test.Parallel()
	secret := []byte("s3cr3t")
	signature := SignPayload("order_1", "pay_1", secret)

	if VerifySignature("order_2", "pay_1", signature, secret) {
		test.Fatalf("signature accepted for wrong order")
	}
	if VerifySignature("order_1", "pay_2", signature, secret) {
		test.Fatalf("signature accepted for wrong payment")
	}
	if VerifySignature("order_1", "pay_1", signature, []byte("other")) {
		test.Fatalf("signature accepted under wrong secret")
	}
	if VerifySignature("order_1", "pay_1", signature+"00", secret) {
		test.Fatalf("padded signature accepted")
	}
}

package ingress

import (
	"testing"
	"time"
)

func TestVerifySignatureRoundTrip(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{"agent_id":"a1"}`)
	now := time.Now()

	header := Sign(secret, body, now)
	if err := VerifySignature(secret, body, header, now); err != nil {
		t.Errorf("VerifySignature: %v", err)
	}
}

func TestVerifySignatureWrongSecret(t *testing.T) {
	body := []byte(`{}`)
	now := time.Now()
	header := Sign([]byte("secret-a"), body, now)
	if err := VerifySignature([]byte("secret-b"), body, header, now); err == nil {
		t.Error("accepted signature from wrong secret")
	}
}

func TestVerifySignatureTamperedBody(t *testing.T) {
	secret := []byte("whsec_test")
	now := time.Now()
	header := Sign(secret, []byte(`{"a":1}`), now)
	if err := VerifySignature(secret, []byte(`{"a":2}`), header, now); err == nil {
		t.Error("accepted signature over different body")
	}
}

func TestVerifySignatureReplayWindow(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{}`)
	signedAt := time.Now()

	header := Sign(secret, body, signedAt)
	if err := VerifySignature(secret, body, header, signedAt.Add(4*time.Minute)); err != nil {
		t.Errorf("rejected within window: %v", err)
	}
	if err := VerifySignature(secret, body, header, signedAt.Add(6*time.Minute)); err == nil {
		t.Error("accepted expired signature")
	}
	// Future-dated timestamps beyond the window are equally invalid.
	if err := VerifySignature(secret, body, header, signedAt.Add(-6*time.Minute)); err == nil {
		t.Error("accepted future-dated signature")
	}
}

func TestVerifySignatureMalformedHeaders(t *testing.T) {
	secret := []byte("whsec_test")
	body := []byte(`{}`)
	now := time.Now()

	for _, header := range []string{
		"",
		"t=123",
		"v1=abcd",
		"t=notanumber,v1=abcd",
		"t=123,v1=not-hex",
	} {
		if err := VerifySignature(secret, body, header, now); err == nil {
			t.Errorf("accepted malformed header %q", header)
		}
	}
}

package webhook

import (
	"strings"
	"testing"
)

func TestVerifyHMACSignature(t *testing.T) {
	secret := "test-secret-key"
	body := []byte(`{"event":"push","repository":"test"}`)
	signed := Sign(body, secret)
	plain := strings.TrimPrefix(signed, "sha256=")

	tests := []struct {
		name      string
		body      []byte
		signature string
		secret    string
		wantErr   bool
	}{
		{name: "prefixed", body: body, signature: signed, secret: secret},
		{name: "plain hex", body: body, signature: plain, secret: secret},
		{name: "upper-case prefix", body: body, signature: "SHA256=" + plain, secret: secret},
		{name: "surrounding space", body: body, signature: "  " + signed + " ", secret: secret},
		{name: "wrong digest", body: body, signature: "sha256=" + strings.Repeat("0", 64), secret: secret, wantErr: true},
		{name: "tampered body", body: []byte(`{"event":"push","repository":"hacked"}`), signature: signed, secret: secret, wantErr: true},
		{name: "wrong secret", body: body, signature: signed, secret: "other", wantErr: true},
		{name: "empty signature", body: body, signature: "", secret: secret, wantErr: true},
		{name: "empty secret", body: body, signature: signed, secret: "", wantErr: true},
		{name: "malformed hex", body: body, signature: "sha256=zz", secret: secret, wantErr: true},
		{name: "prefix only", body: body, signature: "sha256=", secret: secret, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyHMACSignature(tt.body, tt.signature, tt.secret)
			if (err != nil) != tt.wantErr {
				t.Fatalf("verifyHMACSignature() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && err != errVerification {
				t.Fatalf("error = %v, want the generic verification error", err)
			}
		})
	}
}

func TestSign(t *testing.T) {
	// Known vector: HMAC-SHA256("key", "The quick brown fox jumps over the lazy dog").
	got := Sign([]byte("The quick brown fox jumps over the lazy dog"), "key")
	want := "sha256=f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8"
	if got != want {
		t.Fatalf("Sign() = %s, want %s", got, want)
	}
}

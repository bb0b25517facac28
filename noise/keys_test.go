package noise

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestDecodeKeyBase64(t *testing.T) {
	valid := base64.StdEncoding.EncodeToString(make([]byte, 32))
	cases := []struct {
		name    string
		in      string
		wantErr bool
	}{
		{name: "valid", in: valid},
		{name: "not base64", in: "!!!", wantErr: true},
		{name: "short", in: base64.StdEncoding.EncodeToString(make([]byte, 31)), wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeKeyBase64(tc.in)
			if tc.wantErr != (err != nil) {
				t.Fatalf("err = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
	if _, err := DecodeKeyBase64(base64.StdEncoding.EncodeToString(make([]byte, 16))); !errors.Is(err, ErrInvalidKeyLength) {
		t.Fatalf("expected ErrInvalidKeyLength, got %v", err)
	}
}

func TestDerivePublicKeyMatches(t *testing.T) {
	sk, err := NewPrivateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	derived, err := DerivePublicKey(sk)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if PublicKey(derived) != sk.PublicKey() {
		t.Fatalf("derived key mismatch")
	}

	parsed, err := ParsePublicKey(sk.PublicKey().String())
	if err != nil || parsed != sk.PublicKey() {
		t.Fatalf("public key does not round-trip through base64: %v", err)
	}
}

func TestSharedSecretAgreement(t *testing.T) {
	a, _ := NewPrivateKey()
	b, _ := NewPrivateKey()
	ab, err := a.SharedSecret(b.PublicKey())
	if err != nil {
		t.Fatalf("shared secret: %v", err)
	}
	ba, err := b.SharedSecret(a.PublicKey())
	if err != nil {
		t.Fatalf("shared secret: %v", err)
	}
	if ab != ba {
		t.Fatalf("shared secrets differ")
	}
}

func TestParsePrivateKeyClamps(t *testing.T) {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = 0xff
	}
	sk, err := ParsePrivateKey(base64.StdEncoding.EncodeToString(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if sk[0]&7 != 0 || sk[31]&0x80 != 0 || sk[31]&0x40 == 0 {
		t.Fatalf("key not clamped: %x", sk)
	}
}

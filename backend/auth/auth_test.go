package auth

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func signed(t *testing.T, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

func rawToken(claims string) string {
	seg := base64.RawURLEncoding.EncodeToString([]byte(claims))
	return "eyJhbGciOiJIUzI1NiJ9." + seg + ".c2ln"
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		tok  string
		want Identity
	}{
		{
			name: "valid subject",
			tok:  signed(t, jwt.RegisteredClaims{Subject: "user-42"}),
			want: Identity{UserID: "user-42", Authenticated: true},
		},
		{
			name: "extra claims ignored",
			tok: signed(t, jwt.MapClaims{
				"sub": "user-42",
				"iss": "skipon",
				"exp": time.Now().Add(time.Hour).Unix(),
			}),
			want: Identity{UserID: "user-42", Authenticated: true},
		},
		{
			// expiry and signature are the provider's concern, not admission's
			name: "expired token still classified",
			tok: signed(t, jwt.RegisteredClaims{
				Subject:   "user-42",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			}),
			want: Identity{UserID: "user-42", Authenticated: true},
		},
		{
			name: "empty token",
			tok:  "",
			want: Identity{},
		},
		{
			name: "opaque non-jwt string",
			tok:  "just-an-opaque-string",
			want: Identity{},
		},
		{
			name: "claims not base64",
			tok:  "a.!!!.c",
			want: Identity{},
		},
		{
			name: "claims not json",
			tok:  rawToken(`not json`),
			want: Identity{},
		},
		{
			name: "missing subject",
			tok:  signed(t, jwt.RegisteredClaims{Issuer: "skipon"}),
			want: Identity{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := (ClaimsClassifier{}).Classify(tt.tok); got != tt.want {
				t.Errorf("Classify() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

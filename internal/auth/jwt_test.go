package auth

import (
	"testing"
	"time"
)

func testTokenConfig() TokenConfig {
	return TokenConfig{Secret: "test-secret", Expiry: time.Hour, Issuer: "msgpilot"}
}

func TestCreateAndVerifyToken(t *testing.T) {
	cfg := testTokenConfig()

	token, err := CreateToken("identity-1", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	claims, err := VerifyToken(token, cfg)
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if claims.IdentityKey != "identity-1" {
		t.Fatalf("identity key = %q, want identity-1", claims.IdentityKey)
	}
	if claims.ID == "" {
		t.Fatal("expected a jti")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := CreateToken("identity-1", testTokenConfig())
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}

	bad := testTokenConfig()
	bad.Secret = "other-secret"
	if _, err := VerifyToken(token, bad); err == nil {
		t.Fatal("expected verification to fail with a different secret")
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	cfg := testTokenConfig()
	cfg.Expiry = time.Millisecond

	token, err := CreateToken("identity-1", cfg)
	if err != nil {
		t.Fatalf("CreateToken: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := VerifyToken(token, cfg); err == nil {
		t.Fatal("expected expired token to fail")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	if _, err := VerifyToken("not-a-token", testTokenConfig()); err == nil {
		t.Fatal("expected garbage token to fail")
	}
}

func TestCreateTokenValidation(t *testing.T) {
	cfg := testTokenConfig()
	if _, err := CreateToken("", cfg); err == nil {
		t.Fatal("expected error for empty identity key")
	}

	cfg.Secret = ""
	if _, err := CreateToken("identity-1", cfg); err == nil {
		t.Fatal("expected error for empty secret")
	}

	cfg = testTokenConfig()
	cfg.Expiry = 0
	if _, err := CreateToken("identity-1", cfg); err == nil {
		t.Fatal("expected error for zero expiry")
	}
}

package httpapi

import (
	"context"
	"strings"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

func TestIssuedTokenRoundTrips(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321")

	token, err := manager.IssueToken("u-1", RoleCashier)
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	actor, err := manager.ParseToken(token.AccessToken)
	if err != nil {
		t.Fatalf("parse token failed: %v", err)
	}
	if actor.Subject != "u-1" || actor.Role != RoleCashier {
		t.Fatalf("unexpected actor %+v", actor)
	}
}

func TestIssueTokenRejectsUnknownRole(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "")
	if _, err := manager.IssueToken("u-1", "admin"); err == nil {
		t.Fatalf("expected unknown role to be rejected")
	}
	if _, err := manager.IssueToken(" ", RoleCashier); err == nil {
		t.Fatalf("expected empty subject to be rejected")
	}
}

func TestExpiredTokenIsRejected(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Minute, "")
	issued := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	manager.now = func() time.Time { return issued }

	token, err := manager.IssueToken("u-1", RoleManager)
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}

	manager.now = func() time.Time { return issued.Add(2 * time.Minute) }
	if _, err := manager.ParseToken(token.AccessToken); err == nil {
		t.Fatalf("expected expired token to be rejected")
	}
}

func TestTokenFromOtherSecretOrAlgorithmIsRejected(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "")
	other := NewAuthManager("other-secret", time.Hour, "")

	token, err := other.IssueToken("u-1", RoleCashier)
	if err != nil {
		t.Fatalf("issue token failed: %v", err)
	}
	if _, err := manager.ParseToken(token.AccessToken); err == nil {
		t.Fatalf("expected token signed with another secret to be rejected")
	}

	unsigned := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, syncClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{Subject: "u-1", Issuer: issuer},
		Role:             RoleManager,
	})
	raw, err := unsigned.SignedString(jwtlib.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none token: %v", err)
	}
	if _, err := manager.ParseToken(raw); err == nil {
		t.Fatalf("expected alg=none token to be rejected")
	}
}

func TestManagerPINIsHashedAndStillValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "654321")

	if manager.managerPIN == "654321" {
		t.Fatalf("expected manager pin to be stored as hash, got plain-text")
	}
	if !strings.HasPrefix(manager.managerPIN, "$2") {
		t.Fatalf("expected bcrypt hash prefix, got %s", manager.managerPIN)
	}
	if !manager.ValidateManagerPIN("654321") {
		t.Fatalf("expected manager pin validation to succeed")
	}
	if manager.ValidateManagerPIN("111111") {
		t.Fatalf("expected wrong manager pin to fail")
	}
}

func TestPreHashedManagerPINIsKept(t *testing.T) {
	hashed, err := hashPassword("246810")
	if err != nil {
		t.Fatalf("hash pin: %v", err)
	}
	manager := NewAuthManager("test-secret", time.Hour, hashed)
	if manager.managerPIN != hashed {
		t.Fatalf("expected pre-hashed pin to be used as is")
	}
	if !manager.ValidateManagerPIN("246810") {
		t.Fatalf("expected pre-hashed pin to validate")
	}
}

func TestUnsetManagerPINNeverValidates(t *testing.T) {
	manager := NewAuthManager("test-secret", time.Hour, "")
	if manager.ValidateManagerPIN("") || manager.ValidateManagerPIN("123456") {
		t.Fatalf("expected validation to fail without a configured pin")
	}
}

func TestActorContext(t *testing.T) {
	ctx := WithActor(context.Background(), Actor{Subject: "u-1", Role: RoleCashier})
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Subject != "u-1" {
		t.Fatalf("expected actor in context, got %+v (ok=%t)", actor, ok)
	}
	if _, ok := ActorFromContext(context.Background()); ok {
		t.Fatalf("expected no actor in empty context")
	}
}

package auth

import (
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/axion66/A2rchi-sub000/internal/coreerrors"
)

func TestBcryptRoundTrip(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse battery staple"), bcryptCost)
	if err != nil {
		t.Fatalf("GenerateFromPassword: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte("correct horse battery staple")); err != nil {
		t.Fatalf("expected matching password to verify, got: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte("wrong password")); err == nil {
		t.Fatal("expected mismatched password to fail verification")
	}
}

// TestGenericCredentialFailureMessageIsGeneric guards spec.md section 7's
// requirement that credential failure reasons never distinguish
// unknown-email from wrong-password.
func TestGenericCredentialFailureMessageIsGeneric(t *testing.T) {
	err := coreerrors.NewAuthenticationError(genericCredentialFailure)
	if err.Reason != "invalid email or password" {
		t.Fatalf("Reason = %q, want a generic credential-failure message", err.Reason)
	}
	for _, leaky := range []string{"no such user", "unknown email", "user not found"} {
		if err.Reason == leaky {
			t.Fatalf("credential failure reason must not leak account existence: %q", leaky)
		}
	}
}

func TestBcryptCostIsAtLeastDefaultMinimum(t *testing.T) {
	if bcryptCost < bcrypt.DefaultCost {
		t.Fatalf("bcryptCost = %d, should be >= bcrypt.DefaultCost (%d)", bcryptCost, bcrypt.DefaultCost)
	}
}

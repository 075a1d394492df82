package byok

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/axion66/A2rchi-sub000/internal/user"
)

func TestResolveKeyReturnsFalseWithNoRequestContext(t *testing.T) {
	r := NewResolver(zerolog.Nop())
	key, ok, err := r.ResolveKey(context.Background(), user.ProviderOpenAI)
	if err != nil || ok || key != "" {
		t.Fatalf("ResolveKey() = (%q, %v, %v), want (\"\", false, nil)", key, ok, err)
	}
}

func TestResolveKeyReturnsFalseForUnsupportedProvider(t *testing.T) {
	ctx := WithRequestContext(context.Background(), RequestContext{UserID: "u1", UserService: &user.Service{}})
	r := NewResolver(zerolog.Nop())
	key, ok, err := r.ResolveKey(ctx, user.Provider("bogus"))
	if err != nil || ok || key != "" {
		t.Fatalf("ResolveKey() = (%q, %v, %v), want (\"\", false, nil)", key, ok, err)
	}
}

func TestClearRequestContextRestoresDefaultBehavior(t *testing.T) {
	ctx := WithRequestContext(context.Background(), RequestContext{UserID: "u1", UserService: &user.Service{}})
	ctx = ClearRequestContext(ctx)
	r := NewResolver(zerolog.Nop())
	key, ok, err := r.ResolveKey(ctx, user.ProviderOpenAI)
	if err != nil || ok || key != "" {
		t.Fatalf("ResolveKey() after clear = (%q, %v, %v), want (\"\", false, nil)", key, ok, err)
	}
}

func TestRequestContextFromAbsent(t *testing.T) {
	if _, ok := RequestContextFrom(context.Background()); ok {
		t.Fatalf("expected no RequestContext on a bare background context")
	}
}

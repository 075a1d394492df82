package selection

import (
	"database/sql"
	"testing"
)

func TestResolveEnabledConversationOverrideWins(t *testing.T) {
	enabled, source := resolveEnabled(sql.NullBool{Bool: false, Valid: true}, sql.NullBool{Bool: true, Valid: true})
	if enabled || source != "conversation" {
		t.Fatalf("resolveEnabled() = (%v, %q), want (false, conversation)", enabled, source)
	}
}

func TestResolveEnabledUserDefaultWhenNoOverride(t *testing.T) {
	enabled, source := resolveEnabled(sql.NullBool{}, sql.NullBool{Bool: false, Valid: true})
	if enabled || source != "user_default" {
		t.Fatalf("resolveEnabled() = (%v, %q), want (false, user_default)", enabled, source)
	}
}

func TestResolveEnabledDefaultsToTrue(t *testing.T) {
	enabled, source := resolveEnabled(sql.NullBool{}, sql.NullBool{})
	if !enabled || source != "default" {
		t.Fatalf("resolveEnabled() = (%v, %q), want (true, default)", enabled, source)
	}
}

package user

import "testing"

func TestProviderColumn(t *testing.T) {
	cases := map[Provider]string{
		ProviderOpenAI:     "api_key_openai",
		ProviderAnthropic:  "api_key_anthropic",
		ProviderOpenRouter: "api_key_openrouter",
	}
	for provider, want := range cases {
		got, ok := provider.column()
		if !ok || got != want {
			t.Fatalf("Provider(%q).column() = (%q, %v), want (%q, true)", provider, got, ok, want)
		}
	}
}

func TestProviderColumnUnknown(t *testing.T) {
	if _, ok := Provider("bogus").column(); ok {
		t.Fatalf("expected unknown provider to report ok=false")
	}
}

func TestNewAnonIDFormat(t *testing.T) {
	id := newAnonID()
	if len(id) != len("anon_")+16 {
		t.Fatalf("newAnonID() = %q, unexpected length %d", id, len(id))
	}
	if id[:5] != "anon_" {
		t.Fatalf("newAnonID() = %q, want anon_ prefix", id)
	}
}

func TestNewAnonIDUnique(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := newAnonID()
		if seen[id] {
			t.Fatalf("newAnonID produced a duplicate: %q", id)
		}
		seen[id] = true
	}
}

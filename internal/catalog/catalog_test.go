package catalog

import "testing"

func TestBuildExtraText(t *testing.T) {
	text := buildExtraText(ResourceMetadata{"channel": "general", "ticket": "JIRA-1"})
	for _, want := range []string{"channel:general", "general", "ticket:JIRA-1", "JIRA-1"} {
		if !contains(text, want) {
			t.Fatalf("buildExtraText() = %q, missing %q", text, want)
		}
	}
}

func TestBuildExtraTextSkipsEmptyValues(t *testing.T) {
	text := buildExtraText(ResourceMetadata{"channel": ""})
	if text != "" {
		t.Fatalf("buildExtraText() = %q, want empty string for all-blank metadata", text)
	}
}

func TestKnownColumnsMapping(t *testing.T) {
	cases := map[string]string{
		"path":         "file_path",
		"display_name": "display_name",
		"source_type":  "source_type",
	}
	for key, want := range cases {
		got, ok := knownColumns[key]
		if !ok || got != want {
			t.Fatalf("knownColumns[%q] = (%q, %v), want (%q, true)", key, got, ok, want)
		}
	}
}

func TestKnownColumnsUnknownKeyFallsThroughToExtraText(t *testing.T) {
	if _, ok := knownColumns["channel"]; ok {
		t.Fatalf("expected \"channel\" to be an unrecognized key routed to extra_text")
	}
}

func TestParseInt64(t *testing.T) {
	n, err := parseInt64("1024")
	if err != nil || n != 1024 {
		t.Fatalf("parseInt64(\"1024\") = (%d, %v), want (1024, nil)", n, err)
	}
}

func TestParseInt64Invalid(t *testing.T) {
	if _, err := parseInt64("not-a-number"); err == nil {
		t.Fatalf("expected parseInt64 to reject non-numeric input")
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return len(needle) == 0
}

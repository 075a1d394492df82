package deploy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadExampleConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(ExampleConfig), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	doc, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if doc.Global.DeploymentName != "a2rchi-dev" {
		t.Fatalf("DeploymentName = %q, want a2rchi-dev", doc.Global.DeploymentName)
	}
	if doc.Global.EmbeddingDimensions != 1536 {
		t.Fatalf("EmbeddingDimensions = %d, want 1536", doc.Global.EmbeddingDimensions)
	}
	if len(doc.Global.AvailablePipelines) != 2 {
		t.Fatalf("AvailablePipelines = %v, want 2 entries", doc.Global.AvailablePipelines)
	}
}

func TestScheduleMapOmitsDisabledSources(t *testing.T) {
	doc := &Document{
		Services: ServicesSection{
			DataManager: DataManagerSection{
				Sources: map[string]SourceSection{
					"git":       {Schedule: "*/5 * * * *", Enabled: true},
					"ticketing": {Schedule: "0 */6 * * *", Enabled: false},
				},
			},
		},
	}
	got := doc.ScheduleMap()
	if _, ok := got["ticketing"]; ok {
		t.Fatalf("expected disabled source 'ticketing' to be omitted")
	}
	if got["git"] != "*/5 * * * *" {
		t.Fatalf("git schedule = %q, want */5 * * * *", got["git"])
	}
}

func TestDSNIncludesAllFields(t *testing.T) {
	c := DBCredentials{Host: "db", Port: "5432", User: "u", Password: "p", Database: "d"}
	dsn := c.DSN()
	for _, part := range []string{"host=db", "port=5432", "user=u", "password=p", "dbname=d"} {
		if !containsSubstring(dsn, part) {
			t.Fatalf("DSN() = %q, missing %q", dsn, part)
		}
	}
}

func containsSubstring(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

package conversation

import (
	"database/sql"
	"testing"
)

func TestTallyPreferenceCounts(t *testing.T) {
	stats := ModelComparisonStats{}
	prefs := []string{"a", "a", "a", "a", "a", "a", "b", "b", "b", "tie"}
	for _, p := range prefs {
		tallyPreference(&stats, sql.NullString{String: p, Valid: true})
	}
	if stats.WinsA != 6 || stats.WinsB != 3 || stats.Ties != 1 {
		t.Fatalf("tally = {a:%d b:%d tie:%d}, want {6,3,1}", stats.WinsA, stats.WinsB, stats.Ties)
	}
}

func TestTallyPreferencePendingWhenNull(t *testing.T) {
	stats := ModelComparisonStats{}
	tallyPreference(&stats, sql.NullString{})
	if stats.Pending != 1 {
		t.Fatalf("expected a NULL preference to count as pending, got %+v", stats)
	}
}

func TestTallyPreferenceSkip(t *testing.T) {
	stats := ModelComparisonStats{}
	tallyPreference(&stats, sql.NullString{String: "skip", Valid: true})
	if stats.Skips != 1 {
		t.Fatalf("expected skip to be tallied separately from wins/ties, got %+v", stats)
	}
}

func TestWinRateScenarioSixTenComparisons(t *testing.T) {
	stats := ModelComparisonStats{}
	prefs := []string{"a", "a", "a", "a", "a", "a", "b", "b", "b", "tie"}
	for _, p := range prefs {
		tallyPreference(&stats, sql.NullString{String: p, Valid: true})
	}
	decided := stats.WinsA + stats.WinsB + stats.Ties
	winRateA := float64(stats.WinsA) / float64(decided)
	winRateB := float64(stats.WinsB) / float64(decided)
	if winRateA != 0.6 {
		t.Fatalf("win_rate_a = %v, want 0.6", winRateA)
	}
	if winRateB != 0.3 {
		t.Fatalf("win_rate_b = %v, want 0.3", winRateB)
	}
}

func TestRecordPreferenceRejectsUnknownValue(t *testing.T) {
	s := &Service{}
	if err := s.RecordPreference(nil, 1, "maybe"); err == nil {
		t.Fatalf("expected an error for an unrecognized preference value")
	}
}

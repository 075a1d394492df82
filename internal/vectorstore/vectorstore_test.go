package vectorstore

import "testing"

func TestBM25RankToScoreNormalizesNonNegative(t *testing.T) {
	if got := BM25RankToScore(0); got != 1.0 {
		t.Fatalf("BM25RankToScore(0) = %v, want 1.0", got)
	}
	if got := BM25RankToScore(1); got != 0.5 {
		t.Fatalf("BM25RankToScore(1) = %v, want 0.5", got)
	}
}

func TestBM25RankToScoreClampsNegative(t *testing.T) {
	if got := BM25RankToScore(-5); got != 1.0 {
		t.Fatalf("BM25RankToScore(-5) = %v, want 1.0 (clamped to rank 0)", got)
	}
}

func TestVectorLiteral(t *testing.T) {
	if got := vectorLiteral([]float64{0.1, 0.2, 0.3}); got != "[0.1,0.2,0.3]" {
		t.Fatalf("vectorLiteral() = %q", got)
	}
}

func TestMergeWeightedCombinesScoresByID(t *testing.T) {
	vector := []ScoredChunk{{Chunk: Chunk{ID: 1}, Score: 1.0}, {Chunk: Chunk{ID: 2}, Score: 0.5}}
	keyword := []ScoredChunk{{Chunk: Chunk{ID: 1}, Score: 0.8}, {Chunk: Chunk{ID: 3}, Score: 0.4}}

	merged := mergeWeighted(vector, keyword, 0.7, 0.3)
	if len(merged) != 3 {
		t.Fatalf("expected 3 merged results, got %d", len(merged))
	}
	if merged[0].ID != 1 {
		t.Fatalf("expected chunk 1 (present in both legs) to rank first, got %d", merged[0].ID)
	}
	wantScore := 0.7*1.0 + 0.3*0.8
	if diff := merged[0].Score - wantScore; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("merged score = %v, want %v", merged[0].Score, wantScore)
	}
}

func TestMergeWeightedBreaksTiesByAscendingID(t *testing.T) {
	vector := []ScoredChunk{{Chunk: Chunk{ID: 5}, Score: 1.0}, {Chunk: Chunk{ID: 2}, Score: 1.0}}
	merged := mergeWeighted(vector, nil, 1.0, 0.0)
	if merged[0].ID != 2 || merged[1].ID != 5 {
		t.Fatalf("expected tie broken by ascending id, got order %d, %d", merged[0].ID, merged[1].ID)
	}
}

func TestIdsArray(t *testing.T) {
	if got := idsArray([]int64{1, 2, 3}); got != "{1,2,3}" {
		t.Fatalf("idsArray() = %q", got)
	}
}

func TestExcludeArrayNilWhenEmpty(t *testing.T) {
	if got := excludeArray(nil); got != nil {
		t.Fatalf("excludeArray(nil) = %v, want nil", got)
	}
}

func TestMetricOperator(t *testing.T) {
	cases := map[DistanceMetric]string{
		MetricCosine:    "<=>",
		MetricL2:        "<->",
		MetricInnerProd: "<#>",
	}
	for metric, want := range cases {
		if got := metric.operator(); got != want {
			t.Fatalf("%s.operator() = %q, want %q", metric, got, want)
		}
	}
}

func TestTenantClauseEmptyCollectionDisablesFilter(t *testing.T) {
	clause, arg := tenantClause("", 4)
	if clause != "TRUE" || arg != nil {
		t.Fatalf("tenantClause(\"\", 4) = (%q, %v), want (\"TRUE\", nil)", clause, arg)
	}
}

func TestTenantClauseScopesToCollectionOrAbsent(t *testing.T) {
	clause, arg := tenantClause("docs-prod", 4)
	if arg != "docs-prod" {
		t.Fatalf("tenantClause arg = %v, want %q", arg, "docs-prod")
	}
	want := "(dc.metadata->>'collection' IS NULL OR dc.metadata->>'collection' = $4)"
	if clause != want {
		t.Fatalf("tenantClause clause = %q, want %q", clause, want)
	}
}

package config

import (
	"context"
	"testing"

	"github.com/axion66/A2rchi-sub000/internal/coreerrors"
)

func ptrF(v float64) *float64 { return &v }
func ptrI(v int) *int         { return &v }

func TestValidateTemperatureOutOfRange(t *testing.T) {
	s := &Service{}
	err := s.validate(context.Background(), DynamicConfigPatch{Temperature: ptrF(3.5)})
	var verr *coreerrors.ConfigValidationError
	if err == nil {
		t.Fatalf("expected validation error for temperature=3.5")
	}
	if !asConfigValidationError(err, &verr) {
		t.Fatalf("expected *coreerrors.ConfigValidationError, got %T", err)
	}
	if verr.Field != "temperature" {
		t.Fatalf("Field = %q, want temperature", verr.Field)
	}
}

func TestValidateTemperatureInRange(t *testing.T) {
	s := &Service{}
	if err := s.validate(context.Background(), DynamicConfigPatch{Temperature: ptrF(1.2)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateMaxTokensMustBePositive(t *testing.T) {
	s := &Service{}
	if err := s.validate(context.Background(), DynamicConfigPatch{MaxTokens: ptrI(0)}); err == nil {
		t.Fatalf("expected validation error for max_tokens=0")
	}
}

func TestValidateWeightsMustBeInUnitRange(t *testing.T) {
	s := &Service{}
	if err := s.validate(context.Background(), DynamicConfigPatch{BM25Weight: ptrF(1.5)}); err == nil {
		t.Fatalf("expected validation error for bm25_weight=1.5")
	}
	if err := s.validate(context.Background(), DynamicConfigPatch{SemanticWeight: ptrF(-0.1)}); err == nil {
		t.Fatalf("expected validation error for semantic_weight=-0.1")
	}
}

func TestValidateTopPAndTopKRanges(t *testing.T) {
	s := &Service{}
	if err := s.validate(context.Background(), DynamicConfigPatch{TopP: ptrF(1.5)}); err == nil {
		t.Fatalf("expected validation error for top_p=1.5")
	}
	if err := s.validate(context.Background(), DynamicConfigPatch{TopK: ptrI(-1)}); err == nil {
		t.Fatalf("expected validation error for top_k=-1")
	}
	if err := s.validate(context.Background(), DynamicConfigPatch{TopP: ptrF(0.9), TopK: ptrI(40)}); err != nil {
		t.Fatalf("unexpected error for in-range top_p/top_k: %v", err)
	}
}

func TestEffectiveFieldsMappingKnown(t *testing.T) {
	for _, field := range []string{"temperature", "active_model", "top_p", "top_k", "system_prompt"} {
		if _, ok := effectiveFields[field]; !ok {
			t.Fatalf("expected effectiveFields to know about %q", field)
		}
	}
}

func asConfigValidationError(err error, target **coreerrors.ConfigValidationError) bool {
	ce, ok := err.(*coreerrors.ConfigValidationError)
	if !ok {
		return false
	}
	*target = ce
	return true
}

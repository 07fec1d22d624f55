package phonetic

import "testing"

var vocabulary = []string{"Continental", "Michelin", "Hankook", "Goodyear"}

func TestMatchPhonetic(t *testing.T) {
	m := New()
	corrected, confidence, matched := m.Match("kontinental", vocabulary)
	if !matched {
		t.Fatal("expected a phonetic match")
	}
	if corrected != "Continental" {
		t.Errorf("corrected = %q, want Continental", corrected)
	}
	if confidence < 0.70 {
		t.Errorf("confidence = %f, want >= 0.70", confidence)
	}
}

func TestMatchExactIsNotACorrection(t *testing.T) {
	m := New()
	corrected, _, matched := m.Match("goodyear", vocabulary)
	if matched {
		t.Errorf("exact input should not report a correction, got %q", corrected)
	}
}

func TestMatchNoCandidate(t *testing.T) {
	m := New()
	corrected, confidence, matched := m.Match("tomorrow", vocabulary)
	if matched {
		t.Errorf("unrelated word matched %q", corrected)
	}
	if corrected != "tomorrow" || confidence != 0 {
		t.Errorf("miss must return input unchanged, got %q %f", corrected, confidence)
	}
}

func TestMatchEmptyInputs(t *testing.T) {
	m := New()
	if _, _, matched := m.Match("", vocabulary); matched {
		t.Error("empty word must not match")
	}
	if _, _, matched := m.Match("hankook", nil); matched {
		t.Error("empty vocabulary must not match")
	}
}

func TestThresholdOptions(t *testing.T) {
	strict := New(WithPhoneticThreshold(0.99), WithFuzzyThreshold(0.99))
	if _, _, matched := strict.Match("kontinental", vocabulary); matched {
		t.Error("strict thresholds should reject near-misses")
	}
}

package sync

import (
	"testing"
	"time"
)

func TestBackoff_Delay(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute, 0)

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{6, 32 * time.Second},
		{7, time.Minute},
		{1000, time.Minute},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.failures); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestBackoff_Defaults(t *testing.T) {
	b := NewBackoff(0, 0, 0)
	if b.Delay(1) != DefaultBackoffBase {
		t.Errorf("Delay(1) = %v, want %v", b.Delay(1), DefaultBackoffBase)
	}
	if b.Delay(100) != DefaultBackoffMax {
		t.Errorf("Delay(100) = %v, want %v", b.Delay(100), DefaultBackoffMax)
	}
}

func TestBackoff_Jitter(t *testing.T) {
	b := NewBackoff(time.Second, time.Minute, 10)

	for i := 0; i < 50; i++ {
		d := b.Delay(1)
		if d < 900*time.Millisecond || d > 1100*time.Millisecond {
			t.Fatalf("Delay(1) with 10%% jitter = %v, outside [900ms, 1100ms]", d)
		}
	}
}

func TestDrainSummary_Add(t *testing.T) {
	var s DrainSummary
	for _, o := range []Outcome{OutcomeSynced, OutcomeSynced, OutcomeFailed, OutcomeConflict, OutcomeDeferred} {
		s.add(OperationResult{Outcome: o})
	}
	if s.Synced != 2 || s.Failed != 1 || s.Conflicts != 1 || s.Deferred != 1 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if s.Processed() != 4 || len(s.Results) != 5 {
		t.Errorf("Processed = %d, len(Results) = %d", s.Processed(), len(s.Results))
	}
}

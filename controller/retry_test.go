package controller

import (
	"testing"
	"time"
)

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := DefaultRetryConfig()

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 1, want: 500 * time.Millisecond},
		{attempt: 2, want: time.Second},
		{attempt: 3, want: 2 * time.Second},
		{attempt: 10, want: 10 * time.Second},
	}

	for _, tt := range tests {
		for range 20 {
			got := cfg.Backoff(tt.attempt)
			low := time.Duration(float64(tt.want) * 0.75)
			high := time.Duration(float64(tt.want) * 1.25)
			if got < low || got > high {
				t.Errorf("Backoff(%d) = %v, want within [%v, %v]", tt.attempt, got, low, high)
			}
		}
	}
}

func TestDefaultRetryConfig(t *testing.T) {
	cfg := DefaultRetryConfig()
	if cfg.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts)
	}
	if cfg.BackoffMultiplier != 2.0 {
		t.Errorf("BackoffMultiplier = %f, want 2.0", cfg.BackoffMultiplier)
	}
}

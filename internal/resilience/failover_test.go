package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestFailoverGroup_PrimarySucceeds(t *testing.T) {
	fg := NewFailoverGroup("primary", "primary", FailoverConfig{})
	fg.AddFallback("backup", "backup")

	var used string
	err := fg.Execute(func(v string) error {
		used = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if used != "primary" {
		t.Errorf("used = %q, want primary", used)
	}
}

func TestFailoverGroup_FallsBack(t *testing.T) {
	fg := NewFailoverGroup("primary", "primary", FailoverConfig{})
	fg.AddFallback("backup", "backup")

	var attempts []string
	err := fg.Execute(func(v string) error {
		attempts = append(attempts, v)
		if v == "primary" {
			return errTest
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attempts) != 2 || attempts[1] != "backup" {
		t.Errorf("attempts = %v, want [primary backup]", attempts)
	}
}

func TestFailoverGroup_AllFail(t *testing.T) {
	fg := NewFailoverGroup("primary", "primary", FailoverConfig{})
	fg.AddFallback("backup", "backup")

	err := fg.Execute(func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}

func TestFailoverGroup_SkipsOpenBreaker(t *testing.T) {
	fg := NewFailoverGroup("primary", "primary", FailoverConfig{
		CircuitBreaker: CircuitBreakerConfig{FailMax: 1, OpenDuration: time.Hour},
	})
	fg.AddFallback("backup", "backup")

	// Trip the primary's breaker.
	_ = fg.Execute(func(v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	})

	var attempts []string
	err := fg.Execute(func(v string) error {
		attempts = append(attempts, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(attempts) != 1 || attempts[0] != "backup" {
		t.Errorf("attempts = %v, want [backup] (primary breaker open)", attempts)
	}
}

func TestExecuteWithResult(t *testing.T) {
	fg := NewFailoverGroup(2, "two", FailoverConfig{})
	fg.AddFallback("three", 3)

	got, err := ExecuteWithResult(fg, func(v int) (int, error) {
		if v == 2 {
			return 0, errTest
		}
		return v * 10, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 30 {
		t.Errorf("result = %d, want 30", got)
	}
}

package models

import (
	"testing"
)

func TestFailureTransition(t *testing.T) {
	cases := []struct {
		attempts   int
		maxRetries int
		want       string
	}{
		{1, 3, StatusRetrying},
		{3, 3, StatusRetrying},
		{4, 3, StatusFailed},
		{1, 0, StatusFailed},
	}
	for _, c := range cases {
		if got := FailureTransition(c.attempts, c.maxRetries); got != c.want {
			t.Fatalf("FailureTransition(%d, %d) = %s, want %s", c.attempts, c.maxRetries, got, c.want)
		}
	}
}

func TestDispatchable(t *testing.T) {
	for _, status := range []string{StatusQueued, StatusRetrying} {
		if !Dispatchable(status) {
			t.Fatalf("expected %s to be dispatchable", status)
		}
	}
	for _, status := range []string{StatusRunning, StatusCompleted, StatusFailed} {
		if Dispatchable(status) {
			t.Fatalf("expected %s not to be dispatchable", status)
		}
	}
}

func TestTerminal(t *testing.T) {
	if !Terminal(StatusCompleted) || !Terminal(StatusFailed) {
		t.Fatal("completed and failed must be terminal")
	}
	if Terminal(StatusRetrying) {
		t.Fatal("retrying is not terminal")
	}
}

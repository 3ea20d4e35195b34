package connection

import (
	"fmt"
	"testing"
	"time"
)

func TestPolicy_RetryDelay(t *testing.T) {
	p := Policy{MaxReconnectAttempts: 5, BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.RetryDelay(tt.attempt); got != tt.want {
			t.Errorf("RetryDelay(%d)=%v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestPolicy_Exhausted(t *testing.T) {
	p := DefaultPolicy()
	if p.Exhausted(4) {
		t.Fatal("attempt 4 of 5 should not be exhausted")
	}
	if !p.Exhausted(5) {
		t.Fatal("attempt 5 of 5 should be exhausted")
	}
}

func TestIsRetryable(t *testing.T) {
	if IsRetryable(nil) {
		t.Fatal("nil error is not retryable")
	}
	if !IsRetryable(fmt.Errorf("dial: %w", ErrTransport)) {
		t.Fatal("transport error should be retryable")
	}
	if IsRetryable(fmt.Errorf("handshake: %w", ErrAuthentication)) {
		t.Fatal("authentication error must not be retried")
	}
}

func TestStatus_IsConnected(t *testing.T) {
	for _, s := range []State{StateDisconnected, StateConnecting, StateReconnecting, StateFailed} {
		if (Status{State: s}).IsConnected() {
			t.Errorf("%s reported connected", s)
		}
	}
	if !(Status{State: StateConnected}).IsConnected() {
		t.Fatal("CONNECTED not reported connected")
	}
}

package status

import "testing"

func TestForwardPath(t *testing.T) {
	steps := []struct {
		from Status
		to   Status
	}{
		{Pending, Sending},
		{Sending, Sent},
		{Sent, Delivered},
		{Delivered, Read},
	}
	for _, s := range steps {
		if !CanTransition(s.from, s.to) {
			t.Errorf("CanTransition(%s, %s) = false, want true", s.from, s.to)
		}
	}
}

func TestFailurePaths(t *testing.T) {
	if !CanTransition(Pending, Failed) {
		t.Error("pending -> failed must be allowed")
	}
	if !CanTransition(Sending, Failed) {
		t.Error("sending -> failed must be allowed")
	}
	if !CanTransition(Failed, FailedPermanently) {
		t.Error("failed -> failed_permanently must be allowed")
	}
	// failed_permanently is only reachable from failed (or via expiry of
	// a pending entry, which the scheduler drives through Pending).
	if CanTransition(Sent, FailedPermanently) {
		t.Error("sent -> failed_permanently must not be allowed")
	}
}

// TestNoRegression verifies that a confirmed message can never be pushed
// backwards by a stale event: sent/delivered/read never return to
// pending or sending.
func TestNoRegression(t *testing.T) {
	confirmed := []Status{Sent, Delivered, Read}
	early := []Status{Pending, Sending, Failed}
	for _, from := range confirmed {
		for _, to := range early {
			if CanTransition(from, to) {
				t.Errorf("CanTransition(%s, %s) = true, want false", from, to)
			}
		}
	}
}

func TestTerminalStates(t *testing.T) {
	if !IsTerminal(Read) {
		t.Error("read must be terminal")
	}
	if !IsTerminal(FailedPermanently) {
		t.Error("failed_permanently must be terminal (automatic transitions)")
	}
	if IsTerminal(Failed) {
		t.Error("failed is not terminal: scheduler may retry")
	}
}

func TestManualRetry(t *testing.T) {
	if !CanRetryManually(Failed) || !CanRetryManually(FailedPermanently) {
		t.Error("manual retry must be allowed from failed and failed_permanently")
	}
	for _, s := range []Status{Pending, Sending, Sent, Delivered, Read} {
		if CanRetryManually(s) {
			t.Errorf("CanRetryManually(%s) = true, want false", s)
		}
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(Pending) || !Retryable(Failed) {
		t.Error("pending and failed are the scheduler's working set")
	}
	for _, s := range []Status{Sending, Sent, Delivered, Read, FailedPermanently} {
		if Retryable(s) {
			t.Errorf("Retryable(%s) = true, want false", s)
		}
	}
}

func TestValidateNamesStates(t *testing.T) {
	err := Validate(Read, Pending)
	if err == nil {
		t.Fatal("Validate(read -> pending) should fail")
	}
}

func TestKnown(t *testing.T) {
	for _, s := range []Status{Pending, Sending, Sent, Delivered, Read, Failed, FailedPermanently} {
		if !Known(s) {
			t.Errorf("Known(%s) = false", s)
		}
	}
	if Known("exploded") {
		t.Error("Known(exploded) = true, want false")
	}
}

package transport

import "testing"

// TestStatusStrings checks every status has a distinct readable name.
// iota bugs (accidentally reordering constants) would break this.
func TestStatusStrings(t *testing.T) {
	statuses := []Status{
		StatusConnecting,
		StatusOpen,
		StatusClosing,
		StatusClosed,
		StatusAborted,
	}

	seen := make(map[string]bool)
	for _, s := range statuses {
		name := s.String()
		if name == "unknown" {
			t.Errorf("status %d has no name", s)
		}
		if seen[name] {
			t.Errorf("duplicate status name: %s", name)
		}
		seen[name] = true
	}
}

func TestTerminalStatuses(t *testing.T) {
	if StatusOpen.Terminal() || StatusConnecting.Terminal() || StatusClosing.Terminal() {
		t.Error("non-terminal status reported as terminal")
	}
	if !StatusClosed.Terminal() || !StatusAborted.Terminal() {
		t.Error("terminal status reported as non-terminal")
	}
}

func TestReasonFor(t *testing.T) {
	cases := map[Status]DisconnectReason{
		StatusClosed:     ReasonClosedClean,
		StatusClosing:    ReasonClosedClean,
		StatusAborted:    ReasonNetworkError,
		StatusOpen:       ReasonUnknown,
		StatusConnecting: ReasonUnknown,
	}
	for status, want := range cases {
		if got := ReasonFor(status); got != want {
			t.Errorf("ReasonFor(%s) = %s, want %s", status, got, want)
		}
	}
}

// TestStatusCellFirstTerminalWins makes sure an adapter that closed cleanly
// is not relabelled as aborted when the client disposes it afterwards.
func TestStatusCellFirstTerminalWins(t *testing.T) {
	var c StatusCell
	if c.Load() != StatusConnecting {
		t.Fatalf("zero value should be connecting, got %s", c.Load())
	}

	if !c.Transition(StatusConnecting, StatusOpen) {
		t.Fatal("connecting → open should succeed")
	}
	if c.Transition(StatusConnecting, StatusOpen) {
		t.Error("stale transition should fail")
	}

	c.Finish(StatusClosed)
	c.Finish(StatusAborted)
	if c.Load() != StatusClosed {
		t.Errorf("expected closed to stick, got %s", c.Load())
	}
}

func TestFrameKindStrings(t *testing.T) {
	if FrameText.String() != "text" || FrameBinary.String() != "binary" || FrameClose.String() != "close" {
		t.Error("unexpected frame kind names")
	}
}

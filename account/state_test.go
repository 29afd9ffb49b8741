package account

import (
	"testing"
)

func TestState_WireNames(t *testing.T) {
	seen := make(map[string]State)
	for _, s := range AllStates() {
		w := s.Wire()
		if w == "" {
			t.Fatalf("state %d has no wire name", s)
		}
		if prev, ok := seen[w]; ok {
			t.Fatalf("wire name %q used by %d and %d", w, prev, s)
		}
		seen[w] = s

		got, err := ParseState(w)
		if err != nil {
			t.Fatalf("ParseState(%q): %v", w, err)
		}
		if got != s {
			t.Fatalf("ParseState(%q) = %v, want %v", w, got, s)
		}
	}
	if len(seen) != 19 {
		t.Fatalf("got %d states, want 19", len(seen))
	}
}

func TestParseState_Unknown(t *testing.T) {
	if _, err := ParseState("NotAState"); err == nil {
		t.Fatal("expected error for unknown wire name")
	}
}

func TestState_Classes(t *testing.T) {
	tests := []struct {
		state    State
		stable   bool
		blocking bool
	}{
		{StateReady, true, false},
		{StateUntrusted, true, false},
		{StateNoAccount, false, true},
		{StateWaitForCDP, false, true},
		{StateWaitForUnlock, false, true},
		{StateEstablish, false, false},
		{StateJoining, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			if got := tt.state.Stable(); got != tt.stable {
				t.Errorf("Stable() = %v, want %v", got, tt.stable)
			}
			if got := tt.state.Blocking(); got != tt.blocking {
				t.Errorf("Blocking() = %v, want %v", got, tt.blocking)
			}
		})
	}
}

func TestFlag_String(t *testing.T) {
	if got := FlagPushReceived.String(); got != "cuttlefish-push-received" {
		t.Fatalf("FlagPushReceived = %q", got)
	}
}

package account

import "fmt"

// State is a step of the account trust state machine.
type State uint8

const (
	StateNoAccount State = iota + 1
	StateWaitingForCloudAccount
	StateWaitForCDPCapableSecurityLevel
	StateDetermineCDPState
	StateWaitForCDP
	StateCheckTrustState
	StateEstablish
	StateResetAndEstablish
	StateJoining
	StateBecomeReady
	StateReady
	StateUpdateTrust
	StateReadyUpdated
	StateWaitForTrust
	StatePostRepairCFU
	StateUntrusted
	StateLeaveTrust
	StateWaitForUnlock
	StateWaitForClassCUnlock
)

// wireNames is the only mapping between states and their persisted and
// reported form. init rejects duplicates in both directions.
var wireNames = map[State]string{
	StateNoAccount:                      "NoAccount",
	StateWaitingForCloudAccount:         "WaitingForCloudAccount",
	StateWaitForCDPCapableSecurityLevel: "WaitForCDPCapableSecurityLevel",
	StateDetermineCDPState:              "DetermineCDPState",
	StateWaitForCDP:                     "WaitForCDP",
	StateCheckTrustState:                "CheckTrustState",
	StateEstablish:                      "Establish",
	StateResetAndEstablish:              "ResetAndEstablish",
	StateJoining:                        "Joining",
	StateBecomeReady:                    "BecomeReady",
	StateReady:                          "Ready",
	StateUpdateTrust:                    "UpdateTrust",
	StateReadyUpdated:                   "ReadyUpdated",
	StateWaitForTrust:                   "WaitForTrust",
	StatePostRepairCFU:                  "PostRepairCFU",
	StateUntrusted:                      "Untrusted",
	StateLeaveTrust:                     "LeaveTrust",
	StateWaitForUnlock:                  "WaitForUnlock",
	StateWaitForClassCUnlock:            "WaitForClassCUnlock",
}

var statesByWire map[string]State

func init() {
	statesByWire = make(map[string]State, len(wireNames))
	for s, w := range wireNames {
		if prev, dup := statesByWire[w]; dup {
			panic(fmt.Sprintf("account: states %d and %d share wire name %q", prev, s, w))
		}
		statesByWire[w] = s
	}
	for s := StateNoAccount; s <= StateWaitForClassCUnlock; s++ {
		if _, ok := wireNames[s]; !ok {
			panic(fmt.Sprintf("account: state %d has no wire name", s))
		}
	}
}

// AllStates returns every state in declaration order.
func AllStates() []State {
	out := make([]State, 0, len(wireNames))
	for s := StateNoAccount; s <= StateWaitForClassCUnlock; s++ {
		out = append(out, s)
	}
	return out
}

// Wire returns the stable external name of s.
func (s State) Wire() string {
	if w, ok := wireNames[s]; ok {
		return w
	}
	return ""
}

func (s State) String() string {
	if w := s.Wire(); w != "" {
		return w
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// ParseState maps a wire name back to its state.
func ParseState(wire string) (State, error) {
	s, ok := statesByWire[wire]
	if !ok {
		return 0, fmt.Errorf("unknown account state %q", wire)
	}
	return s, nil
}

// Stable reports whether the machine rests in s until an external event.
func (s State) Stable() bool {
	return s == StateReady || s == StateUntrusted
}

// Blocking reports whether s waits on an external signal.
func (s State) Blocking() bool {
	switch s {
	case StateNoAccount, StateWaitingForCloudAccount, StateWaitForCDPCapableSecurityLevel,
		StateWaitForCDP, StateWaitForUnlock, StateWaitForClassCUnlock:
		return true
	}
	return false
}

func (s State) lockWait() bool {
	return s == StateWaitForUnlock || s == StateWaitForClassCUnlock
}

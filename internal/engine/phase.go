package engine

import "trustmesh/internal/check"

// EntryPhase is the lifecycle of one registry entry.
type EntryPhase uint8

const (
	EntryAbsent EntryPhase = iota + 1
	EntryRunning
	EntryStopping
)

func (p EntryPhase) String() string {
	switch p {
	case EntryAbsent:
		return "absent"
	case EntryRunning:
		return "running"
	case EntryStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

func (p EntryPhase) Transition(to EntryPhase) EntryPhase {
	ok := false
	switch p {
	case EntryAbsent:
		ok = to == EntryRunning
	case EntryRunning:
		ok = to == EntryStopping
	case EntryStopping:
		ok = to == EntryAbsent
	}
	check.Assertf(ok, "registry entry transition: %s -> %s", p, to)
	if !ok {
		return p
	}
	return to
}

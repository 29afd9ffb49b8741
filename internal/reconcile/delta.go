// Package reconcile computes and publishes the local peer's trust-graph
// opinion.
package reconcile

import (
	"trustmesh"
	"trustmesh/internal/check"
	"trustmesh/internal/ledger"
)

// Input is everything Compute looks at.
type Input struct {
	Self     trustmesh.Peer
	Snapshot ledger.Snapshot
	List     DeviceList
	CDP      trustmesh.CDPState
}

// Compute returns the minimal delta to publish on top of Self.Dynamic.
//
// Self is always included and never excluded. Trusted peers the local
// device does not yet include are added; peers the authorization list
// distrusts are excluded, unless Self's device class cannot issue removals.
func Compute(in Input) trustmesh.Delta {
	if in.CDP == trustmesh.CDPDisabled {
		return trustmesh.Delta{}
	}

	self := in.Self.PeerID
	dyn := in.Self.Dynamic
	canExclude := in.Self.DeviceClass.CanIssueRemovals()

	var include, exclude []string
	if !dyn.Includes(self) {
		include = append(include, self)
	}
	for _, p := range in.Snapshot.TrustedPeers() {
		if p.PeerID == self {
			continue
		}
		if canExclude && in.List != nil && in.List.Verdict(p.MachineID, p.JoinedAt).Distrusted() {
			if !dyn.Excludes(p.PeerID) {
				exclude = append(exclude, p.PeerID)
			}
			continue
		}
		if !dyn.Includes(p.PeerID) && !dyn.Excludes(p.PeerID) {
			include = append(include, p.PeerID)
		}
	}

	delta := trustmesh.Delta{
		Include: trustmesh.NormalizeIDs(include),
		Exclude: trustmesh.NormalizeIDs(exclude),
	}
	check.Assertf(!dyn.Apply(delta).Excludes(self), "reconcile: delta excludes self %s", self)
	return delta
}

package trustmesh

import (
	"encoding/json"
	"fmt"
	"slices"
)

// PeerDynamicInfo is one peer's signed opinion of the trust graph. Values are
// superseded, never mutated: Apply returns the next version.
type PeerDynamicInfo struct {
	Included  []string `json:"included"`
	Excluded  []string `json:"excluded"`
	Clock     uint64   `json:"clock"`
	Signature []byte   `json:"signature,omitempty"`
}

// Delta is a change to publish on top of the current dynamic info.
type Delta struct {
	Include []string
	Exclude []string
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool {
	return len(d.Include) == 0 && len(d.Exclude) == 0
}

// Includes reports whether peerID is in the included set.
func (d PeerDynamicInfo) Includes(peerID string) bool {
	_, ok := slices.BinarySearch(d.Included, peerID)
	return ok
}

// Excludes reports whether peerID is in the excluded set.
func (d PeerDynamicInfo) Excludes(peerID string) bool {
	_, ok := slices.BinarySearch(d.Excluded, peerID)
	return ok
}

// Clone returns a deep copy of d.
func (d PeerDynamicInfo) Clone() PeerDynamicInfo {
	return PeerDynamicInfo{
		Included:  slices.Clone(d.Included),
		Excluded:  slices.Clone(d.Excluded),
		Clock:     d.Clock,
		Signature: slices.Clone(d.Signature),
	}
}

// Validate checks the shape invariants of a dynamic info owned by self.
func (d PeerDynamicInfo) Validate(self string) error {
	if !slices.IsSorted(d.Included) || !slices.IsSorted(d.Excluded) {
		return &ValidationError{Field: "dynamic_info", Message: "peer sets must be sorted"}
	}
	for _, id := range d.Included {
		if d.Excludes(id) {
			return &ValidationError{Field: "dynamic_info", Message: fmt.Sprintf("peer %s is both included and excluded", id)}
		}
	}
	if d.Excludes(self) {
		others := 0
		for _, id := range d.Included {
			if id != self {
				others++
			}
		}
		if others == 0 {
			return &ValidationError{Field: "dynamic_info", Message: "self-exclusion requires another included peer"}
		}
	}
	return nil
}

// Apply returns the next dynamic info version. Including a peer removes it
// from the excluded set and vice versa. The signature is cleared.
func (d PeerDynamicInfo) Apply(delta Delta) PeerDynamicInfo {
	included := make(map[string]struct{}, len(d.Included)+len(delta.Include))
	excluded := make(map[string]struct{}, len(d.Excluded)+len(delta.Exclude))
	for _, id := range d.Included {
		included[id] = struct{}{}
	}
	for _, id := range d.Excluded {
		excluded[id] = struct{}{}
	}
	for _, id := range delta.Include {
		included[id] = struct{}{}
		delete(excluded, id)
	}
	for _, id := range delta.Exclude {
		excluded[id] = struct{}{}
		delete(included, id)
	}
	return PeerDynamicInfo{
		Included: sortedKeys(included),
		Excluded: sortedKeys(excluded),
		Clock:    d.Clock + 1,
	}
}

// SigningPayload is the canonical byte form covered by Signature.
func (d PeerDynamicInfo) SigningPayload(peerID string) []byte {
	payload := struct {
		PeerID   string   `json:"peer_id"`
		Included []string `json:"included"`
		Excluded []string `json:"excluded"`
		Clock    uint64   `json:"clock"`
	}{peerID, nonNil(d.Included), nonNil(d.Excluded), d.Clock}
	data, _ := json.Marshal(payload)
	return data
}

// NormalizeIDs sorts and deduplicates a set of peer IDs, dropping empties.
func NormalizeIDs(ids []string) []string {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return sortedKeys(set)
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

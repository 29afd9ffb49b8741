package trustmesh

import (
	"slices"
	"strings"
)

// Opinion is how one peer regards another after resolving its dynamic info.
type Opinion uint8

const (
	OpinionIgnores Opinion = iota
	OpinionTrusts
	OpinionTrustsByPreapproval
	OpinionExcludes
)

func (o Opinion) String() string {
	switch o {
	case OpinionIgnores:
		return "ignores"
	case OpinionTrusts:
		return "trusts"
	case OpinionTrustsByPreapproval:
		return "trustsByPreapproval"
	case OpinionExcludes:
		return "excludes"
	default:
		return "invalid"
	}
}

// TrustAssertion is a derived triple used for observability and tests.
type TrustAssertion struct {
	Peer    string
	Opinion Opinion
	Target  string
}

// ResolveAssertions computes peer's opinion of every peer in all, self
// included, ordered by target ID.
func ResolveAssertions(peer Peer, all []Peer) []TrustAssertion {
	out := make([]TrustAssertion, 0, len(all))
	for _, target := range all {
		out = append(out, TrustAssertion{
			Peer:    peer.PeerID,
			Opinion: opinionOf(peer, target.PeerID),
			Target:  target.PeerID,
		})
	}
	slices.SortFunc(out, func(a, b TrustAssertion) int {
		return strings.Compare(a.Target, b.Target)
	})
	return out
}

func opinionOf(peer Peer, target string) Opinion {
	switch {
	case peer.Dynamic.Excludes(target):
		return OpinionExcludes
	case peer.Dynamic.Includes(target):
		return OpinionTrusts
	case slices.Contains(peer.Preapprovals, target):
		return OpinionTrustsByPreapproval
	default:
		return OpinionIgnores
	}
}

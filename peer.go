package trustmesh

import (
	"slices"
	"time"
)

// Peer is one device identity as recorded by the trust ledger.
type Peer struct {
	PeerID      string
	MachineID   string
	DeviceClass DeviceClass
	// SigningKey is the peer's ed25519 public key.
	SigningKey []byte
	// Sponsor is the peer that vouched for this one. Empty for the peer that
	// established the account and for ledger-certified recovery joins.
	Sponsor  string
	JoinedAt time.Time
	Dynamic  PeerDynamicInfo
	// Preapprovals lists peers this peer has vouched for but not yet
	// included in its dynamic info.
	Preapprovals []string
}

// Clone returns a deep copy of p.
func (p Peer) Clone() Peer {
	out := p
	out.SigningKey = slices.Clone(p.SigningKey)
	out.Dynamic = p.Dynamic.Clone()
	out.Preapprovals = slices.Clone(p.Preapprovals)
	return out
}

// MachineIDStatus is the authorization verdict for a machine identifier.
type MachineIDStatus uint8

const (
	MachineIDUnknown MachineIDStatus = iota
	MachineIDAllowed
	MachineIDDisallowed
)

func (s MachineIDStatus) String() string {
	switch s {
	case MachineIDUnknown:
		return "unknown"
	case MachineIDAllowed:
		return "allowed"
	case MachineIDDisallowed:
		return "disallowed"
	default:
		return "invalid"
	}
}

// MachineIDEntry is one tracked row of the device authorization list.
type MachineIDEntry struct {
	MachineID string
	Status    MachineIDStatus
	Modified  time.Time
}

// Stale reports whether the entry is old enough to be re-verified against the
// authorization source.
func (e MachineIDEntry) Stale(now time.Time, grace time.Duration) bool {
	return now.Sub(e.Modified) >= grace
}

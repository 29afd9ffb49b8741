// Package trustmesh holds the data model shared by every component that
// bootstraps and repairs an account's peer set.
package trustmesh

// TrustState records whether the local device is a member of the account's
// peer set.
type TrustState uint8

const (
	TrustUnknown TrustState = iota
	TrustUntrusted
	TrustTrusted
)

func (s TrustState) String() string {
	switch s {
	case TrustUnknown:
		return "unknown"
	case TrustUntrusted:
		return "untrusted"
	case TrustTrusted:
		return "trusted"
	default:
		return "invalid"
	}
}

// CDPState is the account-level enhanced data protection gate.
type CDPState uint8

const (
	CDPUnknown CDPState = iota
	CDPEnabled
	CDPDisabled
)

func (s CDPState) String() string {
	switch s {
	case CDPUnknown:
		return "unknown"
	case CDPEnabled:
		return "enabled"
	case CDPDisabled:
		return "disabled"
	default:
		return "invalid"
	}
}

// SecurityLevel is the cloud account's authentication tier as reported by
// the account adapter.
type SecurityLevel uint8

const (
	SecurityLevelUnknown SecurityLevel = iota
	SecurityLevelStandard
	SecurityLevelHSA2
	// SecurityLevelDemo is a managed demo account. It supports CDP but skips
	// device-list enforcement.
	SecurityLevelDemo
)

func (l SecurityLevel) String() string {
	switch l {
	case SecurityLevelUnknown:
		return "unknown"
	case SecurityLevelStandard:
		return "standard"
	case SecurityLevelHSA2:
		return "hsa2"
	case SecurityLevelDemo:
		return "demo"
	default:
		return "invalid"
	}
}

// SupportsCDP reports whether trust bootstrap may proceed at this level.
func (l SecurityLevel) SupportsCDP() bool {
	return l == SecurityLevelHSA2 || l == SecurityLevelDemo
}

// DeviceClass distinguishes devices that may sign trust removals from
// constrained accessories that only follow removals issued by others.
type DeviceClass uint8

const (
	DeviceClassFull DeviceClass = iota
	DeviceClassAccessory
)

func (c DeviceClass) String() string {
	switch c {
	case DeviceClassFull:
		return "full"
	case DeviceClassAccessory:
		return "accessory"
	default:
		return "invalid"
	}
}

// CanIssueRemovals reports whether a device of this class may exclude peers.
func (c DeviceClass) CanIssueRemovals() bool {
	return c == DeviceClassFull
}

package account

// Flag is an external event queued into a machine.
type Flag uint8

const (
	FlagCloudAccountAvailable Flag = iota + 1
	FlagCloudAccountUnavailable
	FlagSecurityLevelChanged
	FlagCDPEnabled
	FlagCDPDisabled
	FlagPushReceived
	FlagDeviceUnlocked
	FlagDeviceListChanged
	FlagRepairNeeded
)

func (f Flag) String() string {
	switch f {
	case FlagCloudAccountAvailable:
		return "cloud-account-available"
	case FlagCloudAccountUnavailable:
		return "cloud-account-unavailable"
	case FlagSecurityLevelChanged:
		return "security-level-changed"
	case FlagCDPEnabled:
		return "cdp-enabled"
	case FlagCDPDisabled:
		return "cdp-disabled"
	case FlagPushReceived:
		return "cuttlefish-push-received"
	case FlagDeviceUnlocked:
		return "device-unlocked"
	case FlagDeviceListChanged:
		return "device-list-changed"
	case FlagRepairNeeded:
		return "repair-needed"
	default:
		return "unknown"
	}
}

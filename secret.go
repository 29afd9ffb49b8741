package trustmesh

// RecoverySecretKind names the join-by-secret variants.
type RecoverySecretKind uint8

const (
	SecretBottle RecoverySecretKind = iota + 1
	SecretCustodianRecoveryKey
	SecretInheritanceKey
)

func (k RecoverySecretKind) String() string {
	switch k {
	case SecretBottle:
		return "bottle"
	case SecretCustodianRecoveryKey:
		return "custodianRecoveryKey"
	case SecretInheritanceKey:
		return "inheritanceKey"
	default:
		return "invalid"
	}
}

// RecoverySecretRef identifies a recovery secret without its material.
type RecoverySecretRef struct {
	Kind        RecoverySecretKind
	UUID        string
	OwnerPeerID string
}

package trustmesh

// CloudAccountStatus is what the cloud account adapter reports about the
// signed-in account.
type CloudAccountStatus struct {
	Present bool
	// AccountID is the account's altDSID.
	AccountID     string
	SecurityLevel SecurityLevel
}

// FollowUpCategory names a user-facing remediation prompt.
type FollowUpCategory string

const (
	FollowUpRepairAccount FollowUpCategory = "repairAccount"
	FollowUpRepairEscrow  FollowUpCategory = "repairEscrow"
	FollowUpConfirmTrust  FollowUpCategory = "confirmExistingSecret"
)

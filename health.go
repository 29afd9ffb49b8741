package trustmesh

// HealthDirectiveKind is the remote verdict of a health check.
type HealthDirectiveKind uint8

const (
	DirectiveNoAction HealthDirectiveKind = iota
	DirectiveRepairAccount
	DirectiveRepairEscrow
	DirectiveResetOctagon
	DirectiveLeaveTrust
	DirectiveError
)

func (k HealthDirectiveKind) String() string {
	switch k {
	case DirectiveNoAction:
		return "noAction"
	case DirectiveRepairAccount:
		return "repairAccount"
	case DirectiveRepairEscrow:
		return "repairEscrow"
	case DirectiveResetOctagon:
		return "resetOctagon"
	case DirectiveLeaveTrust:
		return "leaveTrust"
	case DirectiveError:
		return "error"
	default:
		return "invalid"
	}
}

// HealthDirective drives local repair. It is acted upon, never persisted.
type HealthDirective struct {
	Kind HealthDirectiveKind
	// ErrorKind describes the server-side failure when Kind is DirectiveError.
	ErrorKind string
}

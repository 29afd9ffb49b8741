package trustmesh

import "time"

// AccountMetadata is the persisted set of facts about one trust context.
type AccountMetadata struct {
	AccountID           string        `json:"account_id"`
	PersonaID           string        `json:"persona_id"`
	ContextID           string        `json:"context_id"`
	PeerID              string        `json:"peer_id,omitempty"`
	TrustState          TrustState    `json:"trust_state"`
	CDPState            CDPState      `json:"cdp_state"`
	SecurityLevel       SecurityLevel `json:"security_level"`
	LastHealthCheckupAt time.Time     `json:"last_health_checkup_at"`
}

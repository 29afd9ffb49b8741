// Package ledger is the typed client surface of the remote trust ledger.
package ledger

import (
	"context"

	"trustmesh"
	"trustmesh/internal/identity"
)

// Service is the trust ledger RPC contract.
type Service interface {
	Establish(ctx context.Context, req EstablishRequest) (EstablishResponse, error)
	Join(ctx context.Context, req JoinRequest) (JoinResponse, error)
	Update(ctx context.Context, req UpdateRequest) (UpdateResponse, error)
	FetchChanges(ctx context.Context, req FetchChangesRequest) (FetchChangesResponse, error)
	FetchRecoverableShares(ctx context.Context, req FetchSharesRequest) (FetchSharesResponse, error)
	Reset(ctx context.Context, req ResetRequest) (ResetResponse, error)
	HealthCheck(ctx context.Context, req HealthCheckRequest) (HealthCheckResponse, error)
	Preflight(ctx context.Context, req PreflightRequest) (PreflightResponse, error)
	EnrollRecoverySecret(ctx context.Context, req EnrollRecoverySecretRequest) (EnrollRecoverySecretResponse, error)
	RemoveRecoverySecret(ctx context.Context, req RemoveRecoverySecretRequest) (RemoveRecoverySecretResponse, error)
	FetchViableBottles(ctx context.Context, req FetchViableBottlesRequest) (FetchViableBottlesResponse, error)
}

// Account addresses one account's trust graph on the ledger.
type Account struct {
	Container string `json:"container"`
	Context   string `json:"context"`
	AccountID string `json:"account_id"`
}

// ResetReason records why a trust graph was wiped.
type ResetReason uint8

const (
	ResetReasonUnknown ResetReason = iota
	ResetReasonUserInitiated
	ResetReasonHealthCheck
	ResetReasonNoBottle
	ResetReasonEstablishFailed
	ResetReasonTestGenerated
)

func (r ResetReason) String() string {
	switch r {
	case ResetReasonUserInitiated:
		return "userInitiated"
	case ResetReasonHealthCheck:
		return "healthCheck"
	case ResetReasonNoBottle:
		return "noBottle"
	case ResetReasonEstablishFailed:
		return "establishFailed"
	case ResetReasonTestGenerated:
		return "testGenerated"
	default:
		return "unknown"
	}
}

// Share is an encrypted sync-key-layer key readable by one peer.
type Share struct {
	KeyID     string `json:"key_id"`
	Recipient string `json:"recipient"`
	Sealed    []byte `json:"sealed"`
}

// Snapshot is the ledger's view of an account after a call.
type Snapshot struct {
	ChangeToken string           `json:"change_token"`
	Peers       []trustmesh.Peer `json:"peers"`
	// Trusted lists the peer IDs currently in the trust graph.
	Trusted []string `json:"trusted"`
}

// IsTrusted reports whether peerID is in the trust graph.
func (s Snapshot) IsTrusted(peerID string) bool {
	for _, id := range s.Trusted {
		if id == peerID {
			return true
		}
	}
	return false
}

// Peer returns the record for peerID.
func (s Snapshot) Peer(peerID string) (trustmesh.Peer, bool) {
	for _, p := range s.Peers {
		if p.PeerID == peerID {
			return p, true
		}
	}
	return trustmesh.Peer{}, false
}

// TrustedPeers returns the records of all trusted peers.
func (s Snapshot) TrustedPeers() []trustmesh.Peer {
	out := make([]trustmesh.Peer, 0, len(s.Trusted))
	for _, p := range s.Peers {
		if s.IsTrusted(p.PeerID) {
			out = append(out, p)
		}
	}
	return out
}

type EstablishRequest struct {
	Account Account          `json:"account"`
	Peer    trustmesh.Peer   `json:"peer"`
	Bottle  *identity.Bottle `json:"bottle,omitempty"`
}

type EstablishResponse struct {
	Snapshot
}

// JoinRequest admits Peer either on a sponsor Voucher or on a recovery
// secret proof.
type JoinRequest struct {
	Account     Account           `json:"account"`
	Peer        trustmesh.Peer    `json:"peer"`
	ChangeToken string            `json:"change_token"`
	Voucher     *identity.Voucher `json:"voucher,omitempty"`
	// Secret and Proof are set for custodian and inheritance key joins.
	Secret *trustmesh.RecoverySecretRef `json:"secret,omitempty"`
	Proof  []byte                       `json:"proof,omitempty"`
	Bottle *identity.Bottle             `json:"bottle,omitempty"`
}

type JoinResponse struct {
	Snapshot
}

type UpdateRequest struct {
	Account     Account                   `json:"account"`
	PeerID      string                    `json:"peer_id"`
	ChangeToken string                    `json:"change_token"`
	Dynamic     trustmesh.PeerDynamicInfo `json:"dynamic"`
}

type UpdateResponse struct {
	Snapshot
}

type FetchChangesRequest struct {
	Account     Account `json:"account"`
	ChangeToken string  `json:"change_token"`
}

type FetchChangesResponse struct {
	Snapshot
}

type FetchSharesRequest struct {
	Account Account `json:"account"`
	PeerID  string  `json:"peer_id"`
}

type FetchSharesResponse struct {
	Shares []Share `json:"shares"`
}

type ResetRequest struct {
	Account Account     `json:"account"`
	Reason  ResetReason `json:"reason"`
}

type ResetResponse struct {
	ChangeToken string `json:"change_token"`
}

type HealthCheckRequest struct {
	Account             Account `json:"account"`
	PeerID              string  `json:"peer_id"`
	RequiresEscrowCheck bool    `json:"requires_escrow_check"`
}

type HealthCheckResponse struct {
	Directive trustmesh.HealthDirective `json:"directive"`
}

// PreflightRequest validates a recovery secret without mutating the ledger.
// PublicKey is the key derived from the candidate material; bottles are
// checked by reference only.
type PreflightRequest struct {
	Account   Account                     `json:"account"`
	Secret    trustmesh.RecoverySecretRef `json:"secret"`
	PublicKey []byte                      `json:"public_key,omitempty"`
}

type PreflightResponse struct {
	OwnerPeerID string `json:"owner_peer_id"`
}

type EnrollRecoverySecretRequest struct {
	Account   Account                      `json:"account"`
	Secret    trustmesh.RecoverySecretRef  `json:"secret"`
	PublicKey []byte                       `json:"public_key"`
	Wrapped   *identity.WrappedRecoveryKey `json:"wrapped,omitempty"`
}

type EnrollRecoverySecretResponse struct {
	ChangeToken string `json:"change_token"`
}

type RemoveRecoverySecretRequest struct {
	Account Account                      `json:"account"`
	PeerID  string                       `json:"peer_id"`
	Kind    trustmesh.RecoverySecretKind `json:"kind"`
	UUID    string                       `json:"uuid"`
}

type RemoveRecoverySecretResponse struct{}

type FetchViableBottlesRequest struct {
	Account Account `json:"account"`
}

type FetchViableBottlesResponse struct {
	Bottles []identity.Bottle `json:"bottles"`
}

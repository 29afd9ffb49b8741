package account

import (
	"context"

	"trustmesh"
	"trustmesh/internal/authlist"
	"trustmesh/internal/health"
	"trustmesh/internal/ledger"
	"trustmesh/internal/metadata"
	"trustmesh/internal/recovery"
)

// CloudAccount reports the signed-in cloud account for this persona.
// Production: static.CloudAccount from configuration
// Testing: fake.CloudAccount
type CloudAccount interface {
	Status(ctx context.Context) (trustmesh.CloudAccountStatus, error)
}

// LockState reports whether local secrets can be decrypted.
// Production: static.LockState (always unlocked)
// Testing: fake.LockState with Lock/Unlock/Reboot
type LockState interface {
	Locked(ctx context.Context) (bool, error)
	// UnlockedSinceBoot is false until the first unlock after a restart.
	UnlockedSinceBoot(ctx context.Context) (bool, error)
}

// SyncKeyLayer is the key synchronization engine fed by trust changes.
// Production: static.SyncKeys
// Testing: fake.SyncKeys
type SyncKeyLayer interface {
	recovery.ShareSink
	// EscrowEntropy returns the secret escrow bottles are sealed under.
	EscrowEntropy(ctx context.Context) ([]byte, error)
	TrustChanged(ctx context.Context, self string, trusted []string) error
}

// Store persists account metadata, the authorization list cache and the
// local peer key.
// Production: *metadata.Store
// Testing: fake.MetadataStore
type Store interface {
	health.Store
	authlist.Store
	Delete(ctx context.Context, key trustmesh.ContextKey) error
	SavePeerKey(ctx context.Context, key trustmesh.ContextKey, pk metadata.PeerKey) error
	LoadPeerKey(ctx context.Context, key trustmesh.ContextKey) (metadata.PeerKey, error)
	DeletePeerKey(ctx context.Context, key trustmesh.ContextKey) error
}

// Deps are the collaborators one machine is built from.
type Deps struct {
	Ledger        ledger.Service
	Store         Store
	Cloud         CloudAccount
	Lock          LockState
	SyncKeys      SyncKeyLayer
	FollowUps     health.FollowUpSink
	Authorization authlist.Source
	TooManyPeers  recovery.TooManyPeersSink
}

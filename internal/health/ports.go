package health

import (
	"context"

	"trustmesh"
)

// Store reads and writes the persisted health-check timestamp.
// Production: *metadata.Store
// Testing: fake.MetadataStore
type Store interface {
	Load(ctx context.Context, key trustmesh.ContextKey) (trustmesh.AccountMetadata, error)
	Update(ctx context.Context, key trustmesh.ContextKey, fn func(*trustmesh.AccountMetadata) error) (trustmesh.AccountMetadata, error)
}

// FollowUpSink posts user-facing remediation prompts, at most once per
// category per session.
// Production: static.FollowUps logging through slog
// Testing: fake.FollowUps
type FollowUpSink interface {
	Post(ctx context.Context, category trustmesh.FollowUpCategory) error
	HasPosted(category trustmesh.FollowUpCategory) bool
}

// OutageResetter is told when the ledger answered a health check, so a
// non-enforcing authorization list may fetch again.
// Production: *authlist.List
type OutageResetter interface {
	ResetOutage()
}

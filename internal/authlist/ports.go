package authlist

import (
	"context"

	"trustmesh"
)

// Source is the authoritative device authorization list for an account.
// Production: static.AuthorizationSource backed by configuration
// Testing: fake.AuthorizationSource with scripted lists and failures
type Source interface {
	// CurrentList returns the last list the source holds without a remote
	// round trip.
	CurrentList(ctx context.Context) ([]string, error)
	// Fetch refreshes the list from the remote authority.
	Fetch(ctx context.Context) ([]string, error)
}

// Store persists tracked entries per context.
// Production: *metadata.Store
// Testing: fake.MetadataStore
type Store interface {
	MachineIDs(ctx context.Context, key trustmesh.ContextKey) ([]trustmesh.MachineIDEntry, error)
	SaveMachineIDs(ctx context.Context, key trustmesh.ContextKey, entries []trustmesh.MachineIDEntry) error
}

package reconcile

import (
	"context"
	"time"

	"trustmesh/internal/authlist"
)

// DeviceList is the authorization view the reconciler consults and feeds.
// Production: *authlist.List
// Testing: *authlist.List over fake.AuthorizationSource, or a static verdict map
type DeviceList interface {
	Observe(ctx context.Context, machineIDs []string) error
	Verdict(machineID string, joinedAt time.Time) authlist.Verdict
}

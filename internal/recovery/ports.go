package recovery

import (
	"context"

	"trustmesh/internal/ledger"
)

// ShareSink receives the recoverable key shares fetched during a join.
// Production: static.SyncKeys
// Testing: fake.SyncKeys
type ShareSink interface {
	IngestShares(ctx context.Context, shares []ledger.Share) error
}

// TooManyPeersSink is told when a join lands on an account that already
// holds many peers of the joiner's device class.
// Production: static.TooManyPeers logging through slog
// Testing: fake.TooManyPeers recording counts
type TooManyPeersSink interface {
	TooManyPeers(ctx context.Context, count int)
}

package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"trustmesh"
	"trustmesh/internal/identity"
	"trustmesh/internal/ledger"
)

// Session is the local context a reconcile pass runs in.
type Session struct {
	Account     ledger.Account
	Identity    *identity.Identity
	ChangeToken string
	CDP         trustmesh.CDPState
}

// Result is the outcome of one pass.
type Result struct {
	Snapshot ledger.Snapshot
	Delta    trustmesh.Delta
	// Published is true when an Update was sent.
	Published bool
	// SelfTrusted is false when other peers have excluded the local peer or
	// the trust graph was reset.
	SelfTrusted bool
}

// Reconciler fetches the trust graph, feeds the device list, and publishes
// the local peer's minimal delta.
type Reconciler struct {
	ledger ledger.Service
	list   DeviceList
	log    *slog.Logger
}

func New(svc ledger.Service, list DeviceList) *Reconciler {
	return &Reconciler{
		ledger: svc,
		list:   list,
		log:    slog.With("component", "reconcile"),
	}
}

// Fetch returns the current snapshot, restarting from an empty token when
// the ledger reports the given one as expired.
func (r *Reconciler) Fetch(ctx context.Context, acct ledger.Account, token string) (ledger.Snapshot, error) {
	resp, err := r.ledger.FetchChanges(ctx, ledger.FetchChangesRequest{Account: acct, ChangeToken: token})
	if errors.Is(err, ledger.ErrChangeTokenExpired) && token != "" {
		r.log.Debug("change token expired, refetching from scratch")
		resp, err = r.ledger.FetchChanges(ctx, ledger.FetchChangesRequest{Account: acct})
	}
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("fetch changes: %w", err)
	}
	return resp.Snapshot, nil
}

// Reconcile runs one pass for s.
func (r *Reconciler) Reconcile(ctx context.Context, s Session) (Result, error) {
	selfID := s.Identity.PeerID()
	log := r.log.With("peer_id", selfID)

	snap, err := r.Fetch(ctx, s.Account, s.ChangeToken)
	if err != nil {
		return Result{}, err
	}
	res := Result{Snapshot: snap, SelfTrusted: snap.IsTrusted(selfID)}
	if !res.SelfTrusted {
		log.Info("local peer is no longer trusted")
		return res, nil
	}

	if r.list != nil {
		var machineIDs []string
		for _, p := range snap.TrustedPeers() {
			machineIDs = append(machineIDs, p.MachineID)
		}
		if err := r.list.Observe(ctx, machineIDs); err != nil {
			return res, err
		}
	}

	self, _ := snap.Peer(selfID)
	delta := Compute(Input{Self: self, Snapshot: snap, List: r.list, CDP: s.CDP})
	res.Delta = delta
	if delta.Empty() {
		return res, nil
	}

	next := s.Identity.SignDynamicInfo(self.Dynamic.Apply(delta))
	resp, err := r.ledger.Update(ctx, ledger.UpdateRequest{
		Account:     s.Account,
		PeerID:      selfID,
		ChangeToken: snap.ChangeToken,
		Dynamic:     next,
	})
	if err != nil {
		return res, fmt.Errorf("publish trust update: %w", err)
	}
	log.Info("published trust update", "include", len(delta.Include), "exclude", len(delta.Exclude), "clock", next.Clock)
	res.Snapshot = resp.Snapshot
	res.Published = true
	res.SelfTrusted = resp.IsTrusted(selfID)
	return res, nil
}

package recovery

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"trustmesh"
	"trustmesh/internal/identity"
	"trustmesh/internal/ledger"
)

var newUUID = uuid.NewString

// Joiner describes the device that is joining.
type Joiner struct {
	Account     ledger.Account
	MachineID   string
	DeviceClass trustmesh.DeviceClass
	// Entropy escrows the new peer in its own bottle. No bottle is
	// published when empty.
	Entropy []byte
}

// BottleJoin joins by opening another peer's escrow bottle.
type BottleJoin struct {
	Joiner
	BottleUUID    string
	BottleEntropy []byte
}

// KeyJoin joins with a custodian recovery key or inheritance key.
type KeyJoin struct {
	Joiner
	Kind   trustmesh.RecoverySecretKind
	UUID   string
	Secret string
}

// Joined is the outcome of a successful join.
type Joined struct {
	Identity *identity.Identity
	// Sponsor is empty when the ledger certified the join itself.
	Sponsor  string
	Snapshot ledger.Snapshot
	Bottle   *identity.Bottle
}

// PreflightBottle checks that bottle id exists and its owner is still
// trusted. It returns the owner's peer ID.
func (c *Coordinator) PreflightBottle(ctx context.Context, acct ledger.Account, id string) (string, error) {
	resp, err := c.ledger.Preflight(ctx, ledger.PreflightRequest{
		Account: acct,
		Secret:  trustmesh.RecoverySecretRef{Kind: trustmesh.SecretBottle, UUID: id},
	})
	if err != nil {
		return "", fmt.Errorf("preflight bottle: %w", err)
	}
	return resp.OwnerPeerID, nil
}

// PreflightRecoveryKey checks a recovery key against the ledger without
// changing anything. It returns the issuing peer's ID.
func (c *Coordinator) PreflightRecoveryKey(ctx context.Context, acct ledger.Account, kind trustmesh.RecoverySecretKind, id, secret string) (string, error) {
	key, err := deriveKey(kind, id, secret)
	if err != nil {
		return "", err
	}
	return c.preflightKey(ctx, acct, key)
}

func (c *Coordinator) preflightKey(ctx context.Context, acct ledger.Account, key *identity.RecoveryKey) (string, error) {
	resp, err := c.ledger.Preflight(ctx, ledger.PreflightRequest{
		Account:   acct,
		Secret:    key.Ref(""),
		PublicKey: key.PublicKey(),
	})
	if err != nil {
		return "", fmt.Errorf("preflight %s: %w", key.Kind(), err)
	}
	return resp.OwnerPeerID, nil
}

// JoinWithBottle recovers the bottle owner's identity and uses it to vouch
// for a fresh peer.
func (c *Coordinator) JoinWithBottle(ctx context.Context, req BottleJoin) (Joined, error) {
	unlock, err := c.uuids.lock(ctx, req.BottleUUID)
	if err != nil {
		return Joined{}, err
	}
	defer unlock()

	baseline, err := c.baseline(ctx, req.Account)
	if err != nil {
		return Joined{}, err
	}
	owner, err := c.PreflightBottle(ctx, req.Account, req.BottleUUID)
	if err != nil {
		return Joined{}, err
	}
	bottles, err := c.ViableBottles(ctx, req.Account)
	if err != nil {
		return Joined{}, err
	}
	var bottle *identity.Bottle
	for i := range bottles {
		if bottles[i].UUID == req.BottleUUID {
			bottle = &bottles[i]
			break
		}
	}
	if bottle == nil {
		return Joined{}, ledger.Errorf(ledger.CodeRecoveryKeysNotEnrolled, "bottle %s is not viable", req.BottleUUID)
	}
	recovered, err := identity.OpenBottle(*bottle, req.BottleEntropy)
	if err != nil {
		return Joined{}, err
	}
	shares, err := c.recoverableShares(ctx, req.Account, owner)
	if err != nil {
		return Joined{}, err
	}

	self, peer, ownBottle, err := c.newPeer(req.Joiner, baseline, owner)
	if err != nil {
		return Joined{}, err
	}
	voucher, err := recovered.Vouch(self.PublicKey())
	if err != nil {
		return Joined{}, err
	}
	return c.join(ctx, req.Joiner, baseline, shares, ledger.JoinRequest{
		Account:     req.Account,
		Peer:        peer,
		ChangeToken: baseline.ChangeToken,
		Voucher:     &voucher,
		Bottle:      ownBottle,
	}, self, owner)
}

// JoinWithRecoveryKey joins with a custodian or inheritance key. A secret
// whose issuer has since left the account is certified by the ledger; one
// whose issuer was excluded fails with untrustedRecoveryKeys.
func (c *Coordinator) JoinWithRecoveryKey(ctx context.Context, req KeyJoin) (Joined, error) {
	unlock, err := c.uuids.lock(ctx, req.UUID)
	if err != nil {
		return Joined{}, err
	}
	defer unlock()

	key, err := deriveKey(req.Kind, req.UUID, req.Secret)
	if err != nil {
		return Joined{}, err
	}
	baseline, err := c.baseline(ctx, req.Account)
	if err != nil {
		return Joined{}, err
	}
	owner, err := c.preflightKey(ctx, req.Account, key)
	if err != nil {
		return Joined{}, err
	}
	shares, err := c.recoverableShares(ctx, req.Account, owner)
	if err != nil {
		return Joined{}, err
	}

	self, peer, ownBottle, err := c.newPeer(req.Joiner, baseline, owner)
	if err != nil {
		return Joined{}, err
	}
	ref := key.Ref(owner)
	return c.join(ctx, req.Joiner, baseline, shares, ledger.JoinRequest{
		Account:     req.Account,
		Peer:        peer,
		ChangeToken: baseline.ChangeToken,
		Secret:      &ref,
		Proof:       key.Sign(identity.JoinProof(self.PeerID(), self.PublicKey())),
		Bottle:      ownBottle,
	}, self, owner)
}

func (c *Coordinator) baseline(ctx context.Context, acct ledger.Account) (ledger.Snapshot, error) {
	resp, err := c.ledger.FetchChanges(ctx, ledger.FetchChangesRequest{Account: acct})
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("fetch changes before join: %w", err)
	}
	return resp.Snapshot, nil
}

// recoverableShares fetches the shares readable by owner. A join never
// proceeds without them.
func (c *Coordinator) recoverableShares(ctx context.Context, acct ledger.Account, owner string) ([]ledger.Share, error) {
	resp, err := c.ledger.FetchRecoverableShares(ctx, ledger.FetchSharesRequest{Account: acct, PeerID: owner})
	if err != nil {
		return nil, fmt.Errorf("fetch recoverable shares: %w", err)
	}
	var out []ledger.Share
	for _, s := range resp.Shares {
		if s.Recipient == owner {
			out = append(out, s)
		}
	}
	return out, nil
}

func (c *Coordinator) newPeer(j Joiner, baseline ledger.Snapshot, owner string) (*identity.Identity, trustmesh.Peer, *identity.Bottle, error) {
	self, err := identity.Generate(j.MachineID, j.DeviceClass)
	if err != nil {
		return nil, trustmesh.Peer{}, nil, err
	}
	included := append([]string{self.PeerID()}, baseline.Trusted...)
	peer := self.Peer(trustmesh.PeerDynamicInfo{
		Included: trustmesh.NormalizeIDs(included),
		Excluded: []string{},
		Clock:    1,
	}, owner)

	var bottle *identity.Bottle
	if len(j.Entropy) > 0 {
		b, err := identity.SealBottle(self, j.Entropy, newUUID())
		if err != nil {
			return nil, trustmesh.Peer{}, nil, err
		}
		bottle = &b
	}
	return self, peer, bottle, nil
}

func (c *Coordinator) join(ctx context.Context, j Joiner, baseline ledger.Snapshot, shares []ledger.Share, req ledger.JoinRequest, self *identity.Identity, owner string) (Joined, error) {
	log := c.log.With("peer_id", self.PeerID(), "owner", owner)

	resp, err := c.ledger.Join(ctx, req)
	if err != nil {
		return Joined{}, fmt.Errorf("join: %w", err)
	}
	c.Invalidate(j.Account)
	c.checkTooManyPeers(ctx, j, baseline, owner)

	if c.shares != nil && len(shares) > 0 {
		if err := c.shares.IngestShares(ctx, shares); err != nil {
			return Joined{}, fmt.Errorf("ingest recovered shares: %w", err)
		}
	}

	joined := Joined{Identity: self, Snapshot: resp.Snapshot, Bottle: req.Bottle}
	if p, ok := resp.Peer(self.PeerID()); ok {
		joined.Sponsor = p.Sponsor
	}
	log.Info("joined trust graph", "sponsor", joined.Sponsor, "shares", len(shares))
	return joined, nil
}

func (c *Coordinator) checkTooManyPeers(ctx context.Context, j Joiner, baseline ledger.Snapshot, sponsor string) {
	policy := c.tooManyPolicy
	if c.tooMany == nil || policy.DialogThreshold <= 0 {
		return
	}
	count := 0
	for _, p := range baseline.TrustedPeers() {
		if p.PeerID != sponsor && p.DeviceClass == j.DeviceClass {
			count++
		}
	}
	if count < policy.DialogThreshold {
		return
	}

	c.mu.Lock()
	already := c.notified[j.Account]
	c.notified[j.Account] = true
	c.mu.Unlock()
	if already {
		return
	}
	if policy.Limit > 0 {
		count = min(count, policy.Limit)
	}
	c.log.Info("account has many peers", "count", count)
	c.tooMany.TooManyPeers(ctx, count)
}

// Package recovery joins a device to an account with a recovery secret and
// manages the secrets a trusted peer issues.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"trustmesh"
	"trustmesh/internal/identity"
	"trustmesh/internal/ledger"
)

// TooManyPeersPolicy controls the too-many-peers notification. A zero
// DialogThreshold disables it.
type TooManyPeersPolicy struct {
	// Limit caps the count reported to the sink.
	Limit int
	// DialogThreshold is the peer count at which the sink is told.
	DialogThreshold int
}

// Coordinator runs secret-based joins and secret lifecycle calls against the
// ledger for one context.
type Coordinator struct {
	ledger ledger.Service
	shares ShareSink
	log    *slog.Logger

	tooMany       TooManyPeersSink
	tooManyPolicy TooManyPeersPolicy

	uuids *keyLock

	mu       sync.Mutex
	bottles  map[ledger.Account][]identity.Bottle
	notified map[ledger.Account]bool
}

type Option func(*Coordinator)

// WithTooManyPeers enables the too-many-peers notification.
func WithTooManyPeers(policy TooManyPeersPolicy, sink TooManyPeersSink) Option {
	return func(c *Coordinator) {
		c.tooManyPolicy = policy
		c.tooMany = sink
	}
}

// WithLogger overrides the coordinator's logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

func New(svc ledger.Service, shares ShareSink, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:   svc,
		shares:   shares,
		log:      slog.With("component", "recovery"),
		uuids:    newKeyLock(),
		bottles:  make(map[ledger.Account][]identity.Bottle),
		notified: make(map[ledger.Account]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ViableBottles lists the bottles whose owners are still trusted. Results
// are cached until a join, creation or removal in acct, or Invalidate.
func (c *Coordinator) ViableBottles(ctx context.Context, acct ledger.Account) ([]identity.Bottle, error) {
	c.mu.Lock()
	cached, ok := c.bottles[acct]
	c.mu.Unlock()
	if ok {
		return slices.Clone(cached), nil
	}

	resp, err := c.ledger.FetchViableBottles(ctx, ledger.FetchViableBottlesRequest{Account: acct})
	if err != nil {
		return nil, fmt.Errorf("fetch viable bottles: %w", err)
	}
	c.mu.Lock()
	c.bottles[acct] = slices.Clone(resp.Bottles)
	c.mu.Unlock()
	return resp.Bottles, nil
}

// Invalidate drops the cached bottle list for acct.
func (c *Coordinator) Invalidate(acct ledger.Account) {
	c.mu.Lock()
	delete(c.bottles, acct)
	c.mu.Unlock()
}

// EndSession forgets per-session state for acct, such as whether the
// too-many-peers sink was already told.
func (c *Coordinator) EndSession(acct ledger.Account) {
	c.mu.Lock()
	delete(c.bottles, acct)
	delete(c.notified, acct)
	c.mu.Unlock()
}

// CreateRequest describes a custodian or inheritance key to enroll.
type CreateRequest struct {
	Account ledger.Account
	Owner   *identity.Identity
	Kind    trustmesh.RecoverySecretKind
	// UUID is generated when empty.
	UUID string
	// Secret is generated when empty.
	Secret string
	// WrappingKey, when set, seals the key for storage with the ledger.
	WrappingKey []byte
	// Replay marks a repeat of an attempt whose outcome is unknown. An
	// existing enrollment of the same key under UUID then counts as success.
	Replay bool
}

// Created is the result of a successful enrollment.
type Created struct {
	Ref         trustmesh.RecoverySecretRef
	Secret      string
	ChangeToken string
}

// CreateRecoveryKey derives and enrolls a recovery key. Calls sharing a UUID
// run one at a time; a repeated UUID fails with the ledger's
// custodianRecoveryKeyUUIDExists error unless the request is a replay of
// the same key.
func (c *Coordinator) CreateRecoveryKey(ctx context.Context, req CreateRequest) (Created, error) {
	if req.UUID == "" {
		req.UUID = newUUID()
	}
	if req.Secret == "" {
		secret, err := identity.GenerateRecoverySecret()
		if err != nil {
			return Created{}, err
		}
		req.Secret = secret
	}
	unlock, err := c.uuids.lock(ctx, req.UUID)
	if err != nil {
		return Created{}, err
	}
	defer unlock()

	key, err := deriveKey(req.Kind, req.UUID, req.Secret)
	if err != nil {
		return Created{}, err
	}
	enroll := ledger.EnrollRecoverySecretRequest{
		Account:   req.Account,
		Secret:    key.Ref(req.Owner.PeerID()),
		PublicKey: key.PublicKey(),
	}
	if len(req.WrappingKey) > 0 {
		wrapped, err := key.Wrap(req.WrappingKey)
		if err != nil {
			return Created{}, ledger.Errorf(ledger.CodeFailedToCreateRecoveryKey, "wrap: %v", err)
		}
		enroll.Wrapped = &wrapped
	}

	resp, err := c.ledger.EnrollRecoverySecret(ctx, enroll)
	if req.Replay && errors.Is(err, ledger.ErrCustodianRecoveryKeyUUIDExists) {
		resp, err = c.confirmEnrolled(ctx, req.Kind, enroll)
	}
	if err != nil {
		return Created{}, fmt.Errorf("enroll %s: %w", req.Kind, err)
	}
	c.Invalidate(req.Account)
	c.log.Info("enrolled recovery secret", "kind", req.Kind.String(), "uuid", req.UUID)
	return Created{Ref: enroll.Secret, Secret: req.Secret, ChangeToken: resp.ChangeToken}, nil
}

// confirmEnrolled checks that the enrollment already under enroll's UUID is
// this key, owned by this peer.
func (c *Coordinator) confirmEnrolled(ctx context.Context, kind trustmesh.RecoverySecretKind, enroll ledger.EnrollRecoverySecretRequest) (ledger.EnrollRecoverySecretResponse, error) {
	exists := ledger.Errorf(ledger.CodeCustodianRecoveryKeyUUIDExists, "uuid %s already enrolled", enroll.Secret.UUID)
	resp, err := c.ledger.Preflight(ctx, ledger.PreflightRequest{
		Account:   enroll.Account,
		Secret:    enroll.Secret,
		PublicKey: enroll.PublicKey,
	})
	if ledger.IsTransient(err) {
		return ledger.EnrollRecoverySecretResponse{}, err
	}
	if err != nil || resp.OwnerPeerID != enroll.Secret.OwnerPeerID {
		return ledger.EnrollRecoverySecretResponse{}, exists
	}
	c.log.Info("recovery secret enrolled by an earlier attempt", "kind", kind.String(), "uuid", enroll.Secret.UUID)
	return ledger.EnrollRecoverySecretResponse{}, nil
}

// RemoveRecoverySecret removes a secret. Removing an unknown or already
// removed secret succeeds.
func (c *Coordinator) RemoveRecoverySecret(ctx context.Context, acct ledger.Account, peerID string, kind trustmesh.RecoverySecretKind, id string) error {
	unlock, err := c.uuids.lock(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := c.ledger.RemoveRecoverySecret(ctx, ledger.RemoveRecoverySecretRequest{
		Account: acct,
		PeerID:  peerID,
		Kind:    kind,
		UUID:    id,
	}); err != nil {
		return fmt.Errorf("remove %s: %w", kind, err)
	}
	c.Invalidate(acct)
	return nil
}

func deriveKey(kind trustmesh.RecoverySecretKind, id, secret string) (*identity.RecoveryKey, error) {
	key, err := identity.DeriveRecoveryKey(kind, id, secret)
	if errors.Is(err, identity.ErrInvalidRecoveryKey) {
		return nil, ledger.Errorf(ledger.CodeFailedToCreateRecoveryKey, "%v", err)
	}
	return key, err
}

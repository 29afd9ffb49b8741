// Package health runs rate-limited consistency checks against the trust
// ledger and turns the ledger's directive into a local repair action.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"trustmesh"
	"trustmesh/internal/ledger"
	"trustmesh/internal/metadata"
)

// DefaultInterval is the minimum time between two health checks.
const DefaultInterval = 24 * time.Hour

// ErrUnsupportedAccount is returned when the account's security level
// cannot hold a trust graph.
var ErrUnsupportedAccount = errors.New("unsupported account")

// Action is what the caller must do after a check.
type Action uint8

const (
	ActionNone Action = iota
	// ActionReset wipes local and remote trust and establishes a new peer.
	ActionReset
	// ActionLeave takes the local peer out of the trust graph.
	ActionLeave
)

func (a Action) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionReset:
		return "reset"
	case ActionLeave:
		return "leave"
	default:
		return "invalid"
	}
}

// Request is one health check.
type Request struct {
	Key           trustmesh.ContextKey
	Account       ledger.Account
	PeerID        string
	SecurityLevel trustmesh.SecurityLevel
	// RequiresEscrowCheck asks the ledger to verify the escrow record too.
	RequiresEscrowCheck bool
	// Bypass skips the rate limit.
	Bypass bool
}

// Result is the outcome of Check.
type Result struct {
	// Skipped is true when the rate limit suppressed the check.
	Skipped   bool
	Directive trustmesh.HealthDirective
	Action    Action
}

type Coordinator struct {
	ledger    ledger.Service
	store     Store
	followUps FollowUpSink
	outage    OutageResetter
	interval  time.Duration
	now       func() time.Time
	log       *slog.Logger
}

type Option func(*Coordinator)

// WithInterval sets the minimum time between checks.
func WithInterval(d time.Duration) Option {
	return func(c *Coordinator) { c.interval = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithOutageResetter registers the authorization list to re-arm after a
// successful check.
func WithOutageResetter(r OutageResetter) Option {
	return func(c *Coordinator) { c.outage = r }
}

func New(svc ledger.Service, store Store, followUps FollowUpSink, opts ...Option) *Coordinator {
	c := &Coordinator{
		ledger:    svc,
		store:     store,
		followUps: followUps,
		interval:  DefaultInterval,
		now:       time.Now,
		log:       slog.With("component", "health"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check runs a health check unless one ran within the minimum interval, in
// which case it returns a skipped result and no error.
func (c *Coordinator) Check(ctx context.Context, req Request) (Result, error) {
	log := c.log.With("context", req.Key.String())
	if !req.SecurityLevel.SupportsCDP() {
		return Result{}, fmt.Errorf("%w: security level %s", ErrUnsupportedAccount, req.SecurityLevel)
	}

	md, err := c.store.Load(ctx, req.Key)
	if err != nil && !errors.Is(err, metadata.ErrNoAccount) {
		return Result{}, fmt.Errorf("load account metadata: %w", err)
	}
	now := c.now()
	if !req.Bypass && !md.LastHealthCheckupAt.IsZero() && now.Sub(md.LastHealthCheckupAt) < c.interval {
		log.Debug("health check rate limited", "last", md.LastHealthCheckupAt)
		return Result{Skipped: true}, nil
	}

	resp, err := c.ledger.HealthCheck(ctx, ledger.HealthCheckRequest{
		Account:             req.Account,
		PeerID:              req.PeerID,
		RequiresEscrowCheck: req.RequiresEscrowCheck,
	})
	if err != nil {
		return Result{}, fmt.Errorf("health check: %w", err)
	}
	if _, err := c.store.Update(ctx, req.Key, func(md *trustmesh.AccountMetadata) error {
		md.LastHealthCheckupAt = now
		return nil
	}); err != nil {
		return Result{}, fmt.Errorf("record health check: %w", err)
	}
	if c.outage != nil {
		c.outage.ResetOutage()
	}

	res := Result{Directive: resp.Directive, Action: c.apply(ctx, log, resp.Directive)}
	log.Info("health check complete", "directive", resp.Directive.Kind.String(), "action", res.Action.String())
	return res, nil
}

func (c *Coordinator) apply(ctx context.Context, log *slog.Logger, d trustmesh.HealthDirective) Action {
	switch d.Kind {
	case trustmesh.DirectiveRepairAccount:
		c.postOnce(ctx, log, trustmesh.FollowUpRepairAccount)
	case trustmesh.DirectiveRepairEscrow:
		c.postOnce(ctx, log, trustmesh.FollowUpRepairEscrow)
	case trustmesh.DirectiveResetOctagon:
		return ActionReset
	case trustmesh.DirectiveLeaveTrust:
		return ActionLeave
	case trustmesh.DirectiveError:
		log.Warn("ledger reported health check error", "kind", d.ErrorKind)
	}
	return ActionNone
}

func (c *Coordinator) postOnce(ctx context.Context, log *slog.Logger, category trustmesh.FollowUpCategory) {
	if c.followUps == nil || c.followUps.HasPosted(category) {
		return
	}
	if err := c.followUps.Post(ctx, category); err != nil {
		log.Warn("post follow-up failed", "category", string(category), "err", err)
	}
}

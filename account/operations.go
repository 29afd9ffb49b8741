package account

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"trustmesh"
	"trustmesh/internal/authlist"
	"trustmesh/internal/health"
	"trustmesh/internal/identity"
	"trustmesh/internal/ledger"
	"trustmesh/internal/recovery"
)

// requireState checks the machine is in one of allowed before an operation
// starts.
func (m *Machine) requireState(name string, allowed ...State) error {
	st := m.State()
	for _, s := range allowed {
		if s == st {
			return nil
		}
	}
	if st == StateNoAccount || m.account == (ledger.Account{}) {
		return fmt.Errorf("%s: %w", name, ErrNoAccount)
	}
	return fmt.Errorf("%s in state %s: %w", name, st, ErrNotReady)
}

// trustResult maps the resting state after a trust-changing operation to
// the local peer ID or an error.
func (m *Machine) trustResult(op *operation, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if m.State() != StateReady || m.self == nil {
		return nil, fmt.Errorf("%s: %w", op.name, ErrNotTrusted)
	}
	return m.self.PeerID(), nil
}

func keep(op *operation, err error) (any, error) {
	return op.result, err
}

// retryTransient runs fn on the machine's retry schedule while it fails
// with transient ledger errors.
func (m *Machine) retryTransient(ctx context.Context, fn func() error) error {
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !ledger.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(m.newBackOff(), ctx))
}

// Establish creates a new trust graph with the local device as its only
// peer and returns the new peer ID.
func (m *Machine) Establish(ctx context.Context) (string, error) {
	return submit[string](ctx, m, &operation{
		name:        "establish",
		needsUnlock: true,
		start: func(ctx context.Context, op *operation) error {
			if err := m.requireState(op.name, StateUntrusted); err != nil {
				return err
			}
			m.setState(StateEstablish)
			return nil
		},
		finish: m.trustResult,
	})
}

// ResetAndEstablish wipes the account's trust graph and establishes a new
// one. The local peer ID changes.
func (m *Machine) ResetAndEstablish(ctx context.Context, reason ledger.ResetReason) (string, error) {
	return submit[string](ctx, m, &operation{
		name:        "reset-and-establish",
		needsUnlock: true,
		start: func(ctx context.Context, op *operation) error {
			if err := m.requireState(op.name, StateReady, StateUntrusted); err != nil {
				return err
			}
			m.resetReason = reason
			m.setState(StateResetAndEstablish)
			return nil
		},
		finish: m.trustResult,
	})
}

func (m *Machine) joiner(ctx context.Context) (recovery.Joiner, error) {
	entropy, err := m.deps.SyncKeys.EscrowEntropy(ctx)
	if err != nil {
		return recovery.Joiner{}, fmt.Errorf("escrow entropy: %w", err)
	}
	return recovery.Joiner{
		Account:     m.account,
		MachineID:   m.device.MachineID,
		DeviceClass: m.device.Class,
		Entropy:     entropy,
	}, nil
}

func (m *Machine) joinOperation(name string, join func(ctx context.Context, j recovery.Joiner) (recovery.Joined, error)) *operation {
	return &operation{
		name:        name,
		needsUnlock: true,
		start: func(ctx context.Context, op *operation) error {
			if err := m.requireState(op.name, StateUntrusted); err != nil {
				return err
			}
			m.setState(StateJoining)
			return nil
		},
		join: func(ctx context.Context) (recovery.Joined, error) {
			j, err := m.joiner(ctx)
			if err != nil {
				return recovery.Joined{}, err
			}
			return join(ctx, j)
		},
		finish: m.trustResult,
	}
}

// JoinWithBottle joins the trust graph by opening the escrow bottle id.
func (m *Machine) JoinWithBottle(ctx context.Context, id string, entropy []byte) (string, error) {
	return submit[string](ctx, m, m.joinOperation("join-with-bottle", func(ctx context.Context, j recovery.Joiner) (recovery.Joined, error) {
		return m.recovery.JoinWithBottle(ctx, recovery.BottleJoin{Joiner: j, BottleUUID: id, BottleEntropy: entropy})
	}))
}

// JoinWithRecoveryKey joins the trust graph with a custodian recovery key or
// an inheritance key.
func (m *Machine) JoinWithRecoveryKey(ctx context.Context, kind trustmesh.RecoverySecretKind, id, secret string) (string, error) {
	return submit[string](ctx, m, m.joinOperation("join-with-"+kind.String(), func(ctx context.Context, j recovery.Joiner) (recovery.Joined, error) {
		return m.recovery.JoinWithRecoveryKey(ctx, recovery.KeyJoin{Joiner: j, Kind: kind, UUID: id, Secret: secret})
	}))
}

// PreflightRecoveryKey validates recovery key material without joining and
// returns the owning peer ID.
func (m *Machine) PreflightRecoveryKey(ctx context.Context, kind trustmesh.RecoverySecretKind, id, secret string) (string, error) {
	return submit[string](ctx, m, &operation{
		name: "preflight-" + kind.String(),
		start: func(ctx context.Context, op *operation) error {
			if err := m.requireState(op.name, StateUntrusted, StateReady); err != nil {
				return err
			}
			return m.retryTransient(ctx, func() error {
				owner, err := m.recovery.PreflightRecoveryKey(ctx, m.account, kind, id, secret)
				op.result = owner
				return err
			})
		},
		finish: keep,
	})
}

// CreateRecoveryKey enrolls a custodian recovery key or an inheritance key
// owned by the local peer. An empty id is generated.
func (m *Machine) CreateRecoveryKey(ctx context.Context, kind trustmesh.RecoverySecretKind, id string) (recovery.Created, error) {
	return submit[recovery.Created](ctx, m, &operation{
		name:        "create-" + kind.String(),
		needsUnlock: true,
		start: func(ctx context.Context, op *operation) error {
			if err := m.requireState(op.name, StateReady); err != nil {
				return err
			}
			wrap, err := m.deps.SyncKeys.EscrowEntropy(ctx)
			if err != nil {
				return fmt.Errorf("escrow entropy: %w", err)
			}
			// Every attempt enrolls the same key material.
			if id == "" {
				id = uuid.NewString()
			}
			secret, err := identity.GenerateRecoverySecret()
			if err != nil {
				return err
			}
			attempts := 0
			return m.retryTransient(ctx, func() error {
				attempts++
				created, err := m.recovery.CreateRecoveryKey(ctx, recovery.CreateRequest{
					Account:     m.account,
					Owner:       m.self,
					Kind:        kind,
					UUID:        id,
					Secret:      secret,
					WrappingKey: wrap,
					Replay:      attempts > 1,
				})
				op.result = created
				return err
			})
		},
		finish: keep,
	})
}

// RemoveRecoverySecret revokes a custodian or inheritance key. Removing an
// unknown id succeeds.
func (m *Machine) RemoveRecoverySecret(ctx context.Context, kind trustmesh.RecoverySecretKind, id string) error {
	_, err := submit[struct{}](ctx, m, &operation{
		name:        "remove-" + kind.String(),
		needsUnlock: true,
		start: func(ctx context.Context, op *operation) error {
			if err := m.requireState(op.name, StateReady); err != nil {
				return err
			}
			return m.retryTransient(ctx, func() error {
				return m.recovery.RemoveRecoverySecret(ctx, m.account, m.self.PeerID(), kind, id)
			})
		},
		finish: keep,
	})
	return err
}

// ViableBottles lists the escrow bottles a new device could join with.
func (m *Machine) ViableBottles(ctx context.Context) ([]identity.Bottle, error) {
	return submit[[]identity.Bottle](ctx, m, &operation{
		name: "fetch-viable-bottles",
		start: func(ctx context.Context, op *operation) error {
			if err := m.requireState(op.name, StateReady, StateUntrusted, StateWaitForCDP); err != nil {
				return err
			}
			return m.retryTransient(ctx, func() error {
				bottles, err := m.recovery.ViableBottles(ctx, m.account)
				op.result = bottles
				return err
			})
		},
		finish: keep,
	})
}

// HealthCheck asks the ledger whether local trust is consistent and
// applies the repair it directs. bypass ignores the rate limit. A check
// submitted mid-transition waits for Ready or Untrusted until ctx ends.
func (m *Machine) HealthCheck(ctx context.Context, bypass bool) (health.Result, error) {
	return submit[health.Result](ctx, m, &operation{
		name:        "health-check",
		needsUnlock: true,
		awaitStable: true,
		admit:       m.admitHealthCheck,
		start: func(ctx context.Context, op *operation) error {
			if err := m.requireState(op.name, StateReady, StateUntrusted); err != nil {
				return err
			}
			res, err := m.runHealthCheck(ctx, bypass)
			op.result = res
			return err
		},
		finish: keep,
	})
}

// admitHealthCheck fails checks that no later state could serve.
func (m *Machine) admitHealthCheck(op *operation) error {
	if m.State() == StateNoAccount {
		return fmt.Errorf("%s: %w", op.name, ErrNoAccount)
	}
	if m.account != (ledger.Account{}) && !m.level.SupportsCDP() {
		return fmt.Errorf("%s: security level %s: %w", op.name, m.level, health.ErrUnsupportedAccount)
	}
	return nil
}

// Leave takes the local peer out of the trust graph.
func (m *Machine) Leave(ctx context.Context) error {
	_, err := submit[struct{}](ctx, m, &operation{
		name:        "leave",
		needsUnlock: true,
		start: func(ctx context.Context, op *operation) error {
			if err := m.requireState(op.name, StateReady); err != nil {
				return err
			}
			m.setState(StateLeaveTrust)
			return nil
		},
		finish: func(op *operation, err error) (any, error) {
			if err == nil && m.State() != StateUntrusted {
				err = fmt.Errorf("%s ended in %s", op.name, m.State())
			}
			return nil, err
		},
	})
	return err
}

// HandleDeviceListNotification applies a device-list push and reports
// whether the list changed. A change while trusted triggers a trust update.
func (m *Machine) HandleDeviceListNotification(ctx context.Context, n authlist.Notification) (bool, error) {
	return submit[bool](ctx, m, &operation{
		name:        "device-list-notification",
		needsUnlock: true,
		start: func(ctx context.Context, op *operation) error {
			changed, err := m.list.HandleNotification(ctx, n)
			op.result = changed
			if err != nil {
				return err
			}
			if changed && m.State() == StateReady {
				m.setState(StateUpdateTrust)
			}
			return nil
		},
		finish: keep,
	})
}

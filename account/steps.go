package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"trustmesh"
	"trustmesh/internal/health"
	"trustmesh/internal/identity"
	"trustmesh/internal/ledger"
	"trustmesh/internal/metadata"
	"trustmesh/internal/reconcile"
)

func (m *Machine) applyFlag(ctx context.Context, f Flag) {
	st := m.State()
	m.log.Debug("flag", "flag", f.String(), "state", st.String())
	switch f {
	case FlagCloudAccountAvailable:
		if st == StateNoAccount {
			m.setState(StateWaitingForCloudAccount)
		}
	case FlagSecurityLevelChanged:
		if st == StateWaitForCDPCapableSecurityLevel || st.Stable() {
			m.setState(StateWaitingForCloudAccount)
		}
	case FlagCDPEnabled:
		m.setCDP(ctx, trustmesh.CDPEnabled)
		if st == StateWaitForCDP || st == StateUntrusted {
			m.setState(StateCheckTrustState)
		}
	case FlagCDPDisabled:
		m.setCDP(ctx, trustmesh.CDPDisabled)
		if st != StateNoAccount && st != StateWaitingForCloudAccount && st != StateWaitForCDPCapableSecurityLevel {
			m.setState(StateWaitForCDP)
		}
	case FlagPushReceived, FlagDeviceListChanged:
		switch st {
		case StateReady:
			m.setState(StateUpdateTrust)
		case StateUntrusted:
			m.setState(StateCheckTrustState)
		}
	case FlagRepairNeeded:
		if st.Stable() {
			if _, err := m.runHealthCheck(ctx, true); err != nil {
				m.log.Warn("repair health check failed", "err", err)
			}
		}
	case FlagDeviceUnlocked:
		// The wait state re-checks the lock.
	}
}

func (m *Machine) setCDP(ctx context.Context, state trustmesh.CDPState) {
	if m.account == (ledger.Account{}) {
		return
	}
	if err := m.updateMetadata(ctx, func(md *trustmesh.AccountMetadata) { md.CDPState = state }); err != nil {
		m.log.Warn("persist cdp state", "err", err)
	}
}

// step runs the work of state s and returns the state to move to. Returning
// s itself means the machine waits there for an external signal.
func (m *Machine) step(ctx context.Context, s State) (State, error) {
	switch s {
	case StateNoAccount:
		return s, nil
	case StateWaitingForCloudAccount:
		return m.stepCloudAccount(ctx)
	case StateWaitForCDPCapableSecurityLevel:
		next, err := m.stepCloudAccount(ctx)
		if err != nil || next == StateWaitForCDPCapableSecurityLevel {
			return s, err
		}
		return next, nil
	case StateDetermineCDPState:
		return m.stepDetermineCDP(ctx)
	case StateWaitForCDP:
		if m.metadata().CDPState == trustmesh.CDPEnabled {
			return StateCheckTrustState, nil
		}
		return s, nil
	case StateCheckTrustState:
		return m.stepCheckTrust(ctx)
	case StateEstablish:
		return m.stepEstablish(ctx)
	case StateResetAndEstablish:
		return m.stepReset(ctx)
	case StateJoining:
		return m.stepJoin(ctx)
	case StateBecomeReady:
		return m.stepBecomeReady(ctx)
	case StateUpdateTrust:
		return m.stepUpdateTrust(ctx)
	case StateReadyUpdated:
		if err := m.deps.SyncKeys.TrustChanged(ctx, m.self.PeerID(), m.snap.Trusted); err != nil {
			return s, fmt.Errorf("notify sync keys: %w", err)
		}
		return StateReady, nil
	case StateWaitForTrust:
		return StatePostRepairCFU, nil
	case StatePostRepairCFU:
		return m.stepPostRepair(ctx)
	case StateLeaveTrust:
		return m.stepLeave(ctx)
	case StateWaitForUnlock, StateWaitForClassCUnlock:
		return m.stepUnlock(ctx, s)
	case StateReady, StateUntrusted:
		return s, nil
	}
	return s, fmt.Errorf("no step for state %s", s)
}

func (m *Machine) stepCloudAccount(ctx context.Context) (State, error) {
	status, err := m.deps.Cloud.Status(ctx)
	if err != nil {
		return StateWaitingForCloudAccount, fmt.Errorf("cloud account status: %w", err)
	}
	if !status.Present {
		m.account = ledger.Account{}
		return StateNoAccount, nil
	}
	if status.AccountID != m.key.Persona {
		m.log.Warn("cloud account belongs to another persona", "account_id", status.AccountID)
		m.account = ledger.Account{}
		return StateNoAccount, nil
	}

	acct := ledger.Account{Container: m.key.Container, Context: m.key.Context, AccountID: status.AccountID}
	if m.account != acct {
		m.account = acct
		self, err := m.loadIdentity(ctx)
		if err != nil {
			return StateWaitingForCloudAccount, err
		}
		m.self = self
	}
	m.level = status.SecurityLevel
	m.list.SetDemo(status.SecurityLevel == trustmesh.SecurityLevelDemo)
	if err := m.updateMetadata(ctx, func(md *trustmesh.AccountMetadata) {
		md.AccountID = status.AccountID
		md.PersonaID = m.key.Persona
		md.ContextID = m.key.Context
		md.SecurityLevel = status.SecurityLevel
	}); err != nil {
		return StateWaitingForCloudAccount, err
	}

	if !status.SecurityLevel.SupportsCDP() {
		return StateWaitForCDPCapableSecurityLevel, nil
	}
	return StateDetermineCDPState, nil
}

func (m *Machine) loadIdentity(ctx context.Context) (*identity.Identity, error) {
	pk, err := m.deps.Store.LoadPeerKey(ctx, m.key)
	if errors.Is(err, metadata.ErrNoPeerKey) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load peer key: %w", err)
	}
	return identity.FromSeed(pk.Seed, pk.MachineID, pk.DeviceClass)
}

func (m *Machine) stepDetermineCDP(ctx context.Context) (State, error) {
	switch m.metadata().CDPState {
	case trustmesh.CDPEnabled:
		return StateCheckTrustState, nil
	case trustmesh.CDPDisabled:
		return StateWaitForCDP, nil
	}
	snap, err := m.reconciler.Fetch(ctx, m.account, "")
	if err != nil {
		return StateDetermineCDPState, err
	}
	m.observe(snap)
	if len(snap.Trusted) == 0 {
		return StateWaitForCDP, nil
	}
	if err := m.updateMetadata(ctx, func(md *trustmesh.AccountMetadata) { md.CDPState = trustmesh.CDPEnabled }); err != nil {
		return StateDetermineCDPState, err
	}
	return StateCheckTrustState, nil
}

func (m *Machine) observe(snap ledger.Snapshot) {
	m.snap = snap
	m.changeToken = snap.ChangeToken
}

func (m *Machine) stepCheckTrust(ctx context.Context) (State, error) {
	snap, err := m.reconciler.Fetch(ctx, m.account, m.changeToken)
	if err != nil {
		return StateCheckTrustState, err
	}
	m.observe(snap)
	switch {
	case m.self != nil && snap.IsTrusted(m.self.PeerID()):
		return StateBecomeReady, nil
	case len(snap.Trusted) == 0 && m.metadata().CDPState == trustmesh.CDPEnabled:
		return StateEstablish, nil
	}
	return StateWaitForTrust, nil
}

func (m *Machine) stepEstablish(ctx context.Context) (State, error) {
	if wait, locked := m.lockGate(ctx, StateEstablish); locked {
		return wait, nil
	}
	if err := m.list.CheckSelf(ctx, m.device.MachineID); err != nil {
		return StateEstablish, err
	}
	self, err := identity.Generate(m.device.MachineID, m.device.Class)
	if err != nil {
		return StateEstablish, err
	}
	bottle, err := m.sealBottle(ctx, self)
	if err != nil {
		return StateEstablish, err
	}
	resp, err := m.deps.Ledger.Establish(ctx, ledger.EstablishRequest{
		Account: m.account,
		Peer:    self.Peer(trustmesh.PeerDynamicInfo{Included: []string{self.PeerID()}, Excluded: []string{}, Clock: 1}, ""),
		Bottle:  &bottle,
	})
	if ledger.CodeOf(err) == ledger.CodeAccountHasPeers {
		m.log.Info("account gained peers before establish")
		return StateWaitForTrust, nil
	}
	if err != nil {
		return StateEstablish, fmt.Errorf("establish: %w", err)
	}
	if err := m.adopt(ctx, self, resp.Snapshot); err != nil {
		return StateEstablish, err
	}
	m.log.Info("established trust graph", "peer_id", self.PeerID())
	return StateBecomeReady, nil
}

func (m *Machine) sealBottle(ctx context.Context, self *identity.Identity) (identity.Bottle, error) {
	entropy, err := m.deps.SyncKeys.EscrowEntropy(ctx)
	if err != nil {
		return identity.Bottle{}, fmt.Errorf("escrow entropy: %w", err)
	}
	return identity.SealBottle(self, entropy, uuid.NewString())
}

func (m *Machine) stepReset(ctx context.Context) (State, error) {
	if wait, locked := m.lockGate(ctx, StateResetAndEstablish); locked {
		return wait, nil
	}
	if _, err := m.deps.Ledger.Reset(ctx, ledger.ResetRequest{Account: m.account, Reason: m.resetReason}); err != nil {
		return StateResetAndEstablish, fmt.Errorf("reset: %w", err)
	}
	old := ""
	if m.self != nil {
		old = m.self.PeerID()
	}
	if err := m.dropIdentity(ctx); err != nil {
		return StateResetAndEstablish, err
	}
	m.recovery.Invalidate(m.account)
	m.changeToken = ""
	m.log.Info("reset trust graph", "reason", m.resetReason.String(), "old_peer_id", old)
	return StateEstablish, nil
}

func (m *Machine) stepJoin(ctx context.Context) (State, error) {
	if wait, locked := m.lockGate(ctx, StateJoining); locked {
		return wait, nil
	}
	op := m.inflight
	if op == nil || op.join == nil {
		return StateUntrusted, nil
	}
	if err := m.list.CheckSelf(ctx, m.device.MachineID); err != nil {
		return StateJoining, err
	}
	joined, err := op.join(ctx)
	if err != nil {
		return StateJoining, err
	}
	if err := m.adopt(ctx, joined.Identity, joined.Snapshot); err != nil {
		return StateJoining, err
	}
	op.result = joined.Identity.PeerID()
	return StateBecomeReady, nil
}

// adopt makes id the local peer.
func (m *Machine) adopt(ctx context.Context, id *identity.Identity, snap ledger.Snapshot) error {
	if err := m.deps.Store.SavePeerKey(ctx, m.key, metadata.PeerKey{
		PeerID:      id.PeerID(),
		MachineID:   id.MachineID(),
		DeviceClass: id.DeviceClass(),
		Seed:        id.Seed(),
	}); err != nil {
		return fmt.Errorf("save peer key: %w", err)
	}
	m.self = id
	m.observe(snap)
	return m.updateMetadata(ctx, func(md *trustmesh.AccountMetadata) { md.PeerID = id.PeerID() })
}

func (m *Machine) dropIdentity(ctx context.Context) error {
	if err := m.deps.Store.DeletePeerKey(ctx, m.key); err != nil && !errors.Is(err, metadata.ErrNoPeerKey) {
		return fmt.Errorf("delete peer key: %w", err)
	}
	m.self = nil
	return m.updateMetadata(ctx, func(md *trustmesh.AccountMetadata) {
		md.PeerID = ""
		md.TrustState = trustmesh.TrustUntrusted
	})
}

func (m *Machine) stepBecomeReady(ctx context.Context) (State, error) {
	if err := m.updateMetadata(ctx, func(md *trustmesh.AccountMetadata) {
		md.PeerID = m.self.PeerID()
		md.TrustState = trustmesh.TrustTrusted
		if md.CDPState == trustmesh.CDPUnknown {
			md.CDPState = trustmesh.CDPEnabled
		}
	}); err != nil {
		return StateBecomeReady, err
	}
	if err := m.deps.SyncKeys.TrustChanged(ctx, m.self.PeerID(), m.snap.Trusted); err != nil {
		return StateBecomeReady, fmt.Errorf("notify sync keys: %w", err)
	}
	return StateReady, nil
}

func (m *Machine) stepUpdateTrust(ctx context.Context) (State, error) {
	if wait, locked := m.lockGate(ctx, StateUpdateTrust); locked {
		return wait, nil
	}
	res, err := m.reconciler.Reconcile(ctx, reconcile.Session{
		Account:     m.account,
		Identity:    m.self,
		ChangeToken: m.changeToken,
		CDP:         m.metadata().CDPState,
	})
	if err != nil {
		return StateUpdateTrust, err
	}
	m.observe(res.Snapshot)
	if !res.SelfTrusted {
		m.log.Info("local peer was excluded")
		wasTrusted := m.metadata().TrustState == trustmesh.TrustTrusted
		if err := m.updateMetadata(ctx, func(md *trustmesh.AccountMetadata) { md.TrustState = trustmesh.TrustUntrusted }); err != nil {
			return StateUpdateTrust, err
		}
		// Local metadata disagreed with the ledger; let a health check
		// decide the repair once untrusted.
		if wasTrusted {
			if err := m.enqueue(&item{flag: FlagRepairNeeded}); err != nil {
				m.log.Warn("queue repair", "err", err)
			}
		}
		return StateUntrusted, nil
	}
	return StateReadyUpdated, nil
}

func (m *Machine) stepPostRepair(ctx context.Context) (State, error) {
	if m.deps.FollowUps != nil && !m.deps.FollowUps.HasPosted(trustmesh.FollowUpRepairAccount) {
		if err := m.deps.FollowUps.Post(ctx, trustmesh.FollowUpRepairAccount); err != nil {
			m.log.Warn("post repair follow-up", "err", err)
		}
	}
	if err := m.updateMetadata(ctx, func(md *trustmesh.AccountMetadata) { md.TrustState = trustmesh.TrustUntrusted }); err != nil {
		return StatePostRepairCFU, err
	}
	return StateUntrusted, nil
}

// stepLeave excludes the local peer. The sole remaining peer cannot
// exclude itself, so it only forgets its identity locally.
func (m *Machine) stepLeave(ctx context.Context) (State, error) {
	if wait, locked := m.lockGate(ctx, StateLeaveTrust); locked {
		return wait, nil
	}
	if m.self == nil {
		return StateUntrusted, nil
	}
	snap, err := m.reconciler.Fetch(ctx, m.account, m.changeToken)
	if err != nil {
		return StateLeaveTrust, err
	}
	selfID := m.self.PeerID()
	if self, ok := snap.Peer(selfID); ok && snap.IsTrusted(selfID) {
		next := self.Dynamic.Apply(trustmesh.Delta{Exclude: []string{selfID}})
		if next.Validate(selfID) == nil {
			resp, err := m.deps.Ledger.Update(ctx, ledger.UpdateRequest{
				Account:     m.account,
				PeerID:      selfID,
				ChangeToken: snap.ChangeToken,
				Dynamic:     m.self.SignDynamicInfo(next),
			})
			if err != nil {
				return StateLeaveTrust, fmt.Errorf("leave: %w", err)
			}
			snap = resp.Snapshot
		} else {
			m.log.Info("sole peer leaving locally")
		}
	}
	m.observe(snap)
	if err := m.dropIdentity(ctx); err != nil {
		return StateLeaveTrust, err
	}
	return StateUntrusted, nil
}

func (m *Machine) stepUnlock(ctx context.Context, s State) (State, error) {
	locked, err := m.deps.Lock.Locked(ctx)
	if err != nil {
		return s, fmt.Errorf("lock state: %w", err)
	}
	if locked {
		return s, nil
	}
	if s == StateWaitForClassCUnlock {
		since, err := m.deps.Lock.UnlockedSinceBoot(ctx)
		if err != nil {
			return s, fmt.Errorf("lock state: %w", err)
		}
		if !since {
			return s, nil
		}
	}
	resume := m.resume
	if resume == 0 {
		resume = StateCheckTrustState
	}
	m.resume = 0
	return resume, nil
}

// runHealthCheck checks with the ledger and queues the directed repair.
func (m *Machine) runHealthCheck(ctx context.Context, bypass bool) (health.Result, error) {
	peerID := ""
	if m.self != nil {
		peerID = m.self.PeerID()
	}
	res, err := m.health.Check(ctx, health.Request{
		Key:                 m.key,
		Account:             m.account,
		PeerID:              peerID,
		SecurityLevel:       m.level,
		RequiresEscrowCheck: m.self != nil,
		Bypass:              bypass,
	})
	if err != nil {
		return res, err
	}
	switch res.Action {
	case health.ActionReset:
		m.resetReason = ledger.ResetReasonHealthCheck
		m.setState(StateResetAndEstablish)
	case health.ActionLeave:
		if m.State() == StateReady {
			m.setState(StateLeaveTrust)
		}
	}
	return res, nil
}

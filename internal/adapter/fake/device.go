package fake

import (
	"context"
	"slices"
	"sync"

	"trustmesh"
	"trustmesh/internal/adapter/fake/fault"
	"trustmesh/internal/ledger"
)

// CloudAccount reports a settable cloud account status. Fault point:
// "cloud.Status".
type CloudAccount struct {
	CallRecorder
	Faults *fault.Injector

	mu     sync.Mutex
	status trustmesh.CloudAccountStatus
}

// NewCloudAccount returns a signed-in account at level.
func NewCloudAccount(accountID string, level trustmesh.SecurityLevel) *CloudAccount {
	return &CloudAccount{
		Faults: fault.NewInjector(),
		status: trustmesh.CloudAccountStatus{Present: true, AccountID: accountID, SecurityLevel: level},
	}
}

func (a *CloudAccount) Status(_ context.Context) (trustmesh.CloudAccountStatus, error) {
	a.record("Status")
	if err := a.Faults.Eval("cloud.Status"); err != nil {
		return trustmesh.CloudAccountStatus{}, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status, nil
}

func (a *CloudAccount) Set(status trustmesh.CloudAccountStatus) {
	a.mu.Lock()
	a.status = status
	a.mu.Unlock()
}

// SignOut marks the account absent.
func (a *CloudAccount) SignOut() {
	a.mu.Lock()
	a.status.Present = false
	a.mu.Unlock()
}

// SignIn marks the account present again.
func (a *CloudAccount) SignIn() {
	a.mu.Lock()
	a.status.Present = true
	a.mu.Unlock()
}

func (a *CloudAccount) SetSecurityLevel(level trustmesh.SecurityLevel) {
	a.mu.Lock()
	a.status.SecurityLevel = level
	a.mu.Unlock()
}

// LockState is a settable device lock. A fresh LockState has been unlocked
// since boot and is currently unlocked.
type LockState struct {
	CallRecorder

	mu                sync.Mutex
	locked            bool
	unlockedSinceBoot bool
}

func NewLockState() *LockState {
	return &LockState{unlockedSinceBoot: true}
}

// Locked reports the current lock state.
func (l *LockState) Locked(_ context.Context) (bool, error) {
	l.record("Locked")
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.locked, nil
}

func (l *LockState) UnlockedSinceBoot(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unlockedSinceBoot, nil
}

func (l *LockState) Lock() {
	l.mu.Lock()
	l.locked = true
	l.mu.Unlock()
}

func (l *LockState) Unlock() {
	l.mu.Lock()
	l.locked = false
	l.unlockedSinceBoot = true
	l.mu.Unlock()
}

// Reboot simulates a restart: locked and not unlocked since boot.
func (l *LockState) Reboot() {
	l.mu.Lock()
	l.locked = true
	l.unlockedSinceBoot = false
	l.mu.Unlock()
}

// FollowUps records posted follow-up categories for one session.
type FollowUps struct {
	CallRecorder

	mu     sync.Mutex
	posted map[trustmesh.FollowUpCategory]int
}

func NewFollowUps() *FollowUps {
	return &FollowUps{posted: make(map[trustmesh.FollowUpCategory]int)}
}

func (f *FollowUps) Post(_ context.Context, category trustmesh.FollowUpCategory) error {
	f.record("Post", category)
	f.mu.Lock()
	f.posted[category]++
	f.mu.Unlock()
	return nil
}

func (f *FollowUps) HasPosted(category trustmesh.FollowUpCategory) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posted[category] > 0
}

// Posted returns how many times category was posted.
func (f *FollowUps) Posted(category trustmesh.FollowUpCategory) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posted[category]
}

// SyncKeys stands in for the sync-key layer. Fault point:
// "synckeys.IngestShares".
type SyncKeys struct {
	CallRecorder
	Faults *fault.Injector

	mu      sync.Mutex
	entropy []byte
	shares  []ledger.Share
	trusted []string
}

func NewSyncKeys(entropy []byte) *SyncKeys {
	return &SyncKeys{Faults: fault.NewInjector(), entropy: slices.Clone(entropy)}
}

func (s *SyncKeys) EscrowEntropy(_ context.Context) ([]byte, error) {
	s.record("EscrowEntropy")
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entropy), nil
}

func (s *SyncKeys) IngestShares(_ context.Context, shares []ledger.Share) error {
	s.record("IngestShares", len(shares))
	if err := s.Faults.Eval("synckeys.IngestShares"); err != nil {
		return err
	}
	s.mu.Lock()
	s.shares = append(s.shares, shares...)
	s.mu.Unlock()
	return nil
}

func (s *SyncKeys) TrustChanged(_ context.Context, self string, trusted []string) error {
	s.record("TrustChanged", self, slices.Clone(trusted))
	s.mu.Lock()
	s.trusted = slices.Clone(trusted)
	s.mu.Unlock()
	return nil
}

// Shares returns every share ingested so far.
func (s *SyncKeys) Shares() []ledger.Share {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.shares)
}

// Trusted returns the peer set from the last TrustChanged call.
func (s *SyncKeys) Trusted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.trusted)
}

// TooManyPeers records too-many-peers notifications.
type TooManyPeers struct {
	CallRecorder

	mu     sync.Mutex
	counts []int
}

func (t *TooManyPeers) TooManyPeers(_ context.Context, count int) {
	t.record("TooManyPeers", count)
	t.mu.Lock()
	t.counts = append(t.counts, count)
	t.mu.Unlock()
}

// Counts returns the recorded counts in order.
func (t *TooManyPeers) Counts() []int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.counts)
}

// Package static holds the daemon's production adapters: configuration
// driven account and lock state, a file-backed authorization list, and
// slog sinks for follow-ups and the sync-key layer.
package static

import (
	"context"
	"log/slog"
	"sync"

	"trustmesh"
)

// CloudAccount reports a configured, always signed-in account.
type CloudAccount struct {
	mu     sync.Mutex
	status trustmesh.CloudAccountStatus
}

func NewCloudAccount(altDSID string, level trustmesh.SecurityLevel) *CloudAccount {
	return &CloudAccount{status: trustmesh.CloudAccountStatus{Present: true, AccountID: altDSID, SecurityLevel: level}}
}

func (a *CloudAccount) Status(_ context.Context) (trustmesh.CloudAccountStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status, nil
}

// SetPresent records a sign-in or sign-out.
func (a *CloudAccount) SetPresent(present bool) {
	a.mu.Lock()
	a.status.Present = present
	a.mu.Unlock()
}

// SetSecurityLevel records a new security level and reports whether it
// changed.
func (a *CloudAccount) SetSecurityLevel(level trustmesh.SecurityLevel) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status.SecurityLevel == level {
		return false
	}
	a.status.SecurityLevel = level
	return true
}

// LockState is a device without a lock: always unlocked.
type LockState struct{}

func (LockState) Locked(context.Context) (bool, error)            { return false, nil }
func (LockState) UnlockedSinceBoot(context.Context) (bool, error) { return true, nil }

// FollowUps logs follow-up prompts, each category once per process.
type FollowUps struct {
	mu     sync.Mutex
	posted map[trustmesh.FollowUpCategory]bool
	log    *slog.Logger
}

func NewFollowUps(key trustmesh.ContextKey) *FollowUps {
	return &FollowUps{
		posted: make(map[trustmesh.FollowUpCategory]bool),
		log:    slog.With("component", "follow-ups", "context", key.String()),
	}
}

func (f *FollowUps) Post(_ context.Context, category trustmesh.FollowUpCategory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.posted[category] {
		return nil
	}
	f.posted[category] = true
	f.log.Warn("follow-up required", "category", string(category))
	return nil
}

func (f *FollowUps) HasPosted(category trustmesh.FollowUpCategory) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posted[category]
}

// TooManyPeers logs the too-many-peers prompt.
type TooManyPeers struct {
	log *slog.Logger
}

func NewTooManyPeers(key trustmesh.ContextKey) *TooManyPeers {
	return &TooManyPeers{log: slog.With("component", "too-many-peers", "context", key.String())}
}

func (t *TooManyPeers) TooManyPeers(_ context.Context, count int) {
	t.log.Warn("account has too many peers of this device class", "count", count)
}

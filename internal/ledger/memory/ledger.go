// Package memory is an in-process trust ledger. It backs the daemon's
// embedded mode and the test fakes.
package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"trustmesh"
	"trustmesh/internal/identity"
	"trustmesh/internal/ledger"
)

var _ ledger.Service = (*Ledger)(nil)

// ChangeFunc observes a committed mutation. origin is the peer that made it,
// empty for resets.
type ChangeFunc func(acct ledger.Account, origin string)

type secretRecord struct {
	ref       trustmesh.RecoverySecretRef
	publicKey []byte
	wrapped   *identity.WrappedRecoveryKey
	removed   bool
	revoked   bool
}

type accountState struct {
	peers   map[string]trustmesh.Peer
	trusted map[string]bool
	bottles map[string]identity.Bottle
	secrets map[string]*secretRecord
	shares  []ledger.Share
	token   string
	tokens  map[string]bool
}

func newAccountState() *accountState {
	a := &accountState{
		peers:   make(map[string]trustmesh.Peer),
		trusted: make(map[string]bool),
		bottles: make(map[string]identity.Bottle),
		secrets: make(map[string]*secretRecord),
		tokens:  make(map[string]bool),
	}
	a.bump()
	return a
}

func (a *accountState) bump() {
	a.token = uuid.NewString()
	a.tokens[a.token] = true
}

func (a *accountState) snapshot() ledger.Snapshot {
	snap := ledger.Snapshot{ChangeToken: a.token}
	for _, id := range sortedIDs(a.peers) {
		snap.Peers = append(snap.Peers, a.peers[id].Clone())
		if a.trusted[id] {
			snap.Trusted = append(snap.Trusted, id)
		}
	}
	return snap
}

// Ledger holds every account's trust graph in memory.
type Ledger struct {
	mu                sync.Mutex
	now               func() time.Time
	accounts          map[ledger.Account]*accountState
	sharesUnavailable bool
	directives        map[string]trustmesh.HealthDirective
	subscribers       []ChangeFunc
}

type Option func(*Ledger)

// WithClock sets the clock used for join timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		now:        time.Now,
		accounts:   make(map[ledger.Account]*accountState),
		directives: make(map[string]trustmesh.HealthDirective),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Subscribe registers fn to run after every committed mutation.
func (l *Ledger) Subscribe(fn ChangeFunc) {
	l.mu.Lock()
	l.subscribers = append(l.subscribers, fn)
	l.mu.Unlock()
}

// SetSharesAvailable toggles the recoverable-shares endpoint.
func (l *Ledger) SetSharesAvailable(available bool) {
	l.mu.Lock()
	l.sharesUnavailable = !available
	l.mu.Unlock()
}

// SetHealthDirective makes the next health check from peerID return d.
func (l *Ledger) SetHealthDirective(peerID string, d trustmesh.HealthDirective) {
	l.mu.Lock()
	l.directives[peerID] = d
	l.mu.Unlock()
}

// Snapshot returns the current view of acct.
func (l *Ledger) Snapshot(acct ledger.Account) ledger.Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.account(acct).snapshot()
}

func (l *Ledger) account(acct ledger.Account) *accountState {
	a, ok := l.accounts[acct]
	if !ok {
		a = newAccountState()
		l.accounts[acct] = a
	}
	return a
}

func (l *Ledger) notify(acct ledger.Account, origin string) {
	l.mu.Lock()
	subs := slices.Clone(l.subscribers)
	l.mu.Unlock()
	for _, fn := range subs {
		fn(acct, origin)
	}
}

func verifyPeer(p trustmesh.Peer) error {
	if err := identity.VerifyDynamicInfo(p.PeerID, p.SigningKey, p.Dynamic); err != nil {
		return ledger.Errorf(ledger.CodeInvalidSignature, "%v", err)
	}
	if err := p.Dynamic.Validate(p.PeerID); err != nil {
		return err
	}
	return nil
}

func (l *Ledger) Establish(_ context.Context, req ledger.EstablishRequest) (ledger.EstablishResponse, error) {
	if err := verifyPeer(req.Peer); err != nil {
		return ledger.EstablishResponse{}, err
	}

	l.mu.Lock()
	a := l.account(req.Account)
	if len(trustedIDs(a)) > 0 {
		l.mu.Unlock()
		return ledger.EstablishResponse{}, ledger.Errorf(ledger.CodeAccountHasPeers, "account already has trusted peers")
	}
	p := req.Peer.Clone()
	p.Sponsor = ""
	p.JoinedAt = l.now()
	a.peers[p.PeerID] = p
	a.trusted[p.PeerID] = true
	if req.Bottle != nil && req.Bottle.OwnerPeerID == p.PeerID {
		a.bottles[req.Bottle.UUID] = *req.Bottle
	}
	a.shares = append(a.shares, ledger.Share{KeyID: "tlk-" + req.Account.Context, Recipient: p.PeerID})
	a.bump()
	snap := a.snapshot()
	l.mu.Unlock()

	l.notify(req.Account, p.PeerID)
	return ledger.EstablishResponse{Snapshot: snap}, nil
}

func (l *Ledger) Join(_ context.Context, req ledger.JoinRequest) (ledger.JoinResponse, error) {
	if err := verifyPeer(req.Peer); err != nil {
		return ledger.JoinResponse{}, err
	}

	l.mu.Lock()
	a := l.account(req.Account)
	if req.ChangeToken == "" || !a.tokens[req.ChangeToken] {
		l.mu.Unlock()
		return ledger.JoinResponse{}, ledger.Errorf(ledger.CodeChangeTokenExpired, "join requires a current change token")
	}

	var sponsor string
	switch {
	case req.Voucher != nil:
		v := *req.Voucher
		sp, ok := a.peers[v.Sponsor]
		if !ok || !a.trusted[v.Sponsor] {
			l.mu.Unlock()
			return ledger.JoinResponse{}, ledger.Errorf(ledger.CodeInvalidVoucher, "sponsor %s is not trusted", v.Sponsor)
		}
		if v.Beneficiary != req.Peer.PeerID {
			l.mu.Unlock()
			return ledger.JoinResponse{}, ledger.Errorf(ledger.CodeInvalidVoucher, "voucher is for %s", v.Beneficiary)
		}
		if err := identity.VerifyVoucher(v, sp.SigningKey); err != nil {
			l.mu.Unlock()
			return ledger.JoinResponse{}, ledger.Errorf(ledger.CodeInvalidVoucher, "%v", err)
		}
		sponsor = v.Sponsor
	case req.Secret != nil:
		s, err := a.usableSecret(*req.Secret)
		if err != nil {
			l.mu.Unlock()
			return ledger.JoinResponse{}, err
		}
		if !identity.Verify(s.publicKey, identity.JoinProof(req.Peer.PeerID, req.Peer.SigningKey), req.Proof) {
			l.mu.Unlock()
			return ledger.JoinResponse{}, ledger.Errorf(ledger.CodeInvalidVoucher, "recovery proof does not verify")
		}
		// Secrets whose owner has left are certified by the ledger itself.
		if a.trusted[s.ref.OwnerPeerID] {
			sponsor = s.ref.OwnerPeerID
		}
	default:
		l.mu.Unlock()
		return ledger.JoinResponse{}, ledger.Errorf(ledger.CodeUnauthorized, "join carries neither voucher nor recovery proof")
	}

	p := req.Peer.Clone()
	p.Sponsor = sponsor
	p.JoinedAt = l.now()
	a.peers[p.PeerID] = p
	a.trusted[p.PeerID] = true
	if sponsor != "" {
		sp := a.peers[sponsor]
		if !slices.Contains(sp.Preapprovals, p.PeerID) {
			sp.Preapprovals = append(sp.Preapprovals, p.PeerID)
			slices.Sort(sp.Preapprovals)
		}
		a.peers[sponsor] = sp
	}
	if req.Bottle != nil && req.Bottle.OwnerPeerID == p.PeerID {
		a.bottles[req.Bottle.UUID] = *req.Bottle
	}
	for _, keyID := range shareKeyIDs(a.shares) {
		a.shares = append(a.shares, ledger.Share{KeyID: keyID, Recipient: p.PeerID})
	}
	a.bump()
	snap := a.snapshot()
	l.mu.Unlock()

	l.notify(req.Account, p.PeerID)
	return ledger.JoinResponse{Snapshot: snap}, nil
}

func (a *accountState) usableSecret(ref trustmesh.RecoverySecretRef) (*secretRecord, error) {
	s, ok := a.secrets[ref.UUID]
	if !ok || s.removed || s.ref.Kind != ref.Kind {
		return nil, ledger.Errorf(ledger.CodeRecoveryKeysNotEnrolled, "no %s enrolled with uuid %s", ref.Kind, ref.UUID)
	}
	if s.revoked {
		return nil, ledger.Errorf(ledger.CodeUntrustedRecoveryKeys, "%s %s was issued by an excluded peer", ref.Kind, ref.UUID)
	}
	return s, nil
}

func (l *Ledger) Update(_ context.Context, req ledger.UpdateRequest) (ledger.UpdateResponse, error) {
	l.mu.Lock()
	a := l.account(req.Account)
	p, ok := a.peers[req.PeerID]
	if !ok {
		l.mu.Unlock()
		return ledger.UpdateResponse{}, ledger.Errorf(ledger.CodeUnknownPeer, "peer %s", req.PeerID)
	}
	if !a.trusted[req.PeerID] {
		l.mu.Unlock()
		return ledger.UpdateResponse{}, ledger.Errorf(ledger.CodeUnauthorized, "peer %s is not trusted", req.PeerID)
	}
	candidate := p.Clone()
	candidate.Dynamic = req.Dynamic.Clone()
	if err := verifyPeer(candidate); err != nil {
		l.mu.Unlock()
		return ledger.UpdateResponse{}, err
	}
	if req.Dynamic.Clock <= p.Dynamic.Clock {
		l.mu.Unlock()
		return ledger.UpdateResponse{}, ledger.Errorf(ledger.CodeChangeTokenExpired, "dynamic info clock %d is not newer than %d", req.Dynamic.Clock, p.Dynamic.Clock)
	}

	candidate.Preapprovals = slices.DeleteFunc(candidate.Preapprovals, req.Dynamic.Includes)
	a.peers[req.PeerID] = candidate
	for _, id := range req.Dynamic.Excluded {
		switch {
		case id == req.PeerID:
			// Voluntary departure keeps issued secrets valid.
			a.trusted[id] = false
		case a.trusted[id] && p.DeviceClass.CanIssueRemovals():
			a.trusted[id] = false
			for _, s := range a.secrets {
				if s.ref.OwnerPeerID == id {
					s.revoked = true
				}
			}
		}
	}
	a.bump()
	snap := a.snapshot()
	l.mu.Unlock()

	l.notify(req.Account, req.PeerID)
	return ledger.UpdateResponse{Snapshot: snap}, nil
}

func (l *Ledger) FetchChanges(_ context.Context, req ledger.FetchChangesRequest) (ledger.FetchChangesResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.account(req.Account)
	if req.ChangeToken != "" && !a.tokens[req.ChangeToken] {
		return ledger.FetchChangesResponse{}, ledger.Errorf(ledger.CodeChangeTokenExpired, "unknown change token")
	}
	return ledger.FetchChangesResponse{Snapshot: a.snapshot()}, nil
}

func (l *Ledger) FetchRecoverableShares(_ context.Context, req ledger.FetchSharesRequest) (ledger.FetchSharesResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sharesUnavailable {
		return ledger.FetchSharesResponse{}, ledger.Errorf(ledger.CodeSharesEndpointUnavailable, "recoverable shares endpoint unavailable")
	}
	a := l.account(req.Account)
	return ledger.FetchSharesResponse{Shares: slices.Clone(a.shares)}, nil
}

func (l *Ledger) Reset(_ context.Context, req ledger.ResetRequest) (ledger.ResetResponse, error) {
	l.mu.Lock()
	old := l.account(req.Account)
	a := newAccountState()
	// Secrets survive a reset only as tombstones so UUIDs are never reused.
	for id, s := range old.secrets {
		tomb := *s
		tomb.removed = true
		a.secrets[id] = &tomb
	}
	l.accounts[req.Account] = a
	token := a.token
	l.mu.Unlock()

	l.notify(req.Account, "")
	return ledger.ResetResponse{ChangeToken: token}, nil
}

func (l *Ledger) HealthCheck(_ context.Context, req ledger.HealthCheckRequest) (ledger.HealthCheckResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d, ok := l.directives[req.PeerID]; ok {
		delete(l.directives, req.PeerID)
		return ledger.HealthCheckResponse{Directive: d}, nil
	}
	return ledger.HealthCheckResponse{Directive: trustmesh.HealthDirective{Kind: trustmesh.DirectiveNoAction}}, nil
}

func (l *Ledger) Preflight(_ context.Context, req ledger.PreflightRequest) (ledger.PreflightResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.account(req.Account)

	if req.Secret.Kind == trustmesh.SecretBottle {
		b, ok := a.bottles[req.Secret.UUID]
		if !ok {
			return ledger.PreflightResponse{}, ledger.Errorf(ledger.CodeRecoveryKeysNotEnrolled, "no bottle %s", req.Secret.UUID)
		}
		if !a.trusted[b.OwnerPeerID] {
			return ledger.PreflightResponse{}, ledger.Errorf(ledger.CodeUntrustedRecoveryKeys, "bottle owner %s is not trusted", b.OwnerPeerID)
		}
		return ledger.PreflightResponse{OwnerPeerID: b.OwnerPeerID}, nil
	}

	s, err := a.usableSecret(req.Secret)
	if err != nil {
		return ledger.PreflightResponse{}, err
	}
	if !slices.Equal(s.publicKey, req.PublicKey) {
		return ledger.PreflightResponse{}, ledger.Errorf(ledger.CodeRecoveryKeysNotEnrolled, "secret does not match enrolled %s %s", req.Secret.Kind, req.Secret.UUID)
	}
	return ledger.PreflightResponse{OwnerPeerID: s.ref.OwnerPeerID}, nil
}

func (l *Ledger) EnrollRecoverySecret(_ context.Context, req ledger.EnrollRecoverySecretRequest) (ledger.EnrollRecoverySecretResponse, error) {
	l.mu.Lock()
	a := l.account(req.Account)
	if !a.trusted[req.Secret.OwnerPeerID] {
		l.mu.Unlock()
		return ledger.EnrollRecoverySecretResponse{}, ledger.Errorf(ledger.CodeUnauthorized, "peer %s is not trusted", req.Secret.OwnerPeerID)
	}
	if _, exists := a.secrets[req.Secret.UUID]; exists {
		l.mu.Unlock()
		return ledger.EnrollRecoverySecretResponse{}, ledger.Errorf(ledger.CodeCustodianRecoveryKeyUUIDExists, "uuid %s already enrolled", req.Secret.UUID)
	}
	if len(req.PublicKey) == 0 {
		l.mu.Unlock()
		return ledger.EnrollRecoverySecretResponse{}, ledger.Errorf(ledger.CodeFailedToCreateRecoveryKey, "missing public key")
	}
	a.secrets[req.Secret.UUID] = &secretRecord{
		ref:       req.Secret,
		publicKey: slices.Clone(req.PublicKey),
		wrapped:   req.Wrapped,
	}
	a.bump()
	token := a.token
	l.mu.Unlock()

	l.notify(req.Account, req.Secret.OwnerPeerID)
	return ledger.EnrollRecoverySecretResponse{ChangeToken: token}, nil
}

func (l *Ledger) RemoveRecoverySecret(_ context.Context, req ledger.RemoveRecoverySecretRequest) (ledger.RemoveRecoverySecretResponse, error) {
	l.mu.Lock()
	a := l.account(req.Account)
	if !a.trusted[req.PeerID] {
		l.mu.Unlock()
		return ledger.RemoveRecoverySecretResponse{}, ledger.Errorf(ledger.CodeUnauthorized, "peer %s is not trusted", req.PeerID)
	}
	s, ok := a.secrets[req.UUID]
	if !ok || s.removed {
		l.mu.Unlock()
		return ledger.RemoveRecoverySecretResponse{}, nil
	}
	s.removed = true
	a.bump()
	l.mu.Unlock()

	l.notify(req.Account, req.PeerID)
	return ledger.RemoveRecoverySecretResponse{}, nil
}

func (l *Ledger) FetchViableBottles(_ context.Context, req ledger.FetchViableBottlesRequest) (ledger.FetchViableBottlesResponse, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.account(req.Account)
	var out []identity.Bottle
	for _, id := range sortedIDs(a.bottles) {
		b := a.bottles[id]
		if a.trusted[b.OwnerPeerID] {
			out = append(out, b)
		}
	}
	return ledger.FetchViableBottlesResponse{Bottles: out}, nil
}

func trustedIDs(a *accountState) []string {
	var out []string
	for id, ok := range a.trusted {
		if ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

func shareKeyIDs(shares []ledger.Share) []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range shares {
		if !seen[s.KeyID] {
			seen[s.KeyID] = true
			out = append(out, s.KeyID)
		}
	}
	return out
}

func sortedIDs[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

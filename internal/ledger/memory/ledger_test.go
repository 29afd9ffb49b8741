package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"

	"trustmesh"
	"trustmesh/internal/identity"
	"trustmesh/internal/ledger"
)

var testAccount = ledger.Account{Container: trustmesh.DefaultContainer, Context: trustmesh.DefaultContext, AccountID: "acct"}

func newIdentity(t *testing.T, machineID string) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(machineID, trustmesh.DeviceClassFull)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	return id
}

func establish(t *testing.T, l *Ledger, id *identity.Identity) ledger.Snapshot {
	t.Helper()
	peer := id.Peer(trustmesh.PeerDynamicInfo{Included: []string{id.PeerID()}, Clock: 1}, "")
	resp, err := l.Establish(context.Background(), ledger.EstablishRequest{Account: testAccount, Peer: peer})
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}
	return resp.Snapshot
}

func joinWithVoucher(t *testing.T, l *Ledger, sponsor, joiner *identity.Identity, token string) ledger.Snapshot {
	t.Helper()
	v, err := sponsor.Vouch(joiner.PublicKey())
	if err != nil {
		t.Fatalf("Vouch() error = %v", err)
	}
	dyn := trustmesh.PeerDynamicInfo{Included: trustmesh.NormalizeIDs([]string{joiner.PeerID(), sponsor.PeerID()}), Clock: 1}
	resp, err := l.Join(context.Background(), ledger.JoinRequest{
		Account:     testAccount,
		Peer:        joiner.Peer(dyn, sponsor.PeerID()),
		ChangeToken: token,
		Voucher:     &v,
	})
	if err != nil {
		t.Fatalf("Join() error = %v", err)
	}
	return resp.Snapshot
}

func TestLedger_EstablishOnce(t *testing.T) {
	l := New()
	a := newIdentity(t, "m1")
	snap := establish(t, l, a)
	if !snap.IsTrusted(a.PeerID()) {
		t.Fatal("establishing peer should be trusted")
	}

	b := newIdentity(t, "m2")
	peer := b.Peer(trustmesh.PeerDynamicInfo{Included: []string{b.PeerID()}, Clock: 1}, "")
	_, err := l.Establish(context.Background(), ledger.EstablishRequest{Account: testAccount, Peer: peer})
	if !errors.Is(err, &ledger.Error{Code: ledger.CodeAccountHasPeers}) {
		t.Fatalf("second Establish() error = %v, want accountHasPeers", err)
	}
}

func TestLedger_JoinRequiresChangeToken(t *testing.T) {
	l := New()
	a := newIdentity(t, "m1")
	establish(t, l, a)
	b := newIdentity(t, "m2")
	v, err := a.Vouch(b.PublicKey())
	if err != nil {
		t.Fatalf("Vouch() error = %v", err)
	}
	_, err = l.Join(context.Background(), ledger.JoinRequest{
		Account: testAccount,
		Peer:    b.Peer(trustmesh.PeerDynamicInfo{Included: []string{b.PeerID()}, Clock: 1}, a.PeerID()),
		Voucher: &v,
	})
	if !errors.Is(err, ledger.ErrChangeTokenExpired) {
		t.Fatalf("Join() without token error = %v, want changeTokenExpired", err)
	}
}

func TestLedger_JoinRecordsPreapproval(t *testing.T) {
	l := New()
	a := newIdentity(t, "m1")
	snap := establish(t, l, a)
	b := newIdentity(t, "m2")
	snap = joinWithVoucher(t, l, a, b, snap.ChangeToken)

	if !snap.IsTrusted(b.PeerID()) {
		t.Fatal("joiner should be trusted")
	}
	sponsor, _ := snap.Peer(a.PeerID())
	if len(sponsor.Preapprovals) != 1 || sponsor.Preapprovals[0] != b.PeerID() {
		t.Fatalf("sponsor preapprovals = %v, want [%s]", sponsor.Preapprovals, b.PeerID())
	}
	joiner, _ := snap.Peer(b.PeerID())
	if joiner.Sponsor != a.PeerID() {
		t.Fatalf("joiner sponsor = %q, want %q", joiner.Sponsor, a.PeerID())
	}
}

func TestLedger_ExclusionRevokesOwnedSecrets(t *testing.T) {
	ctx := context.Background()
	l := New()
	a := newIdentity(t, "m1")
	snap := establish(t, l, a)
	b := newIdentity(t, "m2")
	snap = joinWithVoucher(t, l, a, b, snap.ChangeToken)

	secret, err := identity.GenerateRecoverySecret()
	if err != nil {
		t.Fatalf("GenerateRecoverySecret() error = %v", err)
	}
	crk, err := identity.DeriveRecoveryKey(trustmesh.SecretCustodianRecoveryKey, uuid.NewString(), secret)
	if err != nil {
		t.Fatalf("DeriveRecoveryKey() error = %v", err)
	}
	if _, err := l.EnrollRecoverySecret(ctx, ledger.EnrollRecoverySecretRequest{
		Account: testAccount, Secret: crk.Ref(b.PeerID()), PublicKey: crk.PublicKey(),
	}); err != nil {
		t.Fatalf("EnrollRecoverySecret() error = %v", err)
	}

	pre := ledger.PreflightRequest{Account: testAccount, Secret: crk.Ref(b.PeerID()), PublicKey: crk.PublicKey()}
	if _, err := l.Preflight(ctx, pre); err != nil {
		t.Fatalf("Preflight() error = %v", err)
	}

	sponsor, _ := snap.Peer(a.PeerID())
	next := sponsor.Dynamic.Apply(trustmesh.Delta{Exclude: []string{b.PeerID()}})
	if _, err := l.Update(ctx, ledger.UpdateRequest{Account: testAccount, PeerID: a.PeerID(), Dynamic: a.SignDynamicInfo(next)}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	if _, err := l.Preflight(ctx, pre); !errors.Is(err, ledger.ErrUntrustedRecoveryKeys) {
		t.Fatalf("Preflight() after exclusion error = %v, want untrustedRecoveryKeys", err)
	}
}

func TestLedger_RecoverySecretLifecycle(t *testing.T) {
	ctx := context.Background()
	l := New()
	a := newIdentity(t, "m1")
	establish(t, l, a)

	id := uuid.NewString()
	crk, err := identity.DeriveRecoveryKey(trustmesh.SecretInheritanceKey, id, "ABCDEFGHIJKLMNOPQRST")
	if err != nil {
		t.Fatalf("DeriveRecoveryKey() error = %v", err)
	}
	enroll := ledger.EnrollRecoverySecretRequest{Account: testAccount, Secret: crk.Ref(a.PeerID()), PublicKey: crk.PublicKey()}
	if _, err := l.EnrollRecoverySecret(ctx, enroll); err != nil {
		t.Fatalf("EnrollRecoverySecret() error = %v", err)
	}
	if _, err := l.EnrollRecoverySecret(ctx, enroll); !errors.Is(err, ledger.ErrCustodianRecoveryKeyUUIDExists) {
		t.Fatalf("second EnrollRecoverySecret() error = %v, want uuid exists", err)
	}

	remove := ledger.RemoveRecoverySecretRequest{Account: testAccount, PeerID: a.PeerID(), Kind: trustmesh.SecretInheritanceKey, UUID: id}
	for i := 0; i < 2; i++ {
		if _, err := l.RemoveRecoverySecret(ctx, remove); err != nil {
			t.Fatalf("RemoveRecoverySecret() #%d error = %v", i+1, err)
		}
	}

	_, err = l.Preflight(ctx, ledger.PreflightRequest{Account: testAccount, Secret: crk.Ref(a.PeerID()), PublicKey: crk.PublicKey()})
	if !errors.Is(err, ledger.ErrRecoveryKeysNotEnrolled) {
		t.Fatalf("Preflight() after removal error = %v, want recoveryKeysNotEnrolled", err)
	}
	if _, err := l.EnrollRecoverySecret(ctx, enroll); !errors.Is(err, ledger.ErrCustodianRecoveryKeyUUIDExists) {
		t.Fatalf("re-enroll removed uuid error = %v, want uuid exists", err)
	}
}

func TestLedger_ResetInvalidatesTokens(t *testing.T) {
	ctx := context.Background()
	l := New()
	a := newIdentity(t, "m1")
	snap := establish(t, l, a)

	var notified int
	l.Subscribe(func(ledger.Account, string) { notified++ })
	if _, err := l.Reset(ctx, ledger.ResetRequest{Account: testAccount, Reason: ledger.ResetReasonTestGenerated}); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	if notified != 1 {
		t.Fatalf("notifications = %d, want 1", notified)
	}

	if _, err := l.FetchChanges(ctx, ledger.FetchChangesRequest{Account: testAccount, ChangeToken: snap.ChangeToken}); !errors.Is(err, ledger.ErrChangeTokenExpired) {
		t.Fatalf("FetchChanges(old token) error = %v, want changeTokenExpired", err)
	}
	resp, err := l.FetchChanges(ctx, ledger.FetchChangesRequest{Account: testAccount})
	if err != nil {
		t.Fatalf("FetchChanges() error = %v", err)
	}
	if len(resp.Trusted) != 0 {
		t.Fatalf("trusted after reset = %v, want none", resp.Trusted)
	}
}

func TestLedger_SharesEndpoint(t *testing.T) {
	ctx := context.Background()
	l := New()
	establish(t, l, newIdentity(t, "m1"))

	resp, err := l.FetchRecoverableShares(ctx, ledger.FetchSharesRequest{Account: testAccount})
	if err != nil {
		t.Fatalf("FetchRecoverableShares() error = %v", err)
	}
	if len(resp.Shares) != 1 {
		t.Fatalf("shares = %d, want 1", len(resp.Shares))
	}

	l.SetSharesAvailable(false)
	if _, err := l.FetchRecoverableShares(ctx, ledger.FetchSharesRequest{Account: testAccount}); !errors.Is(err, ledger.ErrSharesEndpointUnavailable) {
		t.Fatalf("error = %v, want sharesEndpointUnavailable", err)
	}
}

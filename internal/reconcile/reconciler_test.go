package reconcile

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"trustmesh"
	"trustmesh/internal/adapter/fake"
	"trustmesh/internal/authlist"
	"trustmesh/internal/identity"
	"trustmesh/internal/ledger"
	"trustmesh/internal/ledger/memory"
)

var testAccount = ledger.Account{Container: trustmesh.DefaultContainer, Context: trustmesh.DefaultContext, AccountID: "acct"}

type mesh struct {
	clock  *fake.Clock
	ledger *fake.Ledger
	source *fake.AuthorizationSource
	peers  []*identity.Identity
}

// newMesh establishes the account with peers[0] and vouches every other
// peer in with peers[0] as sponsor.
func newMesh(t *testing.T, n int, classes ...trustmesh.DeviceClass) *mesh {
	t.Helper()
	ctx := context.Background()
	clock := fake.NewClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	m := &mesh{clock: clock, source: fake.NewAuthorizationSource()}
	m.ledger = fake.NewLedger(memory.WithClock(clock.Now))

	for i := 0; i < n; i++ {
		class := trustmesh.DeviceClassFull
		if i < len(classes) {
			class = classes[i]
		}
		id, err := identity.Generate(fmt.Sprintf("m%d", i), class)
		if err != nil {
			t.Fatalf("Generate() error = %v", err)
		}
		m.peers = append(m.peers, id)
		m.source.Add(id.MachineID())
	}

	sponsor := m.peers[0]
	resp, err := m.ledger.Establish(ctx, ledger.EstablishRequest{
		Account: testAccount,
		Peer:    sponsor.Peer(trustmesh.PeerDynamicInfo{Included: []string{sponsor.PeerID()}, Clock: 1}, ""),
	})
	if err != nil {
		t.Fatalf("Establish() error = %v", err)
	}
	token := resp.ChangeToken
	for _, joiner := range m.peers[1:] {
		v, err := sponsor.Vouch(joiner.PublicKey())
		if err != nil {
			t.Fatalf("Vouch() error = %v", err)
		}
		included := append([]string{joiner.PeerID()}, resp.Trusted...)
		jr, err := m.ledger.Join(ctx, ledger.JoinRequest{
			Account:     testAccount,
			Peer:        joiner.Peer(trustmesh.PeerDynamicInfo{Included: trustmesh.NormalizeIDs(included), Clock: 1}, sponsor.PeerID()),
			ChangeToken: token,
			Voucher:     &v,
		})
		if err != nil {
			t.Fatalf("Join() error = %v", err)
		}
		token = jr.ChangeToken
		resp.Snapshot = jr.Snapshot
	}
	return m
}

func (m *mesh) list(self *identity.Identity) *authlist.List {
	key := trustmesh.ContextKey{Container: testAccount.Container, Context: testAccount.Context, Persona: self.PeerID()}
	return authlist.New(key, testAccount.AccountID, m.source, fake.NewMetadataStore(), authlist.WithClock(m.clock.Now))
}

func session(id *identity.Identity) Session {
	return Session{Account: testAccount, Identity: id, CDP: trustmesh.CDPEnabled}
}

func TestReconcile_SponsorIncludesJoinerOneDirectionally(t *testing.T) {
	ctx := context.Background()
	m := newMesh(t, 2)
	sponsor, joiner := m.peers[0], m.peers[1]

	snap := m.ledger.Snapshot(testAccount)
	sp, _ := snap.Peer(sponsor.PeerID())
	jp, _ := snap.Peer(joiner.PeerID())
	if sp.Dynamic.Includes(joiner.PeerID()) {
		t.Fatal("sponsor should not include joiner before it reconciles")
	}
	if !jp.Dynamic.Includes(sponsor.PeerID()) {
		t.Fatal("joiner should include sponsor from its join")
	}

	res, err := New(m.ledger, m.list(sponsor)).Reconcile(ctx, session(sponsor))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if diff := cmp.Diff(trustmesh.Delta{Include: []string{joiner.PeerID()}, Exclude: []string{}}, res.Delta); diff != "" {
		t.Fatalf("delta mismatch (-want +got):\n%s", diff)
	}
	sp, _ = res.Snapshot.Peer(sponsor.PeerID())
	if !sp.Dynamic.Includes(joiner.PeerID()) || len(sp.Preapprovals) != 0 {
		t.Fatalf("sponsor after reconcile: included=%v preapprovals=%v", sp.Dynamic.Included, sp.Preapprovals)
	}

	res, err = New(m.ledger, m.list(joiner)).Reconcile(ctx, session(joiner))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Published {
		t.Fatalf("joiner published %+v, want no change", res.Delta)
	}
}

func TestReconcile_RemovalExcludesExactlyThatPeer(t *testing.T) {
	for n := 2; n <= 5; n++ {
		for victim := 1; victim < n; victim++ {
			t.Run(fmt.Sprintf("peers=%d/victim=%d", n, victim), func(t *testing.T) {
				ctx := context.Background()
				m := newMesh(t, n)
				self := m.peers[0]
				list := m.list(self)
				r := New(m.ledger, list)

				if _, err := r.Reconcile(ctx, session(self)); err != nil {
					t.Fatalf("initial Reconcile() error = %v", err)
				}

				target := m.peers[victim]
				changed, err := list.HandleNotification(ctx, authlist.Notification{
					Kind: authlist.NotifyRemove, MachineID: target.MachineID(), AccountID: testAccount.AccountID,
				})
				if err != nil || !changed {
					t.Fatalf("HandleNotification() changed=%v err=%v", changed, err)
				}

				res, err := r.Reconcile(ctx, session(self))
				if err != nil {
					t.Fatalf("Reconcile() error = %v", err)
				}
				if diff := cmp.Diff([]string{target.PeerID()}, res.Delta.Exclude); diff != "" {
					t.Fatalf("excluded mismatch (-want +got):\n%s", diff)
				}
				if len(res.Delta.Include) != 0 {
					t.Fatalf("unexpected includes %v", res.Delta.Include)
				}
				if res.Snapshot.IsTrusted(target.PeerID()) {
					t.Fatal("removed peer is still trusted")
				}
				if !res.SelfTrusted {
					t.Fatal("self lost trust")
				}
			})
		}
	}
}

func TestReconcile_SolePeerRemovalIsNoop(t *testing.T) {
	ctx := context.Background()
	m := newMesh(t, 1)
	self := m.peers[0]
	list := m.list(self)
	r := New(m.ledger, list)

	if _, err := list.HandleNotification(ctx, authlist.Notification{
		Kind: authlist.NotifyRemove, MachineID: self.MachineID(), AccountID: testAccount.AccountID,
	}); err != nil {
		t.Fatalf("HandleNotification() error = %v", err)
	}
	res, err := r.Reconcile(ctx, session(self))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if res.Published || !res.Delta.Empty() {
		t.Fatalf("published delta %+v, want none", res.Delta)
	}
	if n := m.ledger.Count("Update"); n != 0 {
		t.Fatalf("Update calls = %d, want 0", n)
	}
	if !res.SelfTrusted {
		t.Fatal("sole peer should remain trusted")
	}
}

func TestReconcile_AccessoryNeverExcludes(t *testing.T) {
	ctx := context.Background()
	m := newMesh(t, 3, trustmesh.DeviceClassFull, trustmesh.DeviceClassAccessory)
	accessory := m.peers[1]
	list := m.list(accessory)
	r := New(m.ledger, list)

	if _, err := list.HandleNotification(ctx, authlist.Notification{
		Kind: authlist.NotifyRemove, MachineID: m.peers[2].MachineID(), AccountID: testAccount.AccountID,
	}); err != nil {
		t.Fatalf("HandleNotification() error = %v", err)
	}
	res, err := r.Reconcile(ctx, session(accessory))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if len(res.Delta.Exclude) != 0 {
		t.Fatalf("accessory excluded %v", res.Delta.Exclude)
	}
}

func TestReconcile_UnknownPeerTrustedDuringGrace(t *testing.T) {
	ctx := context.Background()
	m := newMesh(t, 2)
	self, newcomer := m.peers[0], m.peers[1]
	m.source.Remove(newcomer.MachineID())
	r := New(m.ledger, m.list(self))

	res, err := r.Reconcile(ctx, session(self))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if diff := cmp.Diff([]string{newcomer.PeerID()}, res.Delta.Include); diff != "" {
		t.Fatalf("newcomer not included during grace (-want +got):\n%s", diff)
	}

	m.clock.Advance(authlist.DefaultGraceWindow)
	res, err = r.Reconcile(ctx, session(self))
	if err != nil {
		t.Fatalf("Reconcile() error = %v", err)
	}
	if diff := cmp.Diff([]string{newcomer.PeerID()}, res.Delta.Exclude); diff != "" {
		t.Fatalf("after grace excluded mismatch (-want +got):\n%s", diff)
	}
}

func TestCompute_CDPDisabled(t *testing.T) {
	id, err := identity.Generate("m0", trustmesh.DeviceClassFull)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	self := id.Peer(trustmesh.PeerDynamicInfo{}, "")

	if delta := Compute(Input{Self: self, CDP: trustmesh.CDPDisabled}); !delta.Empty() {
		t.Fatalf("Compute(cdp disabled) = %+v, want empty", delta)
	}
	delta := Compute(Input{Self: self, CDP: trustmesh.CDPEnabled})
	if diff := cmp.Diff([]string{id.PeerID()}, delta.Include); diff != "" {
		t.Fatalf("self include mismatch (-want +got):\n%s", diff)
	}
}

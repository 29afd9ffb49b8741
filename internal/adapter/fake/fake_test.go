package fake

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"trustmesh"
	"trustmesh/internal/identity"
	"trustmesh/internal/ledger"
	"trustmesh/internal/ledger/memory"
)

var testAccount = ledger.Account{Container: "c", Context: "x", AccountID: "a1"}

func establish(t *testing.T, l *Ledger) *identity.Identity {
	t.Helper()
	id, err := identity.Generate("mid-1", trustmesh.DeviceClassFull)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	_, err = l.Establish(context.Background(), ledger.EstablishRequest{
		Account: testAccount,
		Peer:    id.Peer(trustmesh.PeerDynamicInfo{Included: []string{id.PeerID()}, Excluded: []string{}, Clock: 1}, ""),
	})
	if err != nil {
		t.Fatalf("establish: %v", err)
	}
	return id
}

func TestLedger_RecordsCalls(t *testing.T) {
	l := NewLedger()
	id := establish(t, l)
	ctx := context.Background()
	for range 2 {
		if _, err := l.FetchChanges(ctx, ledger.FetchChangesRequest{Account: testAccount}); err != nil {
			t.Fatalf("fetch: %v", err)
		}
	}

	if got := l.Count("FetchChanges"); got != 2 {
		t.Errorf("FetchChanges count: got %d, want 2", got)
	}
	calls := l.Calls("Establish")
	if len(calls) != 1 || calls[0].Args[0] != id.PeerID() {
		t.Fatalf("Establish calls: %+v", calls)
	}
	if got := len(l.Calls("")); got != 3 {
		t.Errorf("all calls: got %d, want 3", got)
	}

	l.CallRecorder.Reset()
	if got := len(l.Calls("")); got != 0 {
		t.Errorf("calls after Reset: got %d", got)
	}
}

func TestLedger_FaultSkipsCall(t *testing.T) {
	l := NewLedger()
	id := establish(t, l)
	boom := ledger.Errorf(ledger.CodeNetworkUnavailable, "offline")
	l.Faults.FailOnce("ledger.FetchChanges", boom)

	ctx := context.Background()
	if _, err := l.FetchChanges(ctx, ledger.FetchChangesRequest{Account: testAccount}); !errors.Is(err, ledger.ErrNetworkUnavailable) {
		t.Fatalf("first fetch: got %v, want network unavailable", err)
	}
	resp, err := l.FetchChanges(ctx, ledger.FetchChangesRequest{Account: testAccount})
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if diff := cmp.Diff([]string{id.PeerID()}, resp.Trusted); diff != "" {
		t.Errorf("trusted (-want +got):\n%s", diff)
	}
	if got := l.Faults.Hits("ledger.FetchChanges"); got != 1 {
		t.Errorf("fault hits: got %d, want 1", got)
	}
}

func TestLedger_ReplyFaultAppliesCall(t *testing.T) {
	l := NewLedger()
	id, err := identity.Generate("mid-1", trustmesh.DeviceClassFull)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	l.Faults.FailOnce("ledger.Establish.reply", ledger.Errorf(ledger.CodeNetworkUnavailable, "connection reset"))

	_, err = l.Establish(context.Background(), ledger.EstablishRequest{
		Account: testAccount,
		Peer:    id.Peer(trustmesh.PeerDynamicInfo{Included: []string{id.PeerID()}, Excluded: []string{}, Clock: 1}, ""),
	})
	if !errors.Is(err, ledger.ErrNetworkUnavailable) {
		t.Fatalf("establish: got %v, want network unavailable", err)
	}
	if _, ok := l.Snapshot(testAccount).Peer(id.PeerID()); !ok {
		t.Error("peer not applied despite lost reply")
	}
}

func TestClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClock(start)
	now := c.Func()

	c.Advance(90 * time.Minute)
	if want := start.Add(90 * time.Minute); !now().Equal(want) {
		t.Errorf("after Advance: got %v, want %v", now(), want)
	}
	c.Set(start)
	if !c.Now().Equal(start) {
		t.Errorf("after Set: got %v, want %v", c.Now(), start)
	}
}

func TestClock_DrivesLedgerJoinTime(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewClock(start)
	l := NewLedger(memory.WithClock(c.Now))
	id := establish(t, l)

	p, ok := l.Snapshot(testAccount).Peer(id.PeerID())
	if !ok {
		t.Fatal("established peer missing")
	}
	if !p.JoinedAt.Equal(start) {
		t.Errorf("JoinedAt: got %v, want %v", p.JoinedAt, start)
	}
}

func TestLockState(t *testing.T) {
	ctx := context.Background()
	l := NewLockState()
	check := func(wantLocked, wantSinceBoot bool) {
		t.Helper()
		locked, _ := l.Locked(ctx)
		since, _ := l.UnlockedSinceBoot(ctx)
		if locked != wantLocked || since != wantSinceBoot {
			t.Fatalf("locked=%v since-boot=%v, want %v %v", locked, since, wantLocked, wantSinceBoot)
		}
	}
	check(false, true)
	l.Lock()
	check(true, true)
	l.Reboot()
	check(true, false)
	l.Unlock()
	check(false, true)
}

func TestCloudAccount(t *testing.T) {
	ctx := context.Background()
	a := NewCloudAccount("a1", trustmesh.SecurityLevelStandard)
	a.SignOut()
	if st, _ := a.Status(ctx); st.Present {
		t.Fatal("present after SignOut")
	}
	a.SignIn()
	a.SetSecurityLevel(trustmesh.SecurityLevelHSA2)
	st, err := a.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := trustmesh.CloudAccountStatus{Present: true, AccountID: "a1", SecurityLevel: trustmesh.SecurityLevelHSA2}
	if diff := cmp.Diff(want, st); diff != "" {
		t.Errorf("status (-want +got):\n%s", diff)
	}

	a.Faults.FailOnce("cloud.Status", errors.New("unavailable"))
	if _, err := a.Status(ctx); err == nil {
		t.Fatal("expected injected failure")
	}
}

func TestAuthorizationSource(t *testing.T) {
	ctx := context.Background()
	s := NewAuthorizationSource("mid-1")
	s.Add("mid-2")
	s.Add("mid-2")
	s.Remove("mid-1")
	got, err := s.Fetch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"mid-2"}, got); diff != "" {
		t.Errorf("list (-want +got):\n%s", diff)
	}
	if s.Count("Fetch") != 1 {
		t.Errorf("Fetch count: got %d", s.Count("Fetch"))
	}
}

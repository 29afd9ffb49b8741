package static

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"trustmesh"
	"trustmesh/internal/authlist"
	"trustmesh/internal/ledger"
)

var testKey = trustmesh.ContextKey{Container: "c", Context: "x", Persona: "a1"}

func TestAuthorizationFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authorized.yaml")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("a1: [mid-2, mid-1, mid-2]\na2: [other]\n")
	ctx := context.Background()

	f := NewAuthorizationFile(path, "a1")
	got, err := f.CurrentList(ctx)
	if err != nil {
		t.Fatalf("CurrentList() error: %v", err)
	}
	if diff := cmp.Diff([]string{"mid-1", "mid-2"}, got); diff != "" {
		t.Errorf("list (-want +got):\n%s", diff)
	}

	write("a1: [mid-3]\n")
	got, _ = f.CurrentList(ctx)
	if diff := cmp.Diff([]string{"mid-1", "mid-2"}, got); diff != "" {
		t.Errorf("CurrentList should not reread (-want +got):\n%s", diff)
	}
	got, err = f.Fetch(ctx)
	if err != nil {
		t.Fatalf("Fetch() error: %v", err)
	}
	if diff := cmp.Diff([]string{"mid-3"}, got); diff != "" {
		t.Errorf("Fetch (-want +got):\n%s", diff)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if _, err := f.Fetch(ctx); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestAuthorizationFile_Changes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authorized.yaml")
	write := func(s string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(s), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	ctx := context.Background()
	f := NewAuthorizationFile(path, "a1")

	write("a1: [mid-1, mid-2]\n")
	got, err := f.Changes(ctx)
	if err != nil {
		t.Fatalf("Changes() error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("first Changes() = %+v, want none", got)
	}

	write("a1: [mid-2, mid-3]\na2: [mid-1]\n")
	got, err = f.Changes(ctx)
	if err != nil {
		t.Fatalf("Changes() error: %v", err)
	}
	want := []authlist.Notification{
		{Kind: authlist.NotifyAdd, MachineID: "mid-3", AccountID: "a1"},
		{Kind: authlist.NotifyRemove, MachineID: "mid-1", AccountID: "a1"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Changes (-want +got):\n%s", diff)
	}

	got, _ = f.Changes(ctx)
	if len(got) != 0 {
		t.Errorf("unchanged file produced %+v", got)
	}
}

func TestCloudAccount_SetSecurityLevel(t *testing.T) {
	a := NewCloudAccount("a1", trustmesh.SecurityLevelStandard)
	if a.SetSecurityLevel(trustmesh.SecurityLevelStandard) {
		t.Error("same level reported as a change")
	}
	if !a.SetSecurityLevel(trustmesh.SecurityLevelHSA2) {
		t.Fatal("new level not reported as a change")
	}
	st, _ := a.Status(context.Background())
	if st.SecurityLevel != trustmesh.SecurityLevelHSA2 {
		t.Errorf("level = %v, want hsa2", st.SecurityLevel)
	}
}

func TestSyncKeys_EntropyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "escrow.key")
	ctx := context.Background()

	a, err := NewSyncKeys(testKey, path).EscrowEntropy(ctx)
	if err != nil {
		t.Fatalf("EscrowEntropy() error: %v", err)
	}
	if len(a) != entropySize {
		t.Fatalf("entropy length: got %d", len(a))
	}
	b, err := NewSyncKeys(testKey, path).EscrowEntropy(ctx)
	if err != nil {
		t.Fatalf("EscrowEntropy() error: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Fatal("entropy changed across instances")
	}

	if err := os.WriteFile(path, []byte("short"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewSyncKeys(testKey, path).EscrowEntropy(ctx); err == nil {
		t.Fatal("expected error for truncated entropy")
	}
}

func TestSyncKeys_IngestDeduplicates(t *testing.T) {
	s := NewSyncKeys(testKey, filepath.Join(t.TempDir(), "escrow.key"))
	shares := []ledger.Share{{KeyID: "k1"}, {KeyID: "k2"}}
	if err := s.IngestShares(context.Background(), shares); err != nil {
		t.Fatal(err)
	}
	if err := s.IngestShares(context.Background(), shares[:1]); err != nil {
		t.Fatal(err)
	}
	if got := s.ShareCount(); got != 2 {
		t.Fatalf("ShareCount: got %d, want 2", got)
	}
}

func TestFollowUps_PostOnce(t *testing.T) {
	f := NewFollowUps(testKey)
	if f.HasPosted(trustmesh.FollowUpRepairAccount) {
		t.Fatal("posted before Post")
	}
	for range 2 {
		if err := f.Post(context.Background(), trustmesh.FollowUpRepairAccount); err != nil {
			t.Fatal(err)
		}
	}
	if !f.HasPosted(trustmesh.FollowUpRepairAccount) {
		t.Fatal("not posted")
	}
}

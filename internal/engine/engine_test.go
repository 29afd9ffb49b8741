package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"trustmesh"
	"trustmesh/account"
	"trustmesh/internal/adapter/fake"
)

func testFactory(t *testing.T) (MachineFactory, *int) {
	t.Helper()
	ledger := fake.NewLedger()
	created := 0
	return func(key trustmesh.ContextKey) (*account.Machine, error) {
		created++
		return account.New(key, account.Device{MachineID: "mid-1", Class: trustmesh.DeviceClassFull}, account.Deps{
			Ledger:        ledger,
			Store:         fake.NewMetadataStore(),
			Cloud:         fake.NewCloudAccount(key.Persona, trustmesh.SecurityLevelHSA2),
			Lock:          fake.NewLockState(),
			SyncKeys:      fake.NewSyncKeys([]byte("entropy")),
			FollowUps:     fake.NewFollowUps(),
			Authorization: fake.NewAuthorizationSource("mid-1"),
		}), nil
	}, &created
}

func newTestRegistry(t *testing.T) (*Registry, *int) {
	t.Helper()
	factory, created := testFactory(t)
	r := New(context.Background(), factory, WithPrimaryPersona("primary"))
	t.Cleanup(r.StopAll)
	return r, created
}

func TestKeyFor(t *testing.T) {
	r, _ := newTestRegistry(t)

	tests := []struct {
		persona string
		want    string
	}{
		{"primary", trustmesh.DefaultContext},
		{"other", trustmesh.DefaultContext + "_other"},
	}
	for _, tt := range tests {
		t.Run(tt.persona, func(t *testing.T) {
			key := r.KeyFor(tt.persona)
			if key.Context != tt.want {
				t.Errorf("Context: got %q, want %q", key.Context, tt.want)
			}
			if key.Container != trustmesh.DefaultContainer {
				t.Errorf("Container: got %q, want %q", key.Container, trustmesh.DefaultContainer)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	t.Run("creates once per key", func(t *testing.T) {
		r, created := newTestRegistry(t)
		a, err := r.ForPersona("primary")
		if err != nil {
			t.Fatalf("ForPersona() error: %v", err)
		}
		b, err := r.Lookup(r.KeyFor("primary"))
		if err != nil {
			t.Fatalf("Lookup() error: %v", err)
		}
		if a != b {
			t.Error("Lookup returned a different machine for the same key")
		}
		if *created != 1 {
			t.Errorf("created: got %d, want 1", *created)
		}
	})

	t.Run("personas get distinct machines", func(t *testing.T) {
		r, _ := newTestRegistry(t)
		a, err := r.ForPersona("primary")
		if err != nil {
			t.Fatalf("ForPersona(primary) error: %v", err)
		}
		b, err := r.ForPersona("other")
		if err != nil {
			t.Fatalf("ForPersona(other) error: %v", err)
		}
		if a == b {
			t.Fatal("personas share a machine")
		}
		if got := len(r.Machines()); got != 2 {
			t.Errorf("Machines: got %d, want 2", got)
		}
	})

	t.Run("rejects cross-persona context", func(t *testing.T) {
		r, created := newTestRegistry(t)
		key := r.KeyFor("other")
		key.Context = trustmesh.DefaultContext
		if _, err := r.Lookup(key); !errors.Is(err, ErrCrossPersona) {
			t.Fatalf("Lookup() error: got %v, want ErrCrossPersona", err)
		}
		key = r.KeyFor("primary")
		key.Context = trustmesh.DefaultContext + "_primary"
		if _, err := r.Lookup(key); !errors.Is(err, ErrCrossPersona) {
			t.Fatalf("Lookup() error: got %v, want ErrCrossPersona", err)
		}
		if *created != 0 {
			t.Errorf("created: got %d, want 0", *created)
		}
	})

	t.Run("rejects incomplete key", func(t *testing.T) {
		r, _ := newTestRegistry(t)
		if _, err := r.Lookup(trustmesh.ContextKey{Container: "c", Context: "x"}); err == nil {
			t.Fatal("expected error for missing persona")
		}
	})
}

func TestRemove(t *testing.T) {
	r, created := newTestRegistry(t)
	m, err := r.ForPersona("primary")
	if err != nil {
		t.Fatalf("ForPersona() error: %v", err)
	}
	r.Remove(m.Key())
	if _, ok := r.Get(m.Key()); ok {
		t.Fatal("machine still registered after Remove")
	}
	if _, err := m.HealthCheck(context.Background(), true); !errors.Is(err, account.ErrClosed) {
		t.Errorf("HealthCheck after Remove: got %v, want ErrClosed", err)
	}

	// A removed key is created afresh on the next lookup.
	if _, err := r.ForPersona("primary"); err != nil {
		t.Fatalf("ForPersona() error: %v", err)
	}
	if *created != 2 {
		t.Errorf("created: got %d, want 2", *created)
	}
	r.Remove(trustmesh.ContextKey{Container: "none", Context: "none", Persona: "none"})
}

func TestMachinesRunIndependently(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, persona := range []string{"primary", "other"} {
		m, err := r.ForPersona(persona)
		if err != nil {
			t.Fatalf("ForPersona(%s) error: %v", persona, err)
		}
		if _, err := m.WaitForState(ctx, account.StateWaitForCDP); err != nil {
			t.Fatalf("%s: %v", persona, err)
		}
	}
}

func TestEntryPhaseTransition(t *testing.T) {
	p := EntryAbsent.Transition(EntryRunning)
	if p != EntryRunning {
		t.Fatalf("got %s, want running", p)
	}
	p = p.Transition(EntryStopping).Transition(EntryAbsent)
	if p != EntryAbsent {
		t.Fatalf("got %s, want absent", p)
	}
}

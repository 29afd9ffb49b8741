package static

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"gopkg.in/yaml.v3"

	"trustmesh/internal/authlist"
)

// AuthorizationFile reads an account's authorized machine IDs from a YAML
// file mapping altDSID to a list of machine IDs. Fetch rereads the file;
// CurrentList returns the last successful read.
type AuthorizationFile struct {
	path    string
	altDSID string

	mu   sync.Mutex
	last []string
	read bool
	// notified is the list as of the last Changes call.
	notified []string
	seeded   bool
}

func NewAuthorizationFile(path, altDSID string) *AuthorizationFile {
	return &AuthorizationFile{path: path, altDSID: altDSID}
}

func (f *AuthorizationFile) CurrentList(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	read := f.read
	last := slices.Clone(f.last)
	f.mu.Unlock()
	if read {
		return last, nil
	}
	return f.Fetch(ctx)
}

func (f *AuthorizationFile) Fetch(_ context.Context) ([]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read authorization file: %w", err)
	}
	var lists map[string][]string
	if err := yaml.Unmarshal(data, &lists); err != nil {
		return nil, fmt.Errorf("parse authorization file: %w", err)
	}
	ids := slices.Clone(lists[f.altDSID])
	slices.Sort(ids)
	ids = slices.Compact(ids)

	f.mu.Lock()
	f.last = ids
	f.read = true
	f.mu.Unlock()
	return slices.Clone(ids), nil
}

// Changes rereads the file and returns one notification per machine ID
// added or removed since the previous call. The first call records the
// list and returns nothing.
func (f *AuthorizationFile) Changes(ctx context.Context) ([]authlist.Notification, error) {
	ids, err := f.Fetch(ctx)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	prev, seeded := f.notified, f.seeded
	f.notified, f.seeded = ids, true
	f.mu.Unlock()
	if !seeded {
		return nil, nil
	}

	var out []authlist.Notification
	for _, id := range ids {
		if _, found := slices.BinarySearch(prev, id); !found {
			out = append(out, authlist.Notification{Kind: authlist.NotifyAdd, MachineID: id, AccountID: f.altDSID})
		}
	}
	for _, id := range prev {
		if _, found := slices.BinarySearch(ids, id); !found {
			out = append(out, authlist.Notification{Kind: authlist.NotifyRemove, MachineID: id, AccountID: f.altDSID})
		}
	}
	return out, nil
}

// Package authlist tracks which device identifiers are authorized for an
// account and decides when a peer may be distrusted.
package authlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"trustmesh"
)

const (
	DefaultGraceWindow   = 48 * time.Hour
	defaultRefreshPeriod = time.Minute
)

// ErrNotAuthorized is returned when the local device is missing from the
// authorization list during establish or join.
var ErrNotAuthorized = errors.New("device is not on the authorization list")

// NotificationKind is the type of a list-change push.
type NotificationKind uint8

const (
	NotifyAdd NotificationKind = iota + 1
	NotifyRemove
	NotifyIncomplete
)

func (k NotificationKind) String() string {
	switch k {
	case NotifyAdd:
		return "add"
	case NotifyRemove:
		return "remove"
	case NotifyIncomplete:
		return "incomplete"
	default:
		return "invalid"
	}
}

// Notification is a push from the authorization source.
type Notification struct {
	Kind      NotificationKind
	MachineID string
	AccountID string
}

// Verdict is the list's opinion of one machine ID.
type Verdict struct {
	Status trustmesh.MachineIDStatus
	// Enforcing is false in demo mode and after a fetch outage.
	Enforcing bool
	// InGrace is true while an unknown entry is younger than the grace window.
	InGrace bool
}

// Distrusted reports whether the peer behind this verdict should be
// excluded.
func (v Verdict) Distrusted() bool {
	return v.Enforcing && v.Status == trustmesh.MachineIDDisallowed
}

// List is the tracked authorization state of one context.
type List struct {
	key       trustmesh.ContextKey
	accountID string
	source    Source
	store     Store
	now       func() time.Time
	grace     time.Duration
	limiter   *rate.Limiter
	log       *slog.Logger

	mu      sync.Mutex
	loaded  bool
	seeded  bool
	demo    bool
	outage  bool
	// rearmed permits one fetch during an outage.
	rearmed bool
	// retried is set once a notification has spent the outage's retry.
	retried bool
	members map[string]bool
	entries map[string]trustmesh.MachineIDEntry
}

type Option func(*List)

func WithClock(now func() time.Time) Option {
	return func(l *List) { l.now = now }
}

// WithGraceWindow sets how long an unknown entry is trusted before it is
// re-verified.
func WithGraceWindow(d time.Duration) Option {
	return func(l *List) {
		if d > 0 {
			l.grace = d
		}
	}
}

// WithRefreshLimit bounds how often Observe may refetch the source.
func WithRefreshLimit(every time.Duration, burst int) Option {
	return func(l *List) { l.limiter = rate.NewLimiter(rate.Every(every), burst) }
}

func WithLogger(log *slog.Logger) Option {
	return func(l *List) { l.log = log }
}

// New returns the list for key. accountID is the locally active account;
// notifications for any other account are ignored.
func New(key trustmesh.ContextKey, accountID string, source Source, store Store, opts ...Option) *List {
	l := &List{
		key:       key,
		accountID: accountID,
		source:    source,
		store:     store,
		now:       time.Now,
		grace:     DefaultGraceWindow,
		limiter:   rate.NewLimiter(rate.Every(defaultRefreshPeriod), 1),
		members:   make(map[string]bool),
		entries:   make(map[string]trustmesh.MachineIDEntry),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.log == nil {
		l.log = slog.With("component", "authlist", "context", key.String())
	}
	return l
}

// SetDemo toggles the demo-account bypass. A demo list records nothing and
// never distrusts a peer.
func (l *List) SetDemo(demo bool) {
	l.mu.Lock()
	l.demo = demo
	l.mu.Unlock()
}

// Enforcing reports whether disallowed peers are currently excluded.
func (l *List) Enforcing() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enforcingLocked()
}

func (l *List) enforcingLocked() bool {
	return !l.demo && !l.outage
}

// ResetOutage permits one more fetch after a fetch failure. The list
// enforces again only once that fetch succeeds.
func (l *List) ResetOutage() {
	l.mu.Lock()
	if l.outage {
		l.rearmed = true
	}
	l.mu.Unlock()
}

func (l *List) mayFetch() bool {
	return !l.outage || l.rearmed
}

func (l *List) ensureLoaded(ctx context.Context) error {
	if l.loaded {
		return nil
	}
	entries, err := l.store.MachineIDs(ctx, l.key)
	if err != nil {
		return fmt.Errorf("load authorization entries: %w", err)
	}
	for _, e := range entries {
		l.entries[e.MachineID] = e
		if e.Status == trustmesh.MachineIDAllowed {
			l.members[e.MachineID] = true
		}
	}
	l.loaded = true
	return nil
}

func (l *List) persist(ctx context.Context) error {
	entries := make([]trustmesh.MachineIDEntry, 0, len(l.entries))
	for _, id := range sortedKeys(l.entries) {
		entries = append(entries, l.entries[id])
	}
	if err := l.store.SaveMachineIDs(ctx, l.key, entries); err != nil {
		return fmt.Errorf("save authorization entries: %w", err)
	}
	return nil
}

// refresh fetches the source once. A failure enters outage mode: the cached
// membership is kept and no further fetch happens until ResetOutage or the
// first incomplete-list notification of the outage. Only a successful fetch
// ends the outage.
func (l *List) refresh(ctx context.Context) {
	if !l.mayFetch() {
		return
	}
	l.rearmed = false
	ids, err := l.source.Fetch(ctx)
	if err != nil {
		if !l.outage {
			l.log.Warn("authorization list fetch failed, no longer enforcing", "err", err)
		}
		l.outage = true
		return
	}
	if l.outage {
		l.log.Info("authorization list fetch recovered, enforcing again")
	}
	l.outage = false
	l.retried = false
	l.seeded = true
	l.members = make(map[string]bool, len(ids))
	for _, id := range ids {
		l.members[id] = true
	}
}

func (l *List) set(id string, status trustmesh.MachineIDStatus) bool {
	e, ok := l.entries[id]
	if ok && e.Status == status {
		return false
	}
	l.entries[id] = trustmesh.MachineIDEntry{MachineID: id, Status: status, Modified: l.now()}
	return true
}

// CheckSelf verifies that machineID is on the current list before an
// establish or join. Demo accounts bypass the check without recording
// anything.
func (l *List) CheckSelf(ctx context.Context, machineID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.demo {
		return nil
	}
	if err := l.ensureLoaded(ctx); err != nil {
		return err
	}
	l.refresh(ctx)
	if l.outage {
		if !l.members[machineID] {
			l.log.Info("authorization source unavailable, admitting self on cached list", "machine_id", machineID)
		}
		return nil
	}
	if !l.members[machineID] {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, machineID)
	}
	if l.set(machineID, trustmesh.MachineIDAllowed) {
		return l.persist(ctx)
	}
	return nil
}

// Observe records the machine IDs of peers seen in the trust graph. Peers
// missing from the list are tracked as unknown; only after an unknown entry
// outlives the grace window is the source refetched.
func (l *List) Observe(ctx context.Context, machineIDs []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.demo {
		return nil
	}
	if err := l.ensureLoaded(ctx); err != nil {
		return err
	}
	if !l.seeded {
		if ids, err := l.source.CurrentList(ctx); err == nil {
			l.seeded = true
			for _, id := range ids {
				l.members[id] = true
			}
		}
	}

	changed := false
	now := l.now()
	stale := false
	for _, id := range machineIDs {
		if id == "" {
			continue
		}
		if l.members[id] {
			changed = l.set(id, trustmesh.MachineIDAllowed) || changed
			continue
		}
		e, tracked := l.entries[id]
		switch {
		case !tracked:
			changed = l.set(id, trustmesh.MachineIDUnknown) || changed
		case e.Status == trustmesh.MachineIDUnknown && e.Stale(now, l.grace):
			stale = true
		}
	}

	if stale && l.mayFetch() && l.limiter.AllowN(now, 1) {
		l.refresh(ctx)
		if !l.outage {
			for _, id := range machineIDs {
				e, tracked := l.entries[id]
				if !tracked || e.Status != trustmesh.MachineIDUnknown || !e.Stale(now, l.grace) {
					continue
				}
				if l.members[id] {
					changed = l.set(id, trustmesh.MachineIDAllowed) || changed
				} else {
					changed = l.set(id, trustmesh.MachineIDDisallowed) || changed
				}
			}
		}
	}

	if changed {
		return l.persist(ctx)
	}
	return nil
}

// HandleNotification applies a push from the source. It reports whether
// tracked state changed. Notifications for another account are ignored.
func (l *List) HandleNotification(ctx context.Context, n Notification) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n.AccountID != l.accountID {
		l.log.Debug("ignoring authorization notification for another account", "kind", n.Kind.String())
		return false, nil
	}
	if l.demo {
		return false, nil
	}
	if err := l.ensureLoaded(ctx); err != nil {
		return false, err
	}

	changed := false
	switch n.Kind {
	case NotifyAdd:
		l.members[n.MachineID] = true
		changed = l.set(n.MachineID, trustmesh.MachineIDAllowed)
	case NotifyRemove:
		delete(l.members, n.MachineID)
		changed = l.set(n.MachineID, trustmesh.MachineIDDisallowed)
	case NotifyIncomplete:
		if l.outage && !l.retried {
			l.retried = true
			l.rearmed = true
		}
		l.refresh(ctx)
		if l.outage {
			break
		}
		for id, e := range l.entries {
			if l.members[id] {
				changed = l.set(id, trustmesh.MachineIDAllowed) || changed
			} else if e.Status == trustmesh.MachineIDAllowed {
				changed = l.set(id, trustmesh.MachineIDDisallowed) || changed
			}
		}
	default:
		return false, &trustmesh.ValidationError{Field: "kind", Message: "unknown notification kind"}
	}

	if changed {
		return true, l.persist(ctx)
	}
	return false, nil
}

// Verdict returns the list's opinion of machineID for a peer that joined at
// joinedAt.
func (l *List) Verdict(machineID string, joinedAt time.Time) Verdict {
	l.mu.Lock()
	defer l.mu.Unlock()
	v := Verdict{Status: trustmesh.MachineIDUnknown, Enforcing: l.enforcingLocked()}
	if e, ok := l.entries[machineID]; ok {
		v.Status = e.Status
	} else if l.members[machineID] {
		v.Status = trustmesh.MachineIDAllowed
	}
	if !joinedAt.IsZero() && l.now().Sub(joinedAt) < l.grace {
		v.InGrace = true
	}
	if v.Status == trustmesh.MachineIDUnknown {
		if e, ok := l.entries[machineID]; ok && !e.Stale(l.now(), l.grace) {
			v.InGrace = true
		}
	}
	return v
}

// Entries returns the tracked entries ordered by machine ID.
func (l *List) Entries() []trustmesh.MachineIDEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]trustmesh.MachineIDEntry, 0, len(l.entries))
	for _, id := range sortedKeys(l.entries) {
		out = append(out, l.entries[id])
	}
	return out
}

func sortedKeys(m map[string]trustmesh.MachineIDEntry) []string {
	out := make([]string, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

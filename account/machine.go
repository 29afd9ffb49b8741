// Package account runs one trust state machine per (container, context,
// persona). A machine drains a FIFO of flags and operations on its own
// goroutine, running each item to the next stable or blocking state.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/trace"

	"trustmesh"
	"trustmesh/internal/authlist"
	"trustmesh/internal/health"
	"trustmesh/internal/identity"
	"trustmesh/internal/ledger"
	"trustmesh/internal/metadata"
	"trustmesh/internal/reconcile"
	"trustmesh/internal/recovery"
	"trustmesh/internal/telemetry"
)

// Device identifies the local device.
type Device struct {
	MachineID string
	Class     trustmesh.DeviceClass
}

// Status is a point-in-time view of a machine.
type Status struct {
	State      State
	TrustState trustmesh.TrustState
	CDPState   trustmesh.CDPState
	PeerID     string
	// Paused is true when the queue is empty and nothing is in flight.
	Paused bool
	// Waiting counts operations parked until the machine is stable.
	Waiting   int
	LastError string
}

type item struct {
	flag Flag
	op   *operation
}

func (it *item) String() string {
	if it.op != nil {
		return it.op.name
	}
	return it.flag.String()
}

type opResult struct {
	val any
	err error
}

type operation struct {
	name        string
	needsUnlock bool
	// awaitStable parks the operation until the machine rests in Ready or
	// Untrusted, or the caller gives up.
	awaitStable bool
	// admit runs before the operation is parked or started. An error fails
	// the operation at once.
	admit func(op *operation) error
	// caller is the submitting context. Parked operations are dropped
	// once it ends.
	caller context.Context
	// start runs on the machine goroutine. It either does the work itself
	// or moves the machine into the state that does.
	start  func(ctx context.Context, op *operation) error
	finish func(op *operation, err error) (any, error)
	join   func(ctx context.Context) (recovery.Joined, error)
	result any
	trace  *telemetry.Operation
	done   chan opResult
}

type watcher struct {
	states []State
	ch     chan State
}

type Machine struct {
	key    trustmesh.ContextKey
	device Device
	deps   Deps
	log    *slog.Logger
	tracer trace.Tracer
	now    func() time.Time

	newBackOff    func() backoff.BackOff
	graceWindow   time.Duration
	healthEvery   time.Duration
	tooManyPolicy recovery.TooManyPeersPolicy

	list       *authlist.List
	recovery   *recovery.Coordinator
	reconciler *reconcile.Reconciler
	health     *health.Coordinator

	mu            sync.Mutex
	state         State
	md            trustmesh.AccountMetadata
	queue         []*item
	parked        []*item
	paused        bool
	closed        bool
	lastErr       error
	watchers      []*watcher
	idle          []chan struct{}
	session       context.Context
	cancelSession context.CancelFunc
	wake          chan struct{}
	stop          context.CancelFunc
	done          chan struct{}

	// Owned by the machine goroutine.
	self        *identity.Identity
	account     ledger.Account
	level       trustmesh.SecurityLevel
	snap        ledger.Snapshot
	changeToken string
	inflight    *operation
	deferred    []*item
	resume      State
	resetReason ledger.ResetReason
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithBackOff sets the retry schedule for transient ledger errors. The
// schedule's end is the retry budget.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(m *Machine) { m.newBackOff = newBackOff }
}

// WithGraceWindow sets how long an unknown machine ID is trusted.
func WithGraceWindow(d time.Duration) Option {
	return func(m *Machine) { m.graceWindow = d }
}

// WithHealthInterval sets the minimum time between health checks.
func WithHealthInterval(d time.Duration) Option {
	return func(m *Machine) { m.healthEvery = d }
}

func WithTooManyPeersPolicy(p recovery.TooManyPeersPolicy) Option {
	return func(m *Machine) { m.tooManyPolicy = p }
}

func WithTracer(t trace.Tracer) Option {
	return func(m *Machine) { m.tracer = t }
}

// New builds a machine. It does nothing until Start.
func New(key trustmesh.ContextKey, device Device, deps Deps, opts ...Option) *Machine {
	m := &Machine{
		key:         key,
		device:      device,
		deps:        deps,
		log:         slog.With("component", "account", "context", key.String()),
		tracer:      telemetry.Tracer(),
		now:         time.Now,
		newBackOff:  ledger.DefaultBackOff,
		graceWindow: authlist.DefaultGraceWindow,
		healthEvery: health.DefaultInterval,
		state:       StateWaitingForCloudAccount,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.list = authlist.New(key, key.Persona, deps.Authorization, deps.Store,
		authlist.WithClock(m.now),
		authlist.WithGraceWindow(m.graceWindow),
	)
	var recOpts []recovery.Option
	if deps.TooManyPeers != nil {
		recOpts = append(recOpts, recovery.WithTooManyPeers(m.tooManyPolicy, deps.TooManyPeers))
	}
	m.recovery = recovery.New(deps.Ledger, deps.SyncKeys, recOpts...)
	m.reconciler = reconcile.New(deps.Ledger, m.list)
	m.health = health.New(deps.Ledger, deps.Store, deps.FollowUps,
		health.WithClock(m.now),
		health.WithInterval(m.healthEvery),
		health.WithOutageResetter(m.list),
	)
	return m
}

// Key returns the context this machine owns.
func (m *Machine) Key() trustmesh.ContextKey {
	return m.key
}

// Start launches the machine goroutine. It stops when ctx is cancelled or
// Close is called.
func (m *Machine) Start(ctx context.Context) {
	ctx, stop := context.WithCancel(ctx)
	m.mu.Lock()
	m.stop = stop
	m.session, m.cancelSession = context.WithCancel(ctx)
	m.mu.Unlock()
	go m.run(ctx)
}

// Close stops the machine and fails every queued operation with ErrClosed.
func (m *Machine) Close() {
	m.mu.Lock()
	stop := m.stop
	m.mu.Unlock()
	if stop == nil {
		return
	}
	stop()
	<-m.done
}

// Signal queues f. A cloud-account-unavailable flag also cancels the
// operation in flight right away.
func (m *Machine) Signal(f Flag) error {
	if f == FlagCloudAccountUnavailable {
		m.mu.Lock()
		if m.cancelSession != nil {
			m.cancelSession()
		}
		m.mu.Unlock()
	}
	return m.enqueue(&item{flag: f})
}

// Status returns the current view. CDP is reported unknown without an
// account.
func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:      m.state,
		TrustState: m.md.TrustState,
		CDPState:   m.md.CDPState,
		PeerID:     m.md.PeerID,
		Paused:     m.paused,
		Waiting:    len(m.parked),
	}
	if m.state == StateNoAccount {
		st.CDPState = trustmesh.CDPUnknown
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// WaitForState blocks until the machine is in one of states.
func (m *Machine) WaitForState(ctx context.Context, states ...State) (State, error) {
	m.mu.Lock()
	if slices.Contains(states, m.state) {
		s := m.state
		m.mu.Unlock()
		return s, nil
	}
	w := &watcher{states: states, ch: make(chan State, 1)}
	m.watchers = append(m.watchers, w)
	m.mu.Unlock()

	select {
	case s := <-w.ch:
		return s, nil
	case <-ctx.Done():
		m.mu.Lock()
		m.watchers = slices.DeleteFunc(m.watchers, func(x *watcher) bool { return x == w })
		m.mu.Unlock()
		return m.State(), fmt.Errorf("%w: waiting for %v: %w", ErrTimeout, states, ctx.Err())
	}
}

// WaitQuiescent blocks until the queue is empty and nothing is in flight.
func (m *Machine) WaitQuiescent(ctx context.Context) error {
	m.mu.Lock()
	if m.paused {
		m.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	m.idle = append(m.idle, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: waiting for quiescence: %w", ErrTimeout, ctx.Err())
	}
}

func (m *Machine) enqueue(it *item) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.queue = append(m.queue, it)
	m.paused = false
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return nil
}

// submit queues op and waits for its result or the caller's deadline.
func submit[T any](ctx context.Context, m *Machine, op *operation) (T, error) {
	var zero T
	op.done = make(chan opResult, 1)
	op.caller = ctx
	if err := m.enqueue(&item{op: op}); err != nil {
		return zero, err
	}
	select {
	case r := <-op.done:
		if r.err != nil {
			return zero, r.err
		}
		v, _ := r.val.(T)
		return v, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("%w: %s: %w", ErrTimeout, op.name, ctx.Err())
	}
}

func (m *Machine) resolve(op *operation, val any, err error) {
	op.trace.End(err)
	op.done <- opResult{val: val, err: err}
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	from := m.state
	m.state = s
	kept := m.watchers[:0]
	for _, w := range m.watchers {
		if slices.Contains(w.states, s) {
			w.ch <- s
			continue
		}
		kept = append(kept, w)
	}
	m.watchers = kept
	m.mu.Unlock()

	if from != s {
		m.log.Debug("state transition", "from", from.String(), "to", s.String())
		if m.inflight != nil {
			m.inflight.trace.Transition(from.Wire(), s.Wire())
		}
	}
}

func (m *Machine) sessionCtx() context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Machine) run(ctx context.Context) {
	defer close(m.done)
	defer m.shutdown()

	m.loadMetadata(ctx)
	m.settle(m.advance(m.sessionCtx()))
	for {
		it, ok := m.next(ctx)
		if !ok {
			return
		}
		m.process(ctx, it)
	}
}

func (m *Machine) next(ctx context.Context) (*item, bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			it := m.queue[0]
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return it, true
		}
		if m.inflight == nil && !m.paused {
			m.paused = true
			for _, ch := range m.idle {
				close(ch)
			}
			m.idle = nil
		}
		m.mu.Unlock()

		select {
		case <-m.wake:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (m *Machine) shutdown() {
	m.mu.Lock()
	m.closed = true
	queued := append(m.queue, m.parked...)
	m.queue = nil
	m.parked = nil
	if m.cancelSession != nil {
		m.cancelSession()
	}
	m.mu.Unlock()

	for _, it := range append(queued, m.deferred...) {
		if it.op != nil {
			m.resolve(it.op, nil, ErrClosed)
		}
	}
	m.deferred = nil
	if m.inflight != nil {
		m.resolve(m.inflight, nil, ErrClosed)
		m.inflight = nil
	}
}

func (m *Machine) process(root context.Context, it *item) {
	if it.flag == FlagCloudAccountUnavailable {
		m.signOut(root)
		return
	}

	st := m.State()
	if st.lockWait() && it.flag != FlagDeviceUnlocked {
		m.deferred = append(m.deferred, it)
		return
	}

	if op := it.op; op != nil {
		if op.admit != nil {
			if err := op.admit(op); err != nil {
				m.resolve(op, nil, err)
				return
			}
		}
		if op.awaitStable && !st.Stable() {
			m.log.Debug("parking until stable", "item", it.String(), "state", st.String())
			m.mu.Lock()
			m.parked = append(m.parked, it)
			m.mu.Unlock()
			return
		}
	}

	ctx := m.sessionCtx()
	if m.needsUnlock(it, st) {
		if wait, locked := m.lockGate(ctx, st); locked {
			m.log.Info("device locked, deferring", "item", it.String())
			m.deferred = append(m.deferred, it)
			m.setState(wait)
			return
		}
	}

	if it.op != nil {
		op := it.op
		op.trace, _ = telemetry.Start(ctx, m.tracer, "account."+op.name, m.key)
		m.inflight = op
		if err := op.start(op.spanContext(ctx), op); err != nil {
			m.inflight = nil
			m.resolve(op, nil, m.cancelled(ctx, err))
			return
		}
	} else {
		m.applyFlag(ctx, it.flag)
	}

	m.settle(m.advance(ctx))
}

// settle resolves the in-flight operation unless the machine is waiting
// for an unlock, then replays deferred items and releases parked ones.
func (m *Machine) settle(err error) {
	st := m.State()
	if st.lockWait() {
		return
	}
	if op := m.inflight; op != nil {
		m.inflight = nil
		val, ferr := op.finish(op, err)
		m.resolve(op, val, ferr)
	}
	released := m.releaseParked(st)
	if len(m.deferred) > 0 || len(released) > 0 {
		m.mu.Lock()
		m.queue = slices.Concat(m.deferred, released, m.queue)
		m.mu.Unlock()
		m.deferred = nil
	}
}

// releaseParked returns the parked items that may run in st. Items whose
// caller is gone, or which st no longer admits, are resolved instead.
func (m *Machine) releaseParked(st State) []*item {
	m.mu.Lock()
	parked := m.parked
	m.parked = nil
	m.mu.Unlock()

	var kept, released []*item
	for _, it := range parked {
		op := it.op
		if err := op.caller.Err(); err != nil {
			m.resolve(op, nil, fmt.Errorf("%w: %s: %w", ErrTimeout, op.name, err))
			continue
		}
		if op.admit != nil {
			if err := op.admit(op); err != nil {
				m.resolve(op, nil, err)
				continue
			}
		}
		if st.Stable() {
			released = append(released, it)
			continue
		}
		kept = append(kept, it)
	}
	if len(kept) > 0 {
		m.mu.Lock()
		m.parked = append(kept, m.parked...)
		m.mu.Unlock()
	}
	return released
}

func (m *Machine) needsUnlock(it *item, st State) bool {
	if it.op != nil {
		return it.op.needsUnlock
	}
	switch it.flag {
	case FlagPushReceived, FlagDeviceListChanged:
		return st == StateReady
	case FlagRepairNeeded:
		return st.Stable()
	}
	return false
}

// lockGate reports whether the device is locked and, if so, which wait
// state to enter. resume is where the machine continues after unlock.
func (m *Machine) lockGate(ctx context.Context, resume State) (State, bool) {
	locked, err := m.deps.Lock.Locked(ctx)
	if err != nil {
		m.log.Warn("lock state unavailable, assuming unlocked", "err", err)
		return 0, false
	}
	if !locked {
		return 0, false
	}
	m.resume = resume
	if since, err := m.deps.Lock.UnlockedSinceBoot(ctx); err == nil && !since {
		return StateWaitForClassCUnlock, true
	}
	return StateWaitForUnlock, true
}

// advance steps the machine until it rests in a stable or blocking state.
// Transient errors re-run the same state on the retry schedule.
func (m *Machine) advance(ctx context.Context) error {
	var bo backoff.BackOff
	for {
		cur := m.State()
		if cur.Stable() {
			return nil
		}
		var next State
		err := m.inflight.runStep(ctx, cur.Wire(), func(ctx context.Context) error {
			var err error
			next, err = m.step(ctx, cur)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				return m.cancelled(ctx, err)
			}
			if ledger.IsTransient(err) {
				if bo == nil {
					bo = backoff.WithContext(m.newBackOff(), ctx)
				}
				if d := bo.NextBackOff(); d != backoff.Stop {
					m.log.Debug("transient error, retrying", "state", cur.String(), "delay", d, "err", err)
					if sleep(ctx, d) != nil {
						return m.cancelled(ctx, err)
					}
					continue
				}
			}
			m.fail(cur, err)
			return err
		}
		if next == cur {
			return nil
		}
		bo = nil
		m.setState(next)
	}
}

func (op *operation) runStep(ctx context.Context, id string, fn func(context.Context) error) error {
	if op == nil || op.trace == nil {
		return fn(ctx)
	}
	return op.trace.RunStep(op.spanContext(ctx), id, fn)
}

// spanContext parents spans under the operation while keeping ctx's
// cancellation.
func (op *operation) spanContext(ctx context.Context) context.Context {
	if op == nil || op.trace == nil {
		return ctx
	}
	return trace.ContextWithSpan(ctx, trace.SpanFromContext(op.trace.Context()))
}

// fail settles the machine in its prior stable state after a terminal
// error or an exhausted retry budget.
func (m *Machine) fail(from State, err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()

	next := StateUntrusted
	switch {
	case m.account == (ledger.Account{}):
		next = StateNoAccount
	case m.self != nil && m.metadata().TrustState == trustmesh.TrustTrusted:
		next = StateReady
	}
	m.log.Warn("operation failed", "state", from.String(), "settle", next.String(), "err", err)
	m.setState(next)
}

func (m *Machine) cancelled(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// signOut drops the session: pending operations fail with ErrCancelled,
// local trust facts are cleared and the machine rests in NoAccount.
func (m *Machine) signOut(root context.Context) {
	m.log.Info("cloud account signed out")
	if op := m.inflight; op != nil {
		m.inflight = nil
		m.resolve(op, nil, ErrCancelled)
	}
	m.mu.Lock()
	parked := m.parked
	m.parked = nil
	m.mu.Unlock()
	for _, it := range append(m.deferred, parked...) {
		if it.op != nil {
			m.resolve(it.op, nil, ErrCancelled)
		}
	}
	m.deferred = nil

	if m.account != (ledger.Account{}) {
		m.recovery.EndSession(m.account)
	}
	var errs []error
	if err := m.deps.Store.DeletePeerKey(root, m.key); err != nil && !errors.Is(err, metadata.ErrNoPeerKey) {
		errs = append(errs, err)
	}
	if err := m.updateMetadata(root, func(md *trustmesh.AccountMetadata) {
		md.PeerID = ""
		md.TrustState = trustmesh.TrustUnknown
		md.CDPState = trustmesh.CDPUnknown
	}); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		m.log.Warn("clear local state on sign out", "err", err)
	}

	m.self = nil
	m.account = ledger.Account{}
	m.snap = ledger.Snapshot{}
	m.changeToken = ""

	m.mu.Lock()
	m.session, m.cancelSession = context.WithCancel(root)
	m.mu.Unlock()
	m.setState(StateNoAccount)
}

func (m *Machine) loadMetadata(ctx context.Context) {
	md, err := m.deps.Store.Load(ctx, m.key)
	if err != nil && !errors.Is(err, metadata.ErrNoAccount) {
		m.log.Warn("load account metadata", "err", err)
	}
	m.mu.Lock()
	m.md = md
	m.mu.Unlock()
}

func (m *Machine) updateMetadata(ctx context.Context, fn func(*trustmesh.AccountMetadata)) error {
	md, err := m.deps.Store.Update(ctx, m.key, func(md *trustmesh.AccountMetadata) error {
		fn(md)
		return nil
	})
	if err != nil {
		return fmt.Errorf("update account metadata: %w", err)
	}
	m.mu.Lock()
	m.md = md
	m.mu.Unlock()
	return nil
}

func (m *Machine) metadata() trustmesh.AccountMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.md
}

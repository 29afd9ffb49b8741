// Package daemon wires configuration, the metadata store, the trust ledger
// and the state machine registry into the trustd process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"trustmesh"
	"trustmesh/account"
	"trustmesh/config"
	"trustmesh/internal/adapter/static"
	"trustmesh/internal/authlist"
	"trustmesh/internal/engine"
	"trustmesh/internal/ledger"
	"trustmesh/internal/ledger/memory"
	"trustmesh/internal/metadata"
	"trustmesh/internal/recovery"
)

// ErrNoAuthorizationSource is returned by the authorization source of a
// daemon configured without an authorization file.
var ErrNoAuthorizationSource = errors.New("no authorization source configured")

type noAuthorization struct{}

func (noAuthorization) CurrentList(context.Context) ([]string, error) {
	return nil, ErrNoAuthorizationSource
}

func (noAuthorization) Fetch(context.Context) ([]string, error) {
	return nil, ErrNoAuthorizationSource
}

// adapters are the configuration-driven collaborators of one machine.
type adapters struct {
	cloud *static.CloudAccount
	// auth is nil without an authorization file.
	auth *static.AuthorizationFile
}

type Daemon struct {
	cfg    *config.Config
	device account.Device
	store  *metadata.Store
	ledger ledger.Service
	client *ledger.Client
	// embedded is set when the daemon serves its own in-memory ledger.
	embedded *memory.Ledger
	server   *Server

	registry *engine.Registry
	ready    chan struct{}
	log      *slog.Logger

	mu       sync.Mutex
	adapters map[trustmesh.ContextKey]adapters
}

// New opens the daemon's store and ledger. Run starts everything else.
func New(cfg *config.Config) (*Daemon, error) {
	class, err := config.ParseDeviceClass(cfg.Device.Class)
	if err != nil {
		return nil, err
	}
	if cfg.DataRoot == "" {
		return nil, &trustmesh.ValidationError{Field: "data-root", Message: "is required"}
	}
	if err := os.MkdirAll(cfg.DataRoot, 0o700); err != nil {
		return nil, fmt.Errorf("create data root: %w", err)
	}
	store, err := metadata.Open(filepath.Join(cfg.DataRoot, config.DefaultDatabaseName))
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:    cfg,
		device: account.Device{MachineID: cfg.Device.MachineID, Class: class},
		store:  store,
		ready:  make(chan struct{}),
		log:    slog.With("component", "daemon"),

		adapters: make(map[trustmesh.ContextKey]adapters),
	}
	if cfg.Ledger.Address != "" {
		client, err := ledger.Dial(cfg.Ledger.Address)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		d.client = client
		d.ledger = client
	} else {
		d.embedded = memory.New()
		d.ledger = d.embedded
		d.server = NewServer(d.embedded)
	}
	return d, nil
}

// Ready is closed once every configured account has a running machine.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Registry returns the machine registry. It is nil before Ready.
func (d *Daemon) Registry() *engine.Registry {
	return d.registry
}

// LedgerAddr returns the embedded ledger's listen address, or nil.
func (d *Daemon) LedgerAddr() net.Addr {
	if d.server == nil {
		return nil
	}
	return d.server.Addr()
}

func (d *Daemon) account(altDSID string) (config.Account, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, a := range d.cfg.Accounts {
		if a.AltDSID == altDSID {
			return a, true
		}
	}
	return config.Account{}, false
}

func (d *Daemon) newMachine(key trustmesh.ContextKey) (*account.Machine, error) {
	acct, ok := d.account(key.Persona)
	if !ok {
		return nil, fmt.Errorf("persona %s is not configured", key.Persona)
	}
	level, err := config.ParseSecurityLevel(acct.SecurityLevel)
	if err != nil {
		return nil, err
	}

	ad := adapters{cloud: static.NewCloudAccount(key.Persona, level)}
	var auth authlist.Source = noAuthorization{}
	if d.cfg.AuthorizationFile != "" {
		ad.auth = static.NewAuthorizationFile(d.cfg.AuthorizationFile, key.Persona)
		auth = ad.auth
	}
	d.mu.Lock()
	d.adapters[key] = ad
	d.mu.Unlock()

	p := d.cfg.Policy
	retryElapsed := p.RetryElapsed
	return account.New(key, d.device, account.Deps{
		Ledger:        d.ledger,
		Store:         d.store,
		Cloud:         ad.cloud,
		Lock:          static.LockState{},
		SyncKeys:      static.NewSyncKeys(key, filepath.Join(d.cfg.DataRoot, "escrow", key.Context, config.DefaultEntropyFileName)),
		FollowUps:     static.NewFollowUps(key),
		Authorization: auth,
		TooManyPeers:  static.NewTooManyPeers(key),
	},
		account.WithGraceWindow(p.GraceWindow),
		account.WithHealthInterval(p.HealthInterval),
		account.WithTooManyPeersPolicy(recovery.TooManyPeersPolicy{
			Limit:           p.TooManyPeers.Limit,
			DialogThreshold: p.TooManyPeers.DialogThreshold,
		}),
		account.WithBackOff(func() backoff.BackOff {
			return backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(500*time.Millisecond),
				backoff.WithMaxElapsedTime(retryElapsed),
			)
		}),
	), nil
}

// Run starts the machines, the embedded ledger server and the periodic
// health loop, then blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.close()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	g, ctx := errgroup.WithContext(ctx)
	if d.server != nil {
		listening := make(chan net.Addr, 1)
		g.Go(func() error { return d.server.ListenAndServe(ctx, d.cfg.Ledger.Listen, listening) })
		select {
		case addr := <-listening:
			d.log.Info("serving embedded trust ledger", "addr", addr.String())
		case <-ctx.Done():
			return g.Wait()
		}
	}

	d.registry = engine.New(ctx, d.newMachine,
		engine.WithContainer(d.cfg.Container),
		engine.WithBaseContext(d.cfg.BaseContext),
		engine.WithPrimaryPersona(d.cfg.PrimaryPersona),
	)
	for _, acct := range d.cfg.Accounts {
		m, err := d.registry.ForPersona(acct.AltDSID)
		if err != nil {
			d.registry.StopAll()
			return err
		}
		if acct.CDP != nil {
			flag := account.FlagCDPDisabled
			if *acct.CDP {
				flag = account.FlagCDPEnabled
			}
			if err := m.Signal(flag); err != nil {
				d.log.Warn("signal cdp state", "context", m.Key().String(), "err", err)
			}
		}
	}
	if d.embedded != nil {
		d.embedded.Subscribe(d.push)
	}
	close(d.ready)
	d.log.Info("daemon started", "accounts", len(d.cfg.Accounts))

	g.Go(func() error {
		d.healthLoop(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		d.registry.StopAll()
		return nil
	})
	return g.Wait()
}

// push delivers an embedded-ledger change to every machine of the account.
func (d *Daemon) push(acct ledger.Account, origin string) {
	for _, m := range d.registry.Machines() {
		if m.Key().Persona != acct.AccountID || m.Key().Context != acct.Context {
			continue
		}
		if m.Status().PeerID == origin {
			continue
		}
		if err := m.Signal(account.FlagPushReceived); err != nil && !errors.Is(err, account.ErrClosed) {
			d.log.Warn("deliver push", "context", m.Key().String(), "err", err)
		}
	}
}

// healthLoop offers every machine a rate-limited health check each tick. A
// remote ledger has no push channel, so each tick also polls for changes.
func (d *Daemon) healthLoop(ctx context.Context) {
	t := time.NewTicker(d.cfg.Policy.HealthTick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		d.tick(ctx)
	}
}

func (d *Daemon) tick(ctx context.Context) {
	for _, m := range d.registry.Machines() {
		d.syncDeviceList(ctx, m)
		d.checkHealth(ctx, m)
	}
}

func (d *Daemon) adaptersFor(key trustmesh.ContextKey) (adapters, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ad, ok := d.adapters[key]
	return ad, ok
}

// syncDeviceList delivers authorization file edits made since the last
// tick as device-list notifications.
func (d *Daemon) syncDeviceList(ctx context.Context, m *account.Machine) {
	ad, ok := d.adaptersFor(m.Key())
	if !ok || ad.auth == nil {
		return
	}
	log := d.log.With("context", m.Key().String())
	changes, err := ad.auth.Changes(ctx)
	if err != nil {
		log.Warn("read authorization file", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	for _, n := range changes {
		if _, err := m.HandleDeviceListNotification(ctx, n); err != nil {
			log.Warn("device list notification", "kind", n.Kind.String(), "machine_id", n.MachineID, "err", err)
		}
	}
}

// Reload applies the account settings of cfg to running machines: a new
// security level or CDP state is signalled. Other fields take effect on
// restart.
func (d *Daemon) Reload(cfg *config.Config) error {
	select {
	case <-d.ready:
	default:
		return errors.New("daemon is not running")
	}
	var errs []error
	for _, acct := range cfg.Accounts {
		prev, _ := d.account(acct.AltDSID)
		level, err := config.ParseSecurityLevel(acct.SecurityLevel)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		key := d.registry.KeyFor(acct.AltDSID)
		m, ok := d.registry.Get(key)
		if !ok {
			d.log.Info("account added, restart to start it", "altdsid", acct.AltDSID)
			continue
		}
		ad, ok := d.adaptersFor(key)
		if !ok {
			continue
		}
		if ad.cloud.SetSecurityLevel(level) {
			d.log.Info("security level changed", "context", key.String(), "level", level.String())
			errs = append(errs, m.Signal(account.FlagSecurityLevelChanged))
		}
		if acct.CDP != nil && (prev.CDP == nil || *prev.CDP != *acct.CDP) {
			flag := account.FlagCDPDisabled
			if *acct.CDP {
				flag = account.FlagCDPEnabled
			}
			errs = append(errs, m.Signal(flag))
		}
	}
	d.mu.Lock()
	d.cfg.Accounts = cfg.Accounts
	d.mu.Unlock()
	return errors.Join(errs...)
}

func (d *Daemon) checkHealth(ctx context.Context, m *account.Machine) {
	st := m.State()
	if !st.Stable() {
		return
	}
	log := d.log.With("context", m.Key().String())
	if d.client != nil {
		if err := m.Signal(account.FlagPushReceived); err != nil {
			log.Warn("poll for changes", "err", err)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	res, err := m.HealthCheck(ctx, false)
	if err != nil {
		log.Warn("health check failed", "err", err)
		return
	}
	if !res.Skipped {
		log.Info("health check", "directive", res.Directive.Kind.String(), "action", res.Action.String())
	}
}

func (d *Daemon) close() {
	var errs []error
	if d.client != nil {
		errs = append(errs, d.client.Close())
	}
	errs = append(errs, d.store.Close())
	if err := errors.Join(errs...); err != nil {
		d.log.Warn("close daemon resources", "err", err)
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"idwallet/go-core/internal/app"
	"idwallet/go-core/internal/discovery"
	"idwallet/go-core/internal/domains/contracts"
	"idwallet/go-core/internal/eventlog"
	"idwallet/go-core/internal/extensions"
	"idwallet/go-core/internal/platform/metrics"
	"idwallet/go-core/internal/transport"
	"idwallet/go-core/pkg/models"
)

var ErrConnectTimeout = errors.New("session: timed out waiting for connection")

type Config struct {
	ReconnectInterval time.Duration
	ConnectTimeout    time.Duration
	LookupTimeout     time.Duration
	ReconnectRPS      float64
	ReconnectBurst    int
}

func DefaultConfig() Config {
	return Config{
		ReconnectInterval: DefaultReconnectInterval,
		ConnectTimeout:    30 * time.Second,
		LookupTimeout:     10 * time.Second,
		ReconnectRPS:      0.2,
		ReconnectBurst:    3,
	}
}

type Options struct {
	Profile      contracts.Profile
	Network      contracts.Network
	Dispatcher   contracts.UIDispatcher
	Transport    transport.Factory
	Constructors map[models.Extension]extensions.Constructor
	Keys         extensions.KeyLoader
	Hub          *app.NotificationHub
	Discovery    *discovery.Engine
	Events       *eventlog.Tracker
	Metrics      *metrics.Session
	Clock        clock.Clock
	Logger       *slog.Logger
	Config       Config
}

// Manager owns the single transport connection and the extension set built on it.
type Manager struct {
	profile    contracts.Profile
	network    contracts.Network
	dispatcher contracts.UIDispatcher
	factory    transport.Factory
	registry   *extensions.Registry
	hub        *app.NotificationHub
	discovery  *discovery.Engine
	events     *eventlog.Tracker
	metrics    *metrics.Session
	clock      clock.Clock
	logger     *slog.Logger
	cfg        Config

	supervisor *Supervisor
	reconnects *rate.Limiter

	creating    atomic.Bool
	tearingDown atomic.Bool
	discovering atomic.Bool
	// profileDirty marks a profile change not yet reconciled by EnsureSession.
	profileDirty atomic.Bool
	refreshing   atomic.Bool

	// supMu orders supervisor starts against teardown.
	supMu sync.Mutex

	mu           sync.RWMutex
	client       transport.Client
	applied      models.ConnectionParameters
	state        transport.State
	lastChange   time.Time
	wasConnected bool
	generation   uint64
	stateCh      chan struct{}
	lifecycle    models.LifecycleState
	unsubscribe  func()

	sinksMu  sync.RWMutex
	sinks    map[int]func(extensions.Event)
	nextSink int

	bg sync.WaitGroup
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Profile == nil {
		return nil, errors.New("session: profile is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("session: transport factory is required")
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = app.DefaultLogger()
	}
	if opts.Hub == nil {
		opts.Hub = app.NewNotificationHub(256, app.WithDispatcher(opts.Dispatcher), app.WithLogger(opts.Logger), app.WithClock(opts.Clock))
	}
	if opts.Discovery == nil {
		opts.Discovery = discovery.New(discovery.Options{Logger: opts.Logger, Metrics: opts.Metrics})
	}
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = def.ReconnectInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = def.LookupTimeout
	}
	if cfg.ReconnectRPS <= 0 {
		cfg.ReconnectRPS = def.ReconnectRPS
	}
	if cfg.ReconnectBurst <= 0 {
		cfg.ReconnectBurst = def.ReconnectBurst
	}

	m := &Manager{
		profile:    opts.Profile,
		network:    opts.Network,
		dispatcher: opts.Dispatcher,
		factory:    opts.Transport,
		hub:        opts.Hub,
		discovery:  opts.Discovery,
		events:     opts.Events,
		metrics:    opts.Metrics,
		clock:      opts.Clock,
		logger:     opts.Logger,
		cfg:        cfg,
		reconnects: rate.NewLimiter(rate.Limit(cfg.ReconnectRPS), cfg.ReconnectBurst),
		state:      transport.StateOffline,
		stateCh:    make(chan struct{}),
		lifecycle:  models.LifecycleUnloaded,
		sinks:      make(map[int]func(extensions.Event)),
	}
	m.registry = extensions.NewRegistry(extensions.Options{
		Constructors: opts.Constructors,
		Keys:         opts.Keys,
		Logger:       opts.Logger,
		OnEvent:      m.routeEvent,
	})
	m.supervisor = NewSupervisor(SupervisorOptions{
		Clock:     opts.Clock,
		Interval:  cfg.ReconnectInterval,
		Online:    m.networkOnline,
		Stale:     m.stale,
		Reconnect: func() { m.reconnect("supervisor") },
		Logger:    opts.Logger,
	})
	return m, nil
}

// EnsureSession rebuilds the session when it is stale or the profile drifted.
// ctx is only checked on entry; a rebuild in progress runs to completion.
// A concurrent caller returns immediately while another rebuild is running.
func (m *Manager) EnsureSession(ctx context.Context, canGenerateKeys bool) error {
	_, err := m.ensureSession(ctx, canGenerateKeys)
	return err
}

// ensureSession reports whether this caller held the rebuild guard.
func (m *Manager) ensureSession(ctx context.Context, canGenerateKeys bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !m.creating.CompareAndSwap(false, true) {
		return false, nil
	}
	err := m.ensure(canGenerateKeys)
	m.creating.Store(false)
	if m.profileDirty.Load() {
		m.scheduleRefresh()
	}
	if err != nil {
		return true, err
	}
	if m.profile.Step().InitialSetup() {
		waitCtx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
		defer cancel()
		if _, err := m.WaitForState(waitCtx, transport.StateConnected); err != nil {
			return true, contracts.WrapCategorizedError(contracts.ErrorCategoryTransport, ErrConnectTimeout)
		}
	}
	return true, nil
}

func (m *Manager) ensure(canGenerateKeys bool) error {
	if m.current() {
		return nil
	}
	err := m.rebuild(canGenerateKeys)
	m.metrics.Rebuild(err)
	if err == nil {
		return nil
	}
	if contracts.IsFatal(err) {
		m.logger.Error("session construction failed on a security fault", "error", err.Error())
		if m.dispatcher != nil {
			m.dispatcher.Alert("Identity keys unavailable", "The signing keys of your legal identity could not be loaded. Restore them from your recovery phrase before continuing.")
		}
		return err
	}
	m.logger.Warn("session construction failed", "error", err.Error())
	return err
}

func (m *Manager) current() bool {
	m.mu.RLock()
	client := m.client
	state := m.state
	lastChange := m.lastChange
	applied := m.applied
	m.mu.RUnlock()
	if IsStale(client, state, lastChange, m.clock.Now()) {
		return false
	}
	return ParametersCurrent(applied, m.registry, m.profile)
}

func (m *Manager) rebuild(canGenerateKeys bool) error {
	if err := m.TeardownSession(); err != nil {
		m.logger.Warn("previous session disposed with errors", "error", err.Error())
	}

	params := m.profile.Parameters()
	if params.Domain == "" || params.Account == "" {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryConfiguration, errors.New("profile has no domain or account"))
	}
	endpoint := m.resolve(params.Domain)
	client, err := m.factory(transport.NormalizeOptions(transport.Options{
		Host:                 endpoint.Host,
		Port:                 endpoint.Port,
		LiteralAddress:       endpoint.Literal,
		Endpoint:             net.JoinHostPort(endpoint.Host, strconv.Itoa(endpoint.Port)),
		Domain:               params.Domain,
		Account:              params.Account,
		CredentialHash:       params.CredentialHash,
		CredentialHashMethod: params.CredentialHashMethod,
		Security:             transport.StrictSecurityPolicy(),
		Logger:               m.logger,
	}))
	if err != nil {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryTransport, fmt.Errorf("create transport client: %w", err))
	}

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.client = client
	m.applied = params
	m.state = transport.StateOffline
	m.lastChange = m.clock.Now()
	m.wasConnected = false
	m.mu.Unlock()

	client.OnStateChanged(func(s transport.State) { m.onStateChanged(gen, s) })
	client.OnError(func(err error) {
		m.logger.Warn("transport error", "state", string(client.State()), "error", err.Error())
	})

	if err := m.registry.Build(client, m.profile.Addresses(), canGenerateKeys); err != nil {
		m.dropClient(gen)
		return err
	}

	m.logger.Info("session built", "domain", params.Domain, "host", endpoint.Host, "port", endpoint.Port, "extensions", m.registry.Len())
	connectCtx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		m.logger.Warn("transport connect failed, supervisor will retry", "error", err.Error())
	}
	m.startSupervisor(gen)
	return nil
}

func (m *Manager) resolve(domain string) models.Endpoint {
	fallback := models.Endpoint{Host: domain, Port: transport.DefaultPort}
	if m.profile.DefaultConnectivity() || m.network == nil {
		return fallback
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.LookupTimeout)
	defer cancel()
	ep, err := m.network.Lookup(ctx, domain)
	if err != nil || ep.Host == "" {
		if err != nil {
			m.logger.Warn("directory lookup failed, using default connectivity", "domain", domain, "error", err.Error())
		}
		return fallback
	}
	if ep.Port <= 0 {
		ep.Port = transport.DefaultPort
	}
	return ep
}

// TeardownSession stops supervision, announces Offline and disposes every
// sub-client and the transport client. It is safe to call repeatedly.
func (m *Manager) TeardownSession() error {
	m.tearingDown.Store(true)
	defer m.tearingDown.Store(false)

	m.supMu.Lock()
	m.mu.Lock()
	client := m.client
	prev := m.state
	m.client = nil
	m.generation++
	m.applied = models.ConnectionParameters{}
	m.wasConnected = false
	m.setStateLocked(transport.StateOffline)
	m.mu.Unlock()
	m.supervisor.Stop()
	m.supMu.Unlock()

	if client != nil && prev != transport.StateOffline {
		m.publishState(transport.StateOffline)
	}
	err := m.registry.Teardown()
	if client != nil {
		err = multierr.Append(err, client.Dispose())
	}
	return err
}

func (m *Manager) dropClient(gen uint64) {
	m.mu.Lock()
	var client transport.Client
	if m.generation == gen {
		client = m.client
		m.client = nil
		m.generation++
		m.applied = models.ConnectionParameters{}
	}
	m.mu.Unlock()
	if client != nil {
		if err := client.Dispose(); err != nil {
			m.logger.Warn("dispose transport client", "error", err.Error())
		}
	}
}

func (m *Manager) onStateChanged(gen uint64, s transport.State) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	hadConnected := m.wasConnected
	if s == transport.StateConnected {
		m.wasConnected = true
	}
	client := m.client
	m.setStateLocked(s)
	m.mu.Unlock()

	m.metrics.StateChanged(string(s))
	m.publishState(s)

	switch {
	case s == transport.StateConnected:
		m.bg.Add(1)
		go func() {
			defer m.bg.Done()
			m.onConnected(gen, client)
		}()
	case s.Down() && hadConnected && !m.tearingDown.Load():
		m.reconnect("state")
	}
}

func (m *Manager) onConnected(gen uint64, client transport.Client) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connected handler panicked", "panic", r)
		}
	}()
	if !m.startSupervisor(gen) {
		return
	}

	params := m.profile.Parameters()
	if params.CredentialHash == "" {
		if hash, method := client.CredentialHash(); hash != "" {
			m.mu.Lock()
			if m.generation == gen {
				m.applied.CredentialHash = hash
				m.applied.CredentialHashMethod = method
			}
			m.mu.Unlock()
			if err := m.profile.SetCredentialHash(hash, method); err != nil {
				m.logger.Warn("persist credential hash", "error", err.Error())
			}
		}
	}

	if !m.profile.Addresses().Complete() {
		m.runDiscovery(context.Background(), client)
	}

	if m.generationIs(gen) {
		m.setLifecycleFromAddresses()
	}
}

func (m *Manager) runDiscovery(ctx context.Context, client transport.Client) bool {
	m.discovering.Store(true)
	defer func() {
		m.discovering.Store(false)
		if m.profileDirty.Load() {
			m.scheduleRefresh()
		}
	}()

	complete, err := m.discovery.Discover(ctx, client, m.profile)
	if err != nil {
		m.logger.Warn("service discovery failed", "error", err.Error())
	}
	added, buildErr := m.registry.BuildMissing(m.profile.Addresses())
	if buildErr != nil && contracts.IsFatal(buildErr) {
		m.logger.Error("extension construction failed on a security fault", "error", buildErr.Error())
		if m.dispatcher != nil {
			m.dispatcher.Alert("Identity keys unavailable", "The signing keys of your legal identity could not be loaded.")
		}
	}
	names := make([]string, 0, len(added))
	for _, ext := range added {
		names = append(names, string(ext))
	}
	m.hub.Publish(app.MethodDiscoveryFinished, DiscoveryResult{Complete: complete, Added: names})
	return complete
}

// DiscoveryResult is the payload of app.MethodDiscoveryFinished.
type DiscoveryResult struct {
	Complete bool
	Added    []string
}

func (m *Manager) reconnect(trigger string) {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil {
		return
	}
	if !m.reconnects.AllowN(m.clock.Now(), 1) {
		m.logger.Debug("reconnect suppressed by rate limit", "trigger", trigger)
		return
	}
	m.metrics.Reconnect(trigger)
	if err := client.Reconnect(); err != nil {
		m.logger.Warn("transport reconnect failed", "trigger", trigger, "error", err.Error())
	}
}

func (m *Manager) stale() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return IsStale(m.client, m.state, m.lastChange, m.clock.Now())
}

func (m *Manager) networkOnline() bool {
	if m.network == nil {
		return true
	}
	return m.network.IsOnline()
}

// startSupervisor (re)starts supervision unless the session of gen was torn down.
func (m *Manager) startSupervisor(gen uint64) bool {
	m.supMu.Lock()
	defer m.supMu.Unlock()
	if !m.generationIs(gen) {
		return false
	}
	m.supervisor.Start()
	return true
}

func (m *Manager) generationIs(gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation == gen
}

// setStateLocked must be called with m.mu held.
func (m *Manager) setStateLocked(s transport.State) {
	m.state = s
	m.lastChange = m.clock.Now()
	close(m.stateCh)
	m.stateCh = make(chan struct{})
}

func (m *Manager) publishState(s transport.State) {
	m.hub.Publish(app.MethodStateChanged, s)
}

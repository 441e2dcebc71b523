package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"idwallet/go-core/internal/app"
	"idwallet/go-core/internal/config"
	"idwallet/go-core/internal/discovery"
	"idwallet/go-core/internal/eventlog"
	"idwallet/go-core/internal/identity"
	"idwallet/go-core/internal/network"
	"idwallet/go-core/internal/payment"
	"idwallet/go-core/internal/petition"
	"idwallet/go-core/internal/platform/metrics"
	"idwallet/go-core/internal/platform/privacylog"
	"idwallet/go-core/internal/platform/ratelimiter"
	"idwallet/go-core/internal/profilestore"
	"idwallet/go-core/internal/session"
	"idwallet/go-core/internal/transport/loopback"
)

// runtime is the fully wired session core for one profile.
type runtime struct {
	cfg        config.Config
	logger     *slog.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Session
	profile    *profilestore.Store
	keys       *identity.Keyring
	server     *loopback.Server
	hub        *app.NotificationHub
	manager    *session.Manager
	petitions  *petition.Tracker
	payments   *payment.Tracker
	dispatcher *consoleDispatcher

	unhook []func()
}

func wire(cfg config.Config, out io.Writer) (*runtime, error) {
	logger, err := newLogger(cfg.Log.Level, out)
	if err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sessionMetrics, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	profile, err := profilestore.Open(cfg.Profile.Path)
	if err != nil {
		return nil, fmt.Errorf("open profile: %w", err)
	}
	keys := identity.NewKeyring(identity.FileStore{Path: cfg.Keys.Path}, os.Getenv(cfg.Keys.PassphraseEnv))

	domain := profile.Parameters().Domain
	if strings.TrimSpace(domain) == "" {
		return nil, errors.New("profile has no domain; set parameters.domain in " + cfg.Profile.Path)
	}
	server := loopback.NewServer(domain, loopback.WithLogger(logger))

	dispatcher := &consoleDispatcher{out: out, logger: logger}
	hub := app.NewNotificationHub(256, app.WithDispatcher(dispatcher), app.WithLogger(logger))
	events, err := eventlog.New(eventlog.DefaultSize, nil)
	if err != nil {
		return nil, err
	}

	manager, err := session.NewManager(session.Options{
		Profile:      profile,
		Network:      network.New(network.Options{Logger: logger}),
		Dispatcher:   dispatcher,
		Transport:    server.Dial,
		Constructors: loopback.Constructors(),
		Keys:         keys,
		Hub:          hub,
		Discovery:    discovery.New(discovery.Options{Timeout: cfg.Session.DiscoveryTimeout, Logger: logger, Metrics: sessionMetrics}),
		Events:       events,
		Metrics:      sessionMetrics,
		Logger:       logger,
		Config: session.Config{
			ReconnectInterval: cfg.Session.ReconnectInterval,
			ConnectTimeout:    cfg.Session.ConnectTimeout,
			LookupTimeout:     cfg.Session.LookupTimeout,
			ReconnectRPS:      cfg.Session.ReconnectRPS,
			ReconnectBurst:    cfg.Session.ReconnectBurst,
		},
	})
	if err != nil {
		return nil, err
	}

	petitions := petition.New(petition.Options{
		Legal:   manager.Extensions(),
		Hub:     hub,
		Limiter: ratelimiter.New(cfg.Petitions.InboundRPS, cfg.Petitions.InboundBurst, cfg.Petitions.IdleTTL),
		Metrics: sessionMetrics,
		Logger:  logger,
	})
	payments := payment.New(payment.Options{
		Wallet:       manager.Extensions(),
		Keys:         keys,
		Profile:      profile,
		Dispatcher:   dispatcher,
		Hub:          hub,
		Metrics:      sessionMetrics,
		Logger:       logger,
		CallbackBase: cfg.Payments.CallbackBase,
		CallbackTTL:  cfg.Payments.CallbackTTL,
	})

	rt := &runtime{
		cfg:        cfg,
		logger:     logger,
		registry:   registry,
		metrics:    sessionMetrics,
		profile:    profile,
		keys:       keys,
		server:     server,
		hub:        hub,
		manager:    manager,
		petitions:  petitions,
		payments:   payments,
		dispatcher: dispatcher,
	}
	rt.unhook = append(rt.unhook,
		manager.OnExtensionEvent(petitions.OnEvent),
		manager.OnExtensionEvent(payments.OnEvent),
	)
	return rt, nil
}

func (r *runtime) close() {
	for _, fn := range r.unhook {
		fn()
	}
	r.unhook = nil
}

func newLogger(level string, out io.Writer) (*slog.Logger, error) {
	var lvl slog.Level
	if strings.TrimSpace(level) != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lvl})
	return slog.New(privacylog.WrapHandler(handler)), nil
}

// consoleDispatcher stands in for the UI thread of a host app.
type consoleDispatcher struct {
	out    io.Writer
	logger *slog.Logger
}

func (d *consoleDispatcher) Enqueue(kind string, payload any) {
	d.logger.Debug("ui event", "method", kind, "payload", fmt.Sprint(payload))
}

func (d *consoleDispatcher) Alert(title, message string) {
	d.logger.Error("ui alert", "title", title, "message", message)
}

func (d *consoleDispatcher) OpenURL(url string) error {
	_, err := fmt.Fprintf(d.out, "open %s\n", url)
	return err
}

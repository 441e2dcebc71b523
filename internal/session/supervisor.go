package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const DefaultReconnectInterval = 10 * time.Second

// Supervisor periodically forces a transport reconnect when the connection is
// stale and the host is online. It never rebuilds the extension set.
type Supervisor struct {
	clock     clock.Clock
	interval  time.Duration
	online    func() bool
	stale     func() bool
	reconnect func()
	logger    *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

type SupervisorOptions struct {
	Clock     clock.Clock
	Interval  time.Duration
	Online    func() bool
	Stale     func() bool
	Reconnect func()
	Logger    *slog.Logger
}

func NewSupervisor(opts SupervisorOptions) *Supervisor {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultReconnectInterval
	}
	if opts.Online == nil {
		opts.Online = func() bool { return true }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		clock:     opts.Clock,
		interval:  opts.Interval,
		online:    opts.Online,
		stale:     opts.Stale,
		reconnect: opts.Reconnect,
		logger:    opts.Logger,
	}
}

// Start (re)starts the ticker; a running loop is stopped first so the period restarts.
func (s *Supervisor) Start() {
	s.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	ticker := s.clock.Ticker(s.interval)
	s.cancel = cancel
	s.running = true
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Tick()
			}
		}
	}()
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.running = false
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Tick runs one supervision check.
func (s *Supervisor) Tick() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reconnect supervisor check panicked", "panic", r)
		}
	}()
	if !s.online() {
		return
	}
	if s.stale == nil || !s.stale() {
		return
	}
	s.logger.Info("connection stale, reconnecting")
	if s.reconnect != nil {
		s.reconnect()
	}
}

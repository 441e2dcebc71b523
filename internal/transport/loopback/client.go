package loopback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"idwallet/go-core/internal/extensions"
	"idwallet/go-core/internal/transport"
	"idwallet/go-core/pkg/models"
)

type sink interface {
	emit(ev extensions.Event) bool
}

// Client is the loopback transport.Client. State and event handlers run on
// a per-client goroutine, in the order the transitions happened.
type Client struct {
	server *Server
	opts   transport.Options
	bare   string
	queue  *queue
	logger *slog.Logger

	mu            sync.Mutex
	state         transport.State
	stateHandlers []func(transport.State)
	errHandlers   []func(error)
	hash          string
	method        string
	disposed      bool
	exts          map[models.Extension]sink
}

func newClient(s *Server, opts transport.Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = s.logger
	}
	return &Client{
		server: s,
		opts:   opts,
		bare:   normalize(opts.Account + "@" + opts.Domain),
		queue:  newQueue(logger),
		logger: logger,
		state:  transport.StateOffline,
		exts:   make(map[models.Extension]sink),
	}
}

var negotiation = []transport.State{
	transport.StateConnecting,
	transport.StateStreamNegotiation,
	transport.StateStartingEncryption,
	transport.StateAuthenticating,
}

var postAuth = []transport.State{
	transport.StateBinding,
	transport.StateFetchingRoster,
	transport.StateSettingPresence,
}

// Connect walks the negotiation states up to Connected. Failures move the
// client to Error and are also reported to error handlers.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.usable(); err != nil {
		return err
	}
	for _, s := range negotiation {
		if err := ctx.Err(); err != nil {
			return c.fail(err)
		}
		c.setState(s)
	}
	hash, err := c.server.authenticate(c.opts)
	if err != nil {
		return c.fail(err)
	}
	c.mu.Lock()
	if c.opts.CredentialHash == "" {
		c.hash = hash
		c.method = transport.MechanismScramSHA256
	} else {
		c.hash = c.opts.CredentialHash
		c.method = c.opts.CredentialHashMethod
	}
	c.mu.Unlock()

	for _, s := range postAuth {
		c.setState(s)
	}
	if err := c.server.attach(c); err != nil {
		return c.fail(err)
	}
	c.setState(transport.StateConnected)
	return nil
}

// Reconnect restarts negotiation without announcing Offline first.
func (c *Client) Reconnect() error {
	if err := c.usable(); err != nil {
		return err
	}
	c.server.detach(c)
	return c.Connect(context.Background())
}

func (c *Client) Disconnect(context.Context) error {
	if err := c.usable(); err != nil {
		return err
	}
	c.server.detach(c)
	c.setState(transport.StateOffline)
	return nil
}

func (c *Client) Dispose() error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil
	}
	c.disposed = true
	c.state = transport.StateOffline
	c.stateHandlers = nil
	c.errHandlers = nil
	c.exts = make(map[models.Extension]sink)
	c.mu.Unlock()
	c.server.detach(c)
	c.queue.close()
	return nil
}

func (c *Client) State() transport.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Domain() string { return c.opts.Domain }

func (c *Client) BareAddress() string { return c.bare }

func (c *Client) CredentialHash() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hash, c.method
}

func (c *Client) OnStateChanged(handler func(transport.State)) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateHandlers = append(c.stateHandlers, handler)
}

func (c *Client) OnError(handler func(error)) {
	if handler == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errHandlers = append(c.errHandlers, handler)
}

func (c *Client) DiscoverItems(ctx context.Context, address string) ([]transport.DiscoItem, error) {
	if err := c.ready(ctx); err != nil {
		return nil, err
	}
	if !strings.EqualFold(address, c.server.Domain()) {
		return nil, transport.ErrItemNotFound
	}
	return c.server.items(), nil
}

func (c *Client) DiscoverFeatures(ctx context.Context, address string) (transport.DiscoInfo, error) {
	if err := c.ready(ctx); err != nil {
		return transport.DiscoInfo{}, err
	}
	return c.server.features(address)
}

// Flush waits until every handler call queued so far has run.
func (c *Client) Flush() {
	c.queue.idle()
}

func (c *Client) usable() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return transport.ErrDisposed
	}
	return nil
}

func (c *Client) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.usable(); err != nil {
		return err
	}
	if c.State() != transport.StateConnected {
		return transport.ErrNotConnected
	}
	return nil
}

func (c *Client) setState(s transport.State) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.state = s
	handlers := append([]func(transport.State){}, c.stateHandlers...)
	c.mu.Unlock()
	c.queue.push(func() {
		for _, h := range handlers {
			h(s)
		}
	})
}

func (c *Client) fail(err error) error {
	c.server.detach(c)
	c.mu.Lock()
	handlers := append([]func(error){}, c.errHandlers...)
	c.mu.Unlock()
	c.setState(transport.StateError)
	c.queue.push(func() {
		for _, h := range handlers {
			h(err)
		}
	})
	return fmt.Errorf("loopback connect %s: %w", c.bare, err)
}

// lost is called by the server when the session is cut.
func (c *Client) lost() {
	c.setState(transport.StateOffline)
}

func (c *Client) attachExtension(ext models.Extension, s sink) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed {
		return transport.ErrDisposed
	}
	c.exts[ext] = s
	return nil
}

func (c *Client) detachExtension(ext models.Extension, s sink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exts[ext] == s {
		delete(c.exts, ext)
	}
}

func (c *Client) deliver(ev extensions.Event) error {
	c.mu.Lock()
	target, ok := c.exts[ev.Extension]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("loopback: %s has no %s client", c.bare, ev.Extension)
	}
	if !target.emit(ev) {
		return fmt.Errorf("loopback: %s %s client is closed", c.bare, ev.Extension)
	}
	return nil
}

func (c *Client) deliverPep(item extensions.PepItem) bool {
	c.mu.Lock()
	target, ok := c.exts[models.ExtensionPersonalEventing].(*pepClient)
	c.mu.Unlock()
	if !ok {
		return false
	}
	return target.dispatch(item)
}

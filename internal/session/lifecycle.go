package session

import (
	"context"
	"slices"

	"idwallet/go-core/internal/app"
	"idwallet/go-core/internal/domains/contracts"
	"idwallet/go-core/internal/extensions"
	"idwallet/go-core/internal/transport"
	"idwallet/go-core/pkg/models"
)

// Load starts the session for the host and follows profile changes until Unload.
func (m *Manager) Load(ctx context.Context, canGenerateKeys bool) error {
	m.mu.Lock()
	if m.lifecycle != models.LifecycleUnloaded {
		m.mu.Unlock()
		return nil
	}
	m.lifecycle = models.LifecycleLoading
	m.mu.Unlock()
	m.hub.Publish(app.MethodLifecycleChanged, models.LifecycleLoading)

	unsubscribe := m.profile.Subscribe(m.onProfileChanged)
	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()

	return m.EnsureSession(ctx, canGenerateKeys)
}

// Unload tears the session down and waits for background handlers to finish.
func (m *Manager) Unload(ctx context.Context) error {
	m.mu.Lock()
	if m.lifecycle == models.LifecycleUnloaded || m.lifecycle == models.LifecycleUnloading {
		m.mu.Unlock()
		return nil
	}
	m.lifecycle = models.LifecycleUnloading
	unsubscribe := m.unsubscribe
	m.unsubscribe = nil
	m.mu.Unlock()
	m.hub.Publish(app.MethodLifecycleChanged, models.LifecycleUnloading)

	if unsubscribe != nil {
		unsubscribe()
	}
	err := m.TeardownSession()

	done := make(chan struct{})
	go func() {
		m.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	m.mu.Lock()
	m.lifecycle = models.LifecycleUnloaded
	m.mu.Unlock()
	m.hub.Publish(app.MethodLifecycleChanged, models.LifecycleUnloaded)
	return err
}

// onProfileChanged marks the profile dirty. While discovery writes addresses
// the refresh is deferred until the round ends.
func (m *Manager) onProfileChanged() {
	if m.tearingDown.Load() || !m.loaded() {
		return
	}
	m.profileDirty.Store(true)
	if m.discovering.Load() {
		return
	}
	m.scheduleRefresh()
}

// scheduleRefresh runs at most one background worker that applies pending
// profile changes through EnsureSession.
func (m *Manager) scheduleRefresh() {
	if !m.loaded() || !m.refreshing.CompareAndSwap(false, true) {
		return
	}
	m.bg.Add(1)
	go func() {
		defer m.bg.Done()
		for {
			m.refreshProfile()
			m.refreshing.Store(false)
			if !m.profileDirty.Load() || m.discovering.Load() || !m.refreshing.CompareAndSwap(false, true) {
				return
			}
		}
	}()
}

func (m *Manager) refreshProfile() {
	for m.loaded() && !m.discovering.Load() && m.profileDirty.Swap(false) {
		ran, err := m.ensureSession(context.Background(), false)
		if err != nil {
			m.logger.Warn("session refresh after profile change failed", "error", err.Error())
		}
		if !ran {
			// The rebuild in progress reschedules when it sees the flag.
			m.profileDirty.Store(true)
			if m.creating.Load() {
				return
			}
		}
	}
}

func (m *Manager) loaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lifecycle != models.LifecycleUnloaded && m.lifecycle != models.LifecycleUnloading
}

func (m *Manager) setLifecycleFromAddresses() {
	next := models.LifecyclePartiallyConnected
	if m.profile.Addresses().Complete() {
		next = models.LifecycleConnected
	}
	m.mu.Lock()
	if m.lifecycle == models.LifecycleUnloaded || m.lifecycle == models.LifecycleUnloading || m.lifecycle == next {
		m.mu.Unlock()
		return
	}
	m.lifecycle = next
	m.mu.Unlock()
	m.hub.Publish(app.MethodLifecycleChanged, next)
}

// WaitForState blocks until the transport reaches one of states or ctx ends.
func (m *Manager) WaitForState(ctx context.Context, states ...transport.State) (transport.State, error) {
	for {
		m.mu.RLock()
		current := m.state
		changed := m.stateCh
		m.mu.RUnlock()
		if slices.Contains(states, current) {
			return current, nil
		}
		select {
		case <-ctx.Done():
			return current, ctx.Err()
		case <-changed:
		}
	}
}

// DiscoverServices runs a discovery round on the live connection and builds
// any sub-client whose address it revealed.
func (m *Manager) DiscoverServices(ctx context.Context) (bool, error) {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client == nil {
		return false, contracts.ErrSessionNotLoaded
	}
	return m.runDiscovery(ctx, client), nil
}

// DisconnectFast drops the session without waiting for background handlers.
func (m *Manager) DisconnectFast() error {
	return m.TeardownSession()
}

func (m *Manager) IsOnline() bool {
	return m.State() == transport.StateConnected
}

func (m *Manager) State() transport.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) Lifecycle() models.LifecycleState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lifecycle
}

func (m *Manager) BareAddress() string {
	m.mu.RLock()
	client := m.client
	m.mu.RUnlock()
	if client != nil {
		if addr := client.BareAddress(); addr != "" {
			return addr
		}
	}
	return m.profile.Parameters().BareAddress()
}

func (m *Manager) Supports(ext models.Extension) bool {
	return m.registry.Supports(ext)
}

func (m *Manager) Extensions() *extensions.Registry {
	return m.registry
}

func (m *Manager) Hub() *app.NotificationHub {
	return m.hub
}

func (m *Manager) RegisterPepHandler(kind string, handler extensions.PepHandler) extensions.HandlerID {
	return m.registry.Peps().Register(kind, handler)
}

func (m *Manager) UnregisterPepHandler(kind string, id extensions.HandlerID) bool {
	return m.registry.Peps().Unregister(kind, id)
}

// OnExtensionEvent registers a sink for raw extension events and returns its cancel func.
func (m *Manager) OnExtensionEvent(fn func(extensions.Event)) func() {
	if fn == nil {
		return func() {}
	}
	m.sinksMu.Lock()
	id := m.nextSink
	m.nextSink++
	m.sinks[id] = fn
	m.sinksMu.Unlock()
	return func() {
		m.sinksMu.Lock()
		delete(m.sinks, id)
		m.sinksMu.Unlock()
	}
}

func (m *Manager) routeEvent(ev extensions.Event) {
	switch ev.Kind {
	case extensions.EventBalanceUpdated:
		if m.events != nil {
			m.events.TouchWallet(ev.Key)
		}
		m.hub.Publish(app.MethodBalanceUpdated, ev.Payload)
	case extensions.EventTokenAdded:
		m.hub.Publish(app.MethodTokenAdded, ev.Payload)
	case extensions.EventTokenRemoved:
		m.hub.Publish(app.MethodTokenRemoved, ev.Payload)
	case extensions.EventContractUpdated:
		if m.events != nil {
			m.events.TouchContract(ev.Key)
		}
		m.hub.Publish(app.MethodContractUpdated, ev.Payload)
	}

	m.sinksMu.RLock()
	sinks := make([]func(extensions.Event), 0, len(m.sinks))
	for _, fn := range m.sinks {
		sinks = append(sinks, fn)
	}
	m.sinksMu.RUnlock()
	for _, fn := range sinks {
		m.deliver(ev, fn)
	}
}

func (m *Manager) deliver(ev extensions.Event, fn func(extensions.Event)) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("extension event sink panicked", "kind", ev.Kind, "panic", r)
		}
	}()
	fn(ev)
}

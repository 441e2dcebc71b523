package extensions

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// PepRegistry keeps personal-eventing handlers alive across client rebuilds.
type PepRegistry struct {
	mu       sync.Mutex
	logger   *slog.Logger
	nextID   HandlerID
	handlers map[string]map[HandlerID]PepHandler
	attached PepClient
}

func NewPepRegistry(logger *slog.Logger) *PepRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &PepRegistry{
		logger:   logger,
		handlers: make(map[string]map[HandlerID]PepHandler),
	}
}

// Register records the handler and installs it on the attached client, if any.
func (p *PepRegistry) Register(kind string, handler PepHandler) HandlerID {
	kind = strings.TrimSpace(kind)
	if kind == "" || handler == nil {
		return 0
	}
	p.mu.Lock()
	p.nextID++
	id := p.nextID
	byID, ok := p.handlers[kind]
	if !ok {
		byID = make(map[HandlerID]PepHandler)
		p.handlers[kind] = byID
	}
	wrapped := p.guard(kind, id, handler)
	byID[id] = wrapped
	client := p.attached
	p.mu.Unlock()

	if client != nil {
		client.RegisterHandler(kind, id, wrapped)
	}
	return id
}

func (p *PepRegistry) Unregister(kind string, id HandlerID) bool {
	kind = strings.TrimSpace(kind)
	p.mu.Lock()
	byID, ok := p.handlers[kind]
	if ok {
		_, ok = byID[id]
		delete(byID, id)
		if len(byID) == 0 {
			delete(p.handlers, kind)
		}
	}
	client := p.attached
	p.mu.Unlock()

	if ok && client != nil {
		client.UnregisterHandler(kind, id)
	}
	return ok
}

// Attach makes client the live target and replays every registered handler onto it.
func (p *PepRegistry) Attach(client PepClient) {
	if client == nil {
		return
	}
	p.mu.Lock()
	p.attached = client
	type binding struct {
		kind    string
		id      HandlerID
		handler PepHandler
	}
	var replay []binding
	for kind, byID := range p.handlers {
		for id, h := range byID {
			replay = append(replay, binding{kind: kind, id: id, handler: h})
		}
	}
	p.mu.Unlock()

	sort.Slice(replay, func(i, j int) bool { return replay[i].id < replay[j].id })
	for _, b := range replay {
		client.RegisterHandler(b.kind, b.id, b.handler)
	}
}

func (p *PepRegistry) Detach(client PepClient) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.attached == client {
		p.attached = nil
	}
}

func (p *PepRegistry) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, byID := range p.handlers {
		n += len(byID)
	}
	return n
}

func (p *PepRegistry) guard(kind string, id HandlerID, handler PepHandler) PepHandler {
	return func(item PepItem) {
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("personal event handler panicked", "kind", kind, "handler", uint64(id), "panic", r)
			}
		}()
		handler(item)
	}
}

package app

import (
	"log/slog"
	"os"
	"sync"

	"github.com/benbjohnson/clock"

	"idwallet/go-core/internal/domains/contracts"
	"idwallet/go-core/internal/platform/privacylog"
)

type NotificationEvent = contracts.NotificationEvent

// AnyMethod subscribes a listener to every published method.
const AnyMethod = "*"

// NotificationHub fans out session events to in-process listeners, buffered
// subscribers and the UI dispatcher, keeping a bounded replay history.
type NotificationHub struct {
	mu      sync.Mutex
	nextSeq int64
	limit   int
	history []NotificationEvent
	subs    map[int]chan NotificationEvent
	nextSub int

	listeners    map[string]map[int]func(NotificationEvent)
	nextListener int

	dispatcher contracts.UIDispatcher
	clock      clock.Clock
	logger     *slog.Logger
}

type HubOption func(*NotificationHub)

func WithDispatcher(d contracts.UIDispatcher) HubOption {
	return func(h *NotificationHub) { h.dispatcher = d }
}

func WithClock(c clock.Clock) HubOption {
	return func(h *NotificationHub) {
		if c != nil {
			h.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) HubOption {
	return func(h *NotificationHub) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewNotificationHub(limit int, opts ...HubOption) *NotificationHub {
	if limit < 1 {
		limit = 1
	}
	h := &NotificationHub{
		limit:     limit,
		subs:      make(map[int]chan NotificationEvent),
		listeners: make(map[string]map[int]func(NotificationEvent)),
		clock:     clock.New(),
		logger:    DefaultLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Publish records the event and delivers it. Listener and dispatcher calls run
// after the hub lock is released; a panicking listener is logged and skipped.
func (h *NotificationHub) Publish(method string, payload any) NotificationEvent {
	h.mu.Lock()
	h.nextSeq++
	event := NotificationEvent{
		Seq:       h.nextSeq,
		Method:    method,
		Payload:   payload,
		Timestamp: h.clock.Now().UTC(),
	}
	h.history = append(h.history, event)
	if len(h.history) > h.limit {
		h.history = append([]NotificationEvent(nil), h.history[len(h.history)-h.limit:]...)
	}
	for id, ch := range h.subs {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(h.subs, id)
		}
	}
	var targets []func(NotificationEvent)
	for _, key := range []string{method, AnyMethod} {
		for _, fn := range h.listeners[key] {
			targets = append(targets, fn)
		}
	}
	dispatcher := h.dispatcher
	h.mu.Unlock()

	for _, fn := range targets {
		h.deliver(event, fn)
	}
	if dispatcher != nil {
		h.deliver(event, func(ev NotificationEvent) { dispatcher.Enqueue(ev.Method, ev.Payload) })
	}
	return event
}

// Listen registers fn for method (or AnyMethod) and returns its cancel func.
func (h *NotificationHub) Listen(method string, fn func(NotificationEvent)) func() {
	if fn == nil {
		return func() {}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextListener
	h.nextListener++
	byID, ok := h.listeners[method]
	if !ok {
		byID = make(map[int]func(NotificationEvent))
		h.listeners[method] = byID
	}
	byID[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners[method], id)
		if len(h.listeners[method]) == 0 {
			delete(h.listeners, method)
		}
	}
}

// Subscribe returns the events newer than fromSeq and a channel for new ones.
// A subscriber that falls behind has its channel closed.
func (h *NotificationHub) Subscribe(fromSeq int64) ([]NotificationEvent, <-chan NotificationEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := make([]NotificationEvent, 0)
	for _, event := range h.history {
		if event.Seq > fromSeq {
			replay = append(replay, event)
		}
	}

	id := h.nextSub
	h.nextSub++
	ch := make(chan NotificationEvent, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			close(sub)
			delete(h.subs, id)
		}
	}
	return replay, ch, cancel
}

func (h *NotificationHub) BacklogSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.history)
}

func (h *NotificationHub) deliver(event NotificationEvent, fn func(NotificationEvent)) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("notification listener panicked", "method", event.Method, "seq", event.Seq, "panic", r)
		}
	}()
	fn(event)
}

// DefaultLogger writes JSON to stdout through the privacy sanitizer.
func DefaultLogger() *slog.Logger {
	return slog.New(privacylog.WrapHandler(slog.NewJSONHandler(os.Stdout, nil)))
}

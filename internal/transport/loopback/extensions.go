package loopback

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"idwallet/go-core/internal/extensions"
	"idwallet/go-core/internal/transport"
	"idwallet/go-core/pkg/models"
)

var (
	ErrForeignTransport = errors.New("loopback: extension requires a loopback transport")
	ErrNoSigningKeys    = errors.New("loopback: legal identity requires signing keys")
)

// Constructors returns a constructor for every extension the registry builds.
func Constructors() map[models.Extension]extensions.Constructor {
	out := make(map[models.Extension]extensions.Constructor, len(extensions.BuildOrder))
	for _, ext := range extensions.BuildOrder {
		out[ext] = extensions.ConstructorFunc(newExtension)
	}
	return out
}

func newExtension(conn transport.Client, spec extensions.Spec) (extensions.Client, error) {
	c, ok := conn.(*Client)
	if !ok {
		return nil, ErrForeignTransport
	}
	base := &component{spec: spec, conn: c}

	var client extensions.Client
	var s sink = base
	switch spec.Extension {
	case models.ExtensionLegalIdentity:
		if spec.Keys == nil || !spec.Keys.Valid() {
			return nil, ErrNoSigningKeys
		}
		client = &legalClient{component: base}
	case models.ExtensionECurrency:
		client = &walletClient{component: base}
	case models.ExtensionPersonalEventing:
		p := &pepClient{component: base, handlers: make(map[string]map[extensions.HandlerID]extensions.PepHandler)}
		client, s = p, p
	default:
		client = base
	}
	if err := c.attachExtension(spec.Extension, s); err != nil {
		return nil, err
	}
	base.self = s
	return client, nil
}

// component is the shared part of every loopback extension client.
type component struct {
	spec extensions.Spec
	conn *Client
	self sink

	mu       sync.Mutex
	handler  func(extensions.Event)
	disposed bool
}

func (b *component) Extension() models.Extension { return b.spec.Extension }

func (b *component) Address() string { return b.spec.Address }

func (b *component) MaxUploadSize() int64 { return b.spec.MaxUploadSize }

func (b *component) OnEvent(handler func(extensions.Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

func (b *component) Dispose() error {
	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return nil
	}
	b.disposed = true
	b.handler = nil
	b.mu.Unlock()
	b.conn.detachExtension(b.spec.Extension, b.self)
	return nil
}

func (b *component) emit(ev extensions.Event) bool {
	b.mu.Lock()
	handler := b.handler
	disposed := b.disposed
	b.mu.Unlock()
	if disposed {
		return false
	}
	if handler == nil {
		return true
	}
	ev.Extension = b.spec.Extension
	return b.conn.queue.push(func() { handler(ev) })
}

func (b *component) connected() error {
	b.mu.Lock()
	disposed := b.disposed
	b.mu.Unlock()
	if disposed {
		return transport.ErrDisposed
	}
	if b.conn.State() != transport.StateConnected {
		return transport.ErrNotConnected
	}
	return nil
}

type legalClient struct {
	*component
}

func (l *legalClient) SendPetition(ctx context.Context, req extensions.PetitionRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.connected(); err != nil {
		return err
	}
	return l.conn.server.route(req.Remote, extensions.Event{
		Extension: models.ExtensionLegalIdentity,
		Kind:      extensions.EventPetitionReceived,
		Key:       req.PetitionID,
		Payload: extensions.PetitionReceived{
			Kind:       req.Kind,
			PetitionID: req.PetitionID,
			Requestor:  l.conn.BareAddress(),
			ObjectID:   req.ObjectID,
			Purpose:    req.Purpose,
			Content:    req.Content,
		},
	})
}

// SendPetitionResponse answers the requestor. An accepted petition carries
// the object id only when the requestor was granted access to it.
func (l *legalClient) SendPetitionResponse(ctx context.Context, answer extensions.PetitionAnswer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.connected(); err != nil {
		return err
	}
	var payload []byte
	if answer.Accept && answer.ObjectID != "" && l.conn.server.Granted(answer.ObjectID, answer.Requestor) {
		payload = []byte(answer.ObjectID)
	}
	return l.conn.server.route(answer.Requestor, extensions.Event{
		Extension: models.ExtensionLegalIdentity,
		Kind:      extensions.EventPetitionResponse,
		Key:       answer.PetitionID,
		Payload: extensions.PetitionResponse{
			Kind:       answer.Kind,
			PetitionID: answer.PetitionID,
			Remote:     l.conn.BareAddress(),
			Accepted:   answer.Accept,
			Payload:    payload,
		},
	})
}

func (l *legalClient) AuthorizeAccess(ctx context.Context, objectID, remote string, allow bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.connected(); err != nil {
		return err
	}
	if objectID == "" || remote == "" {
		return errors.New("loopback: object id and remote are required")
	}
	l.conn.server.grant(objectID, remote, allow)
	return nil
}

type walletClient struct {
	*component
}

// InitiatePayment registers the transaction with the server and answers
// with the checkout client URL.
func (w *walletClient) InitiatePayment(ctx context.Context, req extensions.PaymentRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.connected(); err != nil {
		return err
	}
	if req.TransactionID == "" {
		return errors.New("loopback: transaction id is required")
	}
	if err := w.conn.server.startPayment(w.conn.BareAddress(), req); err != nil {
		return err
	}
	w.emit(extensions.Event{
		Kind: extensions.EventPaymentClientURL,
		Key:  req.TransactionID,
		Payload: extensions.PaymentNotice{
			TransactionID: req.TransactionID,
			URL:           w.conn.server.CheckoutURL(req.TransactionID),
			Amount:        req.Amount,
			Currency:      req.Currency,
		},
	})
	return nil
}

type pepClient struct {
	*component

	pepMu    sync.Mutex
	handlers map[string]map[extensions.HandlerID]extensions.PepHandler
}

func (p *pepClient) RegisterHandler(kind string, id extensions.HandlerID, handler extensions.PepHandler) {
	p.pepMu.Lock()
	defer p.pepMu.Unlock()
	if p.handlers[kind] == nil {
		p.handlers[kind] = make(map[extensions.HandlerID]extensions.PepHandler)
	}
	p.handlers[kind][id] = handler
}

func (p *pepClient) UnregisterHandler(kind string, id extensions.HandlerID) {
	p.pepMu.Lock()
	defer p.pepMu.Unlock()
	delete(p.handlers[kind], id)
	if len(p.handlers[kind]) == 0 {
		delete(p.handlers, kind)
	}
}

func (p *pepClient) dispatch(item extensions.PepItem) bool {
	p.pepMu.Lock()
	ids := make([]extensions.HandlerID, 0, len(p.handlers[item.Kind]))
	for id := range p.handlers[item.Kind] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]extensions.PepHandler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, p.handlers[item.Kind][id])
	}
	p.pepMu.Unlock()
	if len(handlers) == 0 {
		return false
	}
	return p.conn.queue.push(func() {
		for _, h := range handlers {
			h(item)
		}
	})
}

func (p *pepClient) String() string {
	return fmt.Sprintf("pep(%s)", p.conn.BareAddress())
}

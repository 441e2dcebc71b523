package petition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"idwallet/go-core/internal/app"
	"idwallet/go-core/internal/domains/contracts"
	"idwallet/go-core/internal/extensions"
	"idwallet/go-core/internal/platform/metrics"
	"idwallet/go-core/internal/platform/ratelimiter"
	"idwallet/go-core/pkg/models"
)

var (
	ErrInvalidKind   = errors.New("petition: unknown petition kind")
	ErrMissingRemote = errors.New("petition: remote address is required")
	ErrMissingID     = errors.New("petition: petition id is required")
	ErrDuplicateID   = errors.New("petition: petition id already pending")
)

// LegalProvider hands out the legal-identity client of the live session.
type LegalProvider interface {
	LegalIdentity() (extensions.LegalIdentityClient, error)
}

// Record describes one outbound petition awaiting its response.
type Record struct {
	PetitionID string
	Kind       models.PetitionKind
	ObjectID   string
	Remote     string
	Purpose    string
	CreatedAt  time.Time
}

type Outcome struct {
	Record   Record
	Accepted bool
	Declined bool
	Payload  []byte
}

// Pending is the caller's handle on an outbound petition.
type Pending struct {
	Record

	once    sync.Once
	done    chan struct{}
	outcome Outcome
}

func (p *Pending) resolve(o Outcome) bool {
	resolved := false
	p.once.Do(func() {
		p.outcome = o
		close(p.done)
		resolved = true
	})
	return resolved
}

// Wait blocks until the petition is answered or canceled, or ctx ends.
// No deadline is applied unless ctx carries one.
func (p *Pending) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-p.done:
		return p.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (p *Pending) Done() <-chan struct{} {
	return p.done
}

type Options struct {
	Legal   LegalProvider
	Hub     *app.NotificationHub
	Limiter *ratelimiter.MapLimiter
	Metrics *metrics.Session
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Tracker correlates outbound petitions with their responses and relays
// inbound petitions to listeners.
type Tracker struct {
	legal   LegalProvider
	hub     *app.NotificationHub
	limiter *ratelimiter.MapLimiter
	metrics *metrics.Session
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]*Pending
}

func New(opts Options) *Tracker {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Hub == nil {
		opts.Hub = app.NewNotificationHub(64, app.WithLogger(opts.Logger), app.WithClock(opts.Clock))
	}
	return &Tracker{
		legal:   opts.Legal,
		hub:     opts.Hub,
		limiter: opts.Limiter,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		logger:  opts.Logger,
		pending: make(map[string]*Pending),
	}
}

// Send records req as pending and submits it. An empty PetitionID gets a
// fresh random id. The record is registered before submission so a response
// racing the send is still matched.
func (t *Tracker) Send(ctx context.Context, req extensions.PetitionRequest) (*Pending, error) {
	if !req.Kind.Valid() {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryProtocol, fmt.Errorf("%w: %q", ErrInvalidKind, req.Kind))
	}
	req.Remote = strings.TrimSpace(req.Remote)
	if req.Remote == "" {
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryProtocol, ErrMissingRemote)
	}
	legal, err := t.legalClient()
	if err != nil {
		return nil, err
	}
	if req.PetitionID == "" {
		req.PetitionID = uuid.NewString()
	}

	p := &Pending{
		Record: Record{
			PetitionID: req.PetitionID,
			Kind:       req.Kind,
			ObjectID:   req.ObjectID,
			Remote:     req.Remote,
			Purpose:    req.Purpose,
			CreatedAt:  t.clock.Now(),
		},
		done: make(chan struct{}),
	}
	t.mu.Lock()
	if _, exists := t.pending[req.PetitionID]; exists {
		t.mu.Unlock()
		return nil, contracts.WrapCategorizedError(contracts.ErrorCategoryProtocol, ErrDuplicateID)
	}
	t.pending[req.PetitionID] = p
	n := len(t.pending)
	t.mu.Unlock()
	t.metrics.PendingPetitions(n)

	if err := legal.SendPetition(ctx, req); err != nil {
		t.remove(req.PetitionID, p)
		return nil, fmt.Errorf("send %s petition: %w", req.Kind, err)
	}
	t.logger.Info("petition sent", "kind", string(req.Kind), "petition_id", req.PetitionID, "remote", req.Remote)
	return p, nil
}

// HandleResponse resolves the pending petition whose id, kind and remote
// all match ev. Anything else is logged and dropped.
func (t *Tracker) HandleResponse(ev extensions.PetitionResponse) bool {
	t.mu.Lock()
	p, ok := t.pending[ev.PetitionID]
	if ok && (p.Kind != ev.Kind || !sameAddress(p.Remote, ev.Remote)) {
		ok = false
	}
	if ok {
		delete(t.pending, ev.PetitionID)
	}
	n := len(t.pending)
	t.mu.Unlock()

	if !ok {
		t.logger.Warn("petition response does not match a pending petition", "kind", string(ev.Kind), "petition_id", ev.PetitionID, "remote", ev.Remote)
		t.metrics.Dropped("petition_unmatched")
		return false
	}
	t.metrics.PendingPetitions(n)
	p.resolve(Outcome{Record: p.Record, Accepted: ev.Accepted, Payload: ev.Payload})
	t.hub.Publish(app.MethodPetitionResponse(ev.Kind), ev)
	return true
}

// HandleReceived broadcasts an inbound petition. Bursts from one requestor are throttled.
func (t *Tracker) HandleReceived(ev extensions.PetitionReceived) bool {
	if ev.PetitionID == "" || strings.TrimSpace(ev.Requestor) == "" || !ev.Kind.Valid() {
		t.logger.Warn("malformed petition dropped", "kind", string(ev.Kind), "petition_id", ev.PetitionID, "requestor", ev.Requestor)
		t.metrics.Dropped("petition_malformed")
		return false
	}
	if t.limiter != nil && !t.limiter.Allow(ev.Requestor, t.clock.Now()) {
		t.logger.Warn("inbound petition rate limited", "kind", string(ev.Kind), "requestor", ev.Requestor)
		t.metrics.Dropped("petition_rate_limited")
		return false
	}
	t.hub.Publish(app.MethodPetitionReceived(ev.Kind), ev)
	return true
}

// Respond answers an inbound petition. petitionID and requestor must be the
// ones carried by the received event or the remote request stays pending.
func (t *Tracker) Respond(ctx context.Context, kind models.PetitionKind, petitionID, requestor string, accept bool) error {
	return t.respond(ctx, extensions.PetitionAnswer{Kind: kind, PetitionID: petitionID, Requestor: requestor, Accept: accept})
}

// GrantAndRespond authorizes requestor to read objectID, then accepts the petition.
func (t *Tracker) GrantAndRespond(ctx context.Context, kind models.PetitionKind, petitionID, requestor, objectID string) error {
	legal, err := t.legalClient()
	if err != nil {
		return err
	}
	if err := legal.AuthorizeAccess(ctx, objectID, requestor, true); err != nil {
		return fmt.Errorf("authorize %s for %s: %w", objectID, kind, err)
	}
	return t.respond(ctx, extensions.PetitionAnswer{Kind: kind, PetitionID: petitionID, Requestor: requestor, ObjectID: objectID, Accept: true})
}

func (t *Tracker) respond(ctx context.Context, answer extensions.PetitionAnswer) error {
	if !answer.Kind.Valid() {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryProtocol, fmt.Errorf("%w: %q", ErrInvalidKind, answer.Kind))
	}
	if answer.PetitionID == "" {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryProtocol, ErrMissingID)
	}
	if strings.TrimSpace(answer.Requestor) == "" {
		return contracts.WrapCategorizedError(contracts.ErrorCategoryProtocol, ErrMissingRemote)
	}
	legal, err := t.legalClient()
	if err != nil {
		return err
	}
	if err := legal.SendPetitionResponse(ctx, answer); err != nil {
		return fmt.Errorf("respond to %s petition: %w", answer.Kind, err)
	}
	t.logger.Info("petition answered", "kind", string(answer.Kind), "petition_id", answer.PetitionID, "requestor", answer.Requestor, "accepted", answer.Accept)
	return nil
}

// Cancel abandons an outbound petition locally; its waiter sees a declined outcome.
func (t *Tracker) Cancel(petitionID string) bool {
	t.mu.Lock()
	p, ok := t.pending[petitionID]
	if ok {
		delete(t.pending, petitionID)
	}
	n := len(t.pending)
	t.mu.Unlock()
	if !ok {
		return false
	}
	t.metrics.PendingPetitions(n)
	p.resolve(Outcome{Record: p.Record, Declined: true})
	return true
}

// Pending lists the outbound petitions still awaiting a response, oldest first.
func (t *Tracker) Pending() []Record {
	t.mu.Lock()
	out := make([]Record, 0, len(t.pending))
	for _, p := range t.pending {
		out = append(out, p.Record)
	}
	t.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].PetitionID < out[j].PetitionID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// OnEvent consumes petition events from the extension set.
func (t *Tracker) OnEvent(ev extensions.Event) {
	switch ev.Kind {
	case extensions.EventPetitionReceived:
		received, ok := ev.Payload.(extensions.PetitionReceived)
		if !ok {
			t.logger.Warn("petition event with unexpected payload", "kind", ev.Kind)
			return
		}
		t.HandleReceived(received)
	case extensions.EventPetitionResponse:
		response, ok := ev.Payload.(extensions.PetitionResponse)
		if !ok {
			t.logger.Warn("petition event with unexpected payload", "kind", ev.Kind)
			return
		}
		t.HandleResponse(response)
	}
}

func (t *Tracker) legalClient() (extensions.LegalIdentityClient, error) {
	if t.legal == nil {
		return nil, contracts.ServiceNotAvailable(string(models.ExtensionLegalIdentity))
	}
	return t.legal.LegalIdentity()
}

func (t *Tracker) remove(id string, p *Pending) {
	t.mu.Lock()
	if t.pending[id] == p {
		delete(t.pending, id)
	}
	n := len(t.pending)
	t.mu.Unlock()
	t.metrics.PendingPetitions(n)
}

func sameAddress(a, b string) bool {
	return strings.EqualFold(bare(a), bare(b))
}

func bare(address string) string {
	address = strings.TrimSpace(address)
	if i := strings.IndexByte(address, '/'); i >= 0 {
		address = address[:i]
	}
	return address
}

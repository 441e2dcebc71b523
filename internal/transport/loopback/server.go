package loopback

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"idwallet/go-core/internal/discovery"
	"idwallet/go-core/internal/extensions"
	"idwallet/go-core/internal/transport"
	"idwallet/go-core/pkg/models"
)

var (
	ErrUnknownDomain      = errors.New("loopback: unknown domain")
	ErrServerUnavailable  = errors.New("loopback: server unavailable")
	ErrAuthFailed         = errors.New("loopback: authentication failed")
	ErrNoMechanism        = errors.New("loopback: no acceptable SASL mechanism")
	ErrRecipientOffline   = errors.New("loopback: recipient is not connected")
	ErrUnknownTransaction = errors.New("loopback: unknown payment transaction")
)

const DefaultMaxUploadSize = 16 << 20

// Component is one discoverable service item hosted by the server.
type Component struct {
	Address  string
	Features []string
	Fields   map[string]string
}

// DefaultComponents returns the full service catalog of domain.
func DefaultComponents(domain string) []Component {
	return []Component{
		{Address: "legal." + domain, Features: []string{discovery.NamespaceLegalIdentities}},
		{Address: "upload." + domain, Features: []string{discovery.NamespaceFileUpload}, Fields: map[string]string{
			discovery.FieldMaxFileSize: strconv.Itoa(DefaultMaxUploadSize),
		}},
		{Address: "log." + domain, Features: []string{discovery.NamespaceEventLog}},
		{Address: "muc." + domain, Features: []string{discovery.NamespaceMultiUserChat}},
		{Address: "registry." + domain, Features: []string{discovery.NamespaceThingRegistry}},
		{Address: "provisioning." + domain, Features: []string{
			discovery.NamespaceProvisioningDev,
			discovery.NamespaceProvisioningOwn,
			discovery.NamespaceProvisioningTok,
		}},
		{Address: "edaler." + domain, Features: []string{discovery.NamespaceECurrency}},
		{Address: "neuro-features." + domain, Features: []string{discovery.NamespaceTokenizedFeature}},
	}
}

type ServerOption func(*Server)

// WithComponents replaces the default catalog.
func WithComponents(components ...Component) ServerOption {
	return func(s *Server) { s.components = components }
}

func WithoutPush() ServerOption {
	return func(s *Server) { s.push = false }
}

// WithMechanism sets the single SASL mechanism the server offers.
func WithMechanism(mechanism string) ServerOption {
	return func(s *Server) { s.mechanism = mechanism }
}

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

type payment struct {
	owner   string
	request extensions.PaymentRequest
}

// Server is an in-process stand-in for the messaging server. It hosts a
// discovery catalog and routes petitions, payments and personal events
// between the clients connected to it.
type Server struct {
	domain     string
	components []Component
	push       bool
	mechanism  string
	logger     *slog.Logger

	mu          sync.Mutex
	unavailable bool
	sessions    map[string]*Client
	payments    map[string]payment
	grants      map[string]map[string]bool
}

func NewServer(domain string, opts ...ServerOption) *Server {
	domain = strings.ToLower(strings.TrimSpace(domain))
	s := &Server{
		domain:     domain,
		components: DefaultComponents(domain),
		push:       true,
		mechanism:  transport.MechanismScramSHA256,
		logger:     slog.Default(),
		sessions:   make(map[string]*Client),
		payments:   make(map[string]payment),
		grants:     make(map[string]map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) Domain() string {
	return s.domain
}

// Dial is a transport.Factory.
func (s *Server) Dial(opts transport.Options) (transport.Client, error) {
	opts = transport.NormalizeOptions(opts)
	if !strings.EqualFold(opts.Domain, s.domain) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownDomain, opts.Domain)
	}
	if opts.Account == "" {
		return nil, errors.New("loopback: account is required")
	}
	return newClient(s, opts), nil
}

// SetAvailable simulates an outage. Going unavailable drops every session.
func (s *Server) SetAvailable(available bool) {
	s.mu.Lock()
	s.unavailable = !available
	var dropped []*Client
	if !available {
		for bare, c := range s.sessions {
			dropped = append(dropped, c)
			delete(s.sessions, bare)
		}
	}
	s.mu.Unlock()
	for _, c := range dropped {
		c.lost()
	}
}

// Drop disconnects the session of bare as if the network failed.
func (s *Server) Drop(bare string) bool {
	s.mu.Lock()
	c, ok := s.sessions[normalize(bare)]
	if ok {
		delete(s.sessions, normalize(bare))
	}
	s.mu.Unlock()
	if ok {
		c.lost()
	}
	return ok
}

func (s *Server) Connected(bare string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[normalize(bare)]
	return ok
}

// CredentialHash is the hash the server stores for account.
func (s *Server) CredentialHash(account string) string {
	sum := sha256.Sum256([]byte(s.domain + "\x00" + strings.ToLower(account)))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func (s *Server) authenticate(opts transport.Options) (string, error) {
	s.mu.Lock()
	unavailable := s.unavailable
	s.mu.Unlock()
	if unavailable {
		return "", ErrServerUnavailable
	}
	if !opts.Security.Allows(s.mechanism) {
		return "", fmt.Errorf("%w: server offers %s", ErrNoMechanism, s.mechanism)
	}
	expected := s.CredentialHash(opts.Account)
	if opts.CredentialHash != "" && opts.CredentialHash != expected {
		return "", ErrAuthFailed
	}
	return expected, nil
}

func (s *Server) attach(c *Client) error {
	s.mu.Lock()
	if s.unavailable {
		s.mu.Unlock()
		return ErrServerUnavailable
	}
	prev := s.sessions[normalize(c.BareAddress())]
	s.sessions[normalize(c.BareAddress())] = c
	s.mu.Unlock()
	if prev != nil && prev != c {
		prev.lost()
	}
	return nil
}

func (s *Server) detach(c *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions[normalize(c.BareAddress())] == c {
		delete(s.sessions, normalize(c.BareAddress()))
	}
}

func (s *Server) items() []transport.DiscoItem {
	out := make([]transport.DiscoItem, 0, len(s.components))
	for _, c := range s.components {
		out = append(out, transport.DiscoItem{Address: c.Address})
	}
	return out
}

func (s *Server) features(address string) (transport.DiscoInfo, error) {
	if strings.EqualFold(address, s.domain) {
		info := transport.DiscoInfo{Features: []string{"http://jabber.org/protocol/disco#info"}}
		if s.push {
			info.Features = append(info.Features, discovery.NamespacePush)
		}
		return info, nil
	}
	for _, c := range s.components {
		if strings.EqualFold(c.Address, address) {
			fields := make(map[string]string, len(c.Fields))
			for k, v := range c.Fields {
				fields[k] = v
			}
			return transport.DiscoInfo{Features: append([]string(nil), c.Features...), Fields: fields}, nil
		}
	}
	return transport.DiscoInfo{}, transport.ErrItemNotFound
}

func (s *Server) route(to string, ev extensions.Event) error {
	s.mu.Lock()
	c, ok := s.sessions[normalize(to)]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRecipientOffline, to)
	}
	return c.deliver(ev)
}

func (s *Server) grant(objectID, remote string, allow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	remote = normalize(remote)
	if !allow {
		delete(s.grants[objectID], remote)
		return
	}
	if s.grants[objectID] == nil {
		s.grants[objectID] = make(map[string]bool)
	}
	s.grants[objectID][remote] = true
}

// Granted reports whether remote was authorized to read objectID.
func (s *Server) Granted(objectID, remote string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grants[objectID][normalize(remote)]
}

func (s *Server) startPayment(owner string, req extensions.PaymentRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.payments[req.TransactionID]; exists {
		return fmt.Errorf("loopback: duplicate transaction %s", req.TransactionID)
	}
	s.payments[req.TransactionID] = payment{owner: normalize(owner), request: req}
	return nil
}

// CheckoutURL is the client URL the server hands out for a transaction.
func (s *Server) CheckoutURL(transactionID string) string {
	return "https://pay." + s.domain + "/checkout/" + transactionID
}

// PaymentRequest returns what the wallet submitted for transactionID.
func (s *Server) PaymentRequest(transactionID string) (extensions.PaymentRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[transactionID]
	return p.request, ok
}

// SettlePayment reports the outcome of a transaction to its owner.
func (s *Server) SettlePayment(transactionID string, completed bool, message string) error {
	s.mu.Lock()
	p, ok := s.payments[transactionID]
	if ok {
		delete(s.payments, transactionID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrUnknownTransaction
	}
	kind := extensions.EventPaymentFailed
	if completed {
		kind = extensions.EventPaymentCompleted
	}
	return s.route(p.owner, extensions.Event{
		Extension: models.ExtensionECurrency,
		Kind:      kind,
		Key:       transactionID,
		Payload: extensions.PaymentNotice{
			TransactionID: transactionID,
			Amount:        p.request.Amount,
			Currency:      p.request.Currency,
			Message:       message,
		},
	})
}

// PushBalance notifies the wallet of bare about its balance.
func (s *Server) PushBalance(bare string, amount float64, currency string) error {
	return s.route(bare, extensions.Event{
		Extension: models.ExtensionECurrency,
		Kind:      extensions.EventBalanceUpdated,
		Key:       normalize(bare),
		Payload:   extensions.BalanceNotice{Wallet: normalize(bare), Amount: amount, Currency: currency},
	})
}

// PushContract notifies the legal-identity client of bare that a contract changed.
func (s *Server) PushContract(bare, contractID string) error {
	return s.route(bare, extensions.Event{
		Extension: models.ExtensionLegalIdentity,
		Kind:      extensions.EventContractUpdated,
		Key:       contractID,
		Payload:   contractID,
	})
}

// PublishPep delivers a personal event of publisher to every connected session.
func (s *Server) PublishPep(publisher string, item extensions.PepItem) int {
	item.Publisher = normalize(publisher)
	s.mu.Lock()
	targets := make([]*Client, 0, len(s.sessions))
	for _, c := range s.sessions {
		targets = append(targets, c)
	}
	s.mu.Unlock()
	delivered := 0
	for _, c := range targets {
		if c.deliverPep(item) {
			delivered++
		}
	}
	return delivered
}

func normalize(address string) string {
	address = strings.ToLower(strings.TrimSpace(address))
	if i := strings.IndexByte(address, '/'); i >= 0 {
		address = address[:i]
	}
	return address
}

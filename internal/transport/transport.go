package transport

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

const DefaultPort = 5222

type State string

const (
	StateOffline            State = "offline"
	StateConnecting         State = "connecting"
	StateStreamNegotiation  State = "stream_negotiation"
	StateStartingEncryption State = "starting_encryption"
	StateAuthenticating     State = "authenticating"
	StateBinding            State = "binding"
	StateFetchingRoster     State = "fetching_roster"
	StateSettingPresence    State = "setting_presence"
	StateConnected          State = "connected"
	StateError              State = "error"
)

// Down reports whether the state is a definitive failure rather than negotiation.
func (s State) Down() bool {
	return s == StateOffline || s == StateError
}

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrDisposed     = errors.New("transport client disposed")
	ErrItemNotFound = errors.New("discovery item not found")
)

// SASL mechanism names understood by SecurityPolicy.
const (
	MechanismScramSHA256     = "SCRAM-SHA-256"
	MechanismScramSHA256Plus = "SCRAM-SHA-256-PLUS"
	MechanismScramSHA1       = "SCRAM-SHA-1"
	MechanismDigestMD5       = "DIGEST-MD5"
	MechanismCramMD5         = "CRAM-MD5"
	MechanismPlain           = "PLAIN"
)

type SecurityPolicy struct {
	RequireEncryption   bool
	AllowedMechanisms   []string
	AllowPlain          bool
	AllowDigestMD5      bool
	AllowCramMD5        bool
	AllowScramSHA1      bool
	TrustServerCertOnly bool
}

// StrictSecurityPolicy requires TLS and only the SCRAM-SHA-256 family.
func StrictSecurityPolicy() SecurityPolicy {
	return SecurityPolicy{
		RequireEncryption: true,
		AllowedMechanisms: []string{MechanismScramSHA256Plus, MechanismScramSHA256},
	}
}

// Allows reports whether the policy permits a SASL mechanism.
func (p SecurityPolicy) Allows(mechanism string) bool {
	mechanism = strings.ToUpper(strings.TrimSpace(mechanism))
	switch mechanism {
	case MechanismPlain:
		if !p.AllowPlain {
			return false
		}
	case MechanismDigestMD5:
		if !p.AllowDigestMD5 {
			return false
		}
	case MechanismCramMD5:
		if !p.AllowCramMD5 {
			return false
		}
	case MechanismScramSHA1:
		if !p.AllowScramSHA1 {
			return false
		}
	}
	for _, allowed := range p.AllowedMechanisms {
		if strings.EqualFold(allowed, mechanism) {
			return true
		}
	}
	return false
}

type Options struct {
	Host                 string
	Port                 int
	LiteralAddress       bool
	Endpoint             string
	Domain               string
	Account              string
	CredentialHash       string
	CredentialHashMethod string
	Language             string
	Security             SecurityPolicy
	Logger               *slog.Logger
}

func NormalizeOptions(opts Options) Options {
	opts.Domain = strings.TrimSpace(opts.Domain)
	opts.Account = strings.TrimSpace(opts.Account)
	opts.Host = strings.TrimSpace(opts.Host)
	if opts.Host == "" {
		opts.Host = opts.Domain
	}
	if opts.Port <= 0 {
		opts.Port = DefaultPort
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	if len(opts.Security.AllowedMechanisms) == 0 {
		opts.Security = StrictSecurityPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return opts
}

type DiscoItem struct {
	Address string
	Node    string
	Name    string
}

type DiscoInfo struct {
	Features []string
	Fields   map[string]string
}

func (i DiscoInfo) HasFeature(namespace string) bool {
	for _, f := range i.Features {
		if f == namespace {
			return true
		}
	}
	return false
}

// Client is the single long-lived connection to the messaging server.
// State handlers run on a transport-owned goroutine, in the order the
// transport observed the transitions.
type Client interface {
	Connect(ctx context.Context) error
	Reconnect() error
	Disconnect(ctx context.Context) error
	Dispose() error

	State() State
	Domain() string
	BareAddress() string
	CredentialHash() (hash, method string)

	OnStateChanged(handler func(State))
	OnError(handler func(error))

	DiscoverItems(ctx context.Context, address string) ([]DiscoItem, error)
	DiscoverFeatures(ctx context.Context, address string) (DiscoInfo, error)
}

type Factory func(opts Options) (Client, error)

package extensions

import (
	"context"

	"idwallet/go-core/internal/identity"
	"idwallet/go-core/internal/transport"
	"idwallet/go-core/pkg/models"
)

// Client is a protocol extension layered over the shared transport.
type Client interface {
	Extension() models.Extension
	Address() string
	Dispose() error
}

// Spec carries what a constructor needs; extensions never see the session itself.
type Spec struct {
	Extension     models.Extension
	Address       string
	MaxUploadSize int64
	Keys          *identity.KeyPair
}

type Constructor interface {
	New(conn transport.Client, spec Spec) (Client, error)
}

// ConstructorFunc adapts a plain function to Constructor.
type ConstructorFunc func(conn transport.Client, spec Spec) (Client, error)

func (f ConstructorFunc) New(conn transport.Client, spec Spec) (Client, error) {
	return f(conn, spec)
}

type KeyLoader interface {
	LoadKeys(canGenerate bool) (identity.KeyPair, error)
}

const (
	EventBalanceUpdated    = "balance.updated"
	EventTokenAdded        = "token.added"
	EventTokenRemoved      = "token.removed"
	EventContractUpdated   = "contract.updated"
	EventPetitionReceived  = "petition.received"
	EventPetitionResponse  = "petition.response"
	EventPaymentClientURL  = "payment.client_url"
	EventPaymentCompleted  = "payment.completed"
	EventPaymentFailed     = "payment.failed"
	EventPersonalEventItem = "pep.item"
)

// Event is an inbound notification raised by an extension client.
type Event struct {
	Extension models.Extension
	Kind      string
	Key       string
	Payload   any
}

// EventSource is implemented by clients that raise inbound events.
type EventSource interface {
	OnEvent(handler func(Event))
}

type PetitionRequest struct {
	Kind       models.PetitionKind
	PetitionID string
	Remote     string
	ObjectID   string
	Purpose    string
	Content    []byte
}

type PetitionAnswer struct {
	Kind       models.PetitionKind
	PetitionID string
	Requestor  string
	ObjectID   string
	Accept     bool
}

// PetitionReceived is the payload of EventPetitionReceived.
type PetitionReceived struct {
	Kind       models.PetitionKind
	PetitionID string
	Requestor  string
	ObjectID   string
	Purpose    string
	Content    []byte
}

// PetitionResponse is the payload of EventPetitionResponse.
type PetitionResponse struct {
	Kind       models.PetitionKind
	PetitionID string
	Remote     string
	Accepted   bool
	Payload    []byte
}

type LegalIdentityClient interface {
	Client
	SendPetition(ctx context.Context, req PetitionRequest) error
	SendPetitionResponse(ctx context.Context, answer PetitionAnswer) error
	AuthorizeAccess(ctx context.Context, objectID, remote string, allow bool) error
}

type PaymentRequest struct {
	TransactionID string
	ServiceID     string
	Provider      string
	Amount        float64
	Currency      string
	SuccessURL    string
	FailureURL    string
	CancelURL     string
}

// PaymentNotice is the payload of the payment events.
type PaymentNotice struct {
	TransactionID string
	URL           string
	Amount        float64
	Currency      string
	Message       string
}

// BalanceNotice is the payload of EventBalanceUpdated.
type BalanceNotice struct {
	Wallet   string
	Amount   float64
	Currency string
}

type WalletClient interface {
	Client
	InitiatePayment(ctx context.Context, req PaymentRequest) error
}

type PepItem struct {
	Kind      string
	Publisher string
	ItemID    string
	Payload   []byte
}

type PepHandler func(PepItem)

type HandlerID uint64

type PepClient interface {
	Client
	RegisterHandler(kind string, id HandlerID, handler PepHandler)
	UnregisterHandler(kind string, id HandlerID)
}

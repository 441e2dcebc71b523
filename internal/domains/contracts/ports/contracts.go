package ports

import (
	"context"
	"time"

	"idwallet/go-core/pkg/models"
)

// Profile is the persisted account configuration the session is built from.
type Profile interface {
	Parameters() models.ConnectionParameters
	SetCredentialHash(hash, method string) error

	Addresses() models.AddressSet
	// UpdateAddresses applies fn to the address set under the profile lock.
	UpdateAddresses(fn func(*models.AddressSet)) error

	DefaultConnectivity() bool
	Step() models.Step
	Subscribe(fn func()) (cancel func())
}

// Network reports host connectivity and resolves a domain to a connection target.
type Network interface {
	IsOnline() bool
	Lookup(ctx context.Context, domain string) (models.Endpoint, error)
}

// UIDispatcher is the only way the core reaches the UI. Calls must never be made under a lock.
type UIDispatcher interface {
	Enqueue(kind string, payload any)
	Alert(title, message string)
	OpenURL(url string) error
}

// NotificationEvent is what the notification hub delivers to listeners.
type NotificationEvent struct {
	Seq       int64
	Method    string
	Payload   any
	Timestamp time.Time
}

package session

import (
	"time"

	"idwallet/go-core/internal/transport"
)

// StaleAfter is how long a connection may sit between Offline and Connected
// before it is considered stuck.
const StaleAfter = 10 * time.Second

// IsStale reports whether the transport is dead in practice: there is no
// client, it reports Offline/Error, or it has been negotiating for StaleAfter or longer.
func IsStale(client transport.Client, state transport.State, lastChange, now time.Time) bool {
	if client == nil {
		return true
	}
	if state.Down() {
		return true
	}
	return state != transport.StateConnected && now.Sub(lastChange) >= StaleAfter
}

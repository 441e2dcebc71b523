package session

import (
	"idwallet/go-core/internal/domains/contracts"
	"idwallet/go-core/internal/extensions"
	"idwallet/go-core/pkg/models"
)

// Capabilities is the live view of which sub-clients exist and where they point.
type Capabilities interface {
	Address(ext models.Extension) string
	PushPresent() bool
}

// ParametersCurrent reports whether the session built with applied still
// matches the profile. Any difference means the extension set must be rebuilt.
func ParametersCurrent(applied models.ConnectionParameters, live Capabilities, profile contracts.Profile) bool {
	if live == nil || profile == nil {
		return false
	}
	current := profile.Parameters()
	if applied.Domain != current.Domain ||
		applied.Account != current.Account ||
		applied.CredentialHash != current.CredentialHash ||
		applied.CredentialHashMethod != current.CredentialHashMethod {
		return false
	}
	addrs := profile.Addresses()
	for _, ext := range extensions.BuildOrder {
		if !extensions.Addressed(ext) {
			continue
		}
		if live.Address(ext) != addrs.Address(ext) {
			return false
		}
	}
	if live.PushPresent() != addrs.PushSupported {
		return false
	}
	return true
}

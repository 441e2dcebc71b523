package app

import "idwallet/go-core/pkg/models"

const (
	MethodStateChanged      = "session.state_changed"
	MethodLifecycleChanged  = "session.lifecycle_changed"
	MethodDiscoveryFinished = "session.discovery_finished"
	MethodBalanceUpdated    = "wallet.balance_updated"
	MethodTokenAdded        = "wallet.token_added"
	MethodTokenRemoved      = "wallet.token_removed"
	MethodContractUpdated   = "contract.updated"
	MethodPaymentRedirect   = "payment.client_redirect"
	MethodPaymentResolved   = "payment.resolved"
)

func MethodPetitionReceived(kind models.PetitionKind) string {
	return "petition." + string(kind) + ".received"
}

func MethodPetitionResponse(kind models.PetitionKind) string {
	return "petition." + string(kind) + ".response"
}

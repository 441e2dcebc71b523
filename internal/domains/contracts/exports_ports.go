package contracts

import contractports "idwallet/go-core/internal/domains/contracts/ports"

type Profile = contractports.Profile
type Network = contractports.Network
type UIDispatcher = contractports.UIDispatcher
type NotificationEvent = contractports.NotificationEvent

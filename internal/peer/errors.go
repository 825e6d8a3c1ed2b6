package peer

import "peerchat/internal/utils"

var (
	ErrNegotiationTimeout = utils.NewError("negotiation timed out")
	ErrNotConnected       = utils.NewError("peer channel not connected")
	ErrNoRoute            = utils.NewError("no reachable candidate address")
)

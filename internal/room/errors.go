package room

import "peerchat/internal/utils"

var (
	ErrRoomNotOpen      = utils.NewError("room not open")
	ErrControllerClosed = utils.NewError("controller closed")
)

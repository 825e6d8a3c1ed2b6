package models

import "peerchat/internal/utils"

var ErrRoomNotFound = utils.NewError("room not found")

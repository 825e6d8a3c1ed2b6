package storage

import "peerchat/internal/utils"

var (
	ErrNoRows         = utils.NewError("no rows in result set")
	ErrStorageFailure = utils.NewError("storage failure")
)

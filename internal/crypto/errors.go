package crypto

import "peerchat/internal/utils"

var (
	ErrUnsupportedPlatform = utils.NewError("cryptographic provider unavailable")
	ErrEncryptionFailed    = utils.NewError("encryption failed")
	ErrDecryptionFailed    = utils.NewError("decryption failed")
	ErrBadKey              = utils.NewError("invalid key provided")
	ErrNoRoomKey           = utils.NewError("no key material for room")
	ErrNotExportable       = utils.NewError("key is not exportable")
)

package storage

import (
	"crypto/rand"
	"encoding/json"

	"golang.org/x/crypto/argon2"
	chacha "golang.org/x/crypto/chacha20poly1305"

	"peerchat/internal/utils"
)

var ErrBadPassphrase = utils.NewError("cannot open sealed snapshot")

const sealSaltSize = 16

// SealSnapshot serializes a snapshot and encrypts it under a passphrase so
// exported files can travel without exposing room keys. Layout:
// salt || nonce || ciphertext.
func SealSnapshot(snap *Snapshot, passphrase string) ([]byte, error) {
	plain, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	salt := make([]byte, sealSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, chacha.KeySize)
	aead, err := chacha.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, sealSaltSize+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plain, nil), nil
}

// OpenSnapshot reverses SealSnapshot. A wrong passphrase or a tampered file
// fails with ErrBadPassphrase.
func OpenSnapshot(sealed []byte, passphrase string) (*Snapshot, error) {
	if len(sealed) < sealSaltSize+chacha.NonceSize {
		return nil, ErrBadPassphrase.WithDetails("truncated file")
	}
	salt := sealed[:sealSaltSize]
	key := argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, chacha.KeySize)
	aead, err := chacha.New(key)
	if err != nil {
		return nil, err
	}
	nonce := sealed[sealSaltSize : sealSaltSize+aead.NonceSize()]
	plain, err := aead.Open(nil, nonce, sealed[sealSaltSize+aead.NonceSize():], nil)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	var snap Snapshot
	if err := json.Unmarshal(plain, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
)

// newGCM builds the room AEAD: AES-256-GCM with the standard 96-bit nonce.
func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrBadKey.WithDetails("symmetric key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrUnsupportedPlatform.WithDetails(err.Error())
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, ErrUnsupportedPlatform.WithDetails(err.Error())
	}
	return aead, nil
}

// SealDetached encrypts with a fresh random IV and returns ciphertext and IV
// separately, since the wire envelope carries the IV as its own field.
func SealDetached(aead cipher.AEAD, plaintext []byte) (ct, iv []byte, err error) {
	iv = make([]byte, aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, ErrEncryptionFailed.WithDetails(err.Error())
	}
	ct = aead.Seal(nil, iv, plaintext, nil)
	return ct, iv, nil
}

// OpenDetached authenticates and decrypts. Any tag mismatch (tampering,
// wrong key, wrong IV) surfaces as ErrDecryptionFailed.
func OpenDetached(aead cipher.AEAD, ct, iv []byte) ([]byte, error) {
	if len(iv) != aead.NonceSize() {
		return nil, ErrDecryptionFailed.WithDetails("bad IV length")
	}
	pt, err := aead.Open(nil, iv, ct, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return pt, nil
}

// Package crypto seals group photo blobs and derives their content addresses.
package crypto

import (
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/kevinburke/nacl"
	"github.com/kevinburke/nacl/secretbox"
	"golang.org/x/crypto/blake2b"
)

const (
	KeyLength    = 32
	BlobIDLength = 16
)

var (
	ErrKeyLength = errors.New("crypto: key is wrong length")
	ErrOpen      = errors.New("crypto: unable to open sealed blob")

	// every group photo is sealed under a fresh key, so a constant nonce is safe
	groupPhotoNonce = nacl.Nonce(&[nacl.NonceSize]byte{
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 2,
	})
)

func NewBlobKey() ([]byte, error) {
	key := make([]byte, KeyLength)
	if _, err := io.ReadFull(crypto_rand.Reader, key); err != nil {
		return nil, fmt.Errorf("crypto: short read from random source: %w", err)
	}
	return key, nil
}

func sliceToKey(b []byte) (nacl.Key, error) {
	if len(b) != KeyLength {
		return nil, ErrKeyLength
	}
	var k [KeyLength]byte
	copy(k[:], b)
	return nacl.Key(&k), nil
}

func SealBlob(key, plain []byte) ([]byte, error) {
	k, err := sliceToKey(key)
	if err != nil {
		return nil, err
	}
	return secretbox.Seal(nil, plain, groupPhotoNonce, k), nil
}

func OpenBlob(key, sealed []byte) ([]byte, error) {
	k, err := sliceToKey(key)
	if err != nil {
		return nil, err
	}
	plain, ok := secretbox.Open(nil, sealed, groupPhotoNonce, k)
	if !ok {
		return nil, ErrOpen
	}
	return plain, nil
}

// BlobID is the 16 byte blake2b digest of the sealed blob.
func BlobID(sealed []byte) ([]byte, error) {
	h, err := blake2b.New(BlobIDLength, nil)
	if err != nil {
		return nil, err
	}
	h.Write(sealed)
	return h.Sum(nil), nil
}

// Package photo seals group photos and uploads them to the blob store.
package photo

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/meow-io/go-groupsync/blob"
	"github.com/meow-io/go-groupsync/config"
	"github.com/meow-io/go-groupsync/crypto"
	"go.uber.org/zap"
)

var ErrEmptyImage = errors.New("photo: empty image")

type Upload struct {
	BlobID []byte
	Key    []byte
	Size   uint32
}

type Uploader struct {
	log   *zap.SugaredLogger
	store blob.Store
}

func NewUploader(c *config.Config, store blob.Store) *Uploader {
	return &Uploader{
		log:   c.Logger("photo"),
		store: store,
	}
}

// Upload seals image under a fresh key and stores it under its content address.
// Note groups have nobody to share the photo with, so nothing is stored remotely.
func (u *Uploader) Upload(ctx context.Context, image []byte, noteGroup bool) (*Upload, error) {
	if len(image) == 0 {
		return nil, ErrEmptyImage
	}
	key, err := crypto.NewBlobKey()
	if err != nil {
		return nil, err
	}
	sealed, err := crypto.SealBlob(key, image)
	if err != nil {
		return nil, fmt.Errorf("photo: error sealing: %w", err)
	}
	blobID, err := crypto.BlobID(sealed)
	if err != nil {
		return nil, fmt.Errorf("photo: error hashing: %w", err)
	}
	if noteGroup {
		u.log.Debugf("skipping upload of %x for note group", blobID)
	} else if err := u.store.Put(ctx, hex.EncodeToString(blobID), sealed); err != nil {
		return nil, fmt.Errorf("photo: error uploading %x: %w", blobID, err)
	}
	return &Upload{BlobID: blobID, Key: key, Size: uint32(len(image))}, nil
}

// Download fetches and opens a photo previously produced by Upload.
func (u *Uploader) Download(ctx context.Context, blobID, key []byte) ([]byte, error) {
	sealed, err := u.store.Get(ctx, hex.EncodeToString(blobID))
	if err != nil {
		return nil, fmt.Errorf("photo: error downloading %x: %w", blobID, err)
	}
	return crypto.OpenBlob(key, sealed)
}

// Package blob stores sealed group photo blobs.
package blob

import (
	"context"
	"errors"
	"fmt"

	"github.com/meow-io/go-groupsync/config"
)

var ErrNotFound = errors.New("blob: not found")

type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
}

// Open selects a Store for the configured driver.
func Open(ctx context.Context, c *config.Config) (Store, error) {
	switch c.BlobDriver {
	case "", config.BlobDriverMemory:
		return NewMemoryStore(), nil
	case config.BlobDriverS3:
		return NewS3Store(ctx, S3Config{
			Bucket:          c.S3Bucket,
			Region:          c.S3Region,
			Endpoint:        c.S3Endpoint,
			PathStyle:       c.S3PathStyle,
			AccessKeyID:     c.S3AccessKeyID,
			SecretAccessKey: c.S3SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("blob: unknown driver %s", c.BlobDriver)
	}
}

package blob

import (
	"context"
	"errors"
	"testing"

	"github.com/meow-io/go-groupsync/config"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Get(ctx, "missing")
	require.ErrorIs(err, ErrNotFound)

	data := []byte("sealed")
	require.Nil(s.Put(ctx, "a", data))
	data[0] = 'x'
	got, err := s.Get(ctx, "a")
	require.Nil(err)
	require.Equal([]byte("sealed"), got)
	require.Equal(1, s.Len())

	boom := errors.New("boom")
	s.FailWith(boom)
	require.ErrorIs(s.Put(ctx, "b", data), boom)
	s.FailWith(nil)
	require.Nil(s.Put(ctx, "b", data))
}

func TestOpen(t *testing.T) {
	require := require.New(t)
	s, err := Open(context.Background(), config.NewConfig(config.WithoutLogFile()))
	require.Nil(err)
	require.IsType(&MemoryStore{}, s)

	_, err = Open(context.Background(), config.NewConfig(config.WithoutLogFile(), config.WithBlobDriver("floppy")))
	require.NotNil(err)

	_, err = Open(context.Background(), config.NewConfig(config.WithoutLogFile(), config.WithBlobDriver(config.BlobDriverS3)))
	require.NotNil(err)
}

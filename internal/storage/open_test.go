package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen(t *testing.T) {
	ctx := context.Background()

	b, err := Open(ctx, Options{Kind: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, b)

	mr := miniredis.RunT(t)
	b, err = Open(ctx, Options{Kind: "redis", RedisAddr: mr.Addr()})
	require.NoError(t, err)
	assert.IsType(t, &RedisStore{}, b)
	require.NoError(t, b.Close())

	_, err = Open(ctx, Options{Kind: "dynamo"})
	assert.ErrorContains(t, err, "unknown store backend")
}

func TestOpen_RedisUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Open(context.Background(), Options{Kind: "redis", RedisAddr: addr})
	assert.ErrorContains(t, err, "redis ping")
}

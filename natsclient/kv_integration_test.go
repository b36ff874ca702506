//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKVStore_Lifecycle(t *testing.T) {
	tc := NewTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "kv_lifecycle"})
	require.NoError(t, err)
	kv := tc.Client.NewKVStore(bucket)

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = kv.Put(ctx, "node.b", []byte("2"))
	require.NoError(t, err)
	rev, err := kv.Put(ctx, "node.a", []byte("1"))
	require.NoError(t, err)

	entry, err := kv.Get(ctx, "node.a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), entry.Value)
	assert.Equal(t, rev, entry.Revision)

	keys, err = kv.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"node.a", "node.b"}, keys)

	require.NoError(t, kv.Delete(ctx, "node.a"))
	_, err = kv.Get(ctx, "node.a")
	assert.ErrorIs(t, err, ErrKVKeyNotFound)
}

func TestCreateKeyValueBucket_Existing(t *testing.T) {
	tc := NewTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg := jetstream.KeyValueConfig{Bucket: "kv_shared", TTL: time.Minute}
	first, err := tc.Client.CreateKeyValueBucket(ctx, cfg)
	require.NoError(t, err)
	second, err := tc.Client.CreateKeyValueBucket(ctx, cfg)
	require.NoError(t, err)
	assert.Equal(t, first.Bucket(), second.Bucket())
}

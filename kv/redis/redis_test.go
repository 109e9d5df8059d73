package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	issuance "github.com/x402-foundation/issuance"
)

func newStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := New(Options{Addr: mr.Addr(), Prefix: "issuer:"})
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestStore_GetSet(t *testing.T) {
	s, mr := newStore(t)
	ctx := context.Background()

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, issuance.ErrKeyNotFound)

	require.NoError(t, s.Set(ctx, "k", []byte("v1")))
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	got, err := mr.Get("issuer:k")
	require.NoError(t, err)
	assert.Equal(t, "v1", got)
	assert.Zero(t, mr.TTL("issuer:k"), "markers never expire")
}

func TestStore_SetIfAbsentHasOneWinner(t *testing.T) {
	s, _ := newStore(t)
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.SetIfAbsent(ctx, "marker", []byte("pending"))
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestStore_ServerDown(t *testing.T) {
	s, mr := newStore(t)
	mr.Close()

	_, err := s.Get(context.Background(), "k")
	require.Error(t, err)
	assert.NotErrorIs(t, err, issuance.ErrKeyNotFound)
}

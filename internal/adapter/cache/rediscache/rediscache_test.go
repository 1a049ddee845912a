package rediscache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMirror(t *testing.T) (*Mirror, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	m := NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { _ = m.Close() })
	return m, mr
}

func TestMirror_SetGet(t *testing.T) {
	m, _ := newMirror(t)
	ctx := context.Background()

	result := json.RawMessage(`{"sentiment":"positive"}`)
	require.NoError(t, m.Set(ctx, "fp1", result, time.Minute))

	got, ok, err := m.Get(ctx, "fp1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, string(result), string(got))
}

func TestMirror_MissingKey(t *testing.T) {
	m, _ := newMirror(t)

	got, ok, err := m.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, got)
}

func TestMirror_TTLExpiry(t *testing.T) {
	m, mr := newMirror(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "fp1", json.RawMessage(`{"a":1}`), time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err := m.Get(ctx, "fp1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMirror_ZeroTTLSkipsWrite(t *testing.T) {
	m, mr := newMirror(t)
	ctx := context.Background()

	require.NoError(t, m.Set(ctx, "fp1", json.RawMessage(`{"a":1}`), 0))
	require.False(t, mr.Exists(keyPrefix+"fp1"))
}

func TestMirror_CorruptValueIsMiss(t *testing.T) {
	m, mr := newMirror(t)

	require.NoError(t, mr.Set(keyPrefix+"fp1", "not-json{"))
	_, ok, err := m.Get(context.Background(), "fp1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMirror_Ping(t *testing.T) {
	m, mr := newMirror(t)
	require.NoError(t, m.Ping(context.Background()))

	mr.Close()
	require.Error(t, m.Ping(context.Background()))
}

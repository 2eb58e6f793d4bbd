package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/buildcache"
	"github.com/wolfeidau/buildcache/store"
)

func newTestGlobals(t *testing.T) *Globals {
	t.Helper()
	return &Globals{
		DB:          filepath.Join(t.TempDir(), "cache.db"),
		LogLevel:    "info",
		LogFormat:   "text",
		Concurrency: 8,
		OpenTimeout: time.Second,
		logger:      slog.New(slog.DiscardHandler),
	}
}

func TestCommands_PutGetRm(t *testing.T) {
	ctx := context.Background()
	g := newTestGlobals(t)
	dir := t.TempDir()

	payload := bytes.Repeat([]byte("compiled artifact "), 1000)
	src := filepath.Join(dir, "payload.bin")
	require.NoError(t, os.WriteFile(src, payload, 0o600))

	// Without --key the payload digest is the key.
	require.NoError(t, (&PutCmd{File: src}).Run(ctx, g))
	key := Key(buildcache.HashBytes(payload).Bytes())
	require.NoError(t, (&HasCmd{Key: key}).Run(ctx, g))

	out := filepath.Join(dir, "out.bin")
	require.NoError(t, (&GetCmd{Key: key, Output: out}).Run(ctx, g))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	explicit := Key{0xca, 0xfe}
	require.NoError(t, (&PutCmd{File: src, Key: explicit}).Run(ctx, g))
	require.NoError(t, (&HasCmd{Key: explicit}).Run(ctx, g))

	require.NoError(t, (&RmCmd{Keys: []Key{key, explicit}}).Run(ctx, g))
	require.ErrorIs(t, (&HasCmd{Key: key}).Run(ctx, g), errAbsent)
	require.ErrorIs(t, (&HasCmd{Key: explicit}).Run(ctx, g), errAbsent)
	require.ErrorContains(t, (&GetCmd{Key: key, Output: out}).Run(ctx, g), "not found")
}

func TestCommands_KeySize(t *testing.T) {
	ctx := context.Background()
	g := newTestGlobals(t)
	g.KeySize = buildcache.HashSize

	src := filepath.Join(t.TempDir(), "payload.bin")
	require.NoError(t, os.WriteFile(src, []byte("data"), 0o600))

	err := (&PutCmd{File: src, Key: Key{0x01}}).Run(ctx, g)
	require.ErrorIs(t, err, store.ErrInvalidKey)

	require.NoError(t, (&PutCmd{File: src}).Run(ctx, g))
}

func TestKey_UnmarshalText(t *testing.T) {
	var k Key
	require.NoError(t, k.UnmarshalText([]byte("00ff10")))
	assert.Equal(t, Key{0x00, 0xff, 0x10}, k)
	assert.Equal(t, "00ff10", k.String())

	require.Error(t, k.UnmarshalText([]byte("xyz")))
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"text", "json"} {
		logger, err := newLogger("debug", format)
		require.NoError(t, err)
		assert.NotNil(t, logger)
	}

	_, err := newLogger("loud", "text")
	require.Error(t, err)

	_, err = newLogger("info", "xml")
	require.Error(t, err)
}

func TestGCCmd_Config(t *testing.T) {
	c := &GCCmd{
		MaxSize:          1 << 30,
		BatchSize:        50,
		SweepGrace:       time.Minute,
		CompactThreshold: 0.5,
		Interval:         10 * time.Minute,
	}
	config := c.config()
	assert.Equal(t, int64(1<<30), config.MaxCacheBytes)
	assert.Equal(t, 50, config.BatchSize)
	assert.Equal(t, time.Minute, config.SweepGrace)
	assert.Equal(t, 0.5, config.CompactThreshold)
	assert.Equal(t, 10*time.Minute, config.Interval)
	assert.Zero(t, config.StartupDelay)
}

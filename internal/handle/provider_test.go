package handle

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quasar-data/quasar/pkg/config"
	"github.com/quasar-data/quasar/pkg/errors"
)

func TestMemoryProviderRoundtrip(t *testing.T) {
	p := NewMemoryProvider(NewManager())
	defer p.Close()
	ctx := context.Background()

	tbl := testTable(t, 10)
	defer tbl.Release()

	id, err := p.Put(ctx, tbl)
	require.NoError(t, err)
	assert.False(t, strings.HasPrefix(id, externalPrefix))

	got, err := p.Resolve(ctx, id)
	require.NoError(t, err)
	assert.True(t, tbl.Equal(got))
	got.Release()

	require.NoError(t, p.Drop(ctx, id))
	_, err = p.Resolve(ctx, id)
	assert.True(t, errors.IsNotFound(err))
}

func TestExternalProviderRoundtrip(t *testing.T) {
	p, err := NewExternalProvider(t.TempDir())
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	tbl := testTable(t, 25)
	defer tbl.Release()

	id, err := p.Put(ctx, tbl)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, externalPrefix))

	got, err := p.Resolve(ctx, id)
	require.NoError(t, err)
	assert.True(t, tbl.Equal(got))
	got.Release()

	assert.Equal(t, 1, p.Count())
	require.NoError(t, p.Drop(ctx, id))
	assert.Equal(t, 0, p.Count())
}

func TestExternalProviderSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewExternalProvider(dir)
	require.NoError(t, err)

	tbl := testTable(t, 10)
	defer tbl.Release()
	id, err := first.Put(ctx, tbl)
	require.NoError(t, err)
	first.Close()

	// A fresh provider over the same directory resolves the old handle.
	second, err := NewExternalProvider(dir)
	require.NoError(t, err)
	defer second.Close()

	got, err := second.Resolve(ctx, id)
	require.NoError(t, err)
	assert.True(t, tbl.Equal(got))
	got.Release()
}

func TestExternalProviderRejectsForeignHandle(t *testing.T) {
	p, err := NewExternalProvider(t.TempDir())
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Resolve(context.Background(), "not-an-external-handle")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidArgument))
}

func TestExternalProviderHeartbeat(t *testing.T) {
	p, err := NewExternalProvider(t.TempDir())
	require.NoError(t, err)
	defer p.Close()
	ctx := context.Background()

	tbl := testTable(t, 5)
	defer tbl.Release()
	id, err := p.Put(ctx, tbl)
	require.NoError(t, err)

	alive := p.Heartbeat([]string{id, externalPrefix + "deadbeef", "garbage"})
	assert.True(t, alive[id])
	assert.False(t, alive[externalPrefix+"deadbeef"])
	assert.False(t, alive["garbage"])
}

func TestExternalProviderRequiresStateDir(t *testing.T) {
	_, err := NewExternalProvider("")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidArgument))
}

func TestFromConfig(t *testing.T) {
	memCfg := config.Default()
	memCfg.Handles.TTL = time.Hour
	p, err := FromConfig(memCfg)
	require.NoError(t, err)
	p.Close()

	extCfg := config.Default()
	extCfg.Handles.Store = config.HandleStoreExternal
	extCfg.Handles.StateDir = t.TempDir()
	p, err = FromConfig(extCfg)
	require.NoError(t, err)
	p.Close()

	badCfg := config.Default()
	badCfg.Handles.Store = "carrier-pigeon"
	_, err = FromConfig(badCfg)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeInvalidArgument))
}

package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/telemetry-hub/transformer"
)

type countingLookup struct {
	calls      int
	identities map[string]Identity
	err        error
}

func (l *countingLookup) FindByHardwareID(_ context.Context, id string) (Identity, error) {
	l.calls++
	if l.err != nil {
		return Identity{}, l.err
	}
	identity, ok := l.identities[id]
	if !ok {
		return Identity{}, ErrNotFound
	}
	return identity, nil
}

func TestCachedCachesHits(t *testing.T) {
	next := &countingLookup{identities: map[string]Identity{
		"2af0": {HardwareID: "2af0", LogicalID: "AUID-1", Family: transformer.FamilyClimate},
	}}
	c := NewCached(next, 10, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		identity, err := c.FindByHardwareID(ctx, "2af0")
		require.NoError(t, err)
		assert.Equal(t, "AUID-1", identity.LogicalID)
	}
	assert.Equal(t, 1, next.calls)

	c.Invalidate("2af0")
	_, err := c.FindByHardwareID(ctx, "2af0")
	require.NoError(t, err)
	assert.Equal(t, 2, next.calls)
}

func TestCachedDoesNotCacheMisses(t *testing.T) {
	next := &countingLookup{identities: map[string]Identity{}}
	c := NewCached(next, 10, time.Minute)
	ctx := context.Background()

	_, err := c.FindByHardwareID(ctx, "ffff")
	assert.ErrorIs(t, err, ErrNotFound)

	next.identities["ffff"] = Identity{HardwareID: "ffff", LogicalID: "AUID-2"}
	identity, err := c.FindByHardwareID(ctx, "ffff")
	require.NoError(t, err)
	assert.Equal(t, "AUID-2", identity.LogicalID)
	assert.Equal(t, 2, next.calls)
}

func TestCachedPassesTransientErrors(t *testing.T) {
	boom := errors.New("connection refused")
	c := NewCached(&countingLookup{err: boom}, 10, time.Minute)
	_, err := c.FindByHardwareID(context.Background(), "2af0")
	assert.ErrorIs(t, err, boom)
}

func TestFieldSet(t *testing.T) {
	assert.Nil(t, FieldSet(nil))
	assert.Equal(t, map[string]struct{}{"temperature": {}, "pm2_5": {}}, FieldSet([]string{"temperature", "pm2_5"}))
}

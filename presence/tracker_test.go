package presence

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/telemetry-hub/registry"
)

type fakeLookup struct {
	calls      int
	identities map[string]registry.Identity
	err        error
}

func (f *fakeLookup) FindByHardwareID(_ context.Context, id string) (registry.Identity, error) {
	f.calls++
	if f.err != nil {
		return registry.Identity{}, f.err
	}
	identity, ok := f.identities[id]
	if !ok {
		return registry.Identity{}, registry.ErrNotFound
	}
	return identity, nil
}

func newTracker(t *testing.T) (*Tracker, *fakeLookup, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	lookup := &fakeLookup{identities: map[string]registry.Identity{
		"2af0": {HardwareID: "2af0", LogicalID: "AUID-1"},
	}}
	tracker := NewTracker(client, lookup, Options{})
	tracker.nowFunc = func() time.Time { return time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC) }
	return tracker, lookup, mr
}

func TestPingWritesKeysWithExactTTL(t *testing.T) {
	tracker, _, mr := newTracker(t)
	ctx := context.Background()

	res, err := tracker.Ping(ctx, map[string]interface{}{"devid": "2af0"})
	require.NoError(t, err)
	assert.Equal(t, PingResolved, res.Result)
	assert.Equal(t, "AUID-1", res.LogicalID)

	assert.Equal(t, 3*time.Minute, mr.TTL("presence:AUID-1:online"))
	assert.Equal(t, 3*time.Minute, mr.TTL("presence:hw:2af0"))
	assert.Equal(t, 24*time.Hour, mr.TTL("presence:AUID-1:last_seen"))
	assert.Equal(t, 24*time.Hour, mr.TTL("presence:AUID-1:state"))

	route, err := mr.Get("presence:hw:2af0")
	require.NoError(t, err)
	assert.Equal(t, "AUID-1", route)
	state, err := mr.Get("presence:AUID-1:state")
	require.NoError(t, err)
	assert.Equal(t, StateOnline, state)
	seen, err := mr.Get("presence:AUID-1:last_seen")
	require.NoError(t, err)
	assert.Equal(t, "1741944600000", seen)
}

func TestPingUsesRouteKeyBeforeRegistry(t *testing.T) {
	tracker, lookup, _ := newTracker(t)
	ctx := context.Background()

	_, err := tracker.Ping(ctx, map[string]interface{}{"devid": "2af0"})
	require.NoError(t, err)
	res, err := tracker.Ping(ctx, map[string]interface{}{"devid": "2af0", "status": "charging"})
	require.NoError(t, err)

	assert.Equal(t, PingRouted, res.Result)
	assert.Equal(t, 1, lookup.calls)

	p, err := tracker.Status(ctx, "AUID-1")
	require.NoError(t, err)
	assert.Equal(t, "charging", p.Label)
}

func TestPingUnregisteredLeavesNoTrace(t *testing.T) {
	tracker, _, mr := newTracker(t)

	res, err := tracker.Ping(context.Background(), map[string]interface{}{"devid": "ffff"})
	require.NoError(t, err)
	assert.Equal(t, PingUnregistered, res.Result)
	assert.Empty(t, mr.Keys())

	res, err = tracker.Ping(context.Background(), map[string]interface{}{"temp": 1})
	require.NoError(t, err)
	assert.Equal(t, PingMissingID, res.Result)
	assert.Empty(t, mr.Keys())
}

func TestPingReturnsTransientRegistryErrors(t *testing.T) {
	tracker, lookup, mr := newTracker(t)
	lookup.err = errors.New("timeout")

	_, err := tracker.Ping(context.Background(), map[string]interface{}{"devid": "2af0"})
	assert.Error(t, err)
	assert.Empty(t, mr.Keys())
}

func TestStatusDerivedFromExpiry(t *testing.T) {
	tracker, _, mr := newTracker(t)
	ctx := context.Background()

	p, err := tracker.Status(ctx, "AUID-1")
	require.NoError(t, err)
	assert.Equal(t, Unknown, p.State)

	_, err = tracker.Ping(ctx, map[string]interface{}{"devid": "2af0"})
	require.NoError(t, err)

	p, err = tracker.Status(ctx, "AUID-1")
	require.NoError(t, err)
	assert.Equal(t, Online, p.State)
	assert.Equal(t, time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC), p.LastSeen)

	mr.FastForward(3*time.Minute - time.Second)
	p, err = tracker.Status(ctx, "AUID-1")
	require.NoError(t, err)
	assert.Equal(t, Online, p.State)

	mr.FastForward(time.Second)
	p, err = tracker.Status(ctx, "AUID-1")
	require.NoError(t, err)
	assert.Equal(t, RecentlyOffline, p.State)
	assert.False(t, mr.Exists("presence:hw:2af0"))

	mr.FastForward(24 * time.Hour)
	p, err = tracker.Status(ctx, "AUID-1")
	require.NoError(t, err)
	assert.Equal(t, Unknown, p.State)
	assert.Empty(t, mr.Keys())
}

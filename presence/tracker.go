package presence

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eddielth/telemetry-hub/logger"
	"github.com/eddielth/telemetry-hub/metrics"
	"github.com/eddielth/telemetry-hub/registry"
	"github.com/eddielth/telemetry-hub/transformer"
)

const (
	DefaultOnlineTTL   = 3 * time.Minute
	DefaultLastSeenTTL = 24 * time.Hour

	// StateOnline is the label stored when a ping carries no status
	StateOnline = "online"
)

// Derived presence states
const (
	Online          = "online"
	RecentlyOffline = "recently_offline"
	Unknown         = "unknown"
)

// Ping outcomes
const (
	PingRouted       = "routed"
	PingResolved     = "resolved"
	PingUnregistered = "unregistered"
	PingMissingID    = "missing_hardware_id"
)

// PingResult describes what a ping did
type PingResult struct {
	Result    string
	LogicalID string
}

// Presence is the state of a device derived at query time
type Presence struct {
	LogicalID string    `json:"auid"`
	State     string    `json:"state"`
	Label     string    `json:"label,omitempty"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
}

// Options tunes the key lifetimes
type Options struct {
	OnlineTTL   time.Duration
	LastSeenTTL time.Duration
}

// Tracker records device liveness in short-lived Redis keys. Nothing is
// deleted explicitly; every key ends by expiry.
type Tracker struct {
	client  redis.UniversalClient
	lookup  registry.Lookup
	opts    Options
	nowFunc func() time.Time
}

func NewTracker(client redis.UniversalClient, lookup registry.Lookup, opts Options) *Tracker {
	if opts.OnlineTTL <= 0 {
		opts.OnlineTTL = DefaultOnlineTTL
	}
	if opts.LastSeenTTL <= 0 {
		opts.LastSeenTTL = DefaultLastSeenTTL
	}
	return &Tracker{client: client, lookup: lookup, opts: opts, nowFunc: time.Now}
}

func routeKey(hardwareID string) string { return "presence:hw:" + hardwareID }
func onlineKey(logicalID string) string { return "presence:" + logicalID + ":online" }
func lastSeenKey(logicalID string) string {
	return "presence:" + logicalID + ":last_seen"
}
func stateKey(logicalID string) string { return "presence:" + logicalID + ":state" }

// Ping marks the device in body as seen. The hardware id is routed through
// a cached key; the registry is consulted only when that key is absent.
// Unregistered devices are discarded without writing anything.
func (t *Tracker) Ping(ctx context.Context, body map[string]interface{}) (PingResult, error) {
	hardwareID := transformer.HardwareID(body)
	if hardwareID == "" {
		metrics.IncPing(PingMissingID)
		return PingResult{Result: PingMissingID}, nil
	}

	result := PingRouted
	logicalID, err := t.client.Get(ctx, routeKey(hardwareID)).Result()
	switch {
	case errors.Is(err, redis.Nil) || (err == nil && logicalID == ""):
		identity, err := t.lookup.FindByHardwareID(ctx, hardwareID)
		if errors.Is(err, registry.ErrNotFound) {
			logger.Warn("presence ping from unregistered hardware %s", hardwareID)
			metrics.IncPing(PingUnregistered)
			return PingResult{Result: PingUnregistered}, nil
		}
		if err != nil {
			return PingResult{}, fmt.Errorf("presence lookup %s: %w", hardwareID, err)
		}
		logicalID = identity.LogicalID
		result = PingResolved
	case err != nil:
		return PingResult{}, fmt.Errorf("presence route %s: %w", hardwareID, err)
	}

	label := StateOnline
	if s, ok := body["status"].(string); ok && strings.TrimSpace(s) != "" {
		label = strings.TrimSpace(s)
	}
	now := t.nowFunc()

	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, routeKey(hardwareID), logicalID, t.opts.OnlineTTL)
		pipe.Set(ctx, onlineKey(logicalID), 1, t.opts.OnlineTTL)
		pipe.Set(ctx, lastSeenKey(logicalID), now.UnixMilli(), t.opts.LastSeenTTL)
		pipe.Set(ctx, stateKey(logicalID), label, t.opts.LastSeenTTL)
		return nil
	})
	if err != nil {
		return PingResult{}, fmt.Errorf("presence refresh %s: %w", logicalID, err)
	}

	metrics.IncPing(result)
	return PingResult{Result: result, LogicalID: logicalID}, nil
}

// Status derives the presence of a device from which keys are still alive
func (t *Tracker) Status(ctx context.Context, logicalID string) (Presence, error) {
	var online, lastSeen, label *redis.StringCmd
	_, err := t.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		online = pipe.Get(ctx, onlineKey(logicalID))
		lastSeen = pipe.Get(ctx, lastSeenKey(logicalID))
		label = pipe.Get(ctx, stateKey(logicalID))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Presence{}, fmt.Errorf("presence status %s: %w", logicalID, err)
	}

	p := Presence{LogicalID: logicalID, State: Unknown}
	if ms, err := strconv.ParseInt(lastSeen.Val(), 10, 64); err == nil {
		p.LastSeen = time.UnixMilli(ms).UTC()
		p.State = RecentlyOffline
	}
	if online.Err() == nil {
		p.State = Online
	}
	p.Label = label.Val()
	return p, nil
}

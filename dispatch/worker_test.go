package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddielth/telemetry-hub/alerting"
	"github.com/eddielth/telemetry-hub/cache"
	"github.com/eddielth/telemetry-hub/presence"
	"github.com/eddielth/telemetry-hub/queue"
	"github.com/eddielth/telemetry-hub/registry"
	"github.com/eddielth/telemetry-hub/transformer"
)

var arrival = time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)

type mapLookup struct {
	devices map[string]registry.Identity
	err     error
}

func (m mapLookup) FindByHardwareID(_ context.Context, hardwareID string) (registry.Identity, error) {
	if m.err != nil {
		return registry.Identity{}, m.err
	}
	identity, ok := m.devices[hardwareID]
	if !ok {
		return registry.Identity{}, registry.ErrNotFound
	}
	return identity, nil
}

type ruleList []alerting.Rule

func (r ruleList) ListByDevice(_ context.Context, logicalID string) ([]alerting.Rule, error) {
	var out []alerting.Rule
	for _, rule := range r {
		if rule.LogicalID == logicalID {
			out = append(out, rule)
		}
	}
	return out, nil
}

type recorder struct {
	mu      sync.Mutex
	records []transformer.Record
}

func (r *recorder) target(name string) Target {
	return Target{Name: name, Handle: func(_ context.Context, _ registry.Identity, record transformer.Record) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.records = append(r.records, record)
		return nil
	}}
}

func climateDevice() mapLookup {
	return mapLookup{devices: map[string]registry.Identity{
		"2af0": {HardwareID: "2af0", LogicalID: "AUID-1", Family: transformer.FamilyClimate},
	}}
}

func climateJob() queue.Job {
	return queue.Job{
		Topic: queue.TopicTelemetry,
		Body: map[string]interface{}{
			"devid":    "2af0",
			"temp":     "24.5",
			"humidity": "61",
			"pm2_5":    "12",
		},
		When: arrival.UnixMilli(),
	}
}

func TestProcessClimateExample(t *testing.T) {
	rec := &recorder{}
	w := NewWorker(transformer.NewClassifier([]string{"2af0"}), climateDevice(), nil, rec.target("capture"))

	outcome, err := w.Process(context.Background(), climateJob())
	require.NoError(t, err)
	require.False(t, outcome.Discarded())
	require.NotNil(t, outcome.Record)

	record := *outcome.Record
	assert.Equal(t, "AUID-1", record.LogicalID)
	assert.Equal(t, "2af0", record.HardwareID)
	assert.Equal(t, transformer.FamilyClimate, record.Family)
	assert.Equal(t, arrival, record.Timestamp)

	values := record.Values()
	assert.Equal(t, 24.5, values["temperature"])
	assert.Equal(t, 61.0, values["humidity"])
	assert.Equal(t, 12.0, values["pm2_5"])
	assert.Equal(t, 50.0, values["aqi"])

	require.Len(t, rec.records, 1)
	assert.Equal(t, "AUID-1", rec.records[0].LogicalID)
}

func TestProcessDiscards(t *testing.T) {
	w := NewWorker(transformer.NewClassifier([]string{"2af0"}), climateDevice(), nil)

	cases := []struct {
		name string
		body map[string]interface{}
		want DiscardReason
	}{
		{"empty", nil, DiscardEmptyBody},
		{"no hardware id", map[string]interface{}{"temp": 20}, DiscardMissingHardwareID},
		{"unknown family", map[string]interface{}{"devid": "ffff", "temp": 20}, DiscardUnknownFamily},
		{"unregistered", map[string]interface{}{"devid": "beef", "model": "gas", "co2": 400}, DiscardUnregistered},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			outcome, err := w.Process(context.Background(), queue.Job{Topic: queue.TopicTelemetry, Body: tc.body})
			require.NoError(t, err)
			assert.True(t, outcome.Discarded())
			assert.Equal(t, tc.want, outcome.Discard)
			assert.Nil(t, outcome.Record)
			assert.NoError(t, w.Handle(context.Background(), queue.Job{Topic: queue.TopicTelemetry, Body: tc.body}))
		})
	}
}

func TestProcessReturnsTransientRegistryErrors(t *testing.T) {
	boom := errors.New("connection refused")
	rec := &recorder{}
	w := NewWorker(transformer.NewClassifier([]string{"2af0"}), mapLookup{err: boom}, nil, rec.target("capture"))

	_, err := w.Process(context.Background(), climateJob())
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, w.Handle(context.Background(), climateJob()), boom)
	assert.Empty(t, rec.records)
}

func TestProcessAppliesSupportedFields(t *testing.T) {
	lookup := mapLookup{devices: map[string]registry.Identity{
		"2af0": {
			HardwareID:      "2af0",
			LogicalID:       "AUID-1",
			SupportedFields: registry.FieldSet([]string{"temperature"}),
		},
	}}
	w := NewWorker(transformer.NewClassifier([]string{"2af0"}), lookup, nil)

	outcome, err := w.Process(context.Background(), climateJob())
	require.NoError(t, err)
	values := outcome.Record.Values()
	assert.Contains(t, values, "temperature")
	assert.Contains(t, values, "battery")
	assert.NotContains(t, values, "pm2_5")
}

func TestProcessKeepsDerivedFieldsOfSupportedSources(t *testing.T) {
	lookup := mapLookup{devices: map[string]registry.Identity{
		"2af0": {
			HardwareID:      "2af0",
			LogicalID:       "AUID-1",
			SupportedFields: registry.FieldSet([]string{"temperature", "humidity", "pm2_5"}),
		},
	}}
	w := NewWorker(transformer.NewClassifier([]string{"2af0"}), lookup, nil)

	outcome, err := w.Process(context.Background(), climateJob())
	require.NoError(t, err)
	aqi, ok := outcome.Record.Value("aqi")
	require.True(t, ok)
	assert.Equal(t, 50.0, aqi)

	data, err := json.Marshal(outcome.Record)
	require.NoError(t, err)
	var flat map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &flat))
	assert.Equal(t, 50.0, flat["aqi"])
	assert.Equal(t, 12.0, flat["pm2_5"])
	assert.NotContains(t, flat, "pressure")
}

func TestProcessTrustsMessageFamily(t *testing.T) {
	lookup := mapLookup{devices: map[string]registry.Identity{
		"aq-7": {HardwareID: "aq-7", LogicalID: "AUID-7", Family: transformer.FamilyClimate},
	}}
	w := NewWorker(nil, lookup, nil)

	outcome, err := w.Process(context.Background(), queue.Job{Body: map[string]interface{}{
		"devid": "aq-7", "model": "aquatic", "ph": 7.1,
	}})
	require.NoError(t, err)
	assert.Equal(t, transformer.FamilyAquatic, outcome.Record.Family)
}

func TestHandleFailsJobInterruptedDuringTargets(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	interrupting := Target{Name: "interrupting", Handle: func(context.Context, registry.Identity, transformer.Record) error {
		cancel()
		return nil
	}}
	w := NewWorker(transformer.NewClassifier([]string{"2af0"}), climateDevice(), nil, interrupting, rec.target("capture"))

	err := w.Handle(ctx, climateJob())
	assert.ErrorIs(t, err, context.Canceled)
	assert.NoError(t, w.Handle(context.Background(), climateJob()))
}

func TestTargetFailuresAreIsolated(t *testing.T) {
	rec := &recorder{}
	failing := Target{Name: "failing", Handle: func(context.Context, registry.Identity, transformer.Record) error {
		return errors.New("down")
	}}
	panicking := Target{Name: "panicking", Handle: func(context.Context, registry.Identity, transformer.Record) error {
		panic("nil map")
	}}
	w := NewWorker(transformer.NewClassifier([]string{"2af0"}), climateDevice(), nil, failing, panicking, rec.target("capture"))

	outcome, err := w.Process(context.Background(), climateJob())
	require.NoError(t, err)
	assert.False(t, outcome.Discarded())
	assert.Len(t, rec.records, 1)
}

func TestPipelineCachesAndAlerts(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	threshold := 20.0
	rules := ruleList{{
		ID:              "hot",
		LogicalID:       "AUID-1",
		Datapoint:       "temperature",
		Operator:        alerting.OperatorGreater,
		Min:             &threshold,
		CooldownMinutes: 10,
		Enabled:         true,
	}}

	var (
		mu    sync.Mutex
		fired []alerting.Notification
	)
	notifier := alerting.NotifierFunc(func(_ context.Context, n alerting.Notification) error {
		mu.Lock()
		defer mu.Unlock()
		fired = append(fired, n)
		return nil
	})

	lookup := mapLookup{devices: map[string]registry.Identity{
		"2af0": {
			HardwareID: "2af0",
			LogicalID:  "AUID-1",
			Family:     transformer.FamilyClimate,
			Snapshot:   map[string]interface{}{"site": "greenhouse"},
		},
	}}
	c := cache.New(client, cache.Options{})
	w := NewWorker(transformer.NewClassifier([]string{"2af0"}), lookup, nil,
		CacheTarget(c),
		AlertTarget(alerting.NewEvaluator(rules, alerting.NewRedisCooldown(client), notifier)),
	)

	ctx := context.Background()
	require.NoError(t, w.Handle(ctx, climateJob()))
	require.NoError(t, w.Handle(ctx, climateJob()))

	meta, err := c.Metadata(ctx, "AUID-1")
	require.NoError(t, err)
	assert.Equal(t, "greenhouse", meta["site"])
	assert.Equal(t, "2af0", meta["hardware_id"])

	readings, err := c.Readings(ctx, "AUID-1")
	require.NoError(t, err)
	require.Len(t, readings, 1)
	assert.Equal(t, arrival.UnixMilli(), readings[0].Timestamp)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, fired, 1)
	assert.Equal(t, "hot", fired[0].Rule.ID)
	assert.Equal(t, 24.5, fired[0].Value)
}

type fakePinger struct {
	result presence.PingResult
	err    error
	bodies []map[string]interface{}
}

func (f *fakePinger) Ping(_ context.Context, body map[string]interface{}) (presence.PingResult, error) {
	f.bodies = append(f.bodies, body)
	return f.result, f.err
}

func TestStatusWorker(t *testing.T) {
	pinger := &fakePinger{result: presence.PingResult{Result: presence.PingRouted, LogicalID: "AUID-1"}}
	s := NewStatusWorker(pinger)

	body := map[string]interface{}{"devid": "2af0", "status": "charging"}
	require.NoError(t, s.Handle(context.Background(), queue.Job{Topic: queue.TopicStatus, Body: body}))
	require.Len(t, pinger.bodies, 1)
	assert.Equal(t, body, pinger.bodies[0])

	pinger.result = presence.PingResult{Result: presence.PingUnregistered}
	assert.NoError(t, s.Handle(context.Background(), queue.Job{Topic: queue.TopicStatus, Body: body}))

	pinger.err = errors.New("redis down")
	assert.Error(t, s.Handle(context.Background(), queue.Job{Topic: queue.TopicStatus, Body: body}))
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eddielth/telemetry-hub/transformer"
)

const (
	keyPrefix     = "telemetry:"
	metadataField = "metadata"

	DefaultTTL = 24 * time.Hour
)

// ErrNoReadings is returned when a device has nothing cached
var ErrNoReadings = errors.New("no cached readings")

// Entry is one cached reading
type Entry struct {
	Timestamp int64           `json:"-"`
	Unflushed bool            `json:"unflushed"`
	Record    json.RawMessage `json:"record"`
}

// Options tunes the cache
type Options struct {
	// TTL is the sliding lifetime of a device hash, reset by every write
	TTL time.Duration
	// MaxReadings caps the readings kept per device; 0 keeps all
	MaxReadings int
}

// Cache keeps the recent readings of each device in one Redis hash: a
// metadata field plus one field per reading keyed by epoch milliseconds.
type Cache struct {
	client redis.UniversalClient
	opts   Options
}

func New(client redis.UniversalClient, opts Options) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	return &Cache{client: client, opts: opts}
}

func key(logicalID string) string {
	return keyPrefix + logicalID
}

// Put stores record and refreshes the device metadata in one transaction.
// A second record with the same resolved timestamp overwrites the first.
func (c *Cache) Put(ctx context.Context, logicalID string, record transformer.Record, snapshot map[string]interface{}) error {
	if logicalID == "" {
		return errors.New("cache put: empty logical id")
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("cache put: marshal record: %w", err)
	}
	entry, err := json.Marshal(Entry{Unflushed: true, Record: raw})
	if err != nil {
		return fmt.Errorf("cache put: marshal entry: %w", err)
	}
	meta, err := json.Marshal(metadata(record, snapshot))
	if err != nil {
		return fmt.Errorf("cache put: marshal metadata: %w", err)
	}

	k := key(logicalID)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k, metadataField, meta, record.TimestampKey(), entry)
		pipe.Expire(ctx, k, c.opts.TTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache put %s: %w", logicalID, err)
	}

	if c.opts.MaxReadings > 0 {
		if err := c.trim(ctx, k); err != nil {
			return fmt.Errorf("cache trim %s: %w", logicalID, err)
		}
	}
	return nil
}

func metadata(record transformer.Record, snapshot map[string]interface{}) map[string]interface{} {
	meta := make(map[string]interface{}, len(snapshot)+4)
	for k, v := range snapshot {
		meta[k] = v
	}
	meta["auid"] = record.LogicalID
	meta["hardware_id"] = record.HardwareID
	meta["family"] = string(record.Family)
	meta["last_timestamp"] = record.Timestamp.UnixMilli()
	return meta
}

// trim drops the oldest readings beyond MaxReadings
func (c *Cache) trim(ctx context.Context, k string) error {
	n, err := c.client.HLen(ctx, k).Result()
	if err != nil {
		return err
	}
	if int(n)-1 <= c.opts.MaxReadings {
		return nil
	}
	fields, err := c.client.HKeys(ctx, k).Result()
	if err != nil {
		return err
	}
	stamps := readingStamps(fields)
	excess := len(stamps) - c.opts.MaxReadings
	if excess <= 0 {
		return nil
	}
	drop := make([]string, 0, excess)
	for _, ts := range stamps[:excess] {
		drop = append(drop, strconv.FormatInt(ts, 10))
	}
	return c.client.HDel(ctx, k, drop...).Err()
}

// readingStamps returns the reading fields as sorted timestamps
func readingStamps(fields []string) []int64 {
	stamps := make([]int64, 0, len(fields))
	for _, f := range fields {
		if f == metadataField {
			continue
		}
		ts, err := strconv.ParseInt(f, 10, 64)
		if err != nil {
			continue
		}
		stamps = append(stamps, ts)
	}
	sort.Slice(stamps, func(i, j int) bool { return stamps[i] < stamps[j] })
	return stamps
}

// Metadata returns the device metadata, or ErrNoReadings
func (c *Cache) Metadata(ctx context.Context, logicalID string) (map[string]interface{}, error) {
	raw, err := c.client.HGet(ctx, key(logicalID), metadataField).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoReadings
	}
	if err != nil {
		return nil, fmt.Errorf("cache metadata %s: %w", logicalID, err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("cache metadata %s: %w", logicalID, err)
	}
	return meta, nil
}

// Readings returns every cached reading in ascending time order
func (c *Cache) Readings(ctx context.Context, logicalID string) ([]Entry, error) {
	all, err := c.client.HGetAll(ctx, key(logicalID)).Result()
	if err != nil {
		return nil, fmt.Errorf("cache readings %s: %w", logicalID, err)
	}
	fields := make([]string, 0, len(all))
	for f := range all {
		fields = append(fields, f)
	}
	entries := make([]Entry, 0, len(all))
	for _, ts := range readingStamps(fields) {
		var e Entry
		if err := json.Unmarshal([]byte(all[strconv.FormatInt(ts, 10)]), &e); err != nil {
			continue
		}
		e.Timestamp = ts
		entries = append(entries, e)
	}
	return entries, nil
}

// Latest returns the newest cached reading, or ErrNoReadings
func (c *Cache) Latest(ctx context.Context, logicalID string) (Entry, error) {
	entries, err := c.Readings(ctx, logicalID)
	if err != nil {
		return Entry{}, err
	}
	if len(entries) == 0 {
		return Entry{}, ErrNoReadings
	}
	return entries[len(entries)-1], nil
}

// Unflushed returns the readings not yet marked flushed, oldest first
func (c *Cache) Unflushed(ctx context.Context, logicalID string) ([]Entry, error) {
	entries, err := c.Readings(ctx, logicalID)
	if err != nil {
		return nil, err
	}
	pending := entries[:0]
	for _, e := range entries {
		if e.Unflushed {
			pending = append(pending, e)
		}
	}
	return pending, nil
}

// MarkFlushed clears the unflushed flag of the given readings. Readings that
// expired or were trimmed meanwhile are skipped. The hash TTL is untouched.
func (c *Cache) MarkFlushed(ctx context.Context, logicalID string, timestamps ...int64) error {
	if len(timestamps) == 0 {
		return nil
	}
	k := key(logicalID)
	fields := make([]string, len(timestamps))
	for i, ts := range timestamps {
		fields[i] = strconv.FormatInt(ts, 10)
	}
	raws, err := c.client.HMGet(ctx, k, fields...).Result()
	if err != nil {
		return fmt.Errorf("cache mark flushed %s: %w", logicalID, err)
	}

	values := make([]interface{}, 0, len(fields)*2)
	for i, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(s), &e); err != nil {
			continue
		}
		e.Unflushed = false
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		values = append(values, fields[i], data)
	}
	if len(values) == 0 {
		return nil
	}
	if err := c.client.HSet(ctx, k, values...).Err(); err != nil {
		return fmt.Errorf("cache mark flushed %s: %w", logicalID, err)
	}
	return nil
}

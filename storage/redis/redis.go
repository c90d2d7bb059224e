// Package redis implements the rolling-weekly discovery window store. The
// window is a single hash per user; the ceiling check and the increment run
// inside one Lua script so concurrent discovery cycles cannot jointly
// overshoot the limit.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seekwell/entitlements/pkg/entitlements"
)

const (
	defaultKeyPrefix = "entitlements:"

	// windowTTL keeps a window readable for a full week after it closes so
	// stats queries just after rollover still see the anchor.
	windowTTL = 15 * 24 * time.Hour
)

// Config holds Redis connection configuration.
type Config struct {
	Addr     string
	Password string
	DB       int

	// KeyPrefix namespaces all keys (default "entitlements:").
	KeyPrefix string

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults for the given address.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:         addr,
		KeyPrefix:    defaultKeyPrefix,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// recordScript atomically increments the window counter if and only if the
// result stays within the limit. A stored window with a different start is
// superseded: the counter restarts from zero under the new window.
//
// KEYS[1] = window hash key
// ARGV[1] = week start (RFC3339)
// ARGV[2] = week end (RFC3339)
// ARGV[3] = amount
// ARGV[4] = limit (-1 = unlimited)
// ARGV[5] = updated at (RFC3339)
// ARGV[6] = ttl seconds
//
// Returns {1, newCount} on success, {0, currentCount} on denial.
var recordScript = redis.NewScript(`
local key = KEYS[1]
local weekStart = ARGV[1]
local amount = tonumber(ARGV[3])
local limit = tonumber(ARGV[4])

local count = 0
if redis.call('HGET', key, 'week_start') == weekStart then
	count = tonumber(redis.call('HGET', key, 'jobs_found') or '0')
end

local next = count + amount
if limit >= 0 and next > limit then
	return {0, count}
end

redis.call('HSET', key,
	'week_start', weekStart,
	'week_end', ARGV[2],
	'jobs_found', next,
	'updated_at', ARGV[5])
redis.call('EXPIRE', key, tonumber(ARGV[6]))
return {1, next}
`)

// Store implements entitlements.WeeklyStore.
type Store struct {
	client *redis.Client
	prefix string
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, config Config) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	prefix := config.KeyPrefix
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &Store{client: client, prefix: prefix}, nil
}

// NewWithClient wraps an existing client, for tests.
func NewWithClient(client *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Store{client: client, prefix: keyPrefix}
}

// Close releases the connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping verifies connectivity, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// GetLatestWindow implements entitlements.WeeklyStore.
func (s *Store) GetLatestWindow(ctx context.Context, userID string) (*entitlements.WeeklyWindow, error) {
	fields, err := s.client.HGetAll(ctx, s.windowKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("weekly window read: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return parseWindow(userID, fields)
}

// RecordJobFound implements entitlements.WeeklyStore.
func (s *Store) RecordJobFound(ctx context.Context, req *entitlements.DiscoveryRequest) (*entitlements.WeeklyWindow, error) {
	res, err := recordScript.Run(ctx, s.client,
		[]string{s.windowKey(req.UserID)},
		req.WeekStart.UTC().Format(time.RFC3339),
		req.WeekEnd.UTC().Format(time.RFC3339),
		req.Amount,
		req.Limit,
		time.Now().UTC().Format(time.RFC3339),
		int(windowTTL.Seconds()),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("weekly window increment: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return nil, errors.New("weekly window increment: unexpected script result")
	}
	allowed, _ := vals[0].(int64)
	count, _ := vals[1].(int64)

	win := &entitlements.WeeklyWindow{
		UserID:    req.UserID,
		WeekStart: req.WeekStart.UTC(),
		WeekEnd:   req.WeekEnd.UTC(),
		JobsFound: int(count),
		UpdatedAt: time.Now().UTC(),
	}
	if allowed == 0 {
		return win, entitlements.ErrQuotaExceeded
	}
	return win, nil
}

func (s *Store) windowKey(userID string) string {
	return s.prefix + "weekly:" + userID
}

func parseWindow(userID string, fields map[string]string) (*entitlements.WeeklyWindow, error) {
	start, err := time.Parse(time.RFC3339, fields["week_start"])
	if err != nil {
		return nil, fmt.Errorf("weekly window read: bad week_start: %w", err)
	}
	end, err := time.Parse(time.RFC3339, fields["week_end"])
	if err != nil {
		return nil, fmt.Errorf("weekly window read: bad week_end: %w", err)
	}
	count, err := strconv.Atoi(fields["jobs_found"])
	if err != nil {
		return nil, fmt.Errorf("weekly window read: bad jobs_found: %w", err)
	}

	win := &entitlements.WeeklyWindow{
		UserID:    userID,
		WeekStart: start.UTC(),
		WeekEnd:   end.UTC(),
		JobsFound: count,
	}
	if updated, err := time.Parse(time.RFC3339, fields["updated_at"]); err == nil {
		win.UpdatedAt = updated.UTC()
	}
	return win, nil
}

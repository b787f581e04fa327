// Package cache keeps the most recent GPS samples of every drone in Redis.
//
// Each sample is stored under gps:{drone}:{uuid} with a TTL, and indexed in
// the sorted set gps_index:{drone} scored by store time. The index carries
// the same TTL so a drone that goes quiet disappears from the cache.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"drone-relay-server/telemetry"
)

const (
	sampleKeyPrefix = "gps:"
	indexKeyPrefix  = "gps_index:"
	scanBatch       = 100
	breakerName     = "redis-gps"

	// createdAtLayout is fixed width so created_at strings sort by time.
	createdAtLayout = "2006-01-02T15:04:05.000000000Z07:00"
)

func sampleKey(droneID, id string) string {
	return sampleKeyPrefix + droneID + ":" + id
}

func indexKey(droneID string) string {
	return indexKeyPrefix + droneID
}

// Options configure New.
type Options struct {
	Addr     string
	Username string
	Password string
	DB       int
	TTL      time.Duration
	Logger   zerolog.Logger
}

// GPSCache is the Redis-backed sample cache. Every Redis round trip runs
// through a circuit breaker so a dead Redis fails fast instead of stalling
// drone workers.
type GPSCache struct {
	rdb *redis.Client
	ttl time.Duration
	cb  *gobreaker.CircuitBreaker[any]
	log zerolog.Logger
	now func() time.Time
}

// New connects to Redis and verifies the connection with PING.
func New(ctx context.Context, opts Options) (*GPSCache, error) {
	if opts.Addr == "" {
		return nil, ErrMissingAddr
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Username: opts.Username,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}

	c, err := NewWithClient(rdb, opts.TTL, opts.Logger)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return c, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb *redis.Client, ttl time.Duration, logger zerolog.Logger) (*GPSCache, error) {
	if rdb == nil {
		return nil, ErrNilClient
	}
	if ttl <= 0 {
		return nil, ErrInvalidTTL
	}
	c := &GPSCache{
		rdb: rdb,
		ttl: ttl,
		log: logger,
		now: time.Now,
	}
	c.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, redis.Nil)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	return c, nil
}

// execute runs fn behind the breaker and maps breaker rejections to
// ErrUnavailable.
func (c *GPSCache) execute(fn func() error) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return err
}

// SaveSample stores s and returns it with its assigned id and created_at.
func (c *GPSCache) SaveSample(ctx context.Context, s telemetry.Sample) (telemetry.Sample, error) {
	if err := s.Validate(); err != nil {
		return telemetry.Sample{}, err
	}

	now := c.now().UTC()
	s.ID = uuid.NewString()
	s.CreatedAt = now.Format(createdAtLayout)

	data, err := json.Marshal(s)
	if err != nil {
		return telemetry.Sample{}, fmt.Errorf("marshal sample: %w", err)
	}

	key := sampleKey(s.DroneID, s.ID)
	idx := indexKey(s.DroneID)
	cutoff := now.Add(-c.ttl).UnixNano()

	err = c.execute(func() error {
		pipe := c.rdb.TxPipeline()
		pipe.Set(ctx, key, data, c.ttl)
		pipe.ZAdd(ctx, idx, redis.Z{Score: float64(now.UnixNano()), Member: key})
		pipe.ZRemRangeByScore(ctx, idx, "-inf", strconv.FormatInt(cutoff, 10))
		pipe.Expire(ctx, idx, c.ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return telemetry.Sample{}, fmt.Errorf("save sample for %s: %w", s.DroneID, err)
	}

	c.log.Debug().
		Str("drone_id", s.DroneID).
		Str("sample_id", s.ID).
		Dur("ttl", c.ttl).
		Msg("gps sample cached")
	return s, nil
}

// GetLatest returns the newest live sample for droneID. The boolean is false
// when nothing is cached.
func (c *GPSCache) GetLatest(ctx context.Context, droneID string) (telemetry.Sample, bool, error) {
	var (
		s  telemetry.Sample
		ok bool
	)
	err := c.execute(func() error {
		var err error
		s, ok, err = c.latestFromIndex(ctx, indexKey(droneID))
		return err
	})
	if err != nil {
		return telemetry.Sample{}, false, fmt.Errorf("latest sample for %s: %w", droneID, err)
	}
	return s, ok, nil
}

// GetAllLatest returns the newest sample of every cached drone, most
// recently stored first.
func (c *GPSCache) GetAllLatest(ctx context.Context) ([]telemetry.Sample, error) {
	samples := make([]telemetry.Sample, 0)
	err := c.execute(func() error {
		var cursor uint64
		for {
			keys, next, err := c.rdb.Scan(ctx, cursor, indexKeyPrefix+"*", scanBatch).Result()
			if err != nil {
				return err
			}
			for _, idx := range keys {
				s, ok, err := c.latestFromIndex(ctx, idx)
				if err != nil {
					c.log.Warn().Err(err).Str("index", idx).Msg("skipping unreadable gps index")
					continue
				}
				if ok {
					samples = append(samples, s)
				}
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scan gps indexes: %w", err)
	}

	sort.SliceStable(samples, func(i, j int) bool {
		return samples[i].CreatedAt > samples[j].CreatedAt
	})
	return samples, nil
}

// Ping checks the Redis connection.
func (c *GPSCache) Ping(ctx context.Context) error {
	return c.execute(func() error {
		return c.rdb.Ping(ctx).Err()
	})
}

// Close closes the Redis client.
func (c *GPSCache) Close() error {
	return c.rdb.Close()
}

func (c *GPSCache) latestFromIndex(ctx context.Context, idx string) (telemetry.Sample, bool, error) {
	members, err := c.rdb.ZRevRange(ctx, idx, 0, 0).Result()
	if err != nil {
		return telemetry.Sample{}, false, err
	}
	if len(members) == 0 {
		return telemetry.Sample{}, false, nil
	}

	raw, err := c.rdb.Get(ctx, members[0]).Bytes()
	if errors.Is(err, redis.Nil) {
		return telemetry.Sample{}, false, nil
	}
	if err != nil {
		return telemetry.Sample{}, false, err
	}

	var s telemetry.Sample
	if err := json.Unmarshal(raw, &s); err != nil {
		return telemetry.Sample{}, false, fmt.Errorf("decode %s: %w", members[0], err)
	}
	return s, true, nil
}

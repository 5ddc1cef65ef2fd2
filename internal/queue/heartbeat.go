package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/linsight/config"
)

// reapScript deletes a slot only while it still names the dead worker.
var reapScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
  return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`)

// RedisSlots is the cross-node slot registry plus this worker's liveness heartbeat.
// Slots live in one hash (version id -> worker id); each worker refreshes its own
// timestamp key every heartbeat interval.
type RedisSlots struct {
	client     *redis.Client
	workerID   string
	prefix     string
	interval   time.Duration
	reapFactor int
	onReap     func(ctx context.Context, versionID, workerID string)
	logger     *log.Logger
	now        func() time.Time
}

// HeartbeatOption customises RedisSlots.
type HeartbeatOption func(*RedisSlots)

// WithReapHandler is called for every slot released on behalf of a dead worker.
func WithReapHandler(fn func(ctx context.Context, versionID, workerID string)) HeartbeatOption {
	return func(r *RedisSlots) { r.onReap = fn }
}

// WithLogger overrides the default [QUEUE] logger.
func WithLogger(l *log.Logger) HeartbeatOption {
	return func(r *RedisSlots) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRedisSlots builds the registry for workerID.
func NewRedisSlots(client *redis.Client, workerID, prefix string, cfg config.QueueConfig, opts ...HeartbeatOption) *RedisSlots {
	if prefix == "" {
		prefix = "linsight"
	}
	r := &RedisSlots{
		client:     client,
		workerID:   workerID,
		prefix:     prefix,
		interval:   cfg.HeartbeatInterval,
		reapFactor: cfg.ReapFactor,
		logger:     log.New(os.Stdout, "[QUEUE] ", log.LstdFlags),
		now:        time.Now,
	}
	if r.interval <= 0 {
		r.interval = config.DefaultHeartbeat
	}
	if r.reapFactor <= 0 {
		r.reapFactor = 3
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisSlots) slotsKey() string { return r.prefix + ":slots" }

func (r *RedisSlots) beatKey(workerID string) string {
	return fmt.Sprintf("%s:worker:%s:hb", r.prefix, workerID)
}

func (r *RedisSlots) staleAfter() time.Duration {
	return time.Duration(r.reapFactor) * r.interval
}

// Claim records that this worker holds versionID's slot.
func (r *RedisSlots) Claim(ctx context.Context, versionID string) error {
	if err := r.client.HSet(ctx, r.slotsKey(), versionID, r.workerID).Err(); err != nil {
		return fmt.Errorf("hset slot: %w", err)
	}
	return nil
}

// Release forgets versionID's slot if this worker still holds it.
func (r *RedisSlots) Release(ctx context.Context, versionID string) error {
	if err := reapScript.Run(ctx, r.client, []string{r.slotsKey()}, versionID, r.workerID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot: %w", err)
	}
	return nil
}

// Beat publishes this worker's liveness timestamp.
func (r *RedisSlots) Beat(ctx context.Context) error {
	ts := strconv.FormatInt(r.now().UnixMilli(), 10)
	// The key outlives a few missed beats so peers can still read a stale timestamp.
	if err := r.client.Set(ctx, r.beatKey(r.workerID), ts, 2*r.staleAfter()).Err(); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// Reap releases slots held by workers whose heartbeat is older than reap_factor intervals
// and returns the version ids it freed.
func (r *RedisSlots) Reap(ctx context.Context) ([]string, error) {
	slots, err := r.client.HGetAll(ctx, r.slotsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall slots: %w", err)
	}
	alive := map[string]bool{r.workerID: true}
	dead := map[string]bool{}
	var reaped []string
	for versionID, owner := range slots {
		if alive[owner] {
			continue
		}
		if !dead[owner] {
			stale, err := r.stale(ctx, owner)
			if err != nil {
				return reaped, err
			}
			if !stale {
				alive[owner] = true
				continue
			}
			dead[owner] = true
		}
		n, err := reapScript.Run(ctx, r.client, []string{r.slotsKey()}, versionID, owner).Int()
		if err != nil {
			return reaped, fmt.Errorf("reap %s: %w", versionID, err)
		}
		if n == 0 {
			continue
		}
		reaped = append(reaped, versionID)
		recordReaped(ctx)
		r.logger.Printf("version=%s slot reaped from dead worker %s", versionID, owner)
		if r.onReap != nil {
			r.onReap(ctx, versionID, owner)
		}
	}
	return reaped, nil
}

func (r *RedisSlots) stale(ctx context.Context, workerID string) (bool, error) {
	raw, err := r.client.Get(ctx, r.beatKey(workerID)).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read heartbeat of %s: %w", workerID, err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return true, nil
	}
	return r.now().Sub(time.UnixMilli(ms)) > r.staleAfter(), nil
}

// Run beats and reaps every interval until ctx ends.
func (r *RedisSlots) Run(ctx context.Context) {
	r.logger.Printf("heartbeat for worker %s every %s, reaping after %s", r.workerID, r.interval, r.staleAfter())
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		if err := r.Beat(ctx); err != nil {
			r.logger.Printf("warn: %v", err)
		}
		if _, err := r.Reap(ctx); err != nil {
			r.logger.Printf("warn: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

package eventbus

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/linsight/internal/queue/streams"
)

// appendScript assigns the next seq and writes the entry with stream id 0-<seq>, so stream
// order and seq order are the same thing. Closing sets the read-only marker and starts the
// retention clock on all keys of the version.
var appendScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return redis.error_reply('CLOSED')
end
local seq = redis.call('INCR', KEYS[1])
redis.call('XADD', KEYS[2], '0-' .. seq, 'event_type', ARGV[1], 'data', ARGV[2], 'ts', ARGV[3])
if ARGV[4] == '1' then
  local ttl = tonumber(ARGV[5])
  redis.call('SET', KEYS[3], seq)
  if ttl > 0 then
    redis.call('PEXPIRE', KEYS[1], ttl)
    redis.call('PEXPIRE', KEYS[2], ttl)
    redis.call('PEXPIRE', KEYS[3], ttl)
  end
end
return seq
`)

// RedisBus stores each version as a Redis stream partitioned by version id.
type RedisBus struct {
	client    *redis.Client
	registry  *streams.SchemaRegistry
	prefix    string
	retention time.Duration
	block     time.Duration
}

// RedisOption configures a RedisBus.
type RedisOption func(*RedisBus)

// WithKeyPrefix overrides the "linsight" key prefix.
func WithKeyPrefix(prefix string) RedisOption {
	return func(b *RedisBus) {
		if prefix != "" {
			b.prefix = prefix
		}
	}
}

// WithRetention sets how long a closed stream stays readable.
func WithRetention(d time.Duration) RedisOption {
	return func(b *RedisBus) { b.retention = d }
}

// WithSubscribeBlock bounds each blocking read; a cancelled subscriber is released within it.
func WithSubscribeBlock(d time.Duration) RedisOption {
	return func(b *RedisBus) {
		if d > 0 {
			b.block = d
		}
	}
}

// WithSchemaRegistry validates payloads before they are appended.
func WithSchemaRegistry(reg *streams.SchemaRegistry) RedisOption {
	return func(b *RedisBus) { b.registry = reg }
}

// NewRedisBus creates a Redis-backed bus.
func NewRedisBus(client *redis.Client, opts ...RedisOption) *RedisBus {
	b := &RedisBus{
		client:    client,
		prefix:    "linsight",
		retention: 24 * time.Hour,
		block:     5 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Keys share a hash tag so the script stays single-slot on Redis Cluster.
func (b *RedisBus) seqKey(versionID string) string {
	return fmt.Sprintf("%s:{%s}:seq", b.prefix, versionID)
}

func (b *RedisBus) streamKey(versionID string) string {
	return fmt.Sprintf("%s:{%s}:events", b.prefix, versionID)
}

func (b *RedisBus) closedKey(versionID string) string {
	return fmt.Sprintf("%s:{%s}:closed", b.prefix, versionID)
}

func (b *RedisBus) Append(ctx context.Context, versionID string, kind Kind, payload interface{}) (int64, error) {
	return b.append(ctx, versionID, kind, payload, false)
}

func (b *RedisBus) Close(ctx context.Context, versionID string, kind Kind, payload interface{}) (int64, error) {
	if !IsTerminal(kind) {
		return 0, ErrNotTerminal
	}
	return b.append(ctx, versionID, kind, payload, true)
}

func (b *RedisBus) append(ctx context.Context, versionID string, kind Kind, payload interface{}, closing bool) (int64, error) {
	if versionID == "" {
		return 0, fmt.Errorf("version id is required")
	}
	data, err := prepare(b.registry, kind, payload)
	if err != nil {
		return 0, err
	}
	closeFlag := "0"
	if closing {
		closeFlag = "1"
	}
	keys := []string{b.seqKey(versionID), b.streamKey(versionID), b.closedKey(versionID)}
	seq, err := appendScript.Run(ctx, b.client, keys,
		string(kind), string(data), nowMillis(), closeFlag, b.retention.Milliseconds()).Int64()
	if err != nil {
		if strings.Contains(err.Error(), "CLOSED") {
			return 0, ErrStreamClosed
		}
		return 0, fmt.Errorf("%w: append %s: %v", ErrStorageUnavailable, kind, err)
	}
	recordAppend(ctx, kind)
	return seq, nil
}

func (b *RedisBus) Read(ctx context.Context, versionID string, sinceSeq int64, max int) ([]Event, error) {
	if sinceSeq < 0 {
		sinceSeq = 0
	}
	start := fmt.Sprintf("0-%d", sinceSeq+1)
	var (
		msgs []redis.XMessage
		err  error
	)
	if max > 0 {
		msgs, err = b.client.XRangeN(ctx, b.streamKey(versionID), start, "+", int64(max)).Result()
	} else {
		msgs, err = b.client.XRange(ctx, b.streamKey(versionID), start, "+").Result()
	}
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: xrange: %v", ErrStorageUnavailable, err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := decodeMessage(versionID, msg)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (b *RedisBus) Closed(ctx context.Context, versionID string) (bool, error) {
	n, err := b.client.Exists(ctx, b.closedKey(versionID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: exists: %v", ErrStorageUnavailable, err)
	}
	return n == 1, nil
}

func (b *RedisBus) Subscribe(ctx context.Context, versionID string, sinceSeq int64) (*Subscription, error) {
	if sinceSeq < 0 {
		sinceSeq = 0
	}
	sub, subCtx := newSubscription(ctx, 64)
	trackSubscriber(ctx, 1)
	go func() {
		defer trackSubscriber(context.Background(), -1)
		defer sub.finish()
		last := fmt.Sprintf("0-%d", sinceSeq)
		for {
			if subCtx.Err() != nil {
				return
			}
			res, err := b.client.XRead(subCtx, &redis.XReadArgs{
				Streams: []string{b.streamKey(versionID), last},
				Block:   b.block,
				Count:   128,
			}).Result()
			if err != nil {
				if subCtx.Err() != nil {
					return
				}
				if errors.Is(err, redis.Nil) {
					// idle for one block: stop if the stream was closed and we are past its end
					if done, cerr := b.drained(subCtx, versionID, last); cerr == nil && done {
						return
					}
					continue
				}
				sub.fail(fmt.Errorf("%w: xread: %v", ErrStorageUnavailable, err))
				return
			}
			for _, st := range res {
				for _, msg := range st.Messages {
					ev, err := decodeMessage(versionID, msg)
					if err != nil {
						sub.fail(err)
						return
					}
					if !sub.deliver(subCtx, ev) {
						return
					}
					last = msg.ID
					if IsTerminal(ev.Kind) {
						return
					}
				}
			}
		}
	}()
	return sub, nil
}

func (b *RedisBus) drained(ctx context.Context, versionID, lastID string) (bool, error) {
	raw, err := b.client.Get(ctx, b.closedKey(versionID)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closedSeq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, err
	}
	lastSeq, err := seqFromID(lastID)
	if err != nil {
		return false, err
	}
	return lastSeq >= closedSeq, nil
}

func seqFromID(id string) (int64, error) {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("malformed stream id %q", id)
	}
	return strconv.ParseInt(parts[1], 10, 64)
}

func decodeMessage(versionID string, msg redis.XMessage) (Event, error) {
	seq, err := seqFromID(msg.ID)
	if err != nil {
		return Event{}, err
	}
	kind, _ := msg.Values["event_type"].(string)
	data, _ := msg.Values["data"].(string)
	tsRaw, _ := msg.Values["ts"].(string)
	ts, _ := strconv.ParseInt(tsRaw, 10, 64)
	return Event{
		VersionID: versionID,
		Seq:       seq,
		Kind:      Kind(kind),
		Data:      []byte(data),
		TS:        ts,
	}, nil
}

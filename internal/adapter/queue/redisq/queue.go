// Package redisq adapts the Redis primitives the sidecars rely on: durable
// list queues, streams with consumer groups, the pub/sub control channel,
// worker heartbeats, and the pipelined response commit.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vibetune/audiosidecar/internal/domain"
)

// Client wraps a go-redis client with the queue contracts the workers need.
type Client struct {
	rdb *redis.Client
}

// New parses a redis:// URL and returns a connected client.
func New(url string) (*Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=redisq.new: %w", err)
	}
	return &Client{rdb: redis.NewClient(opt)}, nil
}

// NewFromClient wraps an existing client. Used by tests with miniredis.
func NewFromClient(rdb *redis.Client) *Client { return &Client{rdb: rdb} }

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Push enqueues a payload. Fire-and-forget from the producer's point of view.
func (c *Client) Push(ctx context.Context, queue string, payload []byte) error {
	if err := c.rdb.LPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("op=redisq.push: %w", err)
	}
	return nil
}

// PushBack requeues a payload at the consuming end so crashed batch work is
// picked up before fresh jobs.
func (c *Client) PushBack(ctx context.Context, queue string, payload []byte) error {
	if err := c.rdb.RPush(ctx, queue, payload).Err(); err != nil {
		return fmt.Errorf("op=redisq.push_back: %w", err)
	}
	return nil
}

// BlockingPop waits up to timeout for one payload. Returns
// domain.ErrQueueEmpty when the wait times out.
func (c *Client) BlockingPop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	res, err := c.rdb.BRPop(ctx, timeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrQueueEmpty
		}
		return nil, fmt.Errorf("op=redisq.blocking_pop: %w", err)
	}
	// BRPOP returns [key, value]
	if len(res) != 2 {
		return nil, fmt.Errorf("op=redisq.blocking_pop: unexpected reply of %d elements", len(res))
	}
	return []byte(res[1]), nil
}

// DrainPop non-blockingly pops up to n payloads to fill out a batch.
func (c *Client) DrainPop(ctx context.Context, queue string, n int) ([][]byte, error) {
	if n <= 0 {
		return nil, nil
	}
	vals, err := c.rdb.LPopCount(ctx, queue, n).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=redisq.drain_pop: %w", err)
	}
	out := make([][]byte, 0, len(vals))
	for _, v := range vals {
		out = append(out, []byte(v))
	}
	return out, nil
}

// Len returns the queue depth.
func (c *Client) Len(ctx context.Context, queue string) (int64, error) {
	n, err := c.rdb.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("op=redisq.len: %w", err)
	}
	return n, nil
}

// StreamEntry is one request read from a consumer group.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// EnsureGroup creates the consumer group with MKSTREAM, tolerating an
// already existing group.
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("op=redisq.ensure_group: %w", err)
	}
	return nil
}

// ReadGroup blocks up to block for one new entry assigned to consumer.
// Returns domain.ErrQueueEmpty when the block times out. A NOGROUP reply
// re-creates the group and reports empty so the caller's next read succeeds.
func (c *Client) ReadGroup(ctx context.Context, stream, group, consumer string, block time.Duration) ([]StreamEntry, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrQueueEmpty
		}
		if isNoGroup(err) {
			if gerr := c.EnsureGroup(ctx, stream, group); gerr != nil {
				return nil, gerr
			}
			return nil, domain.ErrQueueEmpty
		}
		return nil, fmt.Errorf("op=redisq.read_group: %w", err)
	}
	return flatten(res), nil
}

// AutoClaim transfers entries pending longer than minIdle to this consumer.
// Recovers work orphaned by crashed consumers.
func (c *Client) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, count int64) ([]StreamEntry, error) {
	msgs, _, err := c.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    count,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) || isNoGroup(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=redisq.auto_claim: %w", err)
	}
	out := make([]StreamEntry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toEntry(m))
	}
	return out, nil
}

// Ack acknowledges entries without publishing a response. Used to drop
// malformed requests.
func (c *Client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("op=redisq.ack: %w", err)
	}
	return nil
}

// Respond commits a response in one round trip: push the payload onto the
// per-request list, arm its TTL, and ack the stream entry. If the server lost
// the group between read and ack (NOGROUP), the group is re-created and the
// response is still published without an ack so the caller is unblocked.
func (c *Client) Respond(ctx context.Context, stream, group, entryID, responseKey string, payload []byte, ttl time.Duration) error {
	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, responseKey, payload)
	pipe.Expire(ctx, responseKey, ttl)
	pipe.XAck(ctx, stream, group, entryID)
	_, err := pipe.Exec(ctx)
	if err == nil {
		return nil
	}
	if isNoGroup(err) {
		if gerr := c.EnsureGroup(ctx, stream, group); gerr != nil {
			return gerr
		}
		fb := c.rdb.Pipeline()
		fb.LPush(ctx, responseKey, payload)
		fb.Expire(ctx, responseKey, ttl)
		if _, ferr := fb.Exec(ctx); ferr != nil {
			return fmt.Errorf("op=redisq.respond_fallback: %w", ferr)
		}
		return nil
	}
	return fmt.Errorf("op=redisq.respond: %w", err)
}

// Subscribe opens a pub/sub subscription on the control channel. The caller
// owns the returned subscription and must close it.
func (c *Client) Subscribe(ctx context.Context, channel string) *redis.PubSub {
	return c.rdb.Subscribe(ctx, channel)
}

// Publish sends a control message. Used by tooling and tests.
func (c *Client) Publish(ctx context.Context, channel, message string) error {
	if err := c.rdb.Publish(ctx, channel, message).Err(); err != nil {
		return fmt.Errorf("op=redisq.publish: %w", err)
	}
	return nil
}

// Heartbeat stamps the worker liveness key with the current millisecond
// timestamp. The TTL lets the platform detect dead workers.
func (c *Client) Heartbeat(ctx context.Context, key string, ttl time.Duration) error {
	millis := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := c.rdb.Set(ctx, key, millis, ttl).Err(); err != nil {
		return fmt.Errorf("op=redisq.heartbeat: %w", err)
	}
	return nil
}

func isNoGroup(err error) bool {
	return err != nil && strings.Contains(err.Error(), "NOGROUP")
}

func flatten(streams []redis.XStream) []StreamEntry {
	var out []StreamEntry
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, toEntry(m))
		}
	}
	return out
}

func toEntry(m redis.XMessage) StreamEntry {
	fields := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if s, ok := v.(string); ok {
			fields[k] = s
		}
	}
	return StreamEntry{ID: m.ID, Fields: fields}
}

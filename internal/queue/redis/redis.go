// Package redis runs the queue transport on Redis. Each queue keeps a list
// of visible message ids, a sorted set of in-flight receipts scored by their
// visibility deadline, and hashes for bodies and receipt ownership.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lupppig/snsbus/internal/queue"
)

// RegistryKey is the set of provisioned queue names.
const RegistryKey = "snsbus:queues"

// pollInterval paces long-poll receives; Redis cannot block on the
// combined ready/in-flight state.
const pollInterval = 100 * time.Millisecond

type keys struct {
	ready, inflight, receipts, bodies string
}

func keysFor(name string) keys {
	// the hash tag keeps one queue's keys in one cluster slot
	tag := "{snsbus:" + name + "}"
	return keys{
		ready:    tag + ":ready",
		inflight: tag + ":inflight",
		receipts: tag + ":receipts",
		bodies:   tag + ":bodies",
	}
}

func (k keys) list() []string {
	return []string{k.ready, k.inflight, k.receipts, k.bodies}
}

var receiveScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, handle in ipairs(expired) do
	local id = redis.call('HGET', KEYS[3], handle)
	redis.call('ZREM', KEYS[2], handle)
	redis.call('HDEL', KEYS[3], handle)
	if id then
		redis.call('RPUSH', KEYS[1], id)
	end
end
local id = redis.call('LPOP', KEYS[1])
if not id then
	return false
end
local body = redis.call('HGET', KEYS[4], id)
if not body then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
redis.call('HSET', KEYS[3], ARGV[3], id)
return {id, body}
`)

var deleteScript = redis.NewScript(`
local id = redis.call('HGET', KEYS[3], ARGV[1])
if not id then
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('HDEL', KEYS[4], id)
return 1
`)

var extendScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
	return 0
end
redis.call('ZADD', KEYS[2], 'XX', ARGV[2], ARGV[1])
return 1
`)

type Transport struct {
	client     *redis.Client
	visibility time.Duration
	now        func() time.Time
}

func New(ctx context.Context, addr string, visibility time.Duration) (*Transport, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		opts = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	return &Transport{client: client, visibility: visibility, now: time.Now}, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", queue.ErrUnavailable, op, err)
}

func (t *Transport) EnsureQueues(ctx context.Context, prefix string, count int) ([]string, error) {
	names := queue.Names(prefix, count)
	members := make([]any, len(names))
	for i, n := range names {
		members[i] = n
	}
	if err := t.client.SAdd(ctx, RegistryKey, members...).Err(); err != nil {
		return nil, unavailable("register queues", err)
	}
	return names, nil
}

func (t *Transport) exists(ctx context.Context, name string) error {
	ok, err := t.client.SIsMember(ctx, RegistryKey, name).Result()
	if err != nil {
		return unavailable("lookup queue", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", queue.ErrQueueNotFound, name)
	}
	return nil
}

func (t *Transport) Send(ctx context.Context, name, body string) (string, error) {
	if err := t.exists(ctx, name); err != nil {
		return "", err
	}
	k := keysFor(name)
	id := uuid.NewString()
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k.bodies, id, body)
		pipe.RPush(ctx, k.ready, id)
		return nil
	})
	if err != nil {
		return "", unavailable("send", err)
	}
	return id, nil
}

func (t *Transport) Receive(ctx context.Context, name string, wait time.Duration) (*queue.Message, error) {
	if err := t.exists(ctx, name); err != nil {
		return nil, err
	}
	k := keysFor(name)
	deadline := t.now().Add(wait)
	for {
		now := t.now()
		handle := uuid.NewString()
		res, err := receiveScript.Run(ctx, t.client, k.list(),
			now.UnixMilli(), now.Add(t.visibility).UnixMilli(), handle).StringSlice()
		switch {
		case err == nil && len(res) == 2:
			return &queue.Message{ID: res[0], Body: res[1], ReceiptHandle: handle}, nil
		case err != nil && !errors.Is(err, redis.Nil):
			return nil, unavailable("receive", err)
		}

		remaining := deadline.Sub(t.now())
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(min(remaining, pollInterval))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (t *Transport) Delete(ctx context.Context, name, receiptHandle string) error {
	n, err := deleteScript.Run(ctx, t.client, keysFor(name).list(), receiptHandle).Int()
	if err != nil {
		return unavailable("delete", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", queue.ErrUnknownReceipt, receiptHandle)
	}
	return nil
}

func (t *Transport) ExtendVisibility(ctx context.Context, name, receiptHandle string, timeout time.Duration) error {
	until := strconv.FormatInt(t.now().Add(timeout).UnixMilli(), 10)
	n, err := extendScript.Run(ctx, t.client, keysFor(name).list(), receiptHandle, until).Int()
	if err != nil {
		return unavailable("extend visibility", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", queue.ErrUnknownReceipt, receiptHandle)
	}
	return nil
}

func (t *Transport) Close() error {
	return t.client.Close()
}

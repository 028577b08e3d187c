package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis keeps ready ids in a list, in-flight ids in a sorted set scored by
// their visibility deadline, and payloads and attempt counts in hashes.
type Redis struct {
	rdb  redis.UniversalClient
	opts Options
}

// NewRedis returns a queue on rdb.
func NewRedis(rdb redis.UniversalClient, opts Options) *Redis {
	opts.defaults()
	return &Redis{rdb: rdb, opts: opts}
}

func (q *Redis) keys() []string {
	// hash tag keeps every key in one cluster slot
	n := "{" + q.opts.Name + "}"
	return []string{n + ":ready", n + ":inflight", n + ":payloads", n + ":attempts"}
}

// expired in-flight ids go back to the ready list before popping
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('RPUSH', KEYS[1], id)
end
local id = redis.call('LPOP', KEYS[1])
if not id then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[2], id)
local attempts = redis.call('HINCRBY', KEYS[4], id, 1)
local payload = redis.call('HGET', KEYS[3], id)
if not payload then
	payload = ''
end
return {id, payload, attempts}
`)

var nackScript = redis.NewScript(`
if redis.call('ZREM', KEYS[2], ARGV[1]) == 1 then
	redis.call('LPUSH', KEYS[1], ARGV[1])
end
return 1
`)

// Publish stores the payload and appends its id to the ready list.
func (q *Redis) Publish(ctx context.Context, payload []byte) (string, error) {
	id := newID()
	k := q.keys()
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, k[2], id, payload)
		p.RPush(ctx, k[0], id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("queue: publish: %w", err)
	}
	return id, nil
}

// Claim implements Queue.
func (q *Redis) Claim(ctx context.Context) (*Message, error) {
	now := q.opts.Now()
	res, err := claimScript.Run(ctx, q.rdb, q.keys(),
		now.UnixMilli(), now.Add(q.opts.Visibility).UnixMilli()).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	if len(res) != 3 {
		return nil, fmt.Errorf("queue: claim: unexpected reply %v", res)
	}
	id, _ := res[0].(string)
	payload, _ := res[1].(string)
	attempts, _ := res[2].(int64)
	return &Message{ID: id, Payload: []byte(payload), Attempts: int(attempts)}, nil
}

// Ack removes every trace of the message.
func (q *Redis) Ack(ctx context.Context, id string) error {
	k := q.keys()
	_, err := q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, k[1], id)
		p.LRem(ctx, k[0], 0, id)
		p.HDel(ctx, k[2], id)
		p.HDel(ctx, k[3], id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue: ack %s: %w", id, err)
	}
	return nil
}

// Nack returns an in-flight message to the head of the ready list.
func (q *Redis) Nack(ctx context.Context, id string) error {
	if err := nackScript.Run(ctx, q.rdb, q.keys(), id).Err(); err != nil {
		return fmt.Errorf("queue: nack %s: %w", id, err)
	}
	return nil
}

// Len counts ready and in-flight messages.
func (q *Redis) Len(ctx context.Context) (int, error) {
	k := q.keys()
	var ready, inflight *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.LLen(ctx, k[0])
		inflight = p.ZCard(ctx, k[1])
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("queue: len: %w", err)
	}
	return int(ready.Val() + inflight.Val()), nil
}

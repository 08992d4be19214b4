package taskqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	scheduleKey = "payout:tasks:schedule"
	payloadKey  = "payout:tasks:payload"

	// deliveryLease must outlast one delivery attempt, including the
	// dispatcher's HTTP timeout, or a slow stage gets delivered twice.
	deliveryLease = 2 * time.Minute
)

// claimScript re-scores every due task id to the lease deadline and returns
// the matching payloads in one atomic step. Claimed tasks stay in the
// schedule, so a dispatcher that dies mid-delivery only delays them by the
// lease instead of losing them.
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[3])
local out = {}
for _, id in ipairs(ids) do
	local payload = redis.call('HGET', KEYS[2], id)
	if payload then
		redis.call('ZADD', KEYS[1], ARGV[2], id)
		out[#out + 1] = payload
	else
		redis.call('ZREM', KEYS[1], id)
	end
end
return out
`)

// RedisQueue is a delayed queue over a Redis sorted set of task ids scored by
// due time, with payloads in a companion hash. Claims move the due time
// forward by a lease rather than removing the entry; only Retire removes it.
type RedisQueue struct {
	client *redis.Client
	lease  time.Duration
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, lease: deliveryLease}
}

func (q *RedisQueue) Push(ctx context.Context, task Task, delay time.Duration) error {
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, payloadKey, task.ID, raw)
	pipe.ZAdd(ctx, scheduleKey, redis.Z{Score: due, Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("push task: %w", err)
	}
	return nil
}

func (q *RedisQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	res, err := claimScript.Run(ctx, q.client,
		[]string{scheduleKey, payloadKey},
		now.UnixMilli(), now.Add(q.lease).UnixMilli(), limit,
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}

	var tasks []Task
	for _, raw := range res {
		member, ok := raw.(string)
		if !ok {
			continue
		}
		var t Task
		if err := json.Unmarshal([]byte(member), &t); err != nil {
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (q *RedisQueue) Retire(ctx context.Context, task Task) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, scheduleKey, task.ID)
	pipe.HDel(ctx, payloadKey, task.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("retire task: %w", err)
	}
	return nil
}

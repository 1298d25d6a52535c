package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLeaseHeld is returned when another worker currently owns the workflow.
var ErrLeaseHeld = errors.New("workflow lease held by another owner")

// Lease enforces the single-writer invariant: at most one worker executes
// stages for a given workflow at any instant. A crashed worker's lease expires
// with the TTL so another worker can pick the workflow up.
type Lease struct {
	rdb   *redis.Client
	ttl   time.Duration
	owner string
}

func NewLease(rdb *redis.Client, ttl time.Duration) *Lease {
	return &Lease{rdb: rdb, ttl: ttl, owner: uuid.NewString()}
}

func leaseKey(id uuid.UUID) string {
	return "workflow:lease:" + id.String()
}

// Acquire claims the workflow for this worker. Re-acquiring a lease this
// worker already holds succeeds, so a retried task is not its own contender.
func (l *Lease) Acquire(ctx context.Context, id uuid.UUID) error {
	ok, err := l.rdb.SetNX(ctx, leaseKey(id), l.owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire lease: %w", err)
	}
	if ok {
		return nil
	}
	holder, err := l.rdb.Get(ctx, leaseKey(id)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("check lease holder: %w", err)
	}
	if holder == l.owner {
		return l.rdb.Expire(ctx, leaseKey(id), l.ttl).Err()
	}
	return fmt.Errorf("%w: workflow %s", ErrLeaseHeld, id)
}

// Refresh extends the lease mid-run; called between stages on long pipelines.
func (l *Lease) Refresh(ctx context.Context, id uuid.UUID) error {
	held, err := l.rdb.Expire(ctx, leaseKey(id), l.ttl).Result()
	if err != nil {
		return fmt.Errorf("refresh lease: %w", err)
	}
	if !held {
		return fmt.Errorf("%w: lease expired for workflow %s", ErrLeaseHeld, id)
	}
	return nil
}

// Release drops the lease only if this worker still owns it.
func (l *Lease) Release(ctx context.Context, id uuid.UUID) error {
	const script = `if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	end
	return 0`
	return l.rdb.Eval(ctx, script, []string{leaseKey(id)}, l.owner).Err()
}

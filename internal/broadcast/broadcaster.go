package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/voicereport/voicereport/internal/models"
	"github.com/voicereport/voicereport/internal/workflow"
)

// subscriberBuffer bounds the per-subscriber queue. A subscriber that falls
// this far behind is dropped rather than allowed to stall fan-out.
const subscriberBuffer = 16

type subscriber struct {
	ch     chan models.StatusSnapshot
	closed bool
}

// Broadcaster fans workflow status snapshots out to observers. The worker
// publishes every state transition to a per-workflow Redis channel after the
// durable store write; the API process bridges that channel into local
// subscriber queues. With a nil Redis client it degrades to in-process
// delivery, which is what the tests use.
//
// Publish is fire-and-forget and never blocks the orchestrator. The pull
// snapshot always reads the store, so a poll taken after a push can never
// observe an earlier status than the push carried.
type Broadcaster struct {
	rdb   *redis.Client
	store workflow.Store

	mu      sync.Mutex
	subs    map[uuid.UUID]map[*subscriber]struct{}
	readers map[uuid.UUID]*redis.PubSub
}

func New(rdb *redis.Client, store workflow.Store) *Broadcaster {
	return &Broadcaster{
		rdb:     rdb,
		store:   store,
		subs:    make(map[uuid.UUID]map[*subscriber]struct{}),
		readers: make(map[uuid.UUID]*redis.PubSub),
	}
}

func channelFor(id uuid.UUID) string {
	return "workflow:events:" + id.String()
}

// Publish pushes one snapshot to observers. Errors are logged, never returned:
// a broken observer path must not fail the pipeline.
func (b *Broadcaster) Publish(ctx context.Context, snap models.StatusSnapshot) {
	if b.rdb == nil {
		b.dispatch(snap)
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		slog.Error("marshal status snapshot", "workflow_id", snap.WorkflowID, "error", err)
		return
	}
	if err := b.rdb.Publish(ctx, channelFor(snap.WorkflowID), data).Err(); err != nil {
		slog.Warn("publish status snapshot", "workflow_id", snap.WorkflowID, "error", err)
	}
}

// Snapshot is the poll fallback, served from the store as source of truth.
func (b *Broadcaster) Snapshot(ctx context.Context, id uuid.UUID) (models.StatusSnapshot, error) {
	w, err := b.store.Get(ctx, id)
	if err != nil {
		return models.StatusSnapshot{}, err
	}
	return w.Snapshot(), nil
}

// Subscribe registers an observer for one workflow's transitions. The returned
// cancel function must be called when the observer disconnects; the stream
// closes on its own if the observer is too slow.
func (b *Broadcaster) Subscribe(ctx context.Context, id uuid.UUID) (<-chan models.StatusSnapshot, func(), error) {
	sub := &subscriber{ch: make(chan models.StatusSnapshot, subscriberBuffer)}

	b.mu.Lock()
	if b.subs[id] == nil {
		b.subs[id] = make(map[*subscriber]struct{})
	}
	b.subs[id][sub] = struct{}{}

	if b.rdb != nil {
		if _, running := b.readers[id]; !running {
			ps := b.rdb.Subscribe(context.Background(), channelFor(id))
			b.readers[id] = ps
			go b.readLoop(id, ps)
		}
	}
	b.mu.Unlock()

	cancel := func() { b.remove(id, sub) }
	return sub.ch, cancel, nil
}

// readLoop bridges one workflow's Redis channel into the local subscribers.
func (b *Broadcaster) readLoop(id uuid.UUID, ps *redis.PubSub) {
	for msg := range ps.Channel() {
		var snap models.StatusSnapshot
		if err := json.Unmarshal([]byte(msg.Payload), &snap); err != nil {
			slog.Warn("drop malformed status event", "workflow_id", id, "error", err)
			continue
		}
		b.dispatch(snap)
	}
}

// dispatch delivers to local subscribers without blocking; a full buffer
// drops the subscriber.
func (b *Broadcaster) dispatch(snap models.StatusSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[snap.WorkflowID] {
		select {
		case sub.ch <- snap:
		default:
			slog.Warn("dropping slow status subscriber", "workflow_id", snap.WorkflowID)
			b.removeLocked(snap.WorkflowID, sub)
		}
	}
}

func (b *Broadcaster) remove(id uuid.UUID, sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id, sub)
}

func (b *Broadcaster) removeLocked(id uuid.UUID, sub *subscriber) {
	set, ok := b.subs[id]
	if !ok {
		return
	}
	if _, present := set[sub]; !present {
		return
	}
	delete(set, sub)
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	if len(set) == 0 {
		delete(b.subs, id)
		if ps, running := b.readers[id]; running {
			delete(b.readers, id)
			if err := ps.Close(); err != nil {
				slog.Debug("close status reader", "workflow_id", id, "error", err)
			}
		}
	}
}

// SubscriberCount reports the live subscribers for one workflow.
func (b *Broadcaster) SubscriberCount(id uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[id])
}

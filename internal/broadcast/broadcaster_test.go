package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicereport/voicereport/internal/models"
	"github.com/voicereport/voicereport/internal/workflow"
)

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := New(nil, workflow.NewMemoryStore())
	id := uuid.New()

	first, cancelFirst, err := b.Subscribe(context.Background(), id)
	require.NoError(t, err)
	defer cancelFirst()
	second, cancelSecond, err := b.Subscribe(context.Background(), id)
	require.NoError(t, err)
	defer cancelSecond()

	snap := models.StatusSnapshot{WorkflowID: id, Status: models.StatusTranscribing, ProgressPercent: 25}
	b.Publish(context.Background(), snap)

	for _, ch := range []<-chan models.StatusSnapshot{first, second} {
		select {
		case got := <-ch:
			assert.Equal(t, models.StatusTranscribing, got.Status)
			assert.Equal(t, 25, got.ProgressPercent)
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive snapshot")
		}
	}
}

func TestPublishIsScopedPerWorkflow(t *testing.T) {
	b := New(nil, workflow.NewMemoryStore())
	mine, other := uuid.New(), uuid.New()

	ch, cancel, err := b.Subscribe(context.Background(), mine)
	require.NoError(t, err)
	defer cancel()

	b.Publish(context.Background(), models.StatusSnapshot{WorkflowID: other, Status: models.StatusCompleted})

	select {
	case snap := <-ch:
		t.Fatalf("received foreign snapshot for %s", snap.WorkflowID)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowSubscriberIsDroppedNotBlocking(t *testing.T) {
	b := New(nil, workflow.NewMemoryStore())
	id := uuid.New()

	ch, cancel, err := b.Subscribe(context.Background(), id)
	require.NoError(t, err)
	defer cancel()

	// Nobody reads: overflow the buffer by one to trigger the drop.
	for i := 0; i <= subscriberBuffer; i++ {
		b.Publish(context.Background(), models.StatusSnapshot{WorkflowID: id, Status: models.StatusTranscribing})
	}

	assert.Zero(t, b.SubscriberCount(id))

	// The buffered snapshots drain, then the channel reports closed.
	received := 0
	for range ch {
		received++
	}
	assert.Equal(t, subscriberBuffer, received)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New(nil, workflow.NewMemoryStore())
	id := uuid.New()

	ch, cancel, err := b.Subscribe(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, 1, b.SubscriberCount(id))

	cancel()
	assert.Zero(t, b.SubscriberCount(id))

	_, open := <-ch
	assert.False(t, open)

	// Cancelling twice is safe.
	cancel()
}

func TestSnapshotReadsStoreAfterPublish(t *testing.T) {
	store := workflow.NewMemoryStore()
	b := New(nil, store)
	ctx := context.Background()

	w, err := store.Create(ctx, workflow.CreateParams{AudioRef: "a"})
	require.NoError(t, err)

	_, err = store.BeginStage(ctx, w.ID, models.StageTranscribe)
	require.NoError(t, err)

	// The push is published only after the durable write, so a poll taken
	// afterwards can never observe an older status than the push carried.
	updated, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	b.Publish(ctx, updated.Snapshot())

	snap, err := b.Snapshot(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTranscribing, snap.Status)
	assert.Equal(t, models.StageTranscribe, snap.Stage)

	_, err = b.Snapshot(ctx, uuid.New())
	assert.ErrorIs(t, err, workflow.ErrNotFound)
}

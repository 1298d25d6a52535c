package workflow

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicereport/voicereport/internal/models"
)

func TestMemoryStoreCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	w, err := store.Create(ctx, CreateParams{
		SessionKey:  "session-1",
		AudioRef:    "recordings/a.mp3",
		AudioFormat: "audio/mpeg",
		AudioSize:   1024,
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusUploading, w.Status)
	assert.NotEqual(t, uuid.Nil, w.ID)

	got, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)
	assert.Equal(t, "recordings/a.mp3", got.AudioRef)

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreDuplicateSessionKey(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Create(ctx, CreateParams{SessionKey: "session-1", AudioRef: "a"})
	require.NoError(t, err)

	_, err = store.Create(ctx, CreateParams{SessionKey: "session-1", AudioRef: "b"})
	assert.ErrorIs(t, err, ErrConflict)

	// Empty session keys never collide.
	_, err = store.Create(ctx, CreateParams{AudioRef: "c"})
	require.NoError(t, err)
	_, err = store.Create(ctx, CreateParams{AudioRef: "d"})
	require.NoError(t, err)
}

func TestMemoryStoreFailedMergeLeavesStateUntouched(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	w, err := store.Create(ctx, CreateParams{AudioRef: "a"})
	require.NoError(t, err)

	_, err = store.BeginStage(ctx, w.ID, models.StageTranscribe)
	require.NoError(t, err)
	_, err = store.AppendStageResult(ctx, w.ID, StageApply{
		Stage:      models.StageTranscribe,
		Attempt:    1,
		Outcome:    models.OutcomeSuccess,
		Patch:      StagePatch{Transcript: strPtr("hola"), Language: strPtr("es")},
		NextStatus: models.StatusTranslating,
	})
	require.NoError(t, err)

	// Illegal write: translate tries to touch the transcript.
	_, err = store.AppendStageResult(ctx, w.ID, StageApply{
		Stage:   models.StageTranslate,
		Attempt: 1,
		Outcome: models.OutcomeSuccess,
		Patch:   StagePatch{Transcript: strPtr("clobbered")},
	})
	require.ErrorIs(t, err, ErrConsistency)

	got, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, "hola", got.Transcript)
	assert.Equal(t, models.StatusTranslating, got.Status)
	assert.Empty(t, got.HistoryFor(models.StageTranslate))
}

func TestMemoryStoreCancelAndResume(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	w, err := store.Create(ctx, CreateParams{AudioRef: "a"})
	require.NoError(t, err)
	_, err = store.BeginStage(ctx, w.ID, models.StageTranscribe)
	require.NoError(t, err)

	got, err := store.RequestCancel(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, models.StatusTranscribing, got.Status)

	got, err = store.MarkCancelled(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, models.StageTranscribe, got.FailedStage)

	_, err = store.RequestCancel(ctx, w.ID)
	assert.ErrorIs(t, err, ErrConflict)

	got, err = store.Resume(ctx, w.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusTranscribing, got.Status)
	assert.False(t, got.CancelRequested)
}

func TestMemoryStoreReplaceRecordsStampsManualSource(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	w, err := store.Create(ctx, CreateParams{AudioRef: "a"})
	require.NoError(t, err)

	// Edits are rejected while the pipeline still owns the records.
	_, err = store.ReplaceRecords(ctx, w.ID, []models.ContactRecord{{Name: "Ana"}})
	require.ErrorIs(t, err, ErrConflict)

	_, err = store.BeginStage(ctx, w.ID, models.StageTranscribe)
	require.NoError(t, err)
	_, err = store.AppendStageResult(ctx, w.ID, StageApply{
		Stage:   models.StageTranscribe,
		Attempt: 1,
		Outcome: models.OutcomeFailed,
		Detail:  "corrupt audio",
	})
	require.NoError(t, err)

	got, err := store.ReplaceRecords(ctx, w.ID, []models.ContactRecord{
		{Name: "Ana", Source: models.SourcePipeline},
		{Name: "Bruno"},
	})
	require.NoError(t, err)
	require.Len(t, got.ExtractedRecords, 2)
	for _, r := range got.ExtractedRecords {
		assert.Equal(t, models.SourceManual, r.Source)
	}
}

func TestMemoryStoreListOrdersAndPaginates(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := store.Create(ctx, CreateParams{AudioRef: "a"})
		require.NoError(t, err)
	}

	page, err := store.List(ctx, 3, 0)
	require.NoError(t, err)
	assert.Len(t, page, 3)

	rest, err := store.List(ctx, 3, 3)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	none, err := store.List(ctx, 3, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMemoryStoreListActiveExcludesTerminal(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	active, err := store.Create(ctx, CreateParams{AudioRef: "a"})
	require.NoError(t, err)
	done, err := store.Create(ctx, CreateParams{AudioRef: "b"})
	require.NoError(t, err)

	_, err = store.BeginStage(ctx, done.ID, models.StageTranscribe)
	require.NoError(t, err)
	_, err = store.AppendStageResult(ctx, done.ID, StageApply{
		Stage:   models.StageTranscribe,
		Attempt: 1,
		Outcome: models.OutcomeFailed,
		Detail:  "bad audio",
	})
	require.NoError(t, err)

	got, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, active.ID, got[0].ID)
}

func TestMemoryStoreHandsOutCopies(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	w, err := store.Create(ctx, CreateParams{AudioRef: "a"})
	require.NoError(t, err)

	first, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	first.Transcript = "mutated by caller"
	first.ExtractedRecords = append(first.ExtractedRecords, models.ContactRecord{Name: "X"})

	second, err := store.Get(ctx, w.ID)
	require.NoError(t, err)
	assert.Empty(t, second.Transcript)
	assert.Empty(t, second.ExtractedRecords)
}

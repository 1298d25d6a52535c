package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicereport/voicereport/internal/models"
	"github.com/voicereport/voicereport/internal/workflow"
)

type stubAdapter struct {
	stage models.Stage
	fn    func(ctx context.Context, w *models.Workflow) (*StageResult, error)
	calls int
}

func (a *stubAdapter) Stage() models.Stage { return a.stage }

func (a *stubAdapter) Execute(ctx context.Context, w *models.Workflow) (*StageResult, error) {
	a.calls++
	return a.fn(ctx, w)
}

type capturingPublisher struct {
	mu    sync.Mutex
	snaps []models.StatusSnapshot
}

func (p *capturingPublisher) Publish(ctx context.Context, snap models.StatusSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snaps = append(p.snaps, snap)
}

func (p *capturingPublisher) statuses() []models.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Status, len(p.snaps))
	for i, s := range p.snaps {
		out[i] = s.Status
	}
	return out
}

type capturingScheduler struct {
	ids    []uuid.UUID
	delays []time.Duration
}

func (s *capturingScheduler) ScheduleRun(ctx context.Context, id uuid.UUID, delay time.Duration) error {
	s.ids = append(s.ids, id)
	s.delays = append(s.delays, delay)
	return nil
}

func testConfig() Config {
	return Config{
		StageTimeout:   time.Second,
		RetryBudget:    3,
		RetryBaseDelay: 10 * time.Millisecond,
		RetryMaxDelay:  40 * time.Millisecond,
	}
}

func transcribeStub(text, lang string) *stubAdapter {
	return &stubAdapter{stage: models.StageTranscribe, fn: func(ctx context.Context, w *models.Workflow) (*StageResult, error) {
		return &StageResult{
			Patch:   workflow.StagePatch{Transcript: &text, Language: &lang},
			Outcome: models.OutcomeSuccess,
		}, nil
	}}
}

func translateStub(target string) *stubAdapter {
	return &stubAdapter{stage: models.StageTranslate, fn: func(ctx context.Context, w *models.Workflow) (*StageResult, error) {
		if normalizeLanguage(w.Language) == target {
			return &StageResult{Outcome: models.OutcomeSkipped, Detail: "source matches target"}, nil
		}
		translated := "translated: " + w.Transcript
		return &StageResult{
			Patch:   workflow.StagePatch{TranslatedTranscript: &translated},
			Outcome: models.OutcomeSuccess,
		}, nil
	}}
}

func extractStub(records ...models.ContactRecord) *stubAdapter {
	return &stubAdapter{stage: models.StageExtract, fn: func(ctx context.Context, w *models.Workflow) (*StageResult, error) {
		return &StageResult{
			Patch:   workflow.StagePatch{Records: records, ReplaceRecords: true},
			Outcome: models.OutcomeSuccess,
		}, nil
	}}
}

func generateStub() *stubAdapter {
	return &stubAdapter{stage: models.StageGenerate, fn: func(ctx context.Context, w *models.Workflow) (*StageResult, error) {
		report := models.Report{Title: "report", Records: w.ExtractedRecords, GeneratedAt: time.Now().UTC()}
		return &StageResult{
			Patch:   workflow.StagePatch{Report: &report},
			Outcome: models.OutcomeSuccess,
		}, nil
	}}
}

func newRunnable(t *testing.T, store workflow.Store) uuid.UUID {
	t.Helper()
	w, err := store.Create(context.Background(), workflow.CreateParams{
		AudioRef:    "recordings/test.mp3",
		AudioFormat: "audio/mpeg",
		AudioSize:   1024,
	})
	require.NoError(t, err)
	return w.ID
}

func TestRunCompletesSpanishRecordingEndToEnd(t *testing.T) {
	store := workflow.NewMemoryStore()
	pub := &capturingPublisher{}
	sched := &capturingScheduler{}
	o := NewOrchestrator(store, pub, sched, testConfig(),
		transcribeStub("hola, hablé con Ana de Acme", "spanish"),
		translateStub("en"),
		extractStub(models.ContactRecord{Name: "Ana", Company: "Acme", ContactType: "prospective", PriorityLevel: "high"}),
		generateStub(),
	)

	id := newRunnable(t, store)
	require.NoError(t, o.Run(context.Background(), id))

	w, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, w.Status)
	assert.Equal(t, "hola, hablé con Ana de Acme", w.Transcript)
	assert.Equal(t, "es", w.Language)
	assert.Equal(t, "translated: hola, hablé con Ana de Acme", w.TranslatedTranscript)
	require.Len(t, w.ExtractedRecords, 1)
	assert.Equal(t, "Ana", w.ExtractedRecords[0].Name)
	require.NotNil(t, w.Report)
	require.Len(t, w.StageHistory, 4)
	for _, e := range w.StageHistory {
		assert.Equal(t, models.OutcomeSuccess, e.Outcome)
		assert.Equal(t, 1, e.Attempt)
	}
	assert.Empty(t, sched.ids)

	// Observers saw each processing status and the terminal completion.
	statuses := pub.statuses()
	assert.Contains(t, statuses, models.StatusTranscribing)
	assert.Contains(t, statuses, models.StatusTranslating)
	assert.Contains(t, statuses, models.StatusExtracting)
	assert.Contains(t, statuses, models.StatusGenerating)
	assert.Equal(t, models.StatusCompleted, statuses[len(statuses)-1])
}

func TestRunSkipsTranslationForTargetLanguageAudio(t *testing.T) {
	store := workflow.NewMemoryStore()
	translate := translateStub("en")
	o := NewOrchestrator(store, &capturingPublisher{}, &capturingScheduler{}, testConfig(),
		transcribeStub("spoke with Bob from Initech", "english"),
		translate,
		extractStub(models.ContactRecord{Name: "Bob", Company: "Initech"}),
		generateStub(),
	)

	id := newRunnable(t, store)
	require.NoError(t, o.Run(context.Background(), id))

	w, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, w.Status)
	assert.Empty(t, w.TranslatedTranscript)
	assert.Equal(t, 1, translate.calls)

	// The skip is recorded, not silently elided.
	history := w.HistoryFor(models.StageTranslate)
	require.Len(t, history, 1)
	assert.Equal(t, models.OutcomeSkipped, history[0].Outcome)
}

func TestRunRetriesTransientFailureWithBackoff(t *testing.T) {
	store := workflow.NewMemoryStore()
	sched := &capturingScheduler{}

	failures := 2
	flaky := &stubAdapter{stage: models.StageTranslate, fn: func(ctx context.Context, w *models.Workflow) (*StageResult, error) {
		if failures > 0 {
			failures--
			return nil, Transient(models.StageTranslate, "provider timeout", errors.New("503"))
		}
		translated := "hello"
		return &StageResult{
			Patch:   workflow.StagePatch{TranslatedTranscript: &translated},
			Outcome: models.OutcomeSuccess,
		}, nil
	}}

	o := NewOrchestrator(store, &capturingPublisher{}, sched, testConfig(),
		transcribeStub("hola", "spanish"),
		flaky,
		extractStub(models.ContactRecord{Name: "Ana"}),
		generateStub(),
	)

	id := newRunnable(t, store)

	// Each scheduled retry arrives as a fresh Run invocation.
	require.NoError(t, o.Run(context.Background(), id))
	require.Len(t, sched.ids, 1)
	require.NoError(t, o.Run(context.Background(), id))
	require.Len(t, sched.ids, 2)
	require.NoError(t, o.Run(context.Background(), id))

	w, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, w.Status)
	assert.Equal(t, "hello", w.TranslatedTranscript)

	history := w.HistoryFor(models.StageTranslate)
	require.Len(t, history, 3)
	assert.Equal(t, models.OutcomeRetrying, history[0].Outcome)
	assert.Equal(t, 1, history[0].Attempt)
	assert.Equal(t, models.OutcomeRetrying, history[1].Outcome)
	assert.Equal(t, 2, history[1].Attempt)
	assert.Equal(t, models.OutcomeSuccess, history[2].Outcome)
	assert.Equal(t, 3, history[2].Attempt)

	// Exponential backoff: base, then doubled.
	assert.Equal(t, 10*time.Millisecond, sched.delays[0])
	assert.Equal(t, 20*time.Millisecond, sched.delays[1])
}

func TestRunExhaustsRetryBudget(t *testing.T) {
	store := workflow.NewMemoryStore()
	sched := &capturingScheduler{}

	alwaysDown := &stubAdapter{stage: models.StageExtract, fn: func(ctx context.Context, w *models.Workflow) (*StageResult, error) {
		return nil, Transient(models.StageExtract, "provider unavailable", errors.New("503"))
	}}

	o := NewOrchestrator(store, &capturingPublisher{}, sched, testConfig(),
		transcribeStub("hola", "spanish"),
		translateStub("en"),
		alwaysDown,
		generateStub(),
	)

	id := newRunnable(t, store)
	require.NoError(t, o.Run(context.Background(), id))
	require.NoError(t, o.Run(context.Background(), id))
	require.NoError(t, o.Run(context.Background(), id))

	w, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, w.Status)
	assert.Equal(t, models.StageExtract, w.FailedStage)
	assert.Contains(t, w.LastError, "retry budget exhausted")
	assert.Len(t, sched.ids, 2)

	// Upstream partial results stay visible after the failure.
	assert.Equal(t, "hola", w.Transcript)
	assert.NotEmpty(t, w.TranslatedTranscript)
	assert.Empty(t, w.ExtractedRecords)

	history := w.HistoryFor(models.StageExtract)
	require.Len(t, history, 3)
	assert.Equal(t, models.OutcomeFailed, history[2].Outcome)
}

func TestRunFailsFastOnPermanentError(t *testing.T) {
	store := workflow.NewMemoryStore()
	sched := &capturingScheduler{}

	corrupt := &stubAdapter{stage: models.StageTranscribe, fn: func(ctx context.Context, w *models.Workflow) (*StageResult, error) {
		return nil, Permanent(models.StageTranscribe, "unintelligible audio", nil)
	}}

	o := NewOrchestrator(store, &capturingPublisher{}, sched, testConfig(), corrupt)

	id := newRunnable(t, store)
	require.NoError(t, o.Run(context.Background(), id))

	w, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, w.Status)
	assert.Equal(t, models.StageTranscribe, w.FailedStage)
	assert.Equal(t, 1, corrupt.calls)
	assert.Empty(t, sched.ids)
}

func TestRunHonorsCancelAtStageBoundary(t *testing.T) {
	store := workflow.NewMemoryStore()
	pub := &capturingPublisher{}

	// The cancel request lands while transcription is running; it takes
	// effect only once the stage finishes.
	cancelDuring := &stubAdapter{stage: models.StageTranscribe, fn: func(ctx context.Context, w *models.Workflow) (*StageResult, error) {
		if _, err := store.RequestCancel(context.Background(), w.ID); err != nil {
			return nil, err
		}
		text, lang := "hola", "es"
		return &StageResult{
			Patch:   workflow.StagePatch{Transcript: &text, Language: &lang},
			Outcome: models.OutcomeSuccess,
		}, nil
	}}
	translate := translateStub("en")

	o := NewOrchestrator(store, pub, &capturingScheduler{}, testConfig(),
		cancelDuring, translate, extractStub(), generateStub(),
	)

	id := newRunnable(t, store)
	require.NoError(t, o.Run(context.Background(), id))

	w, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, w.Status)
	assert.Equal(t, "hola", w.Transcript)
	assert.Zero(t, translate.calls)
	assert.Empty(t, w.HistoryFor(models.StageTranslate))

	statuses := pub.statuses()
	assert.Equal(t, models.StatusCancelled, statuses[len(statuses)-1])

	// Resume picks up at the stage the cancellation parked on.
	_, err = store.Resume(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), id))

	w, err = store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, w.Status)
	assert.Equal(t, 1, translate.calls)
}

func TestRunResumeReentersFailedStageOnly(t *testing.T) {
	store := workflow.NewMemoryStore()

	transcribe := transcribeStub("hola", "spanish")
	broken := true
	extract := &stubAdapter{stage: models.StageExtract, fn: func(ctx context.Context, w *models.Workflow) (*StageResult, error) {
		if broken {
			return nil, Permanent(models.StageExtract, "model rejected input", nil)
		}
		return &StageResult{
			Patch:   workflow.StagePatch{Records: []models.ContactRecord{{Name: "Ana"}}, ReplaceRecords: true},
			Outcome: models.OutcomeSuccess,
		}, nil
	}}

	o := NewOrchestrator(store, &capturingPublisher{}, &capturingScheduler{}, testConfig(),
		transcribe, translateStub("en"), extract, generateStub(),
	)

	id := newRunnable(t, store)
	require.NoError(t, o.Run(context.Background(), id))

	w, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, models.StatusError, w.Status)
	require.Equal(t, models.StageExtract, w.FailedStage)

	broken = false
	_, err = store.Resume(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, o.Run(context.Background(), id))

	w, err = store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, w.Status)

	// Completed stages did not rerun on resume.
	assert.Equal(t, 1, transcribe.calls)
	assert.Len(t, w.HistoryFor(models.StageTranscribe), 1)
	assert.Len(t, w.HistoryFor(models.StageTranslate), 1)
}

func TestRunRejectsOwnershipViolatingAdapter(t *testing.T) {
	store := workflow.NewMemoryStore()

	rogue := &stubAdapter{stage: models.StageExtract, fn: func(ctx context.Context, w *models.Workflow) (*StageResult, error) {
		clobber := "overwritten"
		return &StageResult{
			Patch:   workflow.StagePatch{TranslatedTranscript: &clobber},
			Outcome: models.OutcomeSuccess,
		}, nil
	}}

	o := NewOrchestrator(store, &capturingPublisher{}, &capturingScheduler{}, testConfig(),
		transcribeStub("hola", "spanish"), translateStub("en"), rogue, generateStub(),
	)

	id := newRunnable(t, store)
	require.NoError(t, o.Run(context.Background(), id))

	w, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, w.Status)
	assert.Equal(t, models.StageExtract, w.FailedStage)
	assert.Equal(t, "translated: hola", w.TranslatedTranscript)
}

func TestRunReturnsImmediatelyOnTerminalWorkflow(t *testing.T) {
	store := workflow.NewMemoryStore()
	transcribe := transcribeStub("hola", "spanish")
	o := NewOrchestrator(store, &capturingPublisher{}, &capturingScheduler{}, testConfig(),
		transcribe, translateStub("en"), extractStub(), generateStub(),
	)

	id := newRunnable(t, store)
	require.NoError(t, o.Run(context.Background(), id))

	// A duplicate delivery of the same task is harmless.
	require.NoError(t, o.Run(context.Background(), id))
	assert.Equal(t, 1, transcribe.calls)
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	o := &Orchestrator{cfg: Config{RetryBaseDelay: 10 * time.Millisecond, RetryMaxDelay: 25 * time.Millisecond}}
	assert.Equal(t, 10*time.Millisecond, o.backoff(1))
	assert.Equal(t, 20*time.Millisecond, o.backoff(2))
	assert.Equal(t, 25*time.Millisecond, o.backoff(3))
	assert.Equal(t, 25*time.Millisecond, o.backoff(6))
}

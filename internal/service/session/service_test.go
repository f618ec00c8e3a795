package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/cohort/internal/assign"
	"github.com/ashita-ai/cohort/internal/export"
	"github.com/ashita-ai/cohort/internal/lifecycle"
	"github.com/ashita-ai/cohort/internal/model"
	"github.com/ashita-ai/cohort/internal/storage"
	"github.com/ashita-ai/cohort/internal/storage/sqlite"
	"github.com/ashita-ai/cohort/internal/survey"
	"github.com/ashita-ai/cohort/internal/testutil"
)

type stubFetcher struct {
	mu      sync.Mutex
	retries []int
}

func (f *stubFetcher) Fetch(_ context.Context, _, sessionID string, retries int) survey.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.retries = append(f.retries, retries)
	return survey.Result{
		Outcome:    survey.OutcomeOK,
		ResponseID: survey.ResponseID(sessionID),
		Payload:    map[string]any{"q1": "yes"},
		Attempts:   1,
	}
}

type harness struct {
	svc     *Service
	store   *sqlite.DB
	sink    *export.Sink
	fetcher *stubFetcher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testutil.TestLogger()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "cohort.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	sink, err := export.NewSink(logger, export.Config{Dir: t.TempDir()}, nil)
	require.NoError(t, err)

	fetcher := &stubFetcher{}
	svc := New(store, assign.New(logger, rand.New(rand.NewPCG(1, 2))), sink, fetcher, Config{
		SurveyRetries:    2,
		TallyInterval:    10 * time.Millisecond,
		CloseConcurrency: 4,
	}, logger)
	return &harness{svc: svc, store: store, sink: sink, fetcher: fetcher}
}

func (h *harness) batch(t *testing.T) model.Batch {
	t.Helper()
	b, err := h.svc.CreateBatch(context.Background(), model.BatchConfig{
		BatchName: "pilot",
		Treatments: []model.Treatment{{
			Name:        "trio",
			PlayerCount: 3,
			GroupComposition: []model.CompositionEntry{
				{Position: 0, Title: "Lead"},
				{Position: 2, Title: "Scribe"},
			},
		}},
	})
	require.NoError(t, err)
	return b
}

func (h *harness) join(t *testing.T, batchID, id string, fields map[string]any) {
	t.Helper()
	if fields == nil {
		fields = map[string]any{}
	}
	if _, ok := fields[model.FieldParticipantData]; !ok {
		fields[model.FieldParticipantData] = map[string]any{"platformId": "w-" + id}
	}
	_, err := h.svc.UpsertParticipant(context.Background(), batchID, id, fields)
	require.NoError(t, err)
}

func readLines(t *testing.T, path string) []model.PaymentRecord {
	t.Helper()
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	var out []model.PaymentRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var rec model.PaymentRecord
		require.NoError(t, json.Unmarshal(sc.Bytes(), &rec))
		out = append(out, rec)
	}
	require.NoError(t, sc.Err())
	return out
}

func TestObserveTallies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.batch(t)

	h.join(t, b.ID, "lobby", map[string]any{model.FieldConnected: true, model.FieldIntroDone: true})
	h.join(t, b.ID, "gone", map[string]any{model.FieldConnected: false})
	h.join(t, b.ID, "done", nil)
	h.join(t, b.ID, "odd", nil)
	_, err := h.svc.Exit(ctx, "done", "")
	require.NoError(t, err)

	counts, err := h.svc.Observe(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, counts.Total)
	assert.Equal(t, 1, counts.ByPhase[lifecycle.PhaseLobby])
	assert.Equal(t, 1, counts.ByPhase[lifecycle.PhaseDisconnected])
	assert.Equal(t, 1, counts.ByPhase[lifecycle.PhaseCompleted])
	assert.Equal(t, 1, counts.ByPhase[lifecycle.PhaseUnexpected])
	assert.Equal(t, []string{"odd"}, counts.Anomalies)
}

func TestDispatchPersistsAssignment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.batch(t)
	for _, id := range []string{"a", "b", "c"} {
		h.join(t, b.ID, id, map[string]any{model.FieldConnected: true, model.FieldIntroDone: true})
	}

	ids, err := h.svc.Dispatch(ctx, b.ID, DispatchRequest{
		Treatment:      "trio",
		GameID:         "g-1",
		ParticipantIDs: []string{"c", "a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a", "b"}, ids)

	seen := map[string]bool{}
	for _, id := range ids {
		p, err := h.store.Participant(ctx, id)
		require.NoError(t, err)
		pos, ok := p.Position()
		require.True(t, ok, "participant %s has no position", id)
		seen[strconv.Itoa(pos)] = true
		assert.Equal(t, "g-1", p.String(model.FieldGameID))
		assert.True(t, p.Bool(model.FieldAssigned))
		want := map[int]string{0: "Lead", 1: "", 2: "Scribe"}[pos]
		assert.Equal(t, want, p.String(model.FieldTitle))
		assert.Equal(t, lifecycle.PhaseInGame, lifecycle.Classify(p))
	}
	assert.Len(t, seen, 3)
}

func TestDispatchRejectsBadRequests(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.batch(t)
	other := h.batch(t)
	h.join(t, b.ID, "a", nil)
	h.join(t, other.ID, "x", nil)

	h.join(t, b.ID, "b", nil)

	_, err := h.svc.Dispatch(ctx, b.ID, DispatchRequest{Treatment: "nope", ParticipantIDs: []string{"a"}})
	assert.ErrorIs(t, err, ErrUnknownTreatment)

	_, err = h.svc.Dispatch(ctx, b.ID, DispatchRequest{Treatment: "trio", ParticipantIDs: []string{"a", "a", "b"}})
	assert.ErrorIs(t, err, ErrDuplicateParticipant)

	_, err = h.svc.Dispatch(ctx, b.ID, DispatchRequest{Treatment: "trio", ParticipantIDs: []string{"a", "x"}})
	assert.ErrorIs(t, err, ErrWrongBatch)

	_, err = h.svc.Dispatch(ctx, b.ID, DispatchRequest{Treatment: "trio"})
	assert.ErrorIs(t, err, ErrEmptyGroup)

	_, err = h.svc.Dispatch(ctx, "missing", DispatchRequest{Treatment: "trio", ParticipantIDs: []string{"a"}})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	for _, id := range []string{"a", "b"} {
		p, err := h.store.Participant(ctx, id)
		require.NoError(t, err)
		assert.False(t, p.Has(model.FieldPosition), "rejected dispatch must not write %s", id)
	}
}

func TestUpsertRejectsReservedFields(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.batch(t)
	other := h.batch(t)
	h.join(t, b.ID, "a", nil)

	_, err := h.svc.UpsertParticipant(ctx, b.ID, "a", map[string]any{model.FieldExitStatus: "complete"})
	assert.ErrorIs(t, err, ErrReservedField)
	_, err = h.svc.UpsertParticipant(ctx, b.ID, "fresh", map[string]any{model.FieldExitStatus: "complete"})
	assert.ErrorIs(t, err, ErrReservedField)
	_, err = h.svc.UpsertParticipant(ctx, b.ID, "a", map[string]any{model.FieldBatchID: other.ID})
	assert.ErrorIs(t, err, ErrWrongBatch)
	_, err = h.svc.UpsertParticipant(ctx, other.ID, "a", map[string]any{model.FieldConnected: true})
	assert.ErrorIs(t, err, ErrWrongBatch)

	_, err = h.store.Participant(ctx, "fresh")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The participant is still unexited, so the close sweep exports it.
	n, err := h.svc.CloseBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, readLines(t, h.sink.Path(b)), 1)
}

func TestExitExportsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.batch(t)
	h.join(t, b.ID, "a", map[string]any{model.FieldIntroDone: true})

	first, err := h.svc.Exit(ctx, "a", "")
	require.NoError(t, err)
	assert.True(t, first.Exported)
	assert.Equal(t, model.ExitStatusComplete, first.Participant.ExitStatus())
	assert.Equal(t, "w-a", first.Record[model.PaymentPlatformID])

	second, err := h.svc.Exit(ctx, "a", model.ExitStatusComplete)
	require.NoError(t, err)
	assert.False(t, second.Exported)

	lines := readLines(t, h.sink.Path(b))
	require.Len(t, lines, 1)
	assert.Equal(t, b.ID, lines[0][model.PaymentBatchID])
	assert.Equal(t, "pilot", lines[0][model.PaymentBatchName])
	assert.Empty(t, lines[0].ExportErrors())
}

// flakyStore fails the next failBatch Batch calls with a non-NotFound error.
type flakyStore struct {
	*sqlite.DB
	failBatch   int
	onListing   func()
	listedCalls int
}

func (f *flakyStore) Batch(ctx context.Context, id string) (model.Batch, error) {
	if f.failBatch > 0 {
		f.failBatch--
		return model.Batch{}, errors.New("connection reset")
	}
	return f.DB.Batch(ctx, id)
}

func (f *flakyStore) Participants(ctx context.Context, batchID string) ([]model.Participant, error) {
	f.listedCalls++
	if f.onListing != nil {
		f.onListing()
	}
	return f.DB.Participants(ctx, batchID)
}

func (h *harness) withStore(store Store) *Service {
	return New(store, h.svc.assigner, h.sink, h.fetcher, h.svc.cfg, testutil.TestLogger())
}

func TestExitBatchLoadFailureLeavesParticipantExitable(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.batch(t)
	h.join(t, b.ID, "a", nil)

	flaky := &flakyStore{DB: h.store, failBatch: 1}
	svc := h.withStore(flaky)

	_, err := svc.Exit(ctx, "a", "")
	require.Error(t, err)
	p, err := h.store.Participant(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, p.ExitStatus(), "failed exit must not consume the transition")
	assert.Empty(t, readLines(t, h.sink.Path(b)))

	res, err := svc.Exit(ctx, "a", "")
	require.NoError(t, err)
	assert.True(t, res.Exported)
	lines := readLines(t, h.sink.Path(b))
	require.Len(t, lines, 1)
	assert.Equal(t, "pilot", lines[0][model.PaymentBatchName])
}

func TestExitUnknownParticipant(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.Exit(context.Background(), "ghost", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCloseBatchExportsRemaining(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.batch(t)
	for i := range 10 {
		h.join(t, b.ID, "p"+strconv.Itoa(i), map[string]any{model.FieldConnected: true})
	}
	_, err := h.svc.Exit(ctx, "p0", "")
	require.NoError(t, err)

	n, err := h.svc.CloseBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	lines := readLines(t, h.sink.Path(b))
	require.Len(t, lines, 10)
	statuses := map[any]int{}
	for _, rec := range lines {
		statuses[rec[model.PaymentExitStatus]]++
	}
	assert.Equal(t, 1, statuses[model.ExitStatusComplete])
	assert.Equal(t, 9, statuses[model.ExitStatusBatchClosed])

	got, err := h.store.Batch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, model.BatchStatusClosed, got.Status)

	// A second close finds nobody left to export.
	n, err = h.svc.CloseBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, readLines(t, h.sink.Path(b)), 10)

	_, err = h.svc.UpsertParticipant(ctx, b.ID, "late", nil)
	assert.ErrorIs(t, err, ErrBatchClosed)
}

func TestCloseBatchRejectsJoinDuringSweep(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.batch(t)
	h.join(t, b.ID, "early", nil)

	var lateErr error
	store := &flakyStore{DB: h.store}
	svc := h.withStore(store)
	store.onListing = func() {
		_, lateErr = svc.UpsertParticipant(ctx, b.ID, "late", nil)
	}

	n, err := svc.CloseBatch(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.listedCalls)
	assert.ErrorIs(t, lateErr, ErrBatchClosed)

	_, err = h.store.Participant(ctx, "late")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Len(t, readLines(t, h.sink.Path(b)), 1)
}

func TestConcurrentExitAndClose(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.batch(t)
	for i := range 20 {
		h.join(t, b.ID, "p"+strconv.Itoa(i), nil)
	}

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.Exit(ctx, "p"+strconv.Itoa(i), "")
			assert.NoError(t, err)
		}()
	}
	_, err := h.svc.CloseBatch(ctx, b.ID)
	require.NoError(t, err)
	wg.Wait()

	lines := readLines(t, h.sink.Path(b))
	assert.Len(t, lines, 20, "every participant exported exactly once")
	ids := map[any]bool{}
	for _, rec := range lines {
		ids[rec[model.PaymentPlatformID]] = true
	}
	assert.Len(t, ids, 20)
}

func TestExitSurveyUsesConfiguredRetries(t *testing.T) {
	h := newHarness(t)
	res := h.svc.ExitSurvey(context.Background(), "SV_1", "FS_abc")
	assert.True(t, res.OK())
	assert.Equal(t, "R_abc", res.ResponseID)
	assert.Equal(t, []int{2}, h.fetcher.retries)
}

func TestStartStop(t *testing.T) {
	h := newHarness(t)
	b := h.batch(t)
	h.join(t, b.ID, "a", map[string]any{model.FieldConnected: true})

	h.svc.Start(context.Background())
	h.svc.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	h.svc.Stop()
	h.svc.Stop()
}

func TestStopWithoutStart(t *testing.T) {
	h := newHarness(t)
	h.svc.Stop()
}

// Package session ties the lifecycle classifier, position assigner, payment
// sink and survey fetcher to the session store.
//
// Both the HTTP API and the background observer delegate to this service.
// Store writes are the only shared state; the service itself holds none
// beyond its dependencies.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/cohort/internal/assign"
	"github.com/ashita-ai/cohort/internal/lifecycle"
	"github.com/ashita-ai/cohort/internal/model"
	"github.com/ashita-ai/cohort/internal/storage"
	"github.com/ashita-ai/cohort/internal/survey"
	"github.com/ashita-ai/cohort/internal/telemetry"
)

// Store is the session store the service reads and writes.
type Store interface {
	CreateBatch(ctx context.Context, b model.Batch) (model.Batch, error)
	Batch(ctx context.Context, id string) (model.Batch, error)
	ListBatches(ctx context.Context) ([]model.Batch, error)
	SetBatchStatus(ctx context.Context, id string, status model.BatchStatus) error
	UpsertParticipant(ctx context.Context, batchID, id string, fields map[string]any) (model.Participant, error)
	Participant(ctx context.Context, id string) (model.Participant, error)
	Participants(ctx context.Context, batchID string) ([]model.Participant, error)
	SetFields(ctx context.Context, id string, fields map[string]any) error
	MarkExited(ctx context.Context, id, status string) (model.Participant, bool, error)
	Ping(ctx context.Context) error
}

// Exporter appends payment records. It never fails from the caller's view.
type Exporter interface {
	Export(ctx context.Context, p model.Participant, b model.Batch) model.PaymentRecord
}

// SurveyFetcher retrieves external survey responses.
type SurveyFetcher interface {
	Fetch(ctx context.Context, surveyID, sessionID string, retries int) survey.Result
}

// Validation errors returned by UpsertParticipant and Dispatch.
var (
	ErrUnknownTreatment     = errors.New("session: unknown treatment")
	ErrEmptyGroup           = errors.New("session: no participants to dispatch")
	ErrDuplicateParticipant = errors.New("session: participant listed more than once")
	ErrReservedField        = errors.New("session: field is set only by exit or batch close")

	ErrWrongBatch  = storage.ErrWrongBatch
	ErrBatchClosed = storage.ErrBatchClosed
)

// Config holds the service's tunables.
type Config struct {
	SurveyRetries    int
	TallyInterval    time.Duration
	CloseConcurrency int
}

// Service coordinates participants through a batch.
type Service struct {
	store    Store
	assigner *assign.Assigner
	exporter Exporter
	surveys  SurveyFetcher
	cfg      Config
	logger   *slog.Logger

	phaseGauge metric.Int64Gauge

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	stop    sync.Once
}

// New creates a Service.
func New(store Store, assigner *assign.Assigner, exporter Exporter, surveys SurveyFetcher, cfg Config, logger *slog.Logger) *Service {
	if cfg.TallyInterval <= 0 {
		cfg.TallyInterval = time.Minute
	}
	if cfg.CloseConcurrency <= 0 {
		cfg.CloseConcurrency = 8
	}
	meter := telemetry.Meter("cohort/session")
	gauge, _ := meter.Int64Gauge("cohort.participants",
		metric.WithDescription("Participants per lifecycle phase at the last observation"),
	)
	return &Service{
		store:      store,
		assigner:   assigner,
		exporter:   exporter,
		surveys:    surveys,
		cfg:        cfg,
		logger:     logger,
		phaseGauge: gauge,
		done:       make(chan struct{}),
	}
}

// Ping checks the session store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// CreateBatch registers a new batch.
func (s *Service) CreateBatch(ctx context.Context, cfg model.BatchConfig) (model.Batch, error) {
	b, err := s.store.CreateBatch(ctx, model.Batch{Config: cfg})
	if err != nil {
		return model.Batch{}, err
	}
	s.logger.InfoContext(ctx, "session: batch created", "batch_id", b.ID, "batch_name", cfg.BatchName)
	return b, nil
}

// UpsertParticipant records fields for a participant in a batch. exitStatus
// cannot be written here: a participant that already carries one is never
// picked up by Exit or CloseBatch, so its payment record would be lost.
func (s *Service) UpsertParticipant(ctx context.Context, batchID, id string, fields map[string]any) (model.Participant, error) {
	if _, ok := fields[model.FieldExitStatus]; ok {
		return model.Participant{}, fmt.Errorf("%w: %s", ErrReservedField, model.FieldExitStatus)
	}
	if v, ok := fields[model.FieldBatchID]; ok && v != batchID {
		return model.Participant{}, fmt.Errorf("%w: %s is %v", ErrWrongBatch, model.FieldBatchID, v)
	}
	return s.store.UpsertParticipant(ctx, batchID, id, fields)
}

// Observe tallies the phases of every participant in a batch, logs the
// summary and records the per-phase gauge.
func (s *Service) Observe(ctx context.Context, batchID string) (lifecycle.Counts, error) {
	ps, err := s.store.Participants(ctx, batchID)
	if err != nil {
		return lifecycle.Counts{}, fmt.Errorf("session: observe %s: %w", batchID, err)
	}
	counts := lifecycle.Tally(ps)
	lifecycle.Report(ctx, s.logger, batchID, counts)
	if s.phaseGauge != nil {
		for _, phase := range lifecycle.Phases {
			s.phaseGauge.Record(ctx, int64(counts.ByPhase[phase]), metric.WithAttributes(
				attribute.String("cohort.batch_id", batchID),
				attribute.String("cohort.phase", string(phase)),
			))
		}
	}
	return counts, nil
}

// DispatchRequest places a finalized group into a task instance.
type DispatchRequest struct {
	Treatment      string   `json:"treatment"`
	GameID         string   `json:"gameId"`
	ParticipantIDs []string `json:"participantIds"`
}

// Dispatch assigns positions to the group, then persists position, title,
// gameId and assigned on every participant. IDs are returned in request
// order.
func (s *Service) Dispatch(ctx context.Context, batchID string, req DispatchRequest) ([]string, error) {
	if len(req.ParticipantIDs) == 0 {
		return nil, ErrEmptyGroup
	}
	b, err := s.store.Batch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.Status == model.BatchStatusClosed {
		return nil, fmt.Errorf("%w: %s", ErrBatchClosed, batchID)
	}
	treatment, ok := b.Config.Treatment(req.Treatment)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTreatment, req.Treatment)
	}

	seen := make(map[string]struct{}, len(req.ParticipantIDs))
	for _, id := range req.ParticipantIDs {
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateParticipant, id)
		}
		seen[id] = struct{}{}
	}

	players := make([]model.Participant, 0, len(req.ParticipantIDs))
	for _, id := range req.ParticipantIDs {
		p, err := s.store.Participant(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.BatchID() != batchID {
			return nil, fmt.Errorf("%w: %s", ErrWrongBatch, id)
		}
		players = append(players, p)
	}

	if treatment.PlayerCount > 0 && treatment.PlayerCount != len(players) {
		s.logger.WarnContext(ctx, "session: group size differs from treatment player count",
			"batch_id", batchID, "treatment", treatment.Name,
			"player_count", treatment.PlayerCount, "group_size", len(players))
	}

	ids := s.assigner.Assign(ctx, players, treatment.AssignPositionsBy, treatment)

	for _, p := range players {
		fields := map[string]any{
			model.FieldPosition: p.Fields[model.FieldPosition],
			model.FieldTitle:    p.Fields[model.FieldTitle],
			model.FieldAssigned: true,
		}
		if req.GameID != "" {
			fields[model.FieldGameID] = req.GameID
		}
		if err := s.store.SetFields(ctx, p.ID, fields); err != nil {
			return nil, fmt.Errorf("session: persist assignment for %s: %w", p.ID, err)
		}
	}

	s.logger.InfoContext(ctx, "session: group dispatched",
		"batch_id", batchID, "treatment", treatment.Name, "game_id", req.GameID, "size", len(ids))
	return ids, nil
}

// ExitResult reports what Exit did.
type ExitResult struct {
	Participant model.Participant   `json:"participant"`
	Exported    bool                `json:"exported"`
	Record      model.PaymentRecord `json:"record,omitempty"`
}

// Exit marks a participant terminal. The payment record is exported only by
// the call that performs the transition, so repeated exits do not duplicate
// payment lines.
func (s *Service) Exit(ctx context.Context, participantID, status string) (ExitResult, error) {
	if status == "" {
		status = model.ExitStatusComplete
	}
	p, err := s.store.Participant(ctx, participantID)
	if err != nil {
		return ExitResult{}, err
	}
	if p.ExitStatus() != "" {
		return s.alreadyExited(ctx, p), nil
	}
	// Everything the export needs is loaded before the transition. Once
	// MarkExited succeeds no later call can export this participant.
	b, err := s.batchForExport(ctx, p)
	if err != nil {
		return ExitResult{}, err
	}

	p, transitioned, err := s.store.MarkExited(ctx, participantID, status)
	if err != nil {
		return ExitResult{}, err
	}
	if !transitioned {
		return s.alreadyExited(ctx, p), nil
	}
	rec := s.exporter.Export(ctx, p, b)
	return ExitResult{Participant: p, Exported: true, Record: rec}, nil
}

func (s *Service) alreadyExited(ctx context.Context, p model.Participant) ExitResult {
	s.logger.InfoContext(ctx, "session: participant already exited, not exporting again",
		"participant_id", p.ID, "exit_status", p.ExitStatus())
	return ExitResult{Participant: p}
}

func (s *Service) batchForExport(ctx context.Context, p model.Participant) (model.Batch, error) {
	b, err := s.store.Batch(ctx, p.BatchID())
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return model.Batch{}, fmt.Errorf("session: load batch for export: %w", err)
	}
	// The sink flags the mismatch; the record must still be written.
	s.logger.WarnContext(ctx, "session: batch for export not found",
		"participant_id", p.ID, "batch_id", p.BatchID())
	return model.Batch{}, nil
}

// CloseBatch closes the batch, then marks every participant without an exit
// status as batchClosed and exports each one that transitions. It returns
// the number of records exported. The status flips first so no participant
// can join after the sweep has listed the batch.
func (s *Service) CloseBatch(ctx context.Context, batchID string) (int, error) {
	b, err := s.store.Batch(ctx, batchID)
	if err != nil {
		return 0, err
	}
	if err := s.store.SetBatchStatus(ctx, batchID, model.BatchStatusClosed); err != nil {
		return 0, fmt.Errorf("session: close %s: %w", batchID, err)
	}
	b.Status = model.BatchStatusClosed

	ps, err := s.store.Participants(ctx, batchID)
	if err != nil {
		return 0, fmt.Errorf("session: close %s: %w", batchID, err)
	}

	var exported atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.CloseConcurrency)
	for _, p := range ps {
		if p.ExitStatus() != "" {
			continue
		}
		g.Go(func() error {
			current, transitioned, err := s.store.MarkExited(gctx, p.ID, model.ExitStatusBatchClosed)
			if err != nil {
				return fmt.Errorf("session: close participant %s: %w", p.ID, err)
			}
			if !transitioned {
				return nil
			}
			s.exporter.Export(gctx, current, b)
			exported.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return int(exported.Load()), err
	}

	s.logger.InfoContext(ctx, "session: batch closed",
		"batch_id", batchID, "participants", len(ps), "exported", exported.Load())
	return int(exported.Load()), nil
}

// ExitSurvey fetches an externally hosted exit survey response using the
// configured retry budget.
func (s *Service) ExitSurvey(ctx context.Context, surveyID, sessionID string) survey.Result {
	return s.surveys.Fetch(ctx, surveyID, sessionID, s.cfg.SurveyRetries)
}

// Start runs the periodic observer over every running batch until ctx is
// canceled or Stop is called.
func (s *Service) Start(ctx context.Context) {
	if !s.started.CompareAndSwap(false, true) {
		s.logger.Warn("session: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.observeLoop(loopCtx)
}

// Stop ends the observer loop and waits for it to exit.
func (s *Service) Stop() {
	if !s.started.Load() {
		return
	}
	s.stop.Do(func() { s.cancel() })
	<-s.done
}

func (s *Service) observeLoop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.TallyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.observeAll(ctx)
		}
	}
}

func (s *Service) observeAll(ctx context.Context) {
	batches, err := s.store.ListBatches(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "session: list batches for observation", "error", err)
		return
	}
	for _, b := range batches {
		if b.Status != model.BatchStatusRunning {
			continue
		}
		if _, err := s.Observe(ctx, b.ID); err != nil {
			s.logger.ErrorContext(ctx, "session: observe batch", "batch_id", b.ID, "error", err)
		}
	}
}

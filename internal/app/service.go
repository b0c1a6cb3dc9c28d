// Package service runs a LoRA fine-tuning job: it drives the training
// framework epoch by epoch, feeds validation losses to the checkpoint
// leaderboard and persists or deletes checkpoints according to its
// decisions. It also exposes a read view used by the status API.
package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/maestro/internal/adapters/journal"
	"github.com/okian/maestro/internal/adapters/repository"
	"github.com/okian/maestro/internal/config"
	"github.com/okian/maestro/internal/domain/leaderboard"
	"github.com/okian/maestro/internal/domain/training"
	"github.com/okian/maestro/pkg/logger"
	"github.com/okian/maestro/pkg/metrics"
)

// movingAverageWindow is the number of recent steps in the logged training loss.
const movingAverageWindow = 100

// Run phases reported by GetStats.
const (
	PhaseIdle       = "idle"
	PhasePreparing  = "preparing"
	PhaseTraining   = "training"
	PhaseFinalizing = "finalizing"
	PhaseDone       = "done"
	PhaseFailed     = "failed"
)

// Result summarizes a finished run.
type Result struct {
	RunID   string
	RunDir  string
	Best    leaderboard.Entry
	HasBest bool
	// TestLoss is the loss of the best checkpoint on TestSplit.
	TestLoss  float64
	TestSplit training.Split
	// BestModelPath is empty when no checkpoint was retained.
	BestModelPath string
}

// Service sequences a training run and owns its leaderboard.
type Service struct {
	mu sync.RWMutex

	// Collaborators
	cfg        *config.Config
	framework  training.Framework
	journal    *journal.Journal
	ownJournal bool
	store      *repository.FSStore
	now        func() time.Time

	// Run state
	running         bool
	phase           string
	runID           string
	runDir          string
	board           *leaderboard.Leaderboard
	epoch           int
	trainingLoss    float64
	hasTrainingLoss bool
	validLoss       float64
	hasValidLoss    bool
	startedAt       time.Time
	lastErr         error
	registrations   int

	// Logging
	logger logger.Logger
}

// New constructs a new Service.
func New(opts ...Option) *Service {
	s := &Service{
		phase:      PhaseIdle,
		ownJournal: true,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) setPhase(phase string) {
	s.mu.Lock()
	s.phase = phase
	s.mu.Unlock()
}

// Run executes the whole training job and returns its summary.
// Only one run may be in progress per Service.
func (s *Service) Run(ctx context.Context) (res Result, err error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Result{}, ErrAlreadyRunning
	}
	if s.cfg == nil {
		s.mu.Unlock()
		return Result{}, ErrNoConfig
	}
	if s.framework == nil {
		s.mu.Unlock()
		return Result{}, ErrNoFramework
	}
	if s.logger == nil {
		s.logger = logger.Get().Named("trainer")
	}
	s.running = true
	s.phase = PhasePreparing
	s.lastErr = nil
	s.startedAt = s.now()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		if err != nil {
			s.phase = PhaseFailed
			s.lastErr = err
			metrics.RecordErrorByComponent("trainer", "run_failed")
		} else {
			s.phase = PhaseDone
		}
		s.mu.Unlock()
	}()

	if err := s.prepareRun(ctx); err != nil {
		return Result{}, err
	}
	defer s.closeJournal(ctx)

	model, err := s.prepareModel(ctx)
	if err != nil {
		return Result{}, err
	}

	if err := s.trainingLoop(ctx, model); err != nil {
		return Result{}, err
	}

	s.setPhase(PhaseFinalizing)
	return s.finalize(ctx)
}

// prepareRun creates the run directory, leaderboard, store and journal.
func (s *Service) prepareRun(ctx context.Context) error {
	board, err := leaderboard.New(s.cfg.MaxCheckpointsToKeep)
	if err != nil {
		return fmt.Errorf("create leaderboard: %w", err)
	}

	runDir, err := repository.EstablishRunDir(s.cfg.TrainingDir)
	if err != nil {
		return err
	}
	store, err := repository.NewFSStore(runDir)
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	s.mu.Lock()
	s.board = board
	s.store = store
	s.runID = runID
	s.runDir = runDir
	s.epoch = 0
	s.registrations = 0
	s.hasValidLoss = false
	s.hasTrainingLoss = false
	s.mu.Unlock()

	if s.journal == nil {
		opts := []journal.Option{journal.WithLogger(s.logger.Named("journal"))}
		if s.cfg.JournalInMemory {
			opts = append(opts, journal.WithInMemory(true))
		} else {
			opts = append(opts,
				journal.WithPath(filepath.Join(runDir, repository.JournalDir)),
				journal.WithSyncWrites(s.cfg.JournalSyncWrites),
			)
		}
		j, err := journal.Open(opts...)
		if err != nil {
			return err
		}
		s.logger.Debug(ctx, "journal opened",
			logger.Bool("inMemory", s.cfg.JournalInMemory),
			logger.Bool("syncWrites", j.SyncWrites()),
		)
		s.journal = j
		s.ownJournal = true
	}

	metrics.UpdateLeaderboard(0, board.Capacity(), 0, false)
	s.logger.Info(ctx, "training run established",
		logger.String("runId", runID),
		logger.String("runDir", runDir),
		logger.Int("maxCheckpoints", board.Capacity()),
	)
	return nil
}

func (s *Service) closeJournal(ctx context.Context) {
	if s.journal == nil || !s.ownJournal {
		return
	}
	if err := s.journal.Close(); err != nil {
		s.logger.Warn(ctx, "failed to close journal", logger.Error(err))
	}
	s.journal = nil
}

// prepareModel loads the base model, applies LoRA and configures the optimiser.
func (s *Service) prepareModel(ctx context.Context) (training.Model, error) {
	base, err := s.framework.LoadModel(ctx, training.ModelSpec{
		IDOrPath: s.cfg.ModelIDOrPath,
		Revision: s.cfg.Revision,
		Device:   s.cfg.Device,
		CacheDir: s.cfg.CacheDir,
	})
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", s.cfg.ModelIDOrPath, err)
	}

	model, err := s.framework.ApplyLoRA(ctx, base, training.LoRAConfig{
		Rank:          s.cfg.LoRARank,
		Alpha:         s.cfg.LoRAAlpha,
		Dropout:       s.cfg.LoRADropout,
		Bias:          s.cfg.Bias,
		UseRSLoRA:     s.cfg.UseRSLoRA,
		InitWeights:   s.cfg.InitLoRAWeights,
		TargetModules: training.DefaultTargetModules,
		TaskType:      "CAUSAL_LM",
		Revision:      s.cfg.Revision,
	})
	if err != nil {
		return nil, fmt.Errorf("apply lora: %w", err)
	}

	if err := s.framework.ConfigureOptimizer(ctx, model, s.cfg.Optimiser); err != nil {
		return nil, fmt.Errorf("configure optimiser: %w", err)
	}

	trainable, total := model.TrainableParameters()
	pct := 0.0
	if total > 0 {
		pct = 100 * float64(trainable) / float64(total)
	}
	s.logger.Info(ctx, "model prepared",
		logger.String("model", model.Name()),
		logger.Any("trainableParams", trainable),
		logger.Any("allParams", total),
		logger.Float64("trainablePct", pct),
	)
	return model, nil
}

func (s *Service) trainingLoop(ctx context.Context, model training.Model) error {
	trainBatches, err := s.framework.NumBatches(ctx, training.SplitTrain, s.cfg.TrainBatchSize)
	if err != nil {
		return fmt.Errorf("count train batches: %w", err)
	}
	if trainBatches == 0 {
		return ErrNoTrainingData
	}
	validBatches, err := s.framework.NumBatches(ctx, training.SplitValid, s.cfg.EffectiveTestBatchSize())
	if err != nil {
		return fmt.Errorf("count valid batches: %w", err)
	}

	s.logger.Info(ctx, "data loaders ready",
		logger.String("dataset", s.cfg.DatasetLocation),
		logger.Int("trainBatches", trainBatches),
		logger.Int("validBatches", validBatches),
		logger.Int("workers", s.cfg.LoadersWorkers),
		logger.Int("testWorkers", s.cfg.EffectiveTestLoadersWorkers()),
	)

	schedule, err := training.NewSchedule(s.cfg.LRScheduler, s.cfg.LearningRate, s.cfg.TrainingEpochs*trainBatches)
	if err != nil {
		return err
	}

	s.setPhase(PhaseTraining)
	step := 0
	for epoch := 0; epoch < s.cfg.TrainingEpochs; epoch++ {
		s.mu.Lock()
		s.epoch = epoch
		s.mu.Unlock()

		started := time.Now()
		avg, err := s.trainEpoch(ctx, model, epoch, trainBatches, schedule, &step)
		if err != nil {
			return err
		}
		metrics.RecordEpoch(avg, time.Since(started).Seconds())
		if isFinite(avg) {
			s.mu.Lock()
			s.trainingLoss = avg
			s.hasTrainingLoss = true
			s.mu.Unlock()
		}

		if validBatches == 0 {
			s.logger.Debug(ctx, "no validation split, skipping checkpoint registration",
				logger.Int("epoch", epoch),
			)
			continue
		}
		loss, err := s.evaluate(ctx, model, training.SplitValid, validBatches)
		if err != nil {
			return fmt.Errorf("validate epoch %d: %w", epoch, err)
		}
		s.logger.Info(ctx, "validation finished",
			logger.Int("epoch", epoch+1),
			logger.Int("epochs", s.cfg.TrainingEpochs),
			logger.Float64("avgValidationLoss", loss),
		)
		metrics.UpdateValidationLoss(loss)
		if isFinite(loss) {
			s.mu.Lock()
			s.validLoss = loss
			s.hasValidLoss = true
			s.mu.Unlock()
		}

		if err := s.registerCheckpoint(ctx, model, epoch, loss); err != nil {
			return err
		}
	}
	return nil
}

// trainEpoch runs every train batch once and returns the average loss.
func (s *Service) trainEpoch(ctx context.Context, model training.Model, epoch, batches int, schedule *training.Schedule, step *int) (float64, error) {
	window := make([]float64, 0, movingAverageWindow)
	windowSum := 0.0
	total := 0.0
	for b := 0; b < batches; b++ {
		lr := schedule.Rate(*step)
		loss, err := s.framework.TrainStep(ctx, model, b, lr)
		if err != nil {
			return 0, fmt.Errorf("train epoch %d batch %d: %w", epoch, b, err)
		}
		*step++
		total += loss

		if len(window) == movingAverageWindow {
			windowSum -= window[0]
			window = window[1:]
		}
		window = append(window, loss)
		windowSum += loss

		s.logger.Debug(ctx, "train step",
			logger.Int("epoch", epoch+1),
			logger.Int("batch", b),
			logger.Float64("lr", lr),
			logger.Float64("lossMovingAverage", windowSum/float64(len(window))),
		)
	}
	avg := total / float64(batches)
	s.logger.Info(ctx, "epoch finished",
		logger.Int("epoch", epoch+1),
		logger.Int("epochs", s.cfg.TrainingEpochs),
		logger.Float64("avgTrainingLoss", avg),
		logger.Float64("lossMovingAverage", windowSum/float64(len(window))),
	)
	return avg, nil
}

func (s *Service) evaluate(ctx context.Context, model training.Model, split training.Split, batches int) (float64, error) {
	sum := 0.0
	for b := 0; b < batches; b++ {
		loss, err := s.framework.EvalStep(ctx, model, split, b)
		if err != nil {
			return 0, err
		}
		sum += loss
	}
	return sum / float64(batches), nil
}

// registerCheckpoint offers the epoch to the leaderboard and applies its decision.
func (s *Service) registerCheckpoint(ctx context.Context, model training.Model, epoch int, loss float64) error {
	path := s.store.CheckpointPath(epoch)

	s.mu.Lock()
	decision, regErr := s.board.Register(epoch, path, loss)
	s.registrations++
	retained, capacity := s.board.Len(), s.board.Capacity()
	best, hasBest := s.board.BestEntry()
	s.mu.Unlock()

	rec := journal.Record{
		RunID:    s.runID,
		Epoch:    epoch,
		Path:     path,
		Score:    loss,
		Admitted: decision.Admitted,
		At:       s.now(),
	}
	if evicted, ok := decision.EvictedPath(); ok {
		rec.Evicted = evicted
	}
	if regErr != nil {
		rec.Err = regErr.Error()
	}
	if _, err := s.journal.Append(ctx, rec); err != nil {
		s.logger.Warn(ctx, "failed to journal registration", logger.Int("epoch", epoch), logger.Error(err))
	}

	if regErr != nil {
		if errors.Is(regErr, leaderboard.ErrInvalidInput) {
			metrics.RecordRegistrationError()
			s.logger.Warn(ctx, "checkpoint rejected as invalid, continuing",
				logger.Int("epoch", epoch),
				logger.Float64("loss", loss),
				logger.Error(regErr),
			)
			return nil
		}
		return fmt.Errorf("register epoch %d: %w", epoch, regErr)
	}
	metrics.UpdateLeaderboard(retained, capacity, best.Score, hasBest)

	if !decision.Admitted {
		metrics.RecordCheckpointRejected()
		s.logger.Info(ctx, "checkpoint not retained", logger.Int("epoch", epoch), logger.Float64("loss", loss))
		return nil
	}

	artifact, err := s.framework.Export(ctx, model)
	if err != nil {
		return fmt.Errorf("export epoch %d: %w", epoch, err)
	}
	s.logger.Info(ctx, "saving checkpoint", logger.String("path", path))
	err = s.store.Save(ctx, path, repository.Artifact{
		Manifest: repository.Manifest{RunID: s.runID, Epoch: epoch, Score: loss, SavedAt: s.now()},
		Files:    artifact.Files,
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %d: %w", epoch, err)
	}
	metrics.RecordCheckpointAdmitted()

	if evicted, ok := decision.EvictedPath(); ok {
		s.logger.Info(ctx, "removing checkpoint", logger.String("path", evicted))
		if err := s.store.Remove(ctx, evicted); err != nil {
			s.logger.Warn(ctx, "failed to remove evicted checkpoint", logger.String("path", evicted), logger.Error(err))
		}
		metrics.RecordCheckpointEvicted()
	}
	return nil
}

// finalize reloads the best checkpoint, evaluates it and exports it.
func (s *Service) finalize(ctx context.Context) (Result, error) {
	s.mu.RLock()
	res := Result{RunID: s.runID, RunDir: s.runDir}
	best, ok := s.board.BestEntry()
	s.mu.RUnlock()

	if !ok {
		s.logger.Warn(ctx, "no checkpoint retained, skipping best model export")
		return res, nil
	}
	res.Best, res.HasBest = best, true

	s.logger.Info(ctx, "loading best model", logger.String("path", best.Path))
	model, err := s.framework.LoadModel(ctx, training.ModelSpec{
		IDOrPath: best.Path,
		Device:   s.cfg.Device,
		CacheDir: s.cfg.CacheDir,
	})
	if err != nil {
		return res, fmt.Errorf("load best model: %w", err)
	}

	batchSize := s.cfg.EffectiveTestBatchSize()
	split := training.SplitTest
	batches, err := s.framework.NumBatches(ctx, split, batchSize)
	if err != nil {
		return res, fmt.Errorf("count test batches: %w", err)
	}
	if batches == 0 {
		split = training.SplitValid
		if batches, err = s.framework.NumBatches(ctx, split, batchSize); err != nil {
			return res, fmt.Errorf("count valid batches: %w", err)
		}
	}
	if batches > 0 {
		loss, err := s.evaluate(ctx, model, split, batches)
		if err != nil {
			return res, fmt.Errorf("evaluate best model: %w", err)
		}
		res.TestLoss, res.TestSplit = loss, split
		s.logger.Info(ctx, "best model evaluated",
			logger.String("split", string(split)),
			logger.Float64("avgLoss", loss),
		)
	}

	artifact, err := s.framework.Export(ctx, model)
	if err != nil {
		return res, fmt.Errorf("export best model: %w", err)
	}
	dst := s.store.BestModelPath()
	s.logger.Info(ctx, "saving best model", logger.String("path", dst))
	err = s.store.Save(ctx, dst, repository.Artifact{
		Manifest: repository.Manifest{RunID: s.runID, Epoch: best.Epoch, Score: best.Score, SavedAt: s.now()},
		Files:    artifact.Files,
	})
	if err != nil {
		return res, fmt.Errorf("save best model: %w", err)
	}
	res.BestModelPath = dst
	return res, nil
}

// Entries returns the retained checkpoints, best first.
func (s *Service) Entries() []leaderboard.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.board == nil {
		return nil
	}
	return s.board.Entries()
}

// TopN returns at most n retained checkpoints, best first.
func (s *Service) TopN(_ context.Context, n int) ([]leaderboard.Entry, error) {
	entries := s.Entries()
	if n >= 0 && n < len(entries) {
		entries = entries[:n]
	}
	return entries, nil
}

// Best returns the best retained checkpoint.
func (s *Service) Best() (leaderboard.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.board == nil {
		return leaderboard.Entry{}, false
	}
	return s.board.BestEntry()
}

// RunID returns the id of the current or last run.
func (s *Service) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.runID
}

// GetStats returns run statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"running": s.running,
		"phase":   s.phase,
		"runId":   s.runID,
		"runDir":  s.runDir,
	}
	if s.cfg != nil {
		stats["epochs"] = s.cfg.TrainingEpochs
		stats["maxCheckpoints"] = s.cfg.MaxCheckpointsToKeep
	}
	if !s.startedAt.IsZero() {
		stats["startedAt"] = s.startedAt.Format(time.RFC3339)
	}
	if s.board != nil {
		stats["epoch"] = s.epoch
		stats["registrations"] = s.registrations
		stats["retained"] = s.board.Len()
		if s.hasTrainingLoss {
			stats["trainingLoss"] = s.trainingLoss
		}
		if s.hasValidLoss {
			stats["validationLoss"] = s.validLoss
		}
		if best, ok := s.board.BestEntry(); ok {
			stats["bestEpoch"] = best.Epoch
			stats["bestPath"] = best.Path
			stats["bestScore"] = best.Score
		}
	}
	if s.lastErr != nil {
		stats["error"] = s.lastErr.Error()
	}
	return stats
}

// isFinite reports whether v can be reported as a last-seen loss.
func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

package service_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/okian/maestro/internal/adapters/http/api"
	"github.com/okian/maestro/internal/adapters/journal"
	"github.com/okian/maestro/internal/adapters/repository"
	service "github.com/okian/maestro/internal/app"
	"github.com/okian/maestro/internal/config"
	"github.com/okian/maestro/internal/domain/leaderboard"
	"github.com/okian/maestro/internal/domain/training"
	"github.com/okian/maestro/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	if err := logger.Init(logger.WithWriter(io.Discard)); err != nil {
		panic(err)
	}
}

func testConfig(t *testing.T, epochs, keep int) *config.Config {
	cfg := config.New()
	cfg.DatasetLocation = "/data/sample"
	cfg.TrainingDir = t.TempDir()
	cfg.TrainingEpochs = epochs
	cfg.MaxCheckpointsToKeep = keep
	return cfg
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestService_Run(t *testing.T) {
	Convey("Given a run of four epochs keeping two checkpoints", t, func() {
		ctx := context.Background()
		cfg := testConfig(t, 4, 2)
		j, err := journal.Open(journal.WithInMemory(true))
		So(err, ShouldBeNil)
		Reset(func() { _ = j.Close() })

		fw := training.NewSimulatedFramework(
			training.WithJitter(0),
			training.WithValidationLosses(0.5, 0.4, 0.3, 0.6),
		)
		svc := service.New(
			service.WithConfig(cfg),
			service.WithFramework(fw),
			service.WithJournal(j),
		)

		Convey("When the run completes", func() {
			res, err := svc.Run(ctx)
			So(err, ShouldBeNil)

			Convey("Then the run directory is the first numbered one", func() {
				So(res.RunDir, ShouldEqual, filepath.Join(cfg.TrainingDir, "1"))
				So(res.RunID, ShouldNotBeEmpty)
			})

			Convey("Then the two best checkpoints are retained, best first", func() {
				entries := svc.Entries()
				So(len(entries), ShouldEqual, 2)
				So(entries[0].Epoch, ShouldEqual, 2)
				So(entries[0].Score, ShouldEqual, 0.3)
				So(entries[1].Epoch, ShouldEqual, 1)

				best, ok := svc.Best()
				So(ok, ShouldBeTrue)
				So(best.Path, ShouldEqual, filepath.Join(res.RunDir, "checkpoints", "2"))
			})

			Convey("Then only retained checkpoints remain on disk", func() {
				ckpt := filepath.Join(res.RunDir, repository.CheckpointsDir)
				So(exists(filepath.Join(ckpt, "0")), ShouldBeFalse)
				So(exists(filepath.Join(ckpt, "1")), ShouldBeTrue)
				So(exists(filepath.Join(ckpt, "2")), ShouldBeTrue)
				So(exists(filepath.Join(ckpt, "3")), ShouldBeFalse)
			})

			Convey("Then the best model is exported with its manifest", func() {
				So(res.HasBest, ShouldBeTrue)
				So(res.BestModelPath, ShouldEqual, filepath.Join(res.RunDir, repository.BestModelDir))
				So(exists(filepath.Join(res.BestModelPath, training.AdapterModelFile)), ShouldBeTrue)

				store, err := repository.NewFSStore(res.RunDir)
				So(err, ShouldBeNil)
				m, err := store.Load(ctx, res.BestModelPath)
				So(err, ShouldBeNil)
				So(m.Epoch, ShouldEqual, 2)
				So(m.RunID, ShouldEqual, res.RunID)
			})

			Convey("Then the best model is evaluated on validation when test is absent", func() {
				So(res.TestSplit, ShouldEqual, training.SplitValid)
				So(res.TestLoss, ShouldBeGreaterThan, 0)
			})

			Convey("Then every decision is journaled in order", func() {
				recs, err := j.List(ctx, res.RunID)
				So(err, ShouldBeNil)
				So(len(recs), ShouldEqual, 4)
				So(recs[0].Admitted, ShouldBeTrue)
				So(recs[1].Admitted, ShouldBeTrue)
				So(recs[2].Admitted, ShouldBeTrue)
				So(recs[2].Evicted, ShouldEqual, filepath.Join(res.RunDir, "checkpoints", "0"))
				So(recs[3].Admitted, ShouldBeFalse)

				replayed, err := journal.Replay(recs, cfg.MaxCheckpointsToKeep)
				So(err, ShouldBeNil)
				So(replayed.Entries(), ShouldResemble, svc.Entries())
			})

			Convey("Then stats describe the finished run", func() {
				stats := svc.GetStats()
				So(stats["phase"], ShouldEqual, service.PhaseDone)
				So(stats["running"], ShouldEqual, false)
				So(stats["retained"], ShouldEqual, 2)
				So(stats["bestEpoch"], ShouldEqual, 2)
				So(stats["registrations"], ShouldEqual, 4)
			})

			Convey("Then TopN truncates the ranking", func() {
				top, err := svc.TopN(ctx, 1)
				So(err, ShouldBeNil)
				So(len(top), ShouldEqual, 1)
				So(top[0].Epoch, ShouldEqual, 2)
			})

			Convey("Then a second run gets the next run directory", func() {
				res2, err := svc.Run(ctx)
				So(err, ShouldBeNil)
				So(res2.RunDir, ShouldEqual, filepath.Join(cfg.TrainingDir, "2"))
				So(res2.RunID, ShouldNotEqual, res.RunID)
			})
		})
	})

	Convey("Given a validation loss that is not a number", t, func() {
		ctx := context.Background()
		cfg := testConfig(t, 3, 3)
		cfg.JournalInMemory = true
		fw := training.NewSimulatedFramework(
			training.WithJitter(0),
			training.WithValidationLosses(0.5, math.NaN(), 0.4),
		)
		svc := service.New(service.WithConfig(cfg), service.WithFramework(fw))

		Convey("When the run completes", func() {
			res, err := svc.Run(ctx)

			Convey("Then the invalid epoch is skipped and training continues", func() {
				So(err, ShouldBeNil)
				entries := svc.Entries()
				So(len(entries), ShouldEqual, 2)
				So(entries[0].Epoch, ShouldEqual, 2)
				So(entries[1].Epoch, ShouldEqual, 0)
				So(exists(filepath.Join(res.RunDir, "checkpoints", "1")), ShouldBeFalse)
			})
		})
	})

	Convey("Given a final validation loss that is not a number", t, func() {
		cfg := testConfig(t, 2, 3)
		cfg.JournalInMemory = true
		fw := training.NewSimulatedFramework(
			training.WithJitter(0),
			training.WithValidationLosses(0.5, math.NaN()),
		)
		svc := service.New(service.WithConfig(cfg), service.WithFramework(fw))
		_, err := svc.Run(context.Background())
		So(err, ShouldBeNil)

		Convey("Then stats keep the last finite validation loss", func() {
			So(svc.GetStats()["validationLoss"], ShouldEqual, 0.5)
		})

		Convey("Then /stats still serves a decodable body", func() {
			mux := http.NewServeMux()
			api.NewServer(svc, svc).Register(context.Background(), mux)
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stats", http.NoBody))

			So(w.Code, ShouldEqual, http.StatusOK)
			var body map[string]any
			So(json.Unmarshal(w.Body.Bytes(), &body), ShouldBeNil)
			So(body["phase"], ShouldEqual, service.PhaseDone)
			So(body["validationLoss"], ShouldEqual, 0.5)
			So(body["registrations"], ShouldEqual, float64(2))
		})
	})

	Convey("Given a run journaled to disk without synced writes", t, func() {
		cfg := testConfig(t, 2, 1)
		cfg.JournalSyncWrites = false
		fw := training.NewSimulatedFramework(
			training.WithJitter(0),
			training.WithValidationLosses(0.5, 0.25),
		)
		svc := service.New(service.WithConfig(cfg), service.WithFramework(fw))

		Convey("When the run completes", func() {
			res, err := svc.Run(context.Background())
			So(err, ShouldBeNil)

			Convey("Then the run directory holds every decision", func() {
				j, err := journal.Open(journal.WithPath(filepath.Join(res.RunDir, repository.JournalDir)))
				So(err, ShouldBeNil)
				defer j.Close()
				recs, err := j.List(context.Background(), res.RunID)
				So(err, ShouldBeNil)
				So(len(recs), ShouldEqual, 2)
				So(recs[1].Evicted, ShouldEqual, recs[0].Path)
			})
		})
	})

	Convey("Given a dataset without a validation split", t, func() {
		cfg := testConfig(t, 2, 3)
		cfg.JournalInMemory = true
		fw := training.NewSimulatedFramework(
			training.WithSplitSamples(map[training.Split]int{training.SplitTrain: 8}),
		)
		svc := service.New(service.WithConfig(cfg), service.WithFramework(fw))

		Convey("When the run completes", func() {
			res, err := svc.Run(context.Background())

			Convey("Then nothing is registered or exported", func() {
				So(err, ShouldBeNil)
				So(res.HasBest, ShouldBeFalse)
				So(res.BestModelPath, ShouldBeEmpty)
				So(svc.Entries(), ShouldBeEmpty)
				So(exists(filepath.Join(res.RunDir, repository.BestModelDir)), ShouldBeFalse)
			})
		})
	})

	Convey("Given a dataset with a test split", t, func() {
		cfg := testConfig(t, 1, 1)
		cfg.JournalInMemory = true
		fw := training.NewSimulatedFramework(
			training.WithSplitSamples(map[training.Split]int{
				training.SplitTrain: 8,
				training.SplitValid: 4,
				training.SplitTest:  4,
			}),
		)
		svc := service.New(service.WithConfig(cfg), service.WithFramework(fw))

		Convey("Then the best model is evaluated on the test split", func() {
			res, err := svc.Run(context.Background())
			So(err, ShouldBeNil)
			So(res.TestSplit, ShouldEqual, training.SplitTest)
		})
	})
}

func TestService_RunErrors(t *testing.T) {
	Convey("Given services missing collaborators", t, func() {
		ctx := context.Background()

		Convey("Then a run without configuration fails", func() {
			_, err := service.New(service.WithFramework(training.NewSimulatedFramework())).Run(ctx)
			So(errors.Is(err, service.ErrNoConfig), ShouldBeTrue)
		})

		Convey("Then a run without framework fails", func() {
			_, err := service.New(service.WithConfig(testConfig(t, 1, 1))).Run(ctx)
			So(errors.Is(err, service.ErrNoFramework), ShouldBeTrue)
		})
	})

	Convey("Given a leaderboard capacity of zero", t, func() {
		cfg := testConfig(t, 1, 1)
		cfg.MaxCheckpointsToKeep = 0
		svc := service.New(service.WithConfig(cfg), service.WithFramework(training.NewSimulatedFramework()))

		Convey("Then the run fails with an invalid configuration", func() {
			_, err := svc.Run(context.Background())
			So(errors.Is(err, leaderboard.ErrInvalidConfiguration), ShouldBeTrue)
			So(svc.GetStats()["phase"], ShouldEqual, service.PhaseFailed)
		})
	})

	Convey("Given an empty train split", t, func() {
		cfg := testConfig(t, 1, 1)
		cfg.JournalInMemory = true
		fw := training.NewSimulatedFramework(
			training.WithSplitSamples(map[training.Split]int{training.SplitValid: 4}),
		)
		svc := service.New(service.WithConfig(cfg), service.WithFramework(fw))

		Convey("Then the run fails", func() {
			_, err := svc.Run(context.Background())
			So(errors.Is(err, service.ErrNoTrainingData), ShouldBeTrue)
		})
	})

	Convey("Given a cancelled context", t, func() {
		cfg := testConfig(t, 1, 1)
		cfg.JournalInMemory = true
		svc := service.New(service.WithConfig(cfg), service.WithFramework(training.NewSimulatedFramework()))
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		Convey("Then the run stops with the context error", func() {
			_, err := svc.Run(ctx)
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
			stats := svc.GetStats()
			So(stats["phase"], ShouldEqual, service.PhaseFailed)
			So(stats["error"], ShouldNotBeEmpty)
		})
	})
}

func TestService_ReadsBeforeRun(t *testing.T) {
	Convey("Given a service that has not run", t, func() {
		svc := service.New()

		Convey("Then reads are empty", func() {
			So(svc.Entries(), ShouldBeEmpty)
			_, ok := svc.Best()
			So(ok, ShouldBeFalse)
			So(svc.GetStats()["phase"], ShouldEqual, service.PhaseIdle)
		})
	})
}

package journal_test

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"

	"github.com/okian/maestro/internal/adapters/journal"
	"github.com/okian/maestro/internal/domain/leaderboard"
	"github.com/okian/maestro/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func testLogger() logger.Logger {
	_ = logger.Init(logger.WithWriter(&bytes.Buffer{}))
	return logger.Get().Named("journal-test")
}

func TestJournal(t *testing.T) {
	Convey("Given an in-memory journal", t, func() {
		ctx := context.Background()
		j, err := journal.Open(journal.WithInMemory(true), journal.WithLogger(testLogger()))
		So(err, ShouldBeNil)
		Reset(func() { _ = j.Close() })

		Convey("When records are appended to two runs", func() {
			for i, score := range []float64{0.5, 0.4, 0.6} {
				rec, err := j.Append(ctx, journal.Record{RunID: "a", Epoch: i, Score: score, Admitted: true})
				So(err, ShouldBeNil)
				So(rec.Seq, ShouldEqual, i)
				So(rec.At.IsZero(), ShouldBeFalse)
			}
			_, err := j.Append(ctx, journal.Record{RunID: "b", Epoch: 0, Score: 1})
			So(err, ShouldBeNil)

			Convey("Then List returns a run's records in sequence order", func() {
				recs, err := j.List(ctx, "a")
				So(err, ShouldBeNil)
				So(len(recs), ShouldEqual, 3)
				for i, rec := range recs {
					So(rec.Seq, ShouldEqual, i)
					So(rec.Epoch, ShouldEqual, i)
				}
				So(recs[1].Score, ShouldEqual, 0.4)
			})

			Convey("Then Runs lists both runs", func() {
				runs, err := j.Runs(ctx)
				So(err, ShouldBeNil)
				So(runs, ShouldResemble, []string{"a", "b"})
			})

			Convey("Then an unknown run has no records", func() {
				recs, err := j.List(ctx, "missing")
				So(err, ShouldBeNil)
				So(recs, ShouldBeEmpty)
			})
		})

		Convey("When the run id is invalid", func() {
			_, err := j.Append(ctx, journal.Record{RunID: ""})
			So(errors.Is(err, journal.ErrInvalidRun), ShouldBeTrue)
			_, err = j.Append(ctx, journal.Record{RunID: "a/b"})
			So(errors.Is(err, journal.ErrInvalidRun), ShouldBeTrue)
		})

		Convey("When the context is cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()
			_, err := j.Append(cctx, journal.Record{RunID: "a"})
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
		})

		Convey("When the journal is closed", func() {
			So(j.Close(), ShouldBeNil)
			So(j.Close(), ShouldBeNil)
			_, err := j.Append(ctx, journal.Record{RunID: "a"})
			So(errors.Is(err, journal.ErrClosed), ShouldBeTrue)
			_, err = j.List(ctx, "a")
			So(errors.Is(err, journal.ErrClosed), ShouldBeTrue)
		})
	})

	Convey("Given no path and no in-memory flag", t, func() {
		_, err := journal.Open(journal.WithLogger(testLogger()))
		So(errors.Is(err, journal.ErrMissingPath), ShouldBeTrue)
	})
}

func TestJournalOnDisk(t *testing.T) {
	Convey("Given a journal stored in a directory", t, func() {
		ctx := context.Background()
		dir := t.TempDir()
		j, err := journal.Open(journal.WithPath(dir), journal.WithLogger(testLogger()))
		So(err, ShouldBeNil)
		So(j.SyncWrites(), ShouldBeTrue)
		_, err = j.Append(ctx, journal.Record{RunID: "r", Epoch: 0, Score: 0.3})
		So(err, ShouldBeNil)
		So(j.Close(), ShouldBeNil)

		Convey("When it is reopened and appended to", func() {
			j2, err := journal.Open(journal.WithPath(dir), journal.WithLogger(testLogger()))
			So(err, ShouldBeNil)
			defer j2.Close()
			rec, err := j2.Append(ctx, journal.Record{RunID: "r", Epoch: 1, Score: 0.2})
			So(err, ShouldBeNil)

			Convey("Then sequence numbering continues", func() {
				So(rec.Seq, ShouldEqual, 1)
				recs, err := j2.List(ctx, "r")
				So(err, ShouldBeNil)
				So(len(recs), ShouldEqual, 2)
			})
		})

		Convey("When it is reopened without synced writes", func() {
			j2, err := journal.Open(journal.WithPath(dir), journal.WithSyncWrites(false), journal.WithLogger(testLogger()))
			So(err, ShouldBeNil)
			defer j2.Close()

			Convey("Then appends still persist across a close", func() {
				So(j2.SyncWrites(), ShouldBeFalse)
				_, err := j2.Append(ctx, journal.Record{RunID: "r", Epoch: 1, Score: 0.2})
				So(err, ShouldBeNil)
				So(j2.Close(), ShouldBeNil)

				j3, err := journal.Open(journal.WithPath(dir), journal.WithLogger(testLogger()))
				So(err, ShouldBeNil)
				defer j3.Close()
				recs, err := j3.List(ctx, "r")
				So(err, ShouldBeNil)
				So(len(recs), ShouldEqual, 2)
			})
		})
	})

	Convey("Given an in-memory journal asked for synced writes", t, func() {
		j, err := journal.Open(journal.WithInMemory(true), journal.WithSyncWrites(true), journal.WithLogger(testLogger()))
		So(err, ShouldBeNil)
		defer j.Close()

		Convey("Then writes are not synced", func() {
			So(j.SyncWrites(), ShouldBeFalse)
		})
	})
}

func TestReplay(t *testing.T) {
	Convey("Given recorded registrations", t, func() {
		records := []journal.Record{
			{Seq: 2, Epoch: 2, Path: "/c/2", Score: 0.4},
			{Seq: 0, Epoch: 0, Path: "/c/0", Score: 0.5},
			{Seq: 1, Epoch: 1, Path: "/c/1", Score: 0.3},
			{Seq: 3, Epoch: 3, Path: "/c/3", Score: 0.6},
			{Seq: 4, Epoch: -1, Path: "/c/x", Score: 0.1, Err: "invalid input"},
		}

		Convey("When replayed with capacity 2", func() {
			lb, err := journal.Replay(records, 2)
			So(err, ShouldBeNil)

			Convey("Then the retained set matches the sequence of decisions", func() {
				entries := lb.Entries()
				So(len(entries), ShouldEqual, 2)
				So(entries[0].Path, ShouldEqual, "/c/1")
				So(entries[1].Path, ShouldEqual, "/c/2")
				best, ok := lb.Best()
				So(ok, ShouldBeTrue)
				So(best, ShouldEqual, "/c/1")
			})
		})

		Convey("When replayed with an invalid capacity", func() {
			_, err := journal.Replay(records, 0)
			So(errors.Is(err, leaderboard.ErrInvalidConfiguration), ShouldBeTrue)
		})
	})
}

func TestJournalNonFiniteScore(t *testing.T) {
	Convey("Given a record with a NaN score", t, func() {
		ctx := context.Background()
		j, err := journal.Open(journal.WithInMemory(true), journal.WithLogger(testLogger()))
		So(err, ShouldBeNil)
		defer j.Close()

		rec, err := j.Append(ctx, journal.Record{RunID: "r", Epoch: 1, Score: math.NaN()})

		Convey("Then it is stored with a zero score and a reason", func() {
			So(err, ShouldBeNil)
			So(rec.Score, ShouldEqual, 0)
			So(rec.Err, ShouldContainSubstring, "non-finite")
		})
	})
}

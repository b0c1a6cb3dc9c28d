package leaderboard_test

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/okian/maestro/internal/domain/leaderboard"
	. "github.com/smartystreets/goconvey/convey"
)

func mustNew(capacity int) *leaderboard.Leaderboard {
	lb, err := leaderboard.New(capacity)
	if err != nil {
		panic(err)
	}
	return lb
}

func TestLeaderboard_New(t *testing.T) {
	Convey("Given a capacity", t, func() {
		Convey("When it is positive", func() {
			lb, err := leaderboard.New(3)

			Convey("Then an empty leaderboard is created", func() {
				So(err, ShouldBeNil)
				So(lb.Capacity(), ShouldEqual, 3)
				So(lb.Len(), ShouldEqual, 0)
			})
		})

		Convey("When it is zero or negative", func() {
			for _, c := range []int{0, -1, -10} {
				lb, err := leaderboard.New(c)
				So(lb, ShouldBeNil)
				So(errors.Is(err, leaderboard.ErrInvalidConfiguration), ShouldBeTrue)
			}
		})
	})
}

func TestLeaderboard_Scenarios(t *testing.T) {
	Convey("Scenario A: capacity 2 evicts the worst on a better score", t, func() {
		lb := mustNew(2)

		d, err := lb.Register(0, "a", 0.5)
		So(err, ShouldBeNil)
		So(d.Admitted, ShouldBeTrue)
		So(d.Evicted, ShouldBeNil)

		d, err = lb.Register(1, "b", 0.3)
		So(err, ShouldBeNil)
		So(d.Admitted, ShouldBeTrue)
		So(d.Evicted, ShouldBeNil)

		best, ok := lb.Best()
		So(ok, ShouldBeTrue)
		So(best, ShouldEqual, "b")

		d, err = lb.Register(2, "c", 0.4)
		So(err, ShouldBeNil)
		So(d.Admitted, ShouldBeTrue)
		path, evicted := d.EvictedPath()
		So(evicted, ShouldBeTrue)
		So(path, ShouldEqual, "a")

		So(lb.Entries(), ShouldResemble, []leaderboard.Entry{
			{Epoch: 1, Path: "b", Score: 0.3},
			{Epoch: 2, Path: "c", Score: 0.4},
		})
	})

	Convey("Scenario B: capacity 1 rejects a worse score", t, func() {
		lb := mustNew(1)

		d, err := lb.Register(0, "a", 1.0)
		So(err, ShouldBeNil)
		So(d.Admitted, ShouldBeTrue)

		d, err = lb.Register(1, "b", 2.0)
		So(err, ShouldBeNil)
		So(d.Admitted, ShouldBeFalse)
		So(d.Evicted, ShouldBeNil)

		best, ok := lb.Best()
		So(ok, ShouldBeTrue)
		So(best, ShouldEqual, "a")
	})

	Convey("Scenario C: an empty leaderboard has no best", t, func() {
		lb := mustNew(3)
		best, ok := lb.Best()
		So(ok, ShouldBeFalse)
		So(best, ShouldBeEmpty)
		_, ok = lb.BestEntry()
		So(ok, ShouldBeFalse)
	})

	Convey("Scenario D: a NaN score is rejected and state is unchanged", t, func() {
		lb := mustNew(2)
		_, err := lb.Register(0, "a", 0.7)
		So(err, ShouldBeNil)
		before := lb.Entries()

		d, err := lb.Register(1, "b", math.NaN())
		So(errors.Is(err, leaderboard.ErrInvalidInput), ShouldBeTrue)
		So(d.Admitted, ShouldBeFalse)
		So(lb.Entries(), ShouldResemble, before)
	})
}

func TestLeaderboard_InvalidInput(t *testing.T) {
	Convey("Given a leaderboard with one entry", t, func() {
		lb := mustNew(2)
		_, err := lb.Register(3, "ckpt/3", 0.9)
		So(err, ShouldBeNil)

		cases := []struct {
			name  string
			epoch int
			score float64
		}{
			{"positive infinity", 4, math.Inf(1)},
			{"negative infinity", 4, math.Inf(-1)},
			{"negative epoch", -1, 0.1},
			{"duplicate epoch", 3, 0.1},
		}
		for _, tc := range cases {
			Convey("When registering with "+tc.name, func() {
				d, err := lb.Register(tc.epoch, "x", tc.score)

				Convey("Then it fails with ErrInvalidInput and leaves the state alone", func() {
					So(errors.Is(err, leaderboard.ErrInvalidInput), ShouldBeTrue)
					So(d.Admitted, ShouldBeFalse)
					So(lb.Entries(), ShouldResemble, []leaderboard.Entry{{Epoch: 3, Path: "ckpt/3", Score: 0.9}})
				})
			})
		}
	})
}

func TestLeaderboard_Ties(t *testing.T) {
	Convey("Given a full leaderboard", t, func() {
		lb := mustNew(2)
		_, _ = lb.Register(0, "a", 0.5)
		_, _ = lb.Register(1, "b", 0.5)

		Convey("Then equal scores keep registration order", func() {
			So(lb.Entries()[0].Path, ShouldEqual, "a")
			So(lb.Entries()[1].Path, ShouldEqual, "b")
		})

		Convey("When a score equal to the worst arrives", func() {
			d, err := lb.Register(2, "c", 0.5)

			Convey("Then it is rejected and nothing is evicted", func() {
				So(err, ShouldBeNil)
				So(d.Admitted, ShouldBeFalse)
				So(d.Evicted, ShouldBeNil)
				So(lb.Len(), ShouldEqual, 2)
			})
		})

		Convey("When a strictly better score arrives", func() {
			d, err := lb.Register(2, "c", 0.1)

			Convey("Then the later of the tied entries is evicted", func() {
				So(err, ShouldBeNil)
				So(d.Admitted, ShouldBeTrue)
				So(d.Evicted.Path, ShouldEqual, "b")
				So(lb.Entries()[0].Path, ShouldEqual, "c")
				So(lb.Entries()[1].Path, ShouldEqual, "a")
			})
		})
	})
}

func TestLeaderboard_Properties(t *testing.T) {
	Convey("Given random registration sequences", t, func() {
		rng := rand.New(rand.NewSource(7)) //nolint:gosec // deterministic seed for reproducible testing

		for capacity := 1; capacity <= 5; capacity++ {
			lb := mustNew(capacity)
			for epoch := 0; epoch < 50; epoch++ {
				score := math.Round(rng.Float64()*20) / 10 // coarse values force ties
				var worst *leaderboard.Entry
				if lb.Len() == capacity {
					w := lb.Entries()[capacity-1]
					worst = &w
				}
				before := lb.Entries()

				d, err := lb.Register(epoch, fmt.Sprintf("ckpt/%d", epoch), score)
				So(err, ShouldBeNil)

				So(lb.Len(), ShouldBeLessThanOrEqualTo, capacity)
				entries := lb.Entries()
				So(sort.SliceIsSorted(entries, func(i, j int) bool { return entries[i].Score < entries[j].Score }), ShouldBeTrue)

				switch {
				case worst == nil:
					So(d.Admitted, ShouldBeTrue)
					So(d.Evicted, ShouldBeNil)
				case score < worst.Score:
					So(d.Admitted, ShouldBeTrue)
					So(*d.Evicted, ShouldResemble, *worst)
				default:
					So(d.Admitted, ShouldBeFalse)
					So(d.Evicted, ShouldBeNil)
					So(entries, ShouldResemble, before)
				}

				first, _ := lb.Best()
				second, _ := lb.Best()
				So(first, ShouldEqual, second)
				So(first, ShouldEqual, entries[0].Path)
			}
		}
	})
}

func TestLeaderboard_EntriesIsACopy(t *testing.T) {
	Convey("Given a leaderboard with an entry", t, func() {
		lb := mustNew(1)
		_, _ = lb.Register(0, "a", 1)

		Convey("When the returned slice is modified", func() {
			entries := lb.Entries()
			entries[0].Path = "mutated"

			Convey("Then the leaderboard is unaffected", func() {
				best, _ := lb.Best()
				So(best, ShouldEqual, "a")
			})
		})
	})
}

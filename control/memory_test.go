package control

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// vecFor builds a state vector with the given approach loaded and the rest
// idle, giving distinguishable directions for similarity tests.
func vecFor(a Approach, scale float64) []float64 {
	metrics := make(map[Approach]RoadMetrics, len(Approaches))
	for _, each := range Approaches {
		metrics[each] = RoadMetrics{}
	}
	metrics[a] = RoadMetrics{
		WaitingCount:      int(10 * scale),
		AvgWaitTime:       20 * scale,
		CongestionPercent: 25 * scale,
		ArrivalRateVPM:    6 * scale,
		DepartureRateVPM:  3 * scale,
	}
	return StateVector(metrics)
}

func TestMemory(t *testing.T) {
	Convey("Given an experience memory", t, func() {
		mem := NewMemory(0, nil, testLogger())

		Convey("The state vector has the fixed 24 float layout", func() {
			vec := vecFor(North, 1)
			So(len(vec), ShouldEqual, 24)
			So(vec[0], ShouldEqual, 10) // north waiting count leads
			So(vec[6], ShouldEqual, 0)  // east block idle
		})

		Convey("A fresh identical state is recalled with full confidence", func() {
			mem.Record(vecFor(East, 1), East, 42, 100)
			matches := mem.FindSimilar(vecFor(East, 1), 100)
			So(len(matches), ShouldEqual, 1)
			So(matches[0].Similarity, ShouldAlmostEqual, 1.0, 1e-9)
			So(matches[0].Weight, ShouldAlmostEqual, 1.0, 1e-9)
			So(Confident(matches), ShouldBeTrue)
		})

		Convey("Scaled states still match on direction", func() {
			mem.Record(vecFor(East, 1), East, 10, 100)
			matches := mem.FindSimilar(vecFor(East, 3), 100)
			So(len(matches), ShouldEqual, 1)
			So(matches[0].Similarity, ShouldAlmostEqual, 1.0, 1e-9)
		})

		Convey("Orthogonal states fall under the similarity floor", func() {
			mem.Record(vecFor(East, 1), East, 10, 100)
			matches := mem.FindSimilar(vecFor(North, 1), 100)
			So(matches, ShouldBeEmpty)
		})

		Convey("Old experiences decay and lose confidence", func() {
			mem.Record(vecFor(East, 1), East, 10, 0)
			matches := mem.FindSimilar(vecFor(East, 1), 3600)
			So(len(matches), ShouldEqual, 1)
			So(matches[0].Decay, ShouldBeLessThan, 0.02)
			So(Confident(matches), ShouldBeFalse)
		})

		Convey("At most five matches come back, best weighted first", func() {
			for i := 0; i < 8; i++ {
				mem.Record(vecFor(East, 1), East, float64(i), i*100)
			}
			matches := mem.FindSimilar(vecFor(East, 1), 800)
			So(len(matches), ShouldEqual, 5)
			for i := 1; i < len(matches); i++ {
				So(matches[i].Weight, ShouldBeLessThanOrEqualTo, matches[i-1].Weight)
			}
			// The newest record decays least and ranks first.
			So(matches[0].Timestamp, ShouldEqual, 700)
		})

		Convey("Weighted rewards average per approach", func() {
			matches := []Match{
				{Experience: Experience{ChosenApproach: East, Reward: 10}, Weight: 1.0},
				{Experience: Experience{ChosenApproach: East, Reward: 20}, Weight: 1.0},
				{Experience: Experience{ChosenApproach: North, Reward: 5}, Weight: 0.5},
			}
			rewards := WeightedRewards(matches)
			So(rewards[East], ShouldAlmostEqual, 15)
			So(rewards[North], ShouldAlmostEqual, 5)
		})

		Convey("The capacity bound evicts oldest first", func() {
			small := NewMemory(3, nil, testLogger())
			for i := 0; i < 5; i++ {
				small.Record(vecFor(East, 1), East, float64(i), i)
			}
			sum := small.Summary()
			So(sum.Records, ShouldEqual, 3)
			So(sum.OldestRecorded, ShouldEqual, 2)
			So(sum.NewestRecorded, ShouldEqual, 4)
		})

		Convey("The summary aggregates counts and mean reward", func() {
			mem.Record(vecFor(East, 1), East, 10, 1)
			mem.Record(vecFor(North, 1), North, -4, 2)
			mem.Record(vecFor(East, 2), East, 6, 3)
			sum := mem.Summary()
			So(sum.Records, ShouldEqual, 3)
			So(sum.CountByChoice[East], ShouldEqual, 2)
			So(sum.CountByChoice[North], ShouldEqual, 1)
			So(sum.MeanReward, ShouldAlmostEqual, 4)
		})

		Convey("A zero query vector matches nothing", func() {
			mem.Record(vecFor(East, 1), East, 10, 1)
			matches := mem.FindSimilar(make([]float64, 24), 1)
			So(matches, ShouldBeEmpty)
		})
	})
}

func TestMemoryManyDirections(t *testing.T) {
	Convey("With experiences across all four approaches", t, func() {
		mem := NewMemory(0, nil, testLogger())
		for i, a := range Approaches {
			for j := 0; j < 3; j++ {
				mem.Record(vecFor(a, 1), a, float64(10*(i+1)), 100*j)
			}
		}

		Convey("Recall stays direction specific", func() {
			for _, a := range Approaches {
				matches := mem.FindSimilar(vecFor(a, 1), 300)
				So(len(matches), ShouldBeGreaterThan, 0)
				for _, match := range matches {
					So(match.ChosenApproach, ShouldEqual, a)
				}
			}
		})

		Convey("Summary counts every direction", func() {
			sum := mem.Summary()
			for _, a := range Approaches {
				So(sum.CountByChoice[a], ShouldEqual, 3)
			}
		})
	})
}

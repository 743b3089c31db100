package control

import (
	"fmt"
	"math/rand"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestTracker(t *testing.T) {
	Convey("Given a tracker over a scripted simulator", t, func() {
		fake := newFakeAdapter()
		tracker := NewTracker(fake, testLogger())

		Convey("A vehicle entering the edge is tracked as an arrival", func() {
			fake.place(East, "v1", 0)
			tracker.UpdateTracking(10)
			m := tracker.ComputeMetrics(10)
			So(m[East].WaitingCount, ShouldEqual, 1)
			So(m[East].ArrivalRateVPM, ShouldBeGreaterThan, 0)
			So(m[North].WaitingCount, ShouldEqual, 0)
		})

		Convey("Wait accumulation is monotone for a stopped vehicle", func() {
			fake.place(East, "v1", 0.5)
			last := 0.0
			for now := 1; now <= 20; now++ {
				tracker.UpdateTracking(now)
				m := tracker.ComputeMetrics(now)
				So(m[East].AvgWaitTime, ShouldBeGreaterThanOrEqualTo, last)
				last = m[East].AvgWaitTime
			}
			So(last, ShouldEqual, 20)
		})

		Convey("A moving vehicle does not accumulate waiting time", func() {
			fake.place(North, "fast", 6.0)
			for now := 1; now <= 5; now++ {
				tracker.UpdateTracking(now)
			}
			m := tracker.ComputeMetrics(5)
			So(m[North].WaitingCount, ShouldEqual, 0)
			So(m[North].AvgWaitTime, ShouldEqual, 0)
		})

		Convey("A vehicle with unknown speed is not counted as waiting", func() {
			fake.place(South, "ghost", 0)
			tracker.UpdateTracking(1)
			delete(fake.speeds, "ghost")
			tracker.UpdateTracking(2)
			m := tracker.ComputeMetrics(2)
			So(m[South].WaitingCount, ShouldEqual, 0)
		})

		Convey("A departing vehicle feeds the cleared interval counter", func() {
			fake.place(West, "v2", 0)
			tracker.UpdateTracking(1)
			fake.remove(West, "v2")
			tracker.UpdateTracking(2)

			Convey("The running accumulator is only exposed after a boundary flush", func() {
				m := tracker.ComputeMetrics(2)
				So(m[West].ClearedLastInterval, ShouldEqual, 0)
				tracker.FlushInterval()
				m = tracker.ComputeMetrics(3)
				So(m[West].ClearedLastInterval, ShouldEqual, 1)

				Convey("And the next flush resets it", func() {
					tracker.FlushInterval()
					m := tracker.ComputeMetrics(4)
					So(m[West].ClearedLastInterval, ShouldEqual, 0)
				})
			})
		})

		Convey("Window entries older than 60 seconds are evicted", func() {
			fake.place(North, "old", 0)
			tracker.UpdateTracking(1)
			fake.remove(North, "old")
			tracker.UpdateTracking(2)
			for now := 3; now <= 70; now++ {
				tracker.UpdateTracking(now)
			}
			m := tracker.ComputeMetrics(70)
			So(m[North].ArrivalRateVPM, ShouldEqual, 0)
			So(m[North].DepartureRateVPM, ShouldEqual, 0)
		})

		Convey("Time since last green follows MarkGreen", func() {
			tracker.UpdateTracking(1)
			m := tracker.ComputeMetrics(1)
			So(m[East].TimeSinceLastGreen, ShouldEqual, 0)
			tracker.MarkGreen(East, 5)
			m = tracker.ComputeMetrics(35)
			So(m[East].TimeSinceLastGreen, ShouldEqual, 30)
		})

		Convey("Congestion is bounded at 100 percent", func() {
			for i := 0; i < 80; i++ {
				fake.place(South, VehicleID(fmt.Sprintf("q%d", i)), 0)
			}
			tracker.UpdateTracking(1)
			m := tracker.ComputeMetrics(1)
			So(m[South].WaitingCount, ShouldEqual, 80)
			So(m[South].CongestionPercent, ShouldEqual, 100)
		})

		Convey("ETA never divides by zero", func() {
			fake.place(East, "v1", 0)
			tracker.UpdateTracking(1)
			m := tracker.ComputeMetrics(1)
			So(m[East].DepartureRateVPM, ShouldEqual, 0)
			So(m[East].ETAClearSeconds, ShouldEqual, 10)
		})

		Convey("An adapter outage yields safe zero metrics and the tick continues", func() {
			safe := Failsafe(fake, testLogger())
			tracker := NewTracker(safe, testLogger())
			fake.place(East, "v1", 0)
			tracker.UpdateTracking(1)
			fake.failing = true
			tracker.UpdateTracking(2)
			m := tracker.ComputeMetrics(2)
			for _, a := range Approaches {
				So(m[a].WaitingCount, ShouldBeGreaterThanOrEqualTo, 0)
				So(m[a].AvgWaitTime, ShouldBeGreaterThanOrEqualTo, 0)
			}
			// The vanished snapshot is observed as departures, not a crash.
			So(m[East].DepartureRateVPM, ShouldBeGreaterThan, 0)
		})
	})
}

func TestSlidingRateWindows(t *testing.T) {
	Convey("Given random arrival and departure sequences", t, func() {
		rng := rand.New(rand.NewSource(42))
		fake := newFakeAdapter()
		tracker := NewTracker(fake, testLogger())

		arrivalTimes := make(map[Approach][]int)
		departureTimes := make(map[Approach][]int)
		next := 0

		for now := 1; now <= 240; now++ {
			for _, a := range Approaches {
				// Departures first so a vehicle is never placed and removed
				// within the same unobserved tick.
				if ids := fake.edges[a]; len(ids) > 0 && rng.Float64() < 0.25 {
					fake.remove(a, ids[0])
					departureTimes[a] = append(departureTimes[a], now)
				}
				if rng.Float64() < 0.3 {
					next++
					fake.place(a, VehicleID(fmt.Sprintf("r%d", next)), rng.Float64()*10)
					arrivalTimes[a] = append(arrivalTimes[a], now)
				}
			}
			tracker.UpdateTracking(now)
		}

		Convey("The windowed rates equal the event counts of the last 60 seconds", func() {
			m := tracker.ComputeMetrics(240)
			for _, a := range Approaches {
				So(m[a].ArrivalRateVPM, ShouldAlmostEqual, float64(countAfter(arrivalTimes[a], 180)), 0.001)
				So(m[a].DepartureRateVPM, ShouldAlmostEqual, float64(countAfter(departureTimes[a], 180)), 0.001)
			}
		})

		Convey("Every metric field stays in range", func() {
			m := tracker.ComputeMetrics(240)
			for _, a := range Approaches {
				So(m[a].WaitingCount, ShouldBeGreaterThanOrEqualTo, 0)
				So(m[a].AvgWaitTime, ShouldBeGreaterThanOrEqualTo, 0)
				So(m[a].ArrivalRateVPM, ShouldBeGreaterThanOrEqualTo, 0)
				So(m[a].DepartureRateVPM, ShouldBeGreaterThanOrEqualTo, 0)
				So(m[a].CongestionPercent, ShouldBeBetweenOrEqual, 0, 100)
				So(m[a].ETAClearSeconds, ShouldBeGreaterThanOrEqualTo, 0)
				So(m[a].TimeSinceLastGreen, ShouldBeGreaterThanOrEqualTo, 0)
			}
		})
	})
}

func countAfter(ts []int, cutoff int) int {
	c := 0
	for _, t := range ts {
		if t > cutoff {
			c++
		}
	}
	return c
}

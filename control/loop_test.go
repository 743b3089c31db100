package control_test

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	log "gopkg.in/inconshreveable/log15.v2"

	"github.com/atsc/junction-server/control"
	"github.com/atsc/junction-server/microsim"
)

func quietLogger() log.Logger {
	logger := log.New()
	logger.SetHandler(log.DiscardHandler())
	return logger
}

// waitFor polls the latest snapshot until the condition holds or the wall
// clock deadline passes.
func waitFor(loop *control.Loop, timeout time.Duration, cond func(control.Snapshot) bool) (control.Snapshot, bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if snap, ok := loop.Status(); ok && cond(snap) {
			return snap, true
		}
		time.Sleep(time.Millisecond)
	}
	snap, _ := loop.Status()
	return snap, false
}

func decisionEvents(loop *control.Loop) []control.Event {
	all := loop.Events().Since(0, 1000)
	out := make([]control.Event, 0, len(all))
	for _, e := range all {
		if e.Kind == control.EventDecision {
			out = append(out, e)
		}
	}
	return out
}

func hasEvent(loop *control.Loop, kind control.EventKind) bool {
	for _, e := range loop.Events().Since(0, 1000) {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func TestLoopLifecycle(t *testing.T) {
	Convey("Given a loop over the built-in simulator", t, func() {
		sim := microsim.New(microsim.DefaultScenario(), quietLogger())
		loop := control.NewLoop(sim, nil, nil, control.LoopOptions{}, quietLogger())

		Convey("start is idempotent and stop ends the loop cleanly", func() {
			So(loop.Start(), ShouldBeNil)
			So(loop.Start(), ShouldBeNil)
			So(loop.Running(), ShouldBeTrue)
			_, ok := waitFor(loop, 5*time.Second, func(s control.Snapshot) bool { return s.Time >= 10 })
			So(ok, ShouldBeTrue)
			loop.Stop()
			loop.Stop()
			So(loop.Running(), ShouldBeFalse)

			Convey("And start; stop; start leaves a running consistent system", func() {
				So(loop.Start(), ShouldBeNil)
				So(loop.Running(), ShouldBeTrue)
				snap, ok := waitFor(loop, 5*time.Second, func(s control.Snapshot) bool { return s.Time >= 20 })
				So(ok, ShouldBeTrue)
				So(snap.Time, ShouldBeGreaterThanOrEqualTo, 20)
				loop.Stop()
			})
		})

		Convey("setting the current mode twice is a no-op", func() {
			So(loop.Start(), ShouldBeNil)
			So(loop.SetMode(control.ModeAuto), ShouldBeNil)
			So(loop.SetMode(control.ModeAuto), ShouldBeNil)
			loop.Stop()
		})

		Convey("commands are rejected while stopped", func() {
			So(loop.SetMode(control.ModeManual), ShouldEqual, control.ErrNotRunning)
		})
	})
}

func TestLoopStartFailure(t *testing.T) {
	Convey("When the simulator is unreachable", t, func() {
		sim := microsim.New(microsim.DefaultScenario(), quietLogger())
		sim.Fail(errSimulatorDown)
		loop := control.NewLoop(sim, nil, nil, control.LoopOptions{}, quietLogger())

		Convey("start fails with a descriptive error", func() {
			err := loop.Start()
			So(err, ShouldNotBeNil)
			So(err.Error(), ShouldContainSubstring, "simulator unreachable")
			So(loop.Running(), ShouldBeFalse)

			Convey("And recovers once the simulator is back", func() {
				sim.Heal()
				So(loop.Start(), ShouldBeNil)
				loop.Stop()
			})
		})
	})
}

var errSimulatorDown = &simDownError{}

type simDownError struct{}

func (*simDownError) Error() string { return "connection refused" }

func TestLoopUniformLightTraffic(t *testing.T) {
	Convey("Given uniform light traffic on all approaches", t, func() {
		sc := microsim.Scenario{
			Seed: 7,
			Demand: map[string]float64{
				"north": 3, "east": 3, "south": 3, "west": 3,
			},
		}
		sim := microsim.New(sc, quietLogger())
		loop := control.NewLoop(sim, nil, nil, control.LoopOptions{}, quietLogger())
		So(loop.Start(), ShouldBeNil)
		snap, ok := waitFor(loop, 10*time.Second, func(s control.Snapshot) bool { return s.Time >= 200 })
		loop.Stop()
		So(ok, ShouldBeTrue)

		Convey("Every approach has been granted a green", func() {
			granted := make(map[string]bool)
			for _, e := range decisionEvents(loop) {
				if a, ok := e.Payload["approach"].(string); ok && a != "none" {
					granted[a] = true
				}
			}
			So(granted["N"], ShouldBeTrue)
			So(granted["E"], ShouldBeTrue)
			So(granted["S"], ShouldBeTrue)
			So(granted["W"], ShouldBeTrue)
		})

		Convey("No starvation decisions were needed", func() {
			for _, e := range decisionEvents(loop) {
				So(e.Payload["method"], ShouldNotEqual, string(control.MethodStarvation))
			}
		})

		Convey("Congestion stays out of the heavy band", func() {
			for _, a := range control.Approaches {
				So(snap.Prediction[a].CongestionLevel, ShouldNotEqual, control.LevelHigh)
				So(snap.Prediction[a].HeavyTrafficProbability, ShouldBeLessThan, 60)
			}
		})

		Convey("Metrics stay non-negative and bounded throughout", func() {
			for _, a := range control.Approaches {
				m := snap.Metrics[a]
				So(m.WaitingCount, ShouldBeGreaterThanOrEqualTo, 0)
				So(m.CongestionPercent, ShouldBeBetweenOrEqual, 0, 100)
				So(snap.Prediction[a].HeavyTrafficProbability, ShouldBeBetweenOrEqual, 0, 100)
			}
		})
	})
}

func TestLoopAsymmetricLoad(t *testing.T) {
	Convey("Given a heavy standing queue on east and nothing elsewhere", t, func() {
		sc := microsim.Scenario{Seed: 3, Demand: map[string]float64{}}
		sim := microsim.New(sc, quietLogger())
		for i := 0; i < 20; i++ {
			sim.Inject(control.East, control.VehicleCar)
		}
		loop := control.NewLoop(sim, nil, nil, control.LoopOptions{}, quietLogger())
		So(loop.Start(), ShouldBeNil)
		_, ok := waitFor(loop, 5*time.Second, func(s control.Snapshot) bool { return s.Time >= 30 })
		loop.Stop()
		So(ok, ShouldBeTrue)

		Convey("East is served quickly, and not via starvation", func() {
			decisions := decisionEvents(loop)
			So(len(decisions), ShouldBeGreaterThan, 0)
			first := decisions[0]
			So(first.Payload["approach"], ShouldEqual, "E")
			So(first.Payload["method"], ShouldNotEqual, string(control.MethodStarvation))
			So(first.SimulationTime, ShouldBeLessThan, 100)
		})
	})
}

func TestLoopEmergencyPreemption(t *testing.T) {
	Convey("Given north traffic and an emergency vehicle appearing on south", t, func() {
		sc := microsim.Scenario{
			Seed:        11,
			Demand:      map[string]float64{"north": 30},
			Emergencies: []microsim.EmergencySpec{{Time: 40, Approach: "south"}},
		}
		sim := microsim.New(sc, quietLogger())
		loop := control.NewLoop(sim, nil, nil, control.LoopOptions{}, quietLogger())
		So(loop.Start(), ShouldBeNil)
		_, ok := waitFor(loop, 10*time.Second, func(s control.Snapshot) bool { return s.Time >= 70 })
		loop.Stop()
		So(ok, ShouldBeTrue)

		Convey("The preemption is granted within five seconds of detection", func() {
			So(hasEvent(loop, control.EventEmergencyStart), ShouldBeTrue)
			var grantTime int
			found := false
			var duration int
			for _, e := range decisionEvents(loop) {
				if e.Payload["method"] == string(control.MethodEmergency) && e.Payload["approach"] == "S" {
					grantTime = e.SimulationTime
					switch v := e.Payload["duration"].(type) {
					case int:
						duration = v
					case float64:
						duration = int(v)
					}
					found = true
					break
				}
			}
			So(found, ShouldBeTrue)
			So(grantTime, ShouldBeLessThanOrEqualTo, 45)
			So(duration, ShouldBeGreaterThanOrEqualTo, 15)
		})

		Convey("The preemption ends once the vehicle clears", func() {
			So(hasEvent(loop, control.EventEmergencyEnd), ShouldBeTrue)
		})
	})
}

func TestLoopManualThenEmergency(t *testing.T) {
	Convey("Given a manual NS hold interrupted by an emergency on east", t, func() {
		sc := microsim.Scenario{
			Seed:        5,
			Demand:      map[string]float64{},
			Emergencies: []microsim.EmergencySpec{{Time: 40, Approach: "east"}},
		}
		sim := microsim.New(sc, quietLogger())
		loop := control.NewLoop(sim, nil, nil, control.LoopOptions{TickInterval: 5 * time.Millisecond}, quietLogger())
		So(loop.Start(), ShouldBeNil)
		So(loop.SetMode(control.ModeManual), ShouldBeNil)
		So(loop.ApplyManual(control.ManualNSGreen, 60), ShouldBeNil)

		snap, ok := waitFor(loop, 10*time.Second, func(s control.Snapshot) bool { return s.Time >= 45 })
		loop.Stop()
		So(ok, ShouldBeTrue)

		Convey("The manual override is cancelled by the preemption", func() {
			So(hasEvent(loop, control.EventEmergencyStart), ShouldBeTrue)
			So(hasEvent(loop, control.EventManualCancelled), ShouldBeTrue)
			So(snap.Manual.Active, ShouldBeFalse)
			So(snap.Mode, ShouldEqual, control.ModeAuto)
		})

		Convey("No snapshot ever reported manual and emergency together", func() {
			// The invariant check would have killed the loop otherwise.
			So(loop.Err(), ShouldBeNil)
		})
	})
}

func TestLoopGapOut(t *testing.T) {
	Convey("Given a short queue on east and no further demand", t, func() {
		sc := microsim.Scenario{Seed: 9, Demand: map[string]float64{}}
		sim := microsim.New(sc, quietLogger())
		for i := 0; i < 4; i++ {
			sim.Inject(control.East, control.VehicleCar)
		}
		loop := control.NewLoop(sim, nil, nil, control.LoopOptions{}, quietLogger())
		So(loop.Start(), ShouldBeNil)
		snap, ok := waitFor(loop, 5*time.Second, func(s control.Snapshot) bool { return s.Time >= 25 })
		loop.Stop()
		So(ok, ShouldBeTrue)

		Convey("The phase gap-outs once the queue clears", func() {
			found := false
			for _, e := range decisionEvents(loop) {
				if e.Payload["method"] == string(control.MethodGapOut) {
					found = true
				}
			}
			So(found, ShouldBeTrue)
		})

		Convey("With nothing left the controller converges on all-red", func() {
			So(snap.Signal.GreenApproach, ShouldEqual, "none")
			So(snap.Decision.Method, ShouldEqual, string(control.MethodHold))
		})
	})
}

func TestLoopStarvationBound(t *testing.T) {
	Convey("Given sustained demand on every approach", t, func() {
		sc := microsim.Scenario{
			Seed: 21,
			Demand: map[string]float64{
				"north": 4, "east": 4, "south": 4, "west": 4,
			},
		}
		sim := microsim.New(sc, quietLogger())
		loop := control.NewLoop(sim, nil, nil, control.LoopOptions{}, quietLogger())
		ch := loop.Subscribe()
		worst := 0.0
		done := make(chan struct{})
		go func() {
			defer close(done)
			for snap := range ch {
				for _, a := range control.Approaches {
					if since := snap.Metrics[a].TimeSinceLastGreen; since > worst {
						worst = since
					}
				}
			}
		}()
		So(loop.Start(), ShouldBeNil)
		_, ok := waitFor(loop, 15*time.Second, func(s control.Snapshot) bool { return s.Time >= 400 })
		loop.Stop()
		loop.Unsubscribe(ch)
		<-done
		So(ok, ShouldBeTrue)

		Convey("No approach waits longer than the fairness bound", func() {
			// Starvation limit plus a full green of another approach.
			So(worst, ShouldBeLessThanOrEqualTo, 90+60+5)
		})
	})
}

func TestLoopSurvivesSimulatorOutage(t *testing.T) {
	Convey("Given a running loop whose simulator dies mid-run", t, func() {
		sim := microsim.New(microsim.DefaultScenario(), quietLogger())
		loop := control.NewLoop(sim, nil, nil, control.LoopOptions{TickInterval: time.Millisecond}, quietLogger())
		So(loop.Start(), ShouldBeNil)
		_, ok := waitFor(loop, 5*time.Second, func(s control.Snapshot) bool { return s.Time >= 5 })
		So(ok, ShouldBeTrue)

		loop.Stop()
		sim.Fail(errSimulatorDown)
		So(loop.Start(), ShouldNotBeNil)
		sim.Heal()
		So(loop.Start(), ShouldBeNil)

		Convey("Observers keep receiving ticks through an outage", func() {
			_, ok := waitFor(loop, 5*time.Second, func(s control.Snapshot) bool { return s.Time >= 8 })
			So(ok, ShouldBeTrue)
			sim.Fail(errSimulatorDown)
			time.Sleep(50 * time.Millisecond)
			So(loop.Running(), ShouldBeTrue)
			So(loop.Err(), ShouldBeNil)
			sim.Heal()
			_, ok = waitFor(loop, 5*time.Second, func(s control.Snapshot) bool { return s.Time >= 12 })
			So(ok, ShouldBeTrue)
			loop.Stop()
		})
	})
}

// Copyright (C) 2024-2026 by the Junction Server team
// (See AUTHORS file)
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program; if not, write to the
// Free Software Foundation, Inc.,
// 59 Temple Place - Suite 330, Boston, MA  02111-1307, USA.

// Package microsim is a small in-process microscopic simulator of a
// four-approach intersection. It implements the control.SimAdapter
// interface and backs demo runs and the end-to-end tests; a production
// deployment replaces it with an adapter speaking to the real simulator.
package microsim

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	log "gopkg.in/inconshreveable/log15.v2"

	"github.com/atsc/junction-server/control"
)

const (
	// movingSpeed is reported for vehicles being served.
	movingSpeed = 8.0
	// crawlSpeed is added to movingSpeed for vehicles in their arrival second.
	crawlSpeed = 1.0
	// serveWindow is how many vehicles at the head of a green queue report
	// a moving speed.
	serveWindow = 3
	defaultSaturationHeadway = 2
)

type vehicle struct {
	id        control.VehicleID
	vtype     control.VehicleType
	arrivedAt int
}

type road struct {
	queue         []*vehicle
	rate          float64 // arrivals per minute
	lastDeparture int
}

// Sim is the in-process simulator. It is not thread safe; the control loop
// is its single caller, which matches the adapter contract.
type Sim struct {
	logger   log.Logger
	scenario Scenario
	rng      *rand.Rand
	time     int
	nextID   int64

	roads       map[control.Approach]*road
	green       control.Approach
	greenUntil  int
	allRedUntil int

	// failure, when set, makes every adapter operation return it. Used to
	// exercise the fail-safe policy of the control loop; guarded by failMu
	// so tests can flip it while the loop is running.
	failMu  sync.Mutex
	failure error
}

// New creates a simulator from the scenario.
func New(sc Scenario, logger log.Logger) *Sim {
	if sc.SaturationHeadway <= 0 {
		sc.SaturationHeadway = defaultSaturationHeadway
	}
	s := &Sim{
		logger:   logger.New("module", "microsim"),
		scenario: sc,
		rng:      rand.New(rand.NewSource(sc.Seed)),
		roads:    make(map[control.Approach]*road, len(control.Approaches)),
	}
	for _, a := range control.Approaches {
		s.roads[a] = &road{rate: sc.Demand[string(a)], lastDeparture: -sc.SaturationHeadway}
	}
	return s
}

// Step advances the simulation by one second: scheduled emergencies appear,
// new vehicles arrive, and the served approach discharges at the saturation
// headway.
func (s *Sim) Step() error {
	if err := s.failErr(); err != nil {
		return err
	}
	s.time++

	for _, e := range s.scenario.Emergencies {
		if e.Time == s.time {
			s.spawn(control.Approach(e.Approach), control.VehicleEmergency)
		}
	}

	for _, a := range control.Approaches {
		r := s.roads[a]
		// Poisson arrivals at the configured per-minute rate.
		count := s.poisson(r.rate / 60.0)
		for i := 0; i < count; i++ {
			s.spawn(a, control.VehicleCar)
		}
	}

	if s.green != "" && s.time <= s.greenUntil && s.time > s.allRedUntil {
		r := s.roads[s.green]
		if len(r.queue) > 0 && s.time-r.lastDeparture >= s.scenario.SaturationHeadway {
			r.queue = r.queue[1:]
			r.lastDeparture = s.time
		}
	}
	return nil
}

// VehiclesOnEdge lists the vehicles queued on the approach.
func (s *Sim) VehiclesOnEdge(a control.Approach) ([]control.VehicleID, error) {
	if err := s.failErr(); err != nil {
		return nil, err
	}
	r, ok := s.roads[a]
	if !ok {
		return nil, fmt.Errorf("unknown approach %q", a)
	}
	ids := make([]control.VehicleID, len(r.queue))
	for i, v := range r.queue {
		ids[i] = v.id
	}
	return ids, nil
}

// VehicleSpeed reports a moving speed for vehicles being served at the head
// of the green queue, crawl plus moving speed (above the waiting threshold)
// for vehicles in their arrival second, and zero for everything stopped
// behind a red.
func (s *Sim) VehicleSpeed(id control.VehicleID) (float64, error) {
	if err := s.failErr(); err != nil {
		return 0, err
	}
	for _, a := range control.Approaches {
		r := s.roads[a]
		for i, v := range r.queue {
			if v.id != id {
				continue
			}
			if v.arrivedAt == s.time {
				return crawlSpeed + movingSpeed, nil
			}
			if a == s.green && s.time <= s.greenUntil && s.time > s.allRedUntil && i < serveWindow {
				return movingSpeed, nil
			}
			return 0, nil
		}
	}
	return 0, fmt.Errorf("unknown vehicle %q", id)
}

// VehicleType returns the category the vehicle was spawned with.
func (s *Sim) VehicleType(id control.VehicleID) (control.VehicleType, error) {
	if err := s.failErr(); err != nil {
		return "", err
	}
	for _, a := range control.Approaches {
		for _, v := range s.roads[a].queue {
			if v.id == id {
				return v.vtype, nil
			}
		}
	}
	return "", fmt.Errorf("unknown vehicle %q", id)
}

// CurrentTime returns the simulated clock in seconds.
func (s *Sim) CurrentTime() (int, error) {
	if err := s.failErr(); err != nil {
		return 0, err
	}
	return s.time, nil
}

// SetGreen grants the approach green for the duration, replacing any
// in-flight command. It does not shorten a pending all-red clearance.
func (s *Sim) SetGreen(a control.Approach, durationSeconds int) error {
	if err := s.failErr(); err != nil {
		return err
	}
	if !a.Valid() {
		return fmt.Errorf("unknown approach %q", a)
	}
	s.green = a
	s.greenUntil = s.time + durationSeconds
	return nil
}

// SetAllRed holds every approach red for the duration.
func (s *Sim) SetAllRed(durationSeconds int) error {
	if err := s.failErr(); err != nil {
		return err
	}
	s.green = ""
	s.greenUntil = 0
	s.allRedUntil = s.time + durationSeconds
	return nil
}

// Reset clears all vehicles and signal state but keeps the clock.
func (s *Sim) Reset() error {
	if err := s.failErr(); err != nil {
		return err
	}
	for _, a := range control.Approaches {
		s.roads[a] = &road{rate: s.scenario.Demand[string(a)], lastDeparture: -s.scenario.SaturationHeadway}
	}
	s.green = ""
	s.greenUntil = 0
	s.allRedUntil = 0
	return nil
}

// Inject places a vehicle of the given type at the back of an approach
// queue. Tests and demo tooling use it for deterministic setups.
func (s *Sim) Inject(a control.Approach, vtype control.VehicleType) control.VehicleID {
	return s.spawn(a, vtype).id
}

// Remove takes a vehicle off its edge regardless of signal state.
func (s *Sim) Remove(id control.VehicleID) {
	for _, a := range control.Approaches {
		r := s.roads[a]
		for i, v := range r.queue {
			if v.id == id {
				r.queue = append(r.queue[:i], r.queue[i+1:]...)
				return
			}
		}
	}
}

// QueueLength reports the number of vehicles on the approach edge.
func (s *Sim) QueueLength(a control.Approach) int {
	return len(s.roads[a].queue)
}

// Fail makes every adapter operation return err until Heal is called.
func (s *Sim) Fail(err error) {
	s.failMu.Lock()
	s.failure = err
	s.failMu.Unlock()
}

// Heal clears a failure injected with Fail.
func (s *Sim) Heal() {
	s.failMu.Lock()
	s.failure = nil
	s.failMu.Unlock()
}

func (s *Sim) failErr() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failure
}

func (s *Sim) spawn(a control.Approach, vtype control.VehicleType) *vehicle {
	s.nextID++
	v := &vehicle{
		id:        control.VehicleID(fmt.Sprintf("veh%d", s.nextID)),
		vtype:     vtype,
		arrivedAt: s.time,
	}
	s.roads[a].queue = append(s.roads[a].queue, v)
	return v
}

// poisson draws a Poisson distributed count with the given mean using
// Knuth's method; demand rates here are far below the regime where it
// degrades.
func (s *Sim) poisson(mean float64) int {
	if mean <= 0 {
		return 0
	}
	l := math.Exp(-mean)
	k := 0
	p := 1.0
	for {
		p *= s.rng.Float64()
		if p <= l {
			return k
		}
		k++
	}
}

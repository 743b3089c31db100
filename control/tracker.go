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

package control

import (
	log "gopkg.in/inconshreveable/log15.v2"
)

const (
	// waitSpeedThreshold is the speed in m/s below which a vehicle counts as
	// waiting.
	waitSpeedThreshold = 2.0
	// rateWindowSeconds is the sliding window for arrival/departure rates.
	rateWindowSeconds = 60
	// tickSeconds is the duration of one control loop tick in simulated time.
	tickSeconds = 1
)

// roadTracking is the mutable per-approach state maintained by the tracker.
type roadTracking struct {
	inEdge     map[VehicleID]struct{}
	waitAccum  map[VehicleID]float64
	arrivals   []int
	departures []int

	// lastGreen is the most recent simulated time the approach was granted a
	// green signal, -1 until first granted.
	lastGreen int

	// clearedPending counts departures since the last decision boundary;
	// clearedLast is the snapshot taken at the previous boundary and is the
	// value exposed through RoadMetrics.
	clearedPending int
	clearedLast    int

	// totalDepartures counts departures over the whole run; the loop uses it
	// for reward observation.
	totalDepartures int
}

func newRoadTracking() *roadTracking {
	return &roadTracking{
		inEdge:    make(map[VehicleID]struct{}),
		waitAccum: make(map[VehicleID]float64),
		lastGreen: -1,
	}
}

// Tracker maintains per-approach vehicle tracking state from per-tick
// adapter observations. It is owned by the control loop and must only be
// used from its goroutine.
type Tracker struct {
	adapter SimAdapter
	logger  log.Logger
	roads   map[Approach]*roadTracking

	// startTime is the simulated time of the first tracking update, used to
	// bound the observed rate window early in a run. -1 until first update.
	startTime int
}

// NewTracker creates a tracker reading observations through the given
// adapter, which is expected to be fail-safe wrapped.
func NewTracker(adapter SimAdapter, logger log.Logger) *Tracker {
	t := &Tracker{
		adapter:   adapter,
		logger:    logger.New("submodule", "tracker"),
		roads:     make(map[Approach]*roadTracking, len(Approaches)),
		startTime: -1,
	}
	for _, a := range Approaches {
		t.roads[a] = newRoadTracking()
	}
	return t
}

// UpdateTracking ingests the current per-approach vehicle snapshot. It is
// called once per simulated second.
func (t *Tracker) UpdateTracking(now int) {
	if t.startTime < 0 {
		t.startTime = now
	}
	for _, a := range Approaches {
		road := t.roads[a]
		ids, _ := t.adapter.VehiclesOnEdge(a)
		current := make(map[VehicleID]struct{}, len(ids))
		for _, id := range ids {
			current[id] = struct{}{}
		}

		// New arrivals.
		for id := range current {
			if _, ok := road.inEdge[id]; !ok {
				road.arrivals = append(road.arrivals, now)
				road.waitAccum[id] = 0
			}
		}
		// Departures.
		for id := range road.inEdge {
			if _, ok := current[id]; !ok {
				road.departures = append(road.departures, now)
				road.clearedPending++
				road.totalDepartures++
				delete(road.waitAccum, id)
			}
		}
		// Accumulate waiting time for stopped vehicles. An unknown speed is
		// treated as not waiting.
		for id := range current {
			sp, err := t.adapter.VehicleSpeed(id)
			if err == nil && sp >= 0 && sp < waitSpeedThreshold {
				road.waitAccum[id] += tickSeconds
			}
		}

		road.arrivals = evictOlder(road.arrivals, now-rateWindowSeconds)
		road.departures = evictOlder(road.departures, now-rateWindowSeconds)
		road.inEdge = current
	}
}

// evictOlder drops timestamps at or before the cutoff, keeping the slice
// time ordered.
func evictOlder(ts []int, cutoff int) []int {
	i := 0
	for ; i < len(ts); i++ {
		if ts[i] > cutoff {
			break
		}
	}
	if i == 0 {
		return ts
	}
	if i >= len(ts) {
		return ts[:0]
	}
	return append(ts[:0], ts[i:]...)
}

// MarkGreen records that the approach was granted a green signal at the
// given simulated time.
func (t *Tracker) MarkGreen(a Approach, now int) {
	if road, ok := t.roads[a]; ok {
		road.lastGreen = now
	}
}

// FlushInterval snapshots the departures counted since the previous decision
// boundary and restarts the accumulator. The loop calls it at each boundary.
func (t *Tracker) FlushInterval() {
	for _, a := range Approaches {
		road := t.roads[a]
		road.clearedLast = road.clearedPending
		road.clearedPending = 0
	}
}

// TotalDepartures returns the number of departures observed on all
// approaches since the run started.
func (t *Tracker) TotalDepartures() int {
	total := 0
	for _, a := range Approaches {
		total += t.roads[a].totalDepartures
	}
	return total
}

// EmergencyApproach scans the tracked edges for a vehicle of the emergency
// type and returns the first approach, in canonical order, that has one.
// It returns an empty approach when none is present.
func (t *Tracker) EmergencyApproach() Approach {
	for _, a := range Approaches {
		for id := range t.roads[a].inEdge {
			vt, _ := t.adapter.VehicleType(id)
			if vt == VehicleEmergency {
				return a
			}
		}
	}
	return ""
}

// Reset clears all tracking state.
func (t *Tracker) Reset() {
	for _, a := range Approaches {
		t.roads[a] = newRoadTracking()
	}
	t.startTime = -1
}

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

import "math"

const (
	// maxQueuePerApproach is the queue length mapped to 100% congestion.
	maxQueuePerApproach = 40
	// rateFloor bounds every divisor in metric computations away from zero.
	rateFloor = 0.1
)

// RoadMetrics is the per-approach metric set produced on every tick. It is
// immutable within a tick.
type RoadMetrics struct {
	WaitingCount        int     `json:"waiting_count"`
	AvgWaitTime         float64 `json:"avg_wait_time"`
	ClearedLastInterval int     `json:"cleared_last_interval"`
	ArrivalRateVPM      float64 `json:"arrival_rate_vpm"`
	DepartureRateVPM    float64 `json:"departure_rate_vpm"`
	TimeSinceLastGreen  float64 `json:"time_since_last_green"`
	CongestionPercent   float64 `json:"congestion_percent"`
	ETAClearSeconds     float64 `json:"eta_clear_seconds"`
}

// ComputeMetrics derives the per-approach metrics from the tracking state.
// It has no side effects on that state; adapter reads that fail fall back to
// the zero value for the affected fields.
func (t *Tracker) ComputeMetrics(now int) map[Approach]RoadMetrics {
	out := make(map[Approach]RoadMetrics, len(Approaches))
	window := t.observedWindow(now)
	for _, a := range Approaches {
		road := t.roads[a]

		waiting := 0
		waitSum := 0.0
		for id := range road.inEdge {
			sp, err := t.adapter.VehicleSpeed(id)
			if err == nil && sp >= 0 && sp < waitSpeedThreshold {
				waiting++
				waitSum += road.waitAccum[id]
			}
		}
		avgWait := 0.0
		if waiting > 0 {
			avgWait = waitSum / float64(waiting)
		}

		arrivalRate := float64(len(road.arrivals)) * 60.0 / window
		departureRate := float64(len(road.departures)) * 60.0 / window

		sinceGreen := 0.0
		if road.lastGreen >= 0 {
			sinceGreen = float64(now - road.lastGreen)
		}

		congestion := math.Min(100, float64(waiting)/maxQueuePerApproach*100)

		depPerSec := departureRate / 60.0
		eta := float64(waiting) / math.Max(depPerSec, rateFloor)

		out[a] = RoadMetrics{
			WaitingCount:        waiting,
			AvgWaitTime:         avgWait,
			ClearedLastInterval: road.clearedLast,
			ArrivalRateVPM:      arrivalRate,
			DepartureRateVPM:    departureRate,
			TimeSinceLastGreen:  sinceGreen,
			CongestionPercent:   congestion,
			ETAClearSeconds:     eta,
		}
	}
	return out
}

// observedWindow returns the effective rate window in seconds, shrunk at the
// start of a run while less than 60 s of observations exist and bounded away
// from zero.
func (t *Tracker) observedWindow(now int) float64 {
	if t.startTime < 0 {
		return rateWindowSeconds
	}
	obs := float64(now - t.startTime)
	if obs > rateWindowSeconds {
		return rateWindowSeconds
	}
	return math.Max(obs, 1)
}

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
	"errors"

	log "gopkg.in/inconshreveable/log15.v2"
)

// VehicleID is an opaque identifier, stable for the lifetime of a vehicle in
// the simulation. The core never keeps it beyond the vehicle's presence on an
// approach edge.
type VehicleID string

// VehicleType is the category reported by the simulator for a vehicle.
type VehicleType string

const (
	VehicleCar       VehicleType = "car"
	VehicleBike      VehicleType = "bike"
	VehicleBus       VehicleType = "bus"
	VehicleTruck     VehicleType = "truck"
	VehicleLorry     VehicleType = "lorry"
	VehicleAuto      VehicleType = "auto"
	VehicleEmergency VehicleType = "emergency"
)

// SpeedUnknown is returned by the fail-safe adapter when the simulator could
// not report a speed. Negative speeds are never produced by a healthy
// simulator, so callers treat any negative value as unknown.
const SpeedUnknown = -1.0

// clearanceSeconds is the all-red clearance inserted between greens of
// different signal groups.
const clearanceSeconds = 1

var (
	// ErrNotRunning is returned by control operations when the loop is stopped.
	ErrNotRunning = errors.New("control loop is not running")
	// ErrAlreadyRunning signals a redundant start; callers treat it as ok.
	ErrAlreadyRunning = errors.New("control loop already running")
	// ErrEmergencyActive rejects mode and manual commands during a preemption.
	ErrEmergencyActive = errors.New("emergency preemption active")
	// ErrAutoMode rejects manual commands while the controller is in AUTO.
	ErrAutoMode = errors.New("controller is in AUTO mode")
	// ErrManualRange rejects manual durations outside [10, 120] seconds.
	ErrManualRange = errors.New("manual duration out of range [10, 120]")
	// ErrInvalidCommand rejects unknown manual commands or modes.
	ErrInvalidCommand = errors.New("invalid command")
	// ErrInvariant is the fatal loop invariant violation.
	ErrInvariant = errors.New("loop invariant violation")
)

// SimAdapter is the narrow interface the core uses to talk to the external
// microscopic simulator. Implementations are not assumed thread safe; the
// control loop is the only caller.
type SimAdapter interface {
	// Step advances the simulator by one unit of simulated time.
	Step() error
	// VehiclesOnEdge returns the vehicles currently on the incoming edge of
	// the given approach.
	VehiclesOnEdge(a Approach) ([]VehicleID, error)
	// VehicleSpeed returns the speed of a vehicle in m/s.
	VehicleSpeed(id VehicleID) (float64, error)
	// VehicleType returns the category of a vehicle.
	VehicleType(id VehicleID) (VehicleType, error)
	// CurrentTime returns the monotone non-decreasing simulated time in seconds.
	CurrentTime() (int, error)
	// SetGreen grants the approach a green signal and sets all others red for
	// the given number of seconds, replacing any in-flight command.
	SetGreen(a Approach, durationSeconds int) error
	// SetAllRed sets every approach red for the given number of seconds.
	SetAllRed(durationSeconds int) error
	// Reset clears any internal caches associated with the adapter.
	Reset() error
}

// ApplySafeTransition issues the phase change from one approach to another.
// A transition between different signal groups gets a one second all-red
// clearance first; same-group transitions are direct.
func ApplySafeTransition(ad SimAdapter, from, to Approach, durationSeconds int) error {
	if from != "" && from != to && !SameGroup(from, to) {
		if err := ad.SetAllRed(clearanceSeconds); err != nil {
			return err
		}
	}
	return ad.SetGreen(to, durationSeconds)
}

// failsafe decorates a SimAdapter so that every communication failure is
// logged at debug level and replaced by a safe default. The control loop
// never terminates on a single adapter fault; it retries on the next tick.
type failsafe struct {
	inner    SimAdapter
	logger   log.Logger
	lastTime int
}

// Failsafe wraps the given adapter with the fail-safe policy of the control
// loop. The returned adapter never returns an error.
func Failsafe(inner SimAdapter, logger log.Logger) SimAdapter {
	return &failsafe{inner: inner, logger: logger}
}

func (f *failsafe) Step() error {
	if err := f.inner.Step(); err != nil {
		f.logger.Debug("Adapter step failed", "error", err)
	}
	return nil
}

func (f *failsafe) VehiclesOnEdge(a Approach) ([]VehicleID, error) {
	ids, err := f.inner.VehiclesOnEdge(a)
	if err != nil {
		f.logger.Debug("Adapter vehicle listing failed", "approach", a, "error", err)
		return nil, nil
	}
	return ids, nil
}

func (f *failsafe) VehicleSpeed(id VehicleID) (float64, error) {
	sp, err := f.inner.VehicleSpeed(id)
	if err != nil {
		f.logger.Debug("Adapter speed query failed", "vehicle", id, "error", err)
		return SpeedUnknown, nil
	}
	return sp, nil
}

func (f *failsafe) VehicleType(id VehicleID) (VehicleType, error) {
	vt, err := f.inner.VehicleType(id)
	if err != nil {
		f.logger.Debug("Adapter type query failed", "vehicle", id, "error", err)
		return VehicleCar, nil
	}
	return vt, nil
}

func (f *failsafe) CurrentTime() (int, error) {
	t, err := f.inner.CurrentTime()
	if err != nil {
		f.logger.Debug("Adapter clock query failed", "error", err)
		return f.lastTime, nil
	}
	if t < f.lastTime {
		// The simulated clock must never run backwards.
		f.logger.Debug("Adapter clock went backwards", "reported", t, "held", f.lastTime)
		return f.lastTime, nil
	}
	f.lastTime = t
	return t, nil
}

func (f *failsafe) SetGreen(a Approach, durationSeconds int) error {
	if err := f.inner.SetGreen(a, durationSeconds); err != nil {
		f.logger.Debug("Adapter green command failed", "approach", a, "error", err)
	}
	return nil
}

func (f *failsafe) SetAllRed(durationSeconds int) error {
	if err := f.inner.SetAllRed(durationSeconds); err != nil {
		f.logger.Debug("Adapter all-red command failed", "error", err)
	}
	return nil
}

func (f *failsafe) Reset() error {
	if err := f.inner.Reset(); err != nil {
		f.logger.Debug("Adapter reset failed", "error", err)
	}
	return nil
}

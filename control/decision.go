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
	"fmt"
	"math"

	log "gopkg.in/inconshreveable/log15.v2"
)

const (
	// minGreenSeconds and maxGreenSeconds clamp the dynamic green duration.
	minGreenSeconds = 10
	maxGreenSeconds = 60
	// emergencyMinGreen is the floor for an emergency preemption green.
	emergencyMinGreen = 15
	// starvationLimitSeconds is the absolute fairness floor: an approach not
	// served for longer than this is selected unconditionally.
	starvationLimitSeconds = 90
	// gapOutTicks is the number of consecutive zero-waiting ticks after which
	// an active green is terminated early.
	gapOutTicks = 3
	// decisionIntervalSeconds is the scheduled decision boundary cadence.
	decisionIntervalSeconds = 5
	// manualSubPhaseSeconds is the alternation period of NS_GREEN/EW_GREEN.
	manualSubPhaseSeconds = 30
	// manual command duration bounds in seconds.
	manualMinDuration = 10
	manualMaxDuration = 120
)

// Mode is the process-wide operating mode of the controller.
type Mode string

const (
	ModeAuto   Mode = "AUTO"
	ModeManual Mode = "MANUAL"
)

// ManualCommand is an operator-issued signal hold.
type ManualCommand string

const (
	ManualNSGreen ManualCommand = "NS_GREEN"
	ManualEWGreen ManualCommand = "EW_GREEN"
	ManualAllRed  ManualCommand = "ALL_RED"
)

// DecisionMethod tags the path of the priority hierarchy that produced a
// decision.
type DecisionMethod string

const (
	MethodEmergency  DecisionMethod = "emergency"
	MethodManual     DecisionMethod = "manual"
	MethodStarvation DecisionMethod = "starvation"
	MethodMemory     DecisionMethod = "memory"
	MethodFallback   DecisionMethod = "fallback"
	MethodGapOut     DecisionMethod = "gap_out"
	MethodHold       DecisionMethod = "hold"
)

// Decision is the outcome of one controller tick.
type Decision struct {
	Method   DecisionMethod
	Reason   string
	Approach Approach // target of a newly granted green, empty otherwise
	Duration int
	NewGreen bool
	AllRed   bool // issue an all-red hold for AllRedDuration seconds
	AllRedDuration int
}

// DecisionInput carries everything the controller needs for one tick.
type DecisionInput struct {
	Now         int
	Metrics     map[Approach]RoadMetrics
	Predictions map[Approach]Prediction
	Memory      *Memory
	// Emergency is the approach currently carrying an emergency vehicle,
	// empty when there is none.
	Emergency Approach
}

type manualState struct {
	command     ManualCommand
	start       int
	expiry      int
	subApproach Approach
	subUntil    int
	applied     bool
}

// ModeStatus is the operator-facing view of the mode state.
type ModeStatus struct {
	Mode             Mode          `json:"mode"`
	ManualActive     bool          `json:"manual_active"`
	ManualCommand    ManualCommand `json:"manual_command,omitempty"`
	RemainingSeconds int           `json:"remaining_seconds"`
}

// Decider arbitrates the phase selection under the strict priority
// hierarchy: emergency preemption, manual override, starvation protection,
// experience recall, composite scoring. It is owned by the control loop and
// must only be used from its goroutine.
type Decider struct {
	logger log.Logger

	green      Approach
	remaining  int
	lastChange int
	gapTicks   int

	mode      Mode
	manual    *manualState
	emergency Approach

	lastMethod DecisionMethod
	lastReason string

	forceSelect bool

	// notify is invoked for mode, manual, and emergency lifecycle events;
	// the loop points it at the event log.
	notify func(kind EventKind, payload map[string]interface{})
}

// NewDecider creates a decider in AUTO mode with all signals red.
func NewDecider(logger log.Logger) *Decider {
	return &Decider{
		logger:     logger.New("submodule", "decider"),
		mode:       ModeAuto,
		lastMethod: MethodHold,
		lastReason: "controller started; all approaches red",
		notify:     func(EventKind, map[string]interface{}) {},
	}
}

// OnEvent registers the sink for controller lifecycle events.
func (d *Decider) OnEvent(fn func(kind EventKind, payload map[string]interface{})) {
	if fn != nil {
		d.notify = fn
	}
}

// TickAndDecide runs one tick of the decision logic. It is called every
// simulated second; a new phase selection only happens at a decision
// boundary (active phase expired) or on a higher-priority event.
func (d *Decider) TickAndDecide(in DecisionInput) Decision {
	if d.remaining > 0 {
		d.remaining--
	}

	if dec, done := d.tickEmergency(in); done {
		return d.finish(dec)
	}
	if dec, done := d.tickManual(in); done {
		return d.finish(dec)
	}
	if dec, done := d.tickGapOut(in); done {
		return d.finish(dec)
	}

	if d.remaining > 0 && !d.forceSelect {
		return d.finish(Decision{
			Method: MethodHold,
			Reason: fmt.Sprintf("holding green for %s, %ds remaining", d.green, d.remaining),
		})
	}
	d.forceSelect = false
	return d.finish(d.selectPhase(in))
}

func (d *Decider) finish(dec Decision) Decision {
	d.lastMethod = dec.Method
	d.lastReason = dec.Reason
	return dec
}

// tickEmergency implements priority 1. Entering preemption unconditionally
// clears MANUAL mode.
func (d *Decider) tickEmergency(in DecisionInput) (Decision, bool) {
	if in.Emergency == "" {
		if d.emergency != "" {
			prev := d.emergency
			d.emergency = ""
			d.notify(EventEmergencyEnd, map[string]interface{}{"approach": prev.Short()})
			d.logger.Info("Emergency vehicle cleared", "approach", prev)
		}
		return Decision{}, false
	}

	if d.emergency == "" {
		d.notify(EventEmergencyStart, map[string]interface{}{"approach": in.Emergency.Short()})
		d.logger.Info("Emergency vehicle detected", "approach", in.Emergency)
		if d.manual != nil || d.mode == ModeManual {
			d.manual = nil
			d.mode = ModeAuto
			d.notify(EventManualCancelled, map[string]interface{}{"reason": "emergency preemption"})
		}
	}
	d.emergency = in.Emergency

	if d.green != in.Emergency {
		duration := d.dynamicGreen(in.Metrics[in.Emergency])
		if duration < emergencyMinGreen {
			duration = emergencyMinGreen
		}
		d.grant(in.Emergency, duration, in.Now)
		return Decision{
			Method:   MethodEmergency,
			Reason:   fmt.Sprintf("emergency vehicle on %s; preempting with %ds green", in.Emergency, duration),
			Approach: in.Emergency,
			Duration: duration,
			NewGreen: true,
		}, true
	}
	// Already serving the emergency approach. When the phase runs out while
	// the vehicle is still present, re-grant it so the green is never
	// truncated below the emergency floor.
	if d.remaining <= 0 {
		duration := d.dynamicGreen(in.Metrics[in.Emergency])
		if duration < emergencyMinGreen {
			duration = emergencyMinGreen
		}
		d.grant(in.Emergency, duration, in.Now)
		return Decision{
			Method:   MethodEmergency,
			Reason:   fmt.Sprintf("extending green for emergency vehicle on %s by %ds", in.Emergency, duration),
			Approach: in.Emergency,
			Duration: duration,
			NewGreen: true,
		}, true
	}
	return Decision{
		Method: MethodEmergency,
		Reason: fmt.Sprintf("holding green for emergency vehicle on %s", in.Emergency),
	}, true
}

// tickManual implements priority 2.
func (d *Decider) tickManual(in DecisionInput) (Decision, bool) {
	if d.mode != ModeManual {
		return Decision{}, false
	}
	if d.manual == nil {
		return Decision{
			Method: MethodHold,
			Reason: "manual mode armed, awaiting command",
		}, true
	}
	if in.Now >= d.manual.expiry {
		cmd := d.manual.command
		d.manual = nil
		d.mode = ModeAuto
		d.notify(EventManualExpired, map[string]interface{}{"command": string(cmd)})
		d.logger.Info("Manual command expired, returning to AUTO", "command", cmd)
		return Decision{}, false
	}

	m := d.manual
	windowLeft := m.expiry - in.Now
	switch m.command {
	case ManualAllRed:
		if !m.applied {
			m.applied = true
			d.green = ""
			d.remaining = windowLeft
			return Decision{
				Method:         MethodManual,
				Reason:         fmt.Sprintf("manual all-red hold for %ds", windowLeft),
				AllRed:         true,
				AllRedDuration: windowLeft,
			}, true
		}
		return Decision{
			Method: MethodManual,
			Reason: fmt.Sprintf("manual all-red, %ds remaining", windowLeft),
		}, true
	case ManualNSGreen, ManualEWGreen:
		first, second := North, South
		if m.command == ManualEWGreen {
			first, second = East, West
		}
		if d.green != first && d.green != second {
			m.subApproach = first
		} else if in.Now >= m.subUntil {
			// Alternate within the group on sub-phase boundaries; same-group
			// transitions carry no clearance.
			if m.subApproach == first {
				m.subApproach = second
			} else {
				m.subApproach = first
			}
		} else {
			return Decision{
				Method: MethodManual,
				Reason: fmt.Sprintf("manual %s, green %s, %ds in window", m.command, d.green, windowLeft),
			}, true
		}
		duration := manualSubPhaseSeconds
		if duration > windowLeft {
			duration = windowLeft
		}
		m.subUntil = in.Now + duration
		d.grant(m.subApproach, duration, in.Now)
		return Decision{
			Method:   MethodManual,
			Reason:   fmt.Sprintf("manual %s sub-phase, green %s for %ds", m.command, m.subApproach, duration),
			Approach: m.subApproach,
			Duration: duration,
			NewGreen: true,
		}, true
	}
	return Decision{}, false
}

// tickGapOut implements the early termination rule: three consecutive ticks
// with nothing waiting on the served approach end the phase immediately.
func (d *Decider) tickGapOut(in DecisionInput) (Decision, bool) {
	if d.green == "" || d.remaining == 0 {
		return Decision{}, false
	}
	if in.Metrics[d.green].WaitingCount == 0 {
		d.gapTicks++
	} else {
		d.gapTicks = 0
	}
	if d.gapTicks < gapOutTicks {
		return Decision{}, false
	}
	gapped := d.green
	d.green = ""
	d.remaining = 0
	d.gapTicks = 0
	d.forceSelect = true
	return Decision{
		Method:         MethodGapOut,
		Reason:         fmt.Sprintf("no vehicles waiting on %s for %d ticks; terminating phase", gapped, gapOutTicks),
		AllRed:         true,
		AllRedDuration: clearanceSeconds,
	}, true
}

// selectPhase runs priorities 3 to 5 and grants a new green, or holds
// all-red when there is no demand anywhere.
func (d *Decider) selectPhase(in DecisionInput) Decision {
	demand := false
	for _, a := range Approaches {
		m := in.Metrics[a]
		if m.WaitingCount > 0 || m.ArrivalRateVPM > 0 {
			demand = true
			break
		}
	}
	if !demand {
		return Decision{
			Method: MethodHold,
			Reason: "no demand on any approach; holding all-red",
		}
	}

	// Priority 3: starvation protection.
	var starved Approach
	worst := float64(starvationLimitSeconds)
	for _, a := range Approaches {
		if since := in.Metrics[a].TimeSinceLastGreen; since > worst {
			worst = since
			starved = a
		}
	}
	if starved != "" {
		duration := d.dynamicGreen(in.Metrics[starved])
		d.grant(starved, duration, in.Now)
		return Decision{
			Method:   MethodStarvation,
			Reason:   fmt.Sprintf("%s not served for %.0fs; granting %ds green", starved, worst, duration),
			Approach: starved,
			Duration: duration,
			NewGreen: true,
		}
	}

	// Priority 4: experience recall.
	if in.Memory != nil {
		vec := StateVector(in.Metrics)
		matches := in.Memory.FindSimilar(vec, in.Now)
		if Confident(matches) {
			rewards := WeightedRewards(matches)
			var best Approach
			bestReward := math.Inf(-1)
			for _, a := range Approaches {
				if r, ok := rewards[a]; ok && r > bestReward {
					bestReward = r
					best = a
				}
			}
			if best != "" {
				duration := d.dynamicGreen(in.Metrics[best])
				d.grant(best, duration, in.Now)
				return Decision{
					Method:   MethodMemory,
					Reason:   fmt.Sprintf("recalled %d similar states; %s has best weighted reward %.1f", len(matches), best, bestReward),
					Approach: best,
					Duration: duration,
					NewGreen: true,
				}
			}
		}
	}

	// Priority 5: composite scoring.
	best := Approaches[0]
	bestScore := math.Inf(-1)
	for _, a := range Approaches {
		score := d.compositeScore(a, in)
		if score > bestScore || (score == bestScore && betterTie(a, best, in.Metrics)) {
			bestScore = score
			best = a
		}
	}
	duration := d.dynamicGreen(in.Metrics[best])
	d.grant(best, duration, in.Now)
	return Decision{
		Method:   MethodFallback,
		Reason:   fmt.Sprintf("%s scored %.1f (waiting %d); granting %ds green", best, bestScore, in.Metrics[best].WaitingCount, duration),
		Approach: best,
		Duration: duration,
		NewGreen: true,
	}
}

func (d *Decider) compositeScore(a Approach, in DecisionInput) float64 {
	m := in.Metrics[a]
	p := in.Predictions[a]
	penalty := 0.0
	if a == d.green {
		penalty = 1
	}
	return 1.0*float64(m.WaitingCount) +
		0.8*m.AvgWaitTime +
		0.6*m.TimeSinceLastGreen +
		0.4*m.CongestionPercent +
		0.3*(p.HeavyTrafficProbability/100) -
		1.2*penalty
}

// betterTie breaks score ties by larger waiting count, then lexicographic
// approach name.
func betterTie(a, b Approach, metrics map[Approach]RoadMetrics) bool {
	wa, wb := metrics[a].WaitingCount, metrics[b].WaitingCount
	if wa != wb {
		return wa > wb
	}
	return a < b
}

// dynamicGreen computes the green duration from the queue on the selected
// approach, clamped to [10, 60] seconds.
func (d *Decider) dynamicGreen(m RoadMetrics) int {
	duration := minGreenSeconds + 1.0*float64(m.WaitingCount) + 0.5*m.AvgWaitTime
	return int(clamp(duration, minGreenSeconds, maxGreenSeconds))
}

func (d *Decider) grant(a Approach, duration, now int) {
	d.green = a
	d.remaining = duration
	d.lastChange = now
	d.gapTicks = 0
}

// SetMode switches between AUTO and MANUAL. Rejected while an emergency
// preemption is active; re-applying the current mode is a no-op.
func (d *Decider) SetMode(mode Mode) error {
	if mode != ModeAuto && mode != ModeManual {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidCommand, mode)
	}
	if d.emergency != "" {
		return ErrEmergencyActive
	}
	if d.mode == mode {
		return nil
	}
	d.mode = mode
	if mode == ModeAuto {
		d.manual = nil
	}
	d.notify(EventModeChange, map[string]interface{}{"mode": string(mode)})
	d.logger.Info("Mode changed", "mode", mode)
	return nil
}

// ApplyManual arms a manual command for the given duration in seconds.
func (d *Decider) ApplyManual(cmd ManualCommand, duration, now int) error {
	if d.emergency != "" {
		return ErrEmergencyActive
	}
	if d.mode != ModeManual {
		return ErrAutoMode
	}
	switch cmd {
	case ManualNSGreen, ManualEWGreen, ManualAllRed:
	default:
		return fmt.Errorf("%w: unknown manual command %q", ErrInvalidCommand, cmd)
	}
	if duration < manualMinDuration || duration > manualMaxDuration {
		return ErrManualRange
	}
	d.manual = &manualState{
		command: cmd,
		start:   now,
		expiry:  now + duration,
	}
	d.notify(EventManualApplied, map[string]interface{}{
		"command":  string(cmd),
		"duration": duration,
	})
	d.logger.Info("Manual command applied", "command", cmd, "duration", duration)
	return nil
}

// CancelManual drops any manual command and returns the controller to AUTO.
func (d *Decider) CancelManual(now int) {
	if d.manual != nil {
		d.notify(EventManualCancelled, map[string]interface{}{"reason": "operator cancel"})
		d.manual = nil
	}
	if d.mode != ModeAuto {
		d.mode = ModeAuto
		d.notify(EventModeChange, map[string]interface{}{"mode": string(ModeAuto)})
	}
}

// Green returns the approach currently holding green, empty when all red.
func (d *Decider) Green() Approach { return d.green }

// Remaining returns the seconds left of the active phase.
func (d *Decider) Remaining() int { return d.remaining }

// Emergency returns the approach under emergency preemption, empty when none.
func (d *Decider) Emergency() Approach { return d.emergency }

// LastDecision returns the method and explanation of the most recent tick.
func (d *Decider) LastDecision() (DecisionMethod, string) {
	return d.lastMethod, d.lastReason
}

// Status returns the operator-facing mode view at the given time.
func (d *Decider) Status(now int) ModeStatus {
	s := ModeStatus{Mode: d.mode}
	if d.manual != nil {
		s.ManualActive = true
		s.ManualCommand = d.manual.command
		if rem := d.manual.expiry - now; rem > 0 {
			s.RemainingSeconds = rem
		}
	}
	return s
}

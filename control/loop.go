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
	"sync"
	"sync/atomic"
	"time"

	log "gopkg.in/inconshreveable/log15.v2"
)

const (
	// rewardWaitFactor scales the waiting penalty in the reward observation.
	rewardWaitFactor = 0.25
	// rewardBound clamps observed rewards to [-rewardBound, rewardBound].
	rewardBound = 100.0
	// commandTimeout bounds how long an external command waits for the loop.
	commandTimeout = 5 * time.Second
)

type commandKind int

const (
	cmdSetMode commandKind = iota
	cmdApplyManual
	cmdCancelManual
)

type command struct {
	kind     commandKind
	mode     Mode
	manual   ManualCommand
	duration int
	reply    chan error
}

// pendingExperience tracks the outcome of the most recent learned decision
// until the next one closes it with an observed reward.
type pendingExperience struct {
	vector     []float64
	choice     Approach
	start      int
	depAtStart int
	waitSum    float64
	ticks      int
}

// LoopOptions tune the control loop.
type LoopOptions struct {
	// TickInterval is the wall-clock pacing of one simulated second; zero
	// runs the loop as fast as the simulator allows.
	TickInterval time.Duration
}

// Loop owns the whole per-tick pipeline: adapter step, tracking, metrics,
// prediction, decision, adapter command, snapshot publish. All mutable core
// state is confined to its single goroutine; external commands enter through
// a FIFO queue drained at the start of each tick, and observers receive
// read-only snapshots over non-blocking channels.
type Loop struct {
	raw     SimAdapter
	adapter SimAdapter

	tracker   *Tracker
	predictor *Predictor
	memory    *Memory
	decider   *Decider
	events    *EventLog
	logger    log.Logger

	commands chan command

	subMu       sync.Mutex
	subscribers map[chan Snapshot]bool
	dropped     atomic.Int64

	snapMu   sync.RWMutex
	lastSnap *Snapshot

	stateMu  sync.Mutex
	running  bool
	stopping bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	fatal    error

	tickInterval time.Duration
	now          int
	lastBoundary int
	pending      *pendingExperience
}

// NewLoop assembles the control core around the given simulator adapter.
// The adapter is fail-safe wrapped internally; memory and events may be nil
// for a diagnostics-free loop.
func NewLoop(adapter SimAdapter, memory *Memory, events *EventLog, opts LoopOptions, logger log.Logger) *Loop {
	logger = logger.New("module", "control")
	if events == nil {
		events, _ = NewEventLog("", logger)
	}
	if memory == nil {
		memory = NewMemory(0, nil, logger)
	}
	safe := Failsafe(adapter, logger)
	l := &Loop{
		raw:          adapter,
		adapter:      safe,
		tracker:      NewTracker(safe, logger),
		predictor:    NewPredictor(),
		memory:       memory,
		decider:      NewDecider(logger),
		events:       events,
		logger:       logger,
		commands:     make(chan command, 64),
		subscribers:  make(map[chan Snapshot]bool),
		tickInterval: opts.TickInterval,
	}
	l.decider.OnEvent(func(kind EventKind, payload map[string]interface{}) {
		l.events.Append(l.now, kind, payload)
	})
	return l
}

// Start brings the loop up. A second call while running is a no-op. It fails
// with a descriptive error when the simulator cannot be reached.
func (l *Loop) Start() error {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.running {
		return nil
	}
	now, err := l.raw.CurrentTime()
	if err != nil {
		return fmt.Errorf("simulator unreachable: %w", err)
	}
	l.now = now
	l.lastBoundary = now
	l.fatal = nil
	l.stopping = false
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})
	l.running = true
	l.events.Append(now, EventStarted, nil)
	l.logger.Info("Control loop started", "time", now)
	go l.run()
	return nil
}

// Stop terminates the loop at the end of the current tick and waits for it.
// Idempotent.
func (l *Loop) Stop() {
	l.stateMu.Lock()
	if !l.running {
		l.stateMu.Unlock()
		return
	}
	done := l.doneCh
	if !l.stopping {
		l.stopping = true
		close(l.stopCh)
	}
	l.stateMu.Unlock()
	<-done
}

// Running reports whether the loop goroutine is active.
func (l *Loop) Running() bool {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.running
}

// Err returns the fatal error that terminated the loop, if any.
func (l *Loop) Err() error {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.fatal
}

func (l *Loop) run() {
	defer func() {
		l.stateMu.Lock()
		l.running = false
		l.stateMu.Unlock()
		l.events.Append(l.now, EventStopped, nil)
		l.logger.Info("Control loop stopped", "time", l.now)
		close(l.doneCh)
	}()
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}
		l.drainCommands()
		if err := l.tick(); err != nil {
			l.stateMu.Lock()
			l.fatal = err
			l.stateMu.Unlock()
			l.logger.Crit("Control loop terminated", "error", err)
			return
		}
		if l.tickInterval > 0 {
			select {
			case <-l.stopCh:
				return
			case <-time.After(l.tickInterval):
			}
		}
	}
}

// drainCommands applies every queued external command, FIFO, before the tick
// begins. Commands never mutate state from the caller's goroutine.
func (l *Loop) drainCommands() {
	for {
		select {
		case cmd := <-l.commands:
			var err error
			switch cmd.kind {
			case cmdSetMode:
				err = l.decider.SetMode(cmd.mode)
			case cmdApplyManual:
				err = l.decider.ApplyManual(cmd.manual, cmd.duration, l.now)
			case cmdCancelManual:
				l.decider.CancelManual(l.now)
			}
			cmd.reply <- err
		default:
			return
		}
	}
}

// tick runs one full pipeline pass. Only an internal invariant violation
// returns an error; adapter and persistence failures are absorbed.
func (l *Loop) tick() error {
	l.adapter.Step()
	now, _ := l.adapter.CurrentTime()
	l.now = now

	l.tracker.UpdateTracking(now)
	emergency := l.tracker.EmergencyApproach()

	if now-l.lastBoundary >= decisionIntervalSeconds {
		l.tracker.FlushInterval()
		l.lastBoundary = now
	}

	metrics := l.tracker.ComputeMetrics(now)
	predictions := l.predictor.Predict(metrics, now)

	prevGreen := l.decider.Green()
	dec := l.decider.TickAndDecide(DecisionInput{
		Now:         now,
		Metrics:     metrics,
		Predictions: predictions,
		Memory:      l.memory,
		Emergency:   emergency,
	})

	if dec.AllRed {
		l.adapter.SetAllRed(dec.AllRedDuration)
		if dec.Method == MethodGapOut {
			l.events.Append(now, EventDecision, map[string]interface{}{
				"method": string(dec.Method),
				"reason": dec.Reason,
			})
		}
	}
	if dec.NewGreen {
		ApplySafeTransition(l.adapter, prevGreen, dec.Approach, dec.Duration)
		l.tracker.MarkGreen(dec.Approach, now)
		l.closePendingExperience(now)
		switch dec.Method {
		case MethodStarvation, MethodMemory, MethodFallback:
			l.pending = &pendingExperience{
				vector:     StateVector(metrics),
				choice:     dec.Approach,
				start:      now,
				depAtStart: l.tracker.TotalDepartures(),
			}
		default:
			// Emergency and manual phases are not learned from.
			l.pending = nil
		}
		l.events.Append(now, EventDecision, map[string]interface{}{
			"method":   string(dec.Method),
			"reason":   dec.Reason,
			"approach": dec.Approach.Short(),
			"duration": dec.Duration,
		})
	}
	if l.pending != nil {
		for _, a := range Approaches {
			l.pending.waitSum += float64(metrics[a].WaitingCount)
		}
		l.pending.ticks++
	}

	if err := l.checkInvariants(); err != nil {
		l.adapter.SetAllRed(maxGreenSeconds)
		l.events.Append(now, EventInvariantViolation, map[string]interface{}{"error": err.Error()})
		return err
	}

	l.publish(l.buildSnapshot(now, metrics, predictions))
	return nil
}

// closePendingExperience computes the delayed one-step reward for the
// previous learned decision and records it: departures during the elapsed
// phase minus a scaled waiting penalty, clamped to a bounded range.
func (l *Loop) closePendingExperience(now int) {
	p := l.pending
	if p == nil {
		return
	}
	l.pending = nil
	departed := float64(l.tracker.TotalDepartures() - p.depAtStart)
	meanWaiting := 0.0
	if p.ticks > 0 {
		meanWaiting = p.waitSum / float64(p.ticks)
	}
	reward := clamp(departed-rewardWaitFactor*meanWaiting, -rewardBound, rewardBound)
	l.memory.Record(p.vector, p.choice, reward, now)
}

// checkInvariants verifies the per-tick state machine invariants. A failure
// is fatal: the loop goes all-red and terminates.
func (l *Loop) checkInvariants() error {
	if g := l.decider.Green(); g != "" && !g.Valid() {
		return fmt.Errorf("%w: unknown green approach %q", ErrInvariant, g)
	}
	if l.decider.Remaining() < 0 {
		return fmt.Errorf("%w: negative phase remainder", ErrInvariant)
	}
	status := l.decider.Status(l.now)
	if status.ManualActive && l.decider.Emergency() != "" {
		return fmt.Errorf("%w: manual override active during emergency preemption", ErrInvariant)
	}
	return nil
}

func (l *Loop) buildSnapshot(now int, metrics map[Approach]RoadMetrics, predictions map[Approach]Prediction) Snapshot {
	method, reason := l.decider.LastDecision()
	status := l.decider.Status(now)
	signal := SignalStatus{GreenApproach: "none"}
	if g := l.decider.Green(); g != "" {
		signal.GreenApproach = g.Short()
		signal.RemainingSeconds = l.decider.Remaining()
	}
	snap := Snapshot{
		Time:   now,
		Signal: signal,
		Mode:   status.Mode,
		Manual: ManualSnapshot{
			Active:           status.ManualActive,
			Command:          string(status.ManualCommand),
			RemainingSeconds: status.RemainingSeconds,
		},
		Decision:   DecisionSnapshot{Method: string(method), Reason: reason},
		Metrics:    metrics,
		Prediction: predictions,
	}
	if e := l.decider.Emergency(); e != "" {
		snap.Emergency = EmergencySnapshot{Active: true, Approach: e.Short()}
	}
	return snap
}

// publish stores the latest snapshot and fans it out to subscribers.
// Observers never stall the loop: a full subscriber channel drops the
// snapshot and bumps the drop counter.
func (l *Loop) publish(snap Snapshot) {
	l.snapMu.Lock()
	l.lastSnap = &snap
	l.snapMu.Unlock()
	l.subMu.Lock()
	for ch := range l.subscribers {
		select {
		case ch <- snap:
		default:
			l.dropped.Add(1)
		}
	}
	l.subMu.Unlock()
}

// Status returns the most recently published snapshot.
func (l *Loop) Status() (Snapshot, bool) {
	l.snapMu.RLock()
	defer l.snapMu.RUnlock()
	if l.lastSnap == nil {
		return Snapshot{}, false
	}
	return *l.lastSnap, true
}

// Subscribe registers a snapshot stream. The channel is buffered; slow
// consumers lose snapshots rather than blocking the loop.
func (l *Loop) Subscribe() chan Snapshot {
	ch := make(chan Snapshot, 64)
	l.subMu.Lock()
	l.subscribers[ch] = true
	l.subMu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (l *Loop) Unsubscribe(ch chan Snapshot) {
	l.subMu.Lock()
	delete(l.subscribers, ch)
	l.subMu.Unlock()
	close(ch)
}

// DroppedSnapshots returns how many snapshots were dropped on full
// subscriber channels.
func (l *Loop) DroppedSnapshots() int64 { return l.dropped.Load() }

// Memory exposes the experience memory for diagnostic queries.
func (l *Loop) Memory() *Memory { return l.memory }

// Events exposes the event log for the query and streaming endpoints.
func (l *Loop) Events() *EventLog { return l.events }

// SetMode requests a mode switch; applied by the loop at its next tick.
func (l *Loop) SetMode(mode Mode) error {
	return l.enqueue(command{kind: cmdSetMode, mode: mode})
}

// ApplyManual requests a manual signal command with the duration in seconds.
func (l *Loop) ApplyManual(cmd ManualCommand, duration int) error {
	return l.enqueue(command{kind: cmdApplyManual, manual: cmd, duration: duration})
}

// CancelManual drops any manual command and returns to AUTO.
func (l *Loop) CancelManual() error {
	return l.enqueue(command{kind: cmdCancelManual})
}

func (l *Loop) enqueue(cmd command) error {
	l.stateMu.Lock()
	if !l.running {
		l.stateMu.Unlock()
		return ErrNotRunning
	}
	stop := l.stopCh
	l.stateMu.Unlock()
	cmd.reply = make(chan error, 1)
	select {
	case l.commands <- cmd:
	case <-stop:
		return ErrNotRunning
	case <-time.After(commandTimeout):
		return fmt.Errorf("command queue saturated")
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-stop:
		return ErrNotRunning
	case <-time.After(commandTimeout):
		return fmt.Errorf("command not applied in time")
	}
}

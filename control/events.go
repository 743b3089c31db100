package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	log "gopkg.in/inconshreveable/log15.v2"
)

// EventKind names a controller lifecycle or decision event.
type EventKind string

const (
	EventStarted            EventKind = "CONTROLLER_STARTED"
	EventStopped            EventKind = "CONTROLLER_STOPPED"
	EventDecision           EventKind = "DECISION"
	EventModeChange         EventKind = "MODE_CHANGED"
	EventManualApplied      EventKind = "MANUAL_APPLIED"
	EventManualCancelled    EventKind = "MANUAL_CANCELLED"
	EventManualExpired      EventKind = "MANUAL_EXPIRED"
	EventEmergencyStart     EventKind = "EMERGENCY_STARTED"
	EventEmergencyEnd       EventKind = "EMERGENCY_ENDED"
	EventInvariantViolation EventKind = "INVARIANT_VIOLATION"
)

// Event is one entry of the event log: one JSON object per line on disk.
type Event struct {
	Seq            int64                  `json:"seq"`
	ID             string                 `json:"id"`
	Timestamp      string                 `json:"timestamp"`
	SimulationTime int                    `json:"simulation_time"`
	Kind           EventKind              `json:"kind"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
}

const eventRingCapacity = 1000

// EventLog appends events to a JSONL file and keeps a bounded in-memory ring
// for the query and streaming endpoints. Writes never fail the caller: a
// persistence failure is logged and the in-memory entry stays authoritative.
type EventLog struct {
	mu          sync.RWMutex
	entries     []Event
	nextSeq     int64
	file        *os.File
	writer      *bufio.Writer
	subscribers map[chan Event]bool
	logger      log.Logger
}

// NewEventLog opens the event log at path. An empty path keeps the log
// memory-only.
func NewEventLog(path string, logger log.Logger) (*EventLog, error) {
	l := &EventLog{
		entries:     make([]Event, 0, eventRingCapacity),
		subscribers: make(map[chan Event]bool),
		logger:      logger.New("submodule", "eventlog"),
	}
	if path != "" {
		file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("unable to open event log %s: %w", path, err)
		}
		l.file = file
		l.writer = bufio.NewWriter(file)
	}
	return l, nil
}

// Append records one event, stamps it, persists it, and broadcasts it to
// subscribers without ever blocking.
func (l *EventLog) Append(simTime int, kind EventKind, payload map[string]interface{}) Event {
	l.mu.Lock()
	l.nextSeq++
	entry := Event{
		Seq:            l.nextSeq,
		ID:             uuid.NewString(),
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
		SimulationTime: simTime,
		Kind:           kind,
		Payload:        payload,
	}
	if len(l.entries) == eventRingCapacity {
		copy(l.entries[0:], l.entries[1:])
		l.entries[len(l.entries)-1] = entry
	} else {
		l.entries = append(l.entries, entry)
	}
	if l.writer != nil {
		if data, err := json.Marshal(entry); err == nil {
			if _, err := l.writer.Write(append(data, '\n')); err != nil {
				l.logger.Warn("Unable to append to event log", "error", err)
			} else if err := l.writer.Flush(); err != nil {
				l.logger.Warn("Unable to flush event log", "error", err)
			}
		}
	}
	for ch := range l.subscribers {
		select {
		case ch <- entry:
		default:
			// drop if subscriber is slow
		}
	}
	l.mu.Unlock()
	return entry
}

// Since returns up to limit entries with sequence strictly greater than seq.
func (l *EventLog) Since(seq int64, limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Event, 0, limit)
	for _, e := range l.entries {
		if e.Seq > seq {
			out = append(out, e)
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}

// Subscribe registers a live event channel.
func (l *EventLog) Subscribe() chan Event {
	ch := make(chan Event, 256)
	l.mu.Lock()
	l.subscribers[ch] = true
	l.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a channel returned by Subscribe.
func (l *EventLog) Unsubscribe(ch chan Event) {
	l.mu.Lock()
	delete(l.subscribers, ch)
	l.mu.Unlock()
	close(ch)
}

// Close flushes and closes the underlying file, if any.
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer == nil {
		return nil
	}
	if err := l.writer.Flush(); err != nil {
		return err
	}
	return l.file.Close()
}

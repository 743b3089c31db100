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
	"math"
	"sort"
	"sync"

	log "gopkg.in/inconshreveable/log15.v2"
)

const (
	// similarityTopK bounds the number of recalled experiences per query.
	similarityTopK = 5
	// similarityFloor is the minimum cosine similarity for a match.
	similarityFloor = 0.5
	// confidenceFloor is the minimum combined weight of the best match for a
	// memory-based decision to be trusted.
	confidenceFloor = 0.7
	// decayTauSeconds is the time constant of the exponential age decay.
	decayTauSeconds = 900.0
	// defaultMemoryCapacity bounds the in-memory record count; the oldest
	// records are evicted first.
	defaultMemoryCapacity = 10000
	// stateVectorLen is 6 floats per approach in N, E, S, W order.
	stateVectorLen = 24
)

// Experience is one learned outcome: the traffic state at a decision, the
// approach chosen, and the reward observed afterwards. The reward scale is
// opaque to the memory.
type Experience struct {
	StateVector    []float64 `json:"state_vector"`
	ChosenApproach Approach  `json:"chosen_approach"`
	Reward         float64   `json:"reward"`
	Timestamp      int       `json:"timestamp"`
}

// Match is an experience recalled for a query state, with its similarity,
// age decay, and combined ranking weight.
type Match struct {
	Experience
	Similarity float64
	Decay      float64
	Weight     float64
}

// MemorySummary is the diagnostic view of the store contents.
type MemorySummary struct {
	Records        int              `json:"records"`
	CountByChoice  map[Approach]int `json:"count_by_choice"`
	MeanReward     float64          `json:"mean_reward"`
	OldestRecorded int              `json:"oldest_recorded"`
	NewestRecorded int              `json:"newest_recorded"`
}

// Memory is the experience store: an append-only, capacity-bounded record
// sequence with similarity recall. The control loop is the single writer;
// diagnostic readers take the read lock so queries never interleave with a
// mutation.
type Memory struct {
	mu       sync.RWMutex
	records  []Experience
	capacity int
	store    *Store
	logger   log.Logger
}

// NewMemory creates a memory with the given capacity (<= 0 selects the
// default) backed by an optional persistent store. Records already in the
// store are loaded; load failures leave the memory empty but usable.
func NewMemory(capacity int, store *Store, logger log.Logger) *Memory {
	if capacity <= 0 {
		capacity = defaultMemoryCapacity
	}
	m := &Memory{
		capacity: capacity,
		store:    store,
		logger:   logger.New("submodule", "memory"),
	}
	if store != nil {
		records, err := store.Load()
		if err != nil {
			m.logger.Warn("Unable to load experience store", "error", err)
		} else {
			if len(records) > capacity {
				records = records[len(records)-capacity:]
			}
			m.records = records
			m.logger.Info("Loaded experience store", "records", len(records))
		}
	}
	return m
}

// Record appends an experience. Persistence failures are logged and ignored;
// the in-memory state stays authoritative.
func (m *Memory) Record(stateVector []float64, chosen Approach, reward float64, now int) {
	exp := Experience{
		StateVector:    append([]float64(nil), stateVector...),
		ChosenApproach: chosen,
		Reward:         reward,
		Timestamp:      now,
	}
	m.mu.Lock()
	m.records = append(m.records, exp)
	if len(m.records) > m.capacity {
		m.records = append(m.records[:0], m.records[len(m.records)-m.capacity:]...)
	}
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.Append(exp); err != nil {
			m.logger.Warn("Unable to persist experience", "error", err)
		}
	}
}

// FindSimilar returns up to five records with cosine similarity of at least
// 0.5 against the query vector, ranked by similarity times age decay.
func (m *Memory) FindSimilar(stateVector []float64, now int) []Match {
	m.mu.RLock()
	defer m.mu.RUnlock()
	matches := make([]Match, 0, similarityTopK)
	for _, rec := range m.records {
		sim := cosineSimilarity(stateVector, rec.StateVector)
		if sim < similarityFloor {
			continue
		}
		age := float64(now - rec.Timestamp)
		if age < 0 {
			age = 0
		}
		decay := math.Exp(-age / decayTauSeconds)
		matches = append(matches, Match{
			Experience: rec,
			Similarity: sim,
			Decay:      decay,
			Weight:     sim * decay,
		})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Weight > matches[j].Weight
	})
	if len(matches) > similarityTopK {
		matches = matches[:similarityTopK]
	}
	return matches
}

// Confident reports whether the best ranked match carries enough weight for
// the controller to act on memory alone.
func Confident(matches []Match) bool {
	return len(matches) > 0 && matches[0].Weight >= confidenceFloor
}

// WeightedRewards folds the matches into a per-approach mean reward weighted
// by each match's ranking weight.
func WeightedRewards(matches []Match) map[Approach]float64 {
	sums := make(map[Approach]float64)
	weights := make(map[Approach]float64)
	for _, match := range matches {
		sums[match.ChosenApproach] += match.Weight * match.Reward
		weights[match.ChosenApproach] += match.Weight
	}
	out := make(map[Approach]float64, len(sums))
	for a, w := range weights {
		if w > 0 {
			out[a] = sums[a] / w
		}
	}
	return out
}

// Summary returns diagnostic counts over a consistent snapshot of the store.
func (m *Memory) Summary() MemorySummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s := MemorySummary{
		Records:       len(m.records),
		CountByChoice: make(map[Approach]int, len(Approaches)),
	}
	if len(m.records) == 0 {
		return s
	}
	total := 0.0
	s.OldestRecorded = m.records[0].Timestamp
	s.NewestRecorded = m.records[0].Timestamp
	for _, rec := range m.records {
		s.CountByChoice[rec.ChosenApproach]++
		total += rec.Reward
		if rec.Timestamp < s.OldestRecorded {
			s.OldestRecorded = rec.Timestamp
		}
		if rec.Timestamp > s.NewestRecorded {
			s.NewestRecorded = rec.Timestamp
		}
	}
	s.MeanReward = total / float64(len(m.records))
	return s
}

// StateVector flattens the per-approach metrics into the fixed 24-float
// vector used for similarity matching: for each approach in N, E, S, W
// order, waiting count, average wait, congestion, time since last green,
// arrival rate, and departure rate.
func StateVector(metrics map[Approach]RoadMetrics) []float64 {
	vec := make([]float64, 0, stateVectorLen)
	for _, a := range Approaches {
		m := metrics[a]
		vec = append(vec,
			float64(m.WaitingCount),
			m.AvgWaitTime,
			m.CongestionPercent,
			m.TimeSinceLastGreen,
			m.ArrivalRateVPM,
			m.DepartureRateVPM,
		)
	}
	return vec
}

// cosineSimilarity works on the raw vectors; a zero vector has no direction
// and matches nothing.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	dot, na, nb := 0.0, 0.0, 0.0
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

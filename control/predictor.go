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
	// historyWindowSeconds bounds the queue history used for trend detection.
	historyWindowSeconds = 30
	// trendDelta is the queue length change that separates a stable queue
	// from a growing or shrinking one.
	trendDelta = 2
)

// QueueTrend classifies the short-term evolution of a queue.
type QueueTrend string

const (
	TrendIncreasing QueueTrend = "increasing"
	TrendStable     QueueTrend = "stable"
	TrendDecreasing QueueTrend = "decreasing"
)

// CongestionLevel buckets the heavy traffic probability.
type CongestionLevel string

const (
	LevelLow    CongestionLevel = "LOW"
	LevelMedium CongestionLevel = "MEDIUM"
	LevelHigh   CongestionLevel = "HIGH"
)

// Prediction is the per-approach short-horizon forecast. The probability is
// heuristic, not statistically calibrated.
type Prediction struct {
	QueueTrend               QueueTrend      `json:"queue_trend"`
	Arrivals10s              float64         `json:"arrivals_10s"`
	Arrivals30s              float64         `json:"arrivals_30s"`
	HeavyTrafficProbability  float64         `json:"heavy_traffic_probability"`
	CongestionLevel          CongestionLevel `json:"congestion_level"`
	PredictedETAClearSeconds float64         `json:"predicted_eta_clear_seconds"`
}

type queuePoint struct {
	ts      int
	waiting int
}

// Predictor derives queue trends and near-term forecasts from the metric
// stream. Its only state is the per-approach queue history window.
type Predictor struct {
	history map[Approach][]queuePoint
}

// NewPredictor creates an empty predictor.
func NewPredictor() *Predictor {
	p := &Predictor{history: make(map[Approach][]queuePoint, len(Approaches))}
	return p
}

// Predict updates the queue history with the current waiting counts and
// returns the forecast for every approach.
func (p *Predictor) Predict(metrics map[Approach]RoadMetrics, now int) map[Approach]Prediction {
	out := make(map[Approach]Prediction, len(Approaches))
	for _, a := range Approaches {
		m := metrics[a]

		hist := append(p.history[a], queuePoint{ts: now, waiting: m.WaitingCount})
		i := 0
		for ; i < len(hist); i++ {
			if hist[i].ts > now-historyWindowSeconds {
				break
			}
		}
		hist = hist[i:]
		p.history[a] = hist

		trend, slope := classifyTrend(hist)

		cNorm := m.CongestionPercent / 100
		tNorm := 0.0
		if trend == TrendIncreasing {
			tNorm = 1.0
		}
		fNorm := clamp((m.ArrivalRateVPM-m.DepartureRateVPM)/30, 0, 1)
		prob := clamp(100*(0.5*cNorm+0.3*tNorm+0.2*fNorm), 0, 100)

		level := LevelLow
		switch {
		case prob >= 60:
			level = LevelHigh
		case prob >= 30:
			level = LevelMedium
		}

		eta := m.ETAClearSeconds
		if trend == TrendIncreasing {
			eta += math.Max(0, slope) * 10
		}

		out[a] = Prediction{
			QueueTrend:               trend,
			Arrivals10s:              m.ArrivalRateVPM / 6,
			Arrivals30s:              m.ArrivalRateVPM / 2,
			HeavyTrafficProbability:  prob,
			CongestionLevel:          level,
			PredictedETAClearSeconds: eta,
		}
	}
	return out
}

// classifyTrend compares the newest and oldest points of the history window.
func classifyTrend(hist []queuePoint) (QueueTrend, float64) {
	if len(hist) < 2 {
		return TrendStable, 0
	}
	oldest := hist[0]
	newest := hist[len(hist)-1]
	delta := float64(newest.waiting - oldest.waiting)
	span := math.Max(float64(newest.ts-oldest.ts), 1)
	slope := delta / span
	switch {
	case delta > trendDelta:
		return TrendIncreasing, slope
	case delta < -trendDelta:
		return TrendDecreasing, slope
	}
	return TrendStable, slope
}

// Reset drops all queue history.
func (p *Predictor) Reset() {
	p.history = make(map[Approach][]queuePoint, len(Approaches))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

package aggregator

import (
	"crypto-trading-core/internal/indicator"
	"crypto-trading-core/internal/model"
)

// confluenceWeights favor higher timeframes; 1m carries the least weight.
var confluenceWeights = map[model.Timeframe]float64{
	model.TF1m:  0.05,
	model.TF5m:  0.08,
	model.TF15m: 0.10,
	model.TF30m: 0.12,
	model.TF1h:  0.20,
	model.TF4h:  0.25,
	model.TF1d:  0.20,
}

// TFScore is one timeframe's contribution to the confluence result.
type TFScore struct {
	TF     model.Timeframe `json:"tf"`
	Trend  string          `json:"trend"`
	Weight float64         `json:"weight"`
	Score  float64         `json:"score"` // signed, weighted
}

// ConfluenceResult is the weighted multi-timeframe agreement score.
type ConfluenceResult struct {
	Bias       string    `json:"bias"` // bullish, bearish, neutral
	Score      float64   `json:"score"`      // [-1,1]
	Confidence float64   `json:"confidence"` // [0,1], share of TFs with data
	PerTF      []TFScore `json:"per_tf"`
}

// Confluence computes the weighted multi-timeframe score from the latest
// indicator snapshots. Timeframes without a snapshot contribute nothing
// and reduce confidence.
func (a *Aggregator) Confluence() ConfluenceResult {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var res ConfluenceResult
	var totalWeight, usedWeight, score float64

	for _, tf := range model.FixedTimeframes {
		w, ok := confluenceWeights[tf]
		if !ok {
			continue
		}
		totalWeight += w

		snap := a.snapshots[tf]
		if snap == nil {
			continue
		}
		usedWeight += w

		dir := 0.0
		switch snap.Trend {
		case indicator.TrendBullish:
			dir = 1
		case indicator.TrendBearish:
			dir = -1
		}
		s := w * dir * snap.TrendStrength
		score += s
		res.PerTF = append(res.PerTF, TFScore{TF: tf, Trend: snap.Trend, Weight: w, Score: s})
	}

	if usedWeight > 0 {
		res.Score = clamp(score/usedWeight, -1, 1)
		res.Confidence = usedWeight / totalWeight
	}
	switch {
	case res.Score > 0.15:
		res.Bias = indicator.TrendBullish
	case res.Score < -0.15:
		res.Bias = indicator.TrendBearish
	default:
		res.Bias = indicator.TrendNeutral
	}
	return res
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

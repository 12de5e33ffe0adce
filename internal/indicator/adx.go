package indicator

import "crypto-trading-core/internal/model"

// ADXSeries computes the canonical Wilder Average Directional Index.
// Requires at least 2*period+1 candles; returns false otherwise.
func ADXSeries(candles []model.Candle, period int) (float64, bool) {
	if len(candles) < 2*period+1 {
		return 0, false
	}

	p := float64(period)
	var smTR, smPlusDM, smMinusDM float64

	// Seed: sum the first period of TR / directional movement.
	for i := 1; i <= period; i++ {
		tr, plus, minus := dmStep(candles[i], candles[i-1])
		smTR += tr
		smPlusDM += plus
		smMinusDM += minus
	}

	var adx float64
	dxCount := 0
	for i := period + 1; i < len(candles); i++ {
		tr, plus, minus := dmStep(candles[i], candles[i-1])

		// Wilder smoothing: sm = sm - sm/period + new
		smTR = smTR - smTR/p + tr
		smPlusDM = smPlusDM - smPlusDM/p + plus
		smMinusDM = smMinusDM - smMinusDM/p + minus

		if smTR == 0 {
			continue
		}
		diPlus := 100 * smPlusDM / smTR
		diMinus := 100 * smMinusDM / smTR
		if diPlus+diMinus == 0 {
			continue
		}
		dx := 100 * abs(diPlus-diMinus) / (diPlus + diMinus)

		dxCount++
		if dxCount <= period {
			adx += dx
			if dxCount == period {
				adx /= p
			}
		} else {
			adx = (adx*(p-1) + dx) / p
		}
	}

	if dxCount < period {
		return 0, false
	}
	return adx, true
}

func dmStep(c, prev model.Candle) (tr, plusDM, minusDM float64) {
	up := c.High - prev.High
	down := prev.Low - c.Low
	if up > down && up > 0 {
		plusDM = up
	}
	if down > up && down > 0 {
		minusDM = down
	}
	return trueRange(c, prev.Close), plusDM, minusDM
}

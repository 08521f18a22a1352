package indicators

import "autogrid-core/pkg/exchanges/common"

// ATR computes the Average True Range over the trailing period klines using
// Wilder's simple-average form (no smoothing carried across windows).
func ATR(klines []common.Kline, period int) float64 {
	if period <= 0 || len(klines) < period+1 {
		return 0
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		prevClose := klines[i-1].Close
		k := klines[i]
		highLow := k.High - k.Low
		highClose := abs(k.High - prevClose)
		lowClose := abs(k.Low - prevClose)
		trueRange := highLow
		if highClose > trueRange {
			trueRange = highClose
		}
		if lowClose > trueRange {
			trueRange = lowClose
		}
		sum += trueRange
	}
	return sum / float64(period)
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

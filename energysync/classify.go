package energysync

// Classifier decides whether a sensor's statistics behave like a running
// counter or like per-period deltas.
//
// A counter's state (absolute reading) tracks its sum closely, so
// state/sum sits near 1. A delta sensor's state is one period's amount and
// stays far below the accumulated sum. This is a heuristic; short or noisy
// histories can be misclassified.
type Classifier struct {
	// RatioThreshold is the ratio a row must exceed to count as counter-like.
	RatioThreshold float64 `validate:"gt=0,lte=1"`
	// CounterShare is the fraction of counter-like rows needed for Counter.
	CounterShare float64 `validate:"gt=0,lt=1"`
	// MinRows is the minimum number of usable ratios; fewer yields Unknown.
	MinRows int `validate:"min=1"`
}

// DefaultClassifier uses the 0.9/0.9 thresholds and needs two usable rows.
func DefaultClassifier() Classifier {
	return Classifier{RatioThreshold: 0.9, CounterShare: 0.9, MinRows: 2}
}

// Classify returns Counter, Delta or Unknown for rows. Rows missing state
// or sum are dropped; rows with sum == 0 are left out of the ratios.
func (c Classifier) Classify(rows []StatisticRow) Classification {
	minRows := c.MinRows
	if minRows < 1 {
		minRows = 1
	}

	usable, high := 0, 0
	for _, r := range rows {
		if r.State == nil || r.Sum == nil || *r.Sum == 0 {
			continue
		}
		ratio := *r.State / *r.Sum
		if ratio > 1 {
			ratio = 1
		}
		usable++
		if ratio > c.RatioThreshold {
			high++
		}
	}
	if usable < minRows {
		return Unknown
	}
	if float64(high)/float64(usable) > c.CounterShare {
		return Counter
	}
	return Delta
}

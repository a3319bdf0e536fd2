package energysync

import "fmt"

// PointSink accepts one batch of points.
type PointSink interface {
	WritePoints(points []EnergyPoint) error
}

// PointWriter turns classified statistic rows into points and writes them in one batch.
type PointWriter struct {
	sink PointSink
}

func NewPointWriter(sink PointSink) *PointWriter {
	return &PointWriter{sink: sink}
}

// BuildPoints picks state for delta sensors and sum for counters. Rows
// without the selected value are dropped.
func BuildPoints(series string, class Classification, rows []StatisticRow) ([]EnergyPoint, error) {
	if class != Delta && class != Counter {
		return nil, fmt.Errorf("%w: %s", ErrClassificationUnknown, series)
	}
	points := make([]EnergyPoint, 0, len(rows))
	for _, r := range rows {
		v := r.Sum
		if class == Delta {
			v = r.State
		}
		if v == nil {
			continue
		}
		points = append(points, EnergyPoint{Series: series, Class: class, Time: r.Start, Value: *v})
	}
	return points, nil
}

// Write returns the number of points written. Zero is the steady state once
// a series is caught up and makes no store call.
func (w *PointWriter) Write(series string, class Classification, rows []StatisticRow) (int, error) {
	points, err := BuildPoints(series, class, rows)
	if err != nil {
		return 0, err
	}
	if len(points) == 0 {
		return 0, nil
	}
	if err := w.sink.WritePoints(points); err != nil {
		return 0, err
	}
	return len(points), nil
}

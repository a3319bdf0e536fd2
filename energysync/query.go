package energysync

import (
	"errors"
	"fmt"
)

// DefaultQueryStart is used when no range start is given. It is emitted
// inside quotes, which is the shape the dashboard has always consumed.
const DefaultQueryStart = "now() - 30d"

// GenerateQuery builds the InfluxQL the dashboard runs for one series:
// per-bucket sums of value for delta series, per-bucket sums of the hourly
// first difference for counter series. Empty buckets are filled with 0.
// start and end are optional and form a half-open range.
func GenerateQuery(series string, class Classification, period, start, end string) (string, error) {
	if period == "" {
		period = "1d"
	}
	if start == "" {
		start = DefaultQueryStart
	}
	where := fmt.Sprintf("WHERE %s = %s AND time >= '%s'", TagSeries, quoteLiteral(series), start)
	if end != "" {
		where += fmt.Sprintf(" AND time < '%s'", end)
	}

	switch class {
	case Delta:
		return fmt.Sprintf(`SELECT sum("value") AS value FROM %s %s GROUP BY time(%s) fill(0)`, Measurement, where, period), nil
	case Counter:
		return fmt.Sprintf(`SELECT sum("difference") FROM (SELECT DIFFERENCE(last("value")) FROM %s %s GROUP BY time(1h)) GROUP BY time(%s) fill(0)`, Measurement, where, period), nil
	default:
		return "", errors.New("unknown sensor_type: expected 'delta' or 'counter'")
	}
}

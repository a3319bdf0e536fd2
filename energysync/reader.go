package energysync

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"gorm.io/gorm"
)

// StatisticsReader reads long-term statistics from an extracted Home
// Assistant database. Every call opens its own read-only handle, so one
// reader can be shared by parallel workers.
type StatisticsReader struct {
	DBPath string
}

func NewStatisticsReader(dbPath string) *StatisticsReader {
	return &StatisticsReader{DBPath: dbPath}
}

// ReadSince returns the rows of statisticID with start strictly after since,
// ascending by start. A zero since reads the whole history.
func (r *StatisticsReader) ReadSince(statisticID string, since time.Time) ([]StatisticRow, error) {
	return r.read(statisticID, since, 0)
}

// ReadHistory returns the newest limit rows (all when limit <= 0), ascending.
func (r *StatisticsReader) ReadHistory(statisticID string, limit int) ([]StatisticRow, error) {
	return r.read(statisticID, time.Time{}, limit)
}

func (r *StatisticsReader) read(statisticID string, since time.Time, limit int) ([]StatisticRow, error) {
	db, err := OpenQueryDB(r.DBPath)
	if err != nil {
		return nil, err
	}
	defer closeDB(db)

	metaID, err := metadataID(db, statisticID)
	if err != nil {
		return nil, err
	}

	var sinceTS float64
	if !since.IsZero() {
		sinceTS = float64(since.UnixMicro()) / 1e6
	}
	query := `SELECT start_ts, state, sum FROM statistics
		WHERE metadata_id = ? AND start_ts > ?
		ORDER BY start_ts ASC`
	args := []any{metaID, sinceTS}
	if limit > 0 {
		query = `SELECT start_ts, state, sum FROM statistics
		WHERE metadata_id = ? AND start_ts > ?
		ORDER BY start_ts DESC LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.Raw(query, args...).Rows()
	if err != nil {
		return nil, fmt.Errorf("query statistics for %s: %w", statisticID, err)
	}
	defer rows.Close()

	var out []StatisticRow
	for rows.Next() {
		var startTS, state, sum any
		if err := rows.Scan(&startTS, &state, &sum); err != nil {
			return nil, err
		}
		ts, ok := toFloat(startTS)
		if !ok {
			continue
		}
		row := StatisticRow{Start: unixFloat(ts)}
		if v, ok := toFloat(state); ok {
			row.State = &v
		}
		if v, ok := toFloat(sum); ok {
			row.Sum = &v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

func metadataID(db *gorm.DB, statisticID string) (uint, error) {
	var meta StatisticsMeta
	err := db.Where("statistic_id = ?", statisticID).First(&meta).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: %s", ErrMissingMetadata, statisticID)
	}
	if err != nil {
		return 0, fmt.Errorf("lookup metadata for %s: %w", statisticID, err)
	}
	return meta.ID, nil
}

// toFloat coerces a scanned SQLite value to a finite float.
func toFloat(v any) (float64, bool) {
	var f float64
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		f = t
	case int64:
		f = float64(t)
	case []byte:
		return parseFloat(string(t))
	case string:
		return parseFloat(t)
	default:
		return 0, false
	}
	return f, !math.IsNaN(f) && !math.IsInf(f, 0)
}

func parseFloat(s string) (float64, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// unixFloat converts fractional epoch seconds, rounded to the microsecond.
func unixFloat(ts float64) time.Time {
	return time.UnixMicro(int64(math.Round(ts * 1e6))).UTC()
}

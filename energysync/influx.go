package energysync

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/influxdata/influxdb1-client/models"
	client "github.com/influxdata/influxdb1-client/v2"

	"ha-energy-sync/internal/logging"
)

// Series layout in the store.
const (
	Measurement = "energy"
	TagSeries   = "entity_id"
	TagClass    = "sensor_type"
	FieldValue  = "value"
)

// InfluxAPI is the part of client.Client the store uses.
type InfluxAPI interface {
	Query(q client.Query) (*client.Response, error)
	Write(bp client.BatchPoints) error
}

// NewInfluxClient dials an InfluxDB 1.x HTTP endpoint.
func NewInfluxClient(cfg InfluxConfig) (client.Client, error) {
	timeout := 10 * time.Second
	if strings.TrimSpace(cfg.Timeout) != "" {
		d, err := time.ParseDuration(cfg.Timeout)
		if err != nil {
			return nil, fmt.Errorf("influxdb.timeout: %w", err)
		}
		timeout = d
	}
	return client.NewHTTPClient(client.HTTPConfig{
		Addr:     cfg.URL,
		Username: cfg.Username,
		Password: cfg.Password,
		Timeout:  timeout,
	})
}

// InfluxStore reads watermarks and tags from, and writes points to, one database.
type InfluxStore struct {
	api      InfluxAPI
	database string
}

func NewInfluxStore(api InfluxAPI, database string) *InfluxStore {
	return &InfluxStore{api: api, database: database}
}

// LatestTimestamp returns the time of the newest point of series. ok is
// false when the series has no points or the timestamp cannot be parsed;
// callers then import from the epoch.
func (s *InfluxStore) LatestTimestamp(series string) (ts time.Time, ok bool, err error) {
	q := fmt.Sprintf("SELECT last(%q) FROM %q WHERE %q = %s", FieldValue, Measurement, TagSeries, quoteLiteral(series))
	rows, err := s.query(q, s.database)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("watermark for %s: %w", series, err)
	}
	if len(rows) == 0 || len(rows[0].Values) == 0 {
		return time.Time{}, false, nil
	}

	row := rows[0]
	idx := columnIndex(row.Columns, "time")
	var raw any
	if idx >= 0 && idx < len(row.Values[0]) {
		raw = row.Values[0][idx]
	}
	str, _ := raw.(string)
	t, perr := time.Parse(time.RFC3339Nano, str)
	if perr != nil {
		log := logging.Component("watermark")
		log.Warn().Str("series", series).Interface("time", raw).Msg("unparsable watermark, importing from epoch")
		return time.Time{}, false, nil
	}
	return t.UTC(), true, nil
}

// SensorType returns the sensor_type tag stored for series, if any.
func (s *InfluxStore) SensorType(series string) (Classification, bool, error) {
	q := fmt.Sprintf("SHOW TAG VALUES FROM %s WITH KEY = %q WHERE %s = %s", Measurement, TagClass, TagSeries, quoteLiteral(series))
	values, err := s.tagValues(q)
	if err != nil {
		return Unknown, false, err
	}
	if len(values) == 0 {
		return Unknown, false, nil
	}
	c, err := ParseClassification(values[0])
	if err != nil {
		return Unknown, false, err
	}
	return c, true, nil
}

// ListSeries enumerates all series names, sorted.
func (s *InfluxStore) ListSeries() ([]string, error) {
	values, err := s.tagValues(fmt.Sprintf("SHOW TAG VALUES FROM %s WITH KEY = %q", Measurement, TagSeries))
	if err != nil {
		return nil, err
	}
	sort.Strings(values)
	return values, nil
}

func (s *InfluxStore) tagValues(q string) ([]string, error) {
	rows, err := s.query(q, s.database)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, row := range rows {
		idx := columnIndex(row.Columns, "value")
		if idx < 0 {
			continue
		}
		for _, v := range row.Values {
			if idx < len(v) {
				if str, ok := v[idx].(string); ok {
					out = append(out, str)
				}
			}
		}
	}
	return out, nil
}

// WritePoints writes points as one batch. An empty slice is a no-op.
func (s *InfluxStore) WritePoints(points []EnergyPoint) error {
	if len(points) == 0 {
		return nil
	}
	bp, err := client.NewBatchPoints(client.BatchPointsConfig{Database: s.database})
	if err != nil {
		return err
	}
	for _, p := range points {
		pt, err := client.NewPoint(Measurement,
			map[string]string{TagSeries: p.Series, TagClass: string(p.Class)},
			map[string]any{FieldValue: p.Value},
			p.Time,
		)
		if err != nil {
			return fmt.Errorf("build point for %s: %w", p.Series, err)
		}
		bp.AddPoint(pt)
	}
	if err := s.api.Write(bp); err != nil {
		return fmt.Errorf("write %d points: %w", len(points), err)
	}
	return nil
}

// EnsureDatabase creates the configured database when it does not exist.
// It reports whether the database was created.
func (s *InfluxStore) EnsureDatabase() (bool, error) {
	rows, err := s.query("SHOW DATABASES", "")
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		for _, v := range row.Values {
			if len(v) > 0 && v[0] == s.database {
				return false, nil
			}
		}
	}
	if _, err := s.query(fmt.Sprintf("CREATE DATABASE %q", s.database), ""); err != nil {
		return false, err
	}
	return true, nil
}

// Query runs an arbitrary InfluxQL statement against the configured database.
func (s *InfluxStore) Query(q string) ([]models.Row, error) {
	return s.query(q, s.database)
}

func (s *InfluxStore) query(q, database string) ([]models.Row, error) {
	resp, err := s.api.Query(client.NewQuery(q, database, ""))
	if err != nil {
		return nil, err
	}
	if err := resp.Error(); err != nil {
		return nil, err
	}
	var rows []models.Row
	for _, res := range resp.Results {
		rows = append(rows, res.Series...)
	}
	return rows, nil
}

func columnIndex(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}

var literalEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// quoteLiteral renders s as an InfluxQL single-quoted string literal.
func quoteLiteral(s string) string {
	return "'" + literalEscaper.Replace(s) + "'"
}

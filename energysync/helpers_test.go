package energysync

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/influxdata/influxdb1-client/models"
	client "github.com/influxdata/influxdb1-client/v2"
	"gorm.io/gorm"
)

// statRow is a fixture row; state/sum may be nil, float64 or a string.
// exactTS, when set, is stored as start_ts instead of ts.
type statRow struct {
	ts      int64
	exactTS float64
	state   any
	sum     any
}

func (r statRow) startTS() float64 {
	if r.exactTS != 0 {
		return r.exactTS
	}
	return float64(r.ts)
}

func fp(v float64) *float64 { return &v }

// newHADatabase writes a minimal Home Assistant recorder database.
func newHADatabase(t *testing.T, path string, sensors map[string][]statRow) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(path), gormConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer closeDB(db)

	stmts := []string{
		`CREATE TABLE statistics_meta (id INTEGER PRIMARY KEY, statistic_id VARCHAR(255), source VARCHAR(32),
			unit_of_measurement VARCHAR(255), has_mean BOOLEAN, has_sum BOOLEAN, name VARCHAR(255))`,
		`CREATE TABLE statistics (id INTEGER PRIMARY KEY, created_ts FLOAT, metadata_id INTEGER, start_ts FLOAT,
			mean FLOAT, min FLOAT, max FLOAT, last_reset_ts FLOAT, state FLOAT, sum FLOAT)`,
	}
	for _, s := range stmts {
		if err := db.Exec(s).Error; err != nil {
			t.Fatal(err)
		}
	}

	ids := make([]string, 0, len(sensors))
	for id := range sensors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for i, id := range ids {
		metaID := i + 1
		if err := db.Exec(`INSERT INTO statistics_meta (id, statistic_id, source, unit_of_measurement, has_mean, has_sum)
			VALUES (?, ?, 'recorder', 'kWh', 0, 1)`, metaID, id).Error; err != nil {
			t.Fatal(err)
		}
		for _, r := range sensors[id] {
			if err := db.Exec(`INSERT INTO statistics (created_ts, metadata_id, start_ts, state, sum) VALUES (?, ?, ?, ?, ?)`,
				r.startTS()+3600, metaID, r.startTS(), r.state, r.sum).Error; err != nil {
				t.Fatal(err)
			}
		}
	}
}

func tarBytes(t *testing.T, gz bool, files map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	var tw *tar.Writer
	var zw *gzip.Writer
	if gz {
		zw = gzip.NewWriter(&buf)
		tw = tar.NewWriter(zw)
	} else {
		tw = tar.NewWriter(&buf)
	}

	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		hdr := &tar.Header{Name: n, Mode: 0o644, Size: int64(len(files[n])), Typeflag: tar.TypeReg, ModTime: time.Now()}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write(files[n]); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			t.Fatal(err)
		}
	}
	return buf.Bytes()
}

type backupLayout struct {
	// dbFile is nil when the inner archive should not contain the database.
	dbFile    []byte
	noInner   bool
	innerName string
}

// writeBackup builds outer.tar -> homeassistant.tar.gz -> data/home-assistant_v2.db.
func writeBackup(t *testing.T, path string, layout backupLayout, mtime time.Time) {
	t.Helper()
	innerFiles := map[string][]byte{"data/configuration.yaml": []byte("homeassistant:\n")}
	if layout.dbFile != nil {
		innerFiles["data/home-assistant_v2.db"] = layout.dbFile
	}
	outer := map[string][]byte{"backup.json": []byte(`{"slug":"x"}`)}
	if !layout.noInner {
		name := layout.innerName
		if name == "" {
			name = "homeassistant.tar.gz"
		}
		outer[name] = tarBytes(t, true, innerFiles)
	}
	if err := os.WriteFile(path, tarBytes(t, false, outer), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, mtime, mtime); err != nil {
		t.Fatal(err)
	}
}

// haDatabaseBytes builds a recorder database and returns its content.
func haDatabaseBytes(t *testing.T, sensors map[string][]statRow) []byte {
	t.Helper()
	p := filepath.Join(t.TempDir(), "home-assistant_v2.db")
	newHADatabase(t, p, sensors)
	b, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func scratchDirs(t *testing.T, outputDir string) []string {
	t.Helper()
	m, err := filepath.Glob(filepath.Join(outputDir, "extract-*"))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

type storedPoint struct {
	series string
	class  string
	time   time.Time
	value  float64
}

// fakeInflux answers the handful of statements the store issues.
type fakeInflux struct {
	mu         sync.Mutex
	databases  []string
	points     []storedPoint
	writes     int
	queryErr   error
	writeErr   error
	rawLastVal any // overrides the time column of last() when set
}

var seriesLiteral = regexp.MustCompile(`entity_id"? = '((?:[^'\\]|\\.)*)'`)

func (f *fakeInflux) Query(q client.Query) (*client.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	cmd := q.Command
	series := ""
	if m := seriesLiteral.FindStringSubmatch(cmd); m != nil {
		series = strings.NewReplacer(`\'`, `'`, `\\`, `\`).Replace(m[1])
	}

	var rows []models.Row
	switch {
	case strings.HasPrefix(cmd, "SELECT last("):
		var last *storedPoint
		for i := range f.points {
			p := &f.points[i]
			if p.series == series && (last == nil || p.time.After(last.time)) {
				last = p
			}
		}
		if last != nil {
			var ts any = last.time.UTC().Format(time.RFC3339Nano)
			if f.rawLastVal != nil {
				ts = f.rawLastVal
			}
			rows = append(rows, models.Row{Name: Measurement, Columns: []string{"time", "last"}, Values: [][]any{{ts, last.value}}})
		}
	case strings.HasPrefix(cmd, "SHOW TAG VALUES") && strings.Contains(cmd, `KEY = "sensor_type"`):
		seen := map[string]bool{}
		row := models.Row{Name: Measurement, Columns: []string{"key", "value"}}
		for _, p := range f.points {
			if p.series == series && !seen[p.class] {
				seen[p.class] = true
				row.Values = append(row.Values, []any{TagClass, p.class})
			}
		}
		if len(row.Values) > 0 {
			rows = append(rows, row)
		}
	case strings.HasPrefix(cmd, "SHOW TAG VALUES"):
		seen := map[string]bool{}
		row := models.Row{Name: Measurement, Columns: []string{"key", "value"}}
		for _, p := range f.points {
			if !seen[p.series] {
				seen[p.series] = true
				row.Values = append(row.Values, []any{TagSeries, p.series})
			}
		}
		rows = append(rows, row)
	case cmd == "SHOW DATABASES":
		row := models.Row{Name: "databases", Columns: []string{"name"}}
		for _, d := range f.databases {
			row.Values = append(row.Values, []any{d})
		}
		rows = append(rows, row)
	case strings.HasPrefix(cmd, "CREATE DATABASE "):
		f.databases = append(f.databases, strings.Trim(strings.TrimPrefix(cmd, "CREATE DATABASE "), `"`))
	}
	return &client.Response{Results: []client.Result{{Series: rows}}}, nil
}

func (f *fakeInflux) Write(bp client.BatchPoints) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.writes++
	for _, p := range bp.Points() {
		fields, err := p.Fields()
		if err != nil {
			return err
		}
		v, _ := fields[FieldValue].(float64)
		tags := p.Tags()
		f.points = append(f.points, storedPoint{series: tags[TagSeries], class: tags[TagClass], time: p.Time(), value: v})
	}
	return nil
}

func (f *fakeInflux) pointsFor(series string) []storedPoint {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storedPoint
	for _, p := range f.points {
		if p.series == series {
			out = append(out, p)
		}
	}
	return out
}

func (f *fakeInflux) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

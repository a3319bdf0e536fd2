package energysync

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"ha-energy-sync/internal/logging"
)

const ledgerFile = "sync-ledger.db"

const (
	runStatusRunning  = "running"
	runStatusOK       = "ok"
	runStatusNoBackup = "no_backup"
	runStatusFailed   = "failed"
)

// Reasons a sensor produced no points.
const (
	SkipMissingMetadata = "missing_metadata"
	SkipUnknownType     = "unknown_type"
	SkipUpToDate        = "up_to_date"
	SkipWatermarkError  = "watermark_error"
	SkipReadError       = "read_error"
	SkipWriteError      = "write_error"
)

// SeriesStore is what the runner needs from the time-series store.
type SeriesStore interface {
	PointSink
	LatestTimestamp(series string) (time.Time, bool, error)
	SensorType(series string) (Classification, bool, error)
}

type RunnerConfig struct {
	BackupDir    string `validate:"required"`
	ArchiveGlob  string
	InnerArchive string `validate:"required"`
	DatabaseFile string `validate:"required"`
	OutputDir    string `validate:"required"`
	// MaxEntryBytes caps archive entry sizes; zero uses DefaultMaxEntryBytes.
	MaxEntryBytes int64 `validate:"min=0"`

	Sensors []SensorDefinition `validate:"required,min=1,dive"`

	Classifier   Classifier
	HistoryLimit int `validate:"min=0"`

	CacheStrategy   string `validate:"oneof=mtime ledger"`
	Workers         int    `validate:"min=1,max=64"`
	MetricsTextfile string

	// Now defaults to time.Now.
	Now func() time.Time `validate:"-"`
}

type Runner struct {
	cfg       RunnerConfig
	store     SeriesStore
	extractor *Extractor
	ledger    *gorm.DB
	metrics   *Metrics
	log       zerolog.Logger
}

// SensorResult is the outcome for one sensor in a run.
type SensorResult struct {
	Sensor SensorDefinition
	Class  Classification
	Points int
	// Skipped is empty when points were written.
	Skipped string
	Err     error
}

type RunReport struct {
	RunID        string
	Archive      BackupArchive
	DatabasePath string
	CacheHit     bool
	Extracted    bool
	Sensors      []SensorResult
}

func (r *RunReport) PointsWritten() int {
	n := 0
	for _, s := range r.Sensors {
		n += s.Points
	}
	return n
}

func (r *RunReport) SkippedCount() int {
	n := 0
	for _, s := range r.Sensors {
		if s.Skipped != "" {
			n++
		}
	}
	return n
}

func NewRunner(cfg RunnerConfig, store SeriesStore) (*Runner, error) {
	if store == nil {
		return nil, fmt.Errorf("series store is required")
	}
	if cfg.ArchiveGlob == "" {
		cfg.ArchiveGlob = "*.tar"
	}
	if cfg.InnerArchive == "" {
		cfg.InnerArchive = "homeassistant.tar.gz"
	}
	if cfg.DatabaseFile == "" {
		cfg.DatabaseFile = "home-assistant_v2.db"
	}
	if cfg.CacheStrategy == "" {
		cfg.CacheStrategy = CacheByMtime
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.Classifier == (Classifier{}) {
		cfg.Classifier = DefaultClassifier()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid runner config: %w", err)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, err
	}

	ledger, err := OpenLedgerDB(filepath.Join(cfg.OutputDir, ledgerFile))
	if err != nil {
		return nil, err
	}
	return &Runner{
		cfg:   cfg,
		store: store,
		extractor: &Extractor{
			OutputDir:     cfg.OutputDir,
			InnerArchive:  cfg.InnerArchive,
			DatabaseFile:  cfg.DatabaseFile,
			MaxEntryBytes: cfg.MaxEntryBytes,
		},
		ledger:  ledger,
		metrics: NewMetrics(),
		log:     logging.Component("runner"),
	}, nil
}

func (r *Runner) Metrics() *Metrics { return r.metrics }

func (r *Runner) Close() error {
	if r == nil || r.ledger == nil {
		return nil
	}
	err := closeDB(r.ledger)
	r.ledger = nil
	return err
}

// RunOnce performs one sync. Archive resolution and extraction failures end
// the run before any sensor is touched; per-sensor failures are recorded in
// the report and never abort the batch. A missing backup returns an error
// matching ErrNoBackup.
func (r *Runner) RunOnce() (report *RunReport, err error) {
	start := r.cfg.Now()
	report = &RunReport{RunID: uuid.NewString()}
	log := r.log.With().Str("run", report.RunID).Logger()

	rec := RunRecord{RunID: report.RunID, StartedAt: start.UTC(), Status: runStatusRunning}
	if dbErr := r.ledger.Create(&rec).Error; dbErr != nil {
		log.Warn().Err(dbErr).Msg("ledger insert failed")
	}
	defer func() { r.finishRun(log, &rec, report, start, err) }()

	dbPath, err := r.prepareDatabase(log, report)
	if err != nil {
		return report, err
	}
	report.DatabasePath = dbPath

	reader := NewStatisticsReader(dbPath)
	writer := NewPointWriter(r.store)
	results := make([]SensorResult, len(r.cfg.Sensors))

	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for i, s := range r.cfg.Sensors {
		i, s := i, s
		g.Go(func() error {
			results[i] = r.syncSensor(log, reader, writer, s)
			return nil
		})
	}
	_ = g.Wait()
	report.Sensors = results
	return report, nil
}

// prepareDatabase returns the path of a database extracted today, or
// resolves and extracts the newest backup.
func (r *Runner) prepareDatabase(log zerolog.Logger, report *RunReport) (string, error) {
	out := r.extractor.OutputPath()
	now := r.cfg.Now()

	if r.cfg.CacheStrategy == CacheByMtime && DatabaseFreshToday(out, now) {
		log.Info().Str("database", out).Msg("database already extracted today, skipping extraction")
		report.CacheHit = true
		return out, nil
	}

	archive, err := ResolveLatest(r.cfg.BackupDir, r.cfg.ArchiveGlob)
	if err != nil {
		return "", err
	}
	report.Archive = archive
	log.Info().Str("archive", filepath.Base(archive.Path)).Time("modified", archive.ModTime).Msg("latest backup")

	if r.cfg.CacheStrategy == CacheByLedger && isRegularFile(out) {
		current, err := ledgerSaysCurrent(r.ledger, archive)
		if err != nil {
			log.Warn().Err(err).Msg("ledger lookup failed, extracting")
		} else if current {
			log.Info().Str("database", out).Msg("backup already extracted, skipping extraction")
			report.CacheHit = true
			return out, nil
		}
	}

	dbPath, err := r.extractor.Extract(archive)
	if err != nil {
		return "", err
	}
	report.Extracted = true
	r.metrics.Extractions.Inc()
	return dbPath, nil
}

func (r *Runner) syncSensor(runLog zerolog.Logger, reader *StatisticsReader, writer *PointWriter, s SensorDefinition) SensorResult {
	res := SensorResult{Sensor: s, Class: Unknown}
	log := runLog.With().Str("series", s.Series).Str("statistic_id", s.StatisticID).Logger()
	skip := func(reason string, err error) SensorResult {
		res.Skipped = reason
		res.Err = err
		r.metrics.SensorsSkipped.WithLabelValues(reason).Inc()
		return res
	}

	watermark, ok, err := r.store.LatestTimestamp(s.Series)
	if err != nil {
		log.Error().Err(err).Msg("watermark query failed, skipping sensor")
		return skip(SkipWatermarkError, err)
	}
	if !ok {
		watermark = time.Time{}
		log.Debug().Msg("no watermark, importing full history")
	}

	rows, err := reader.ReadSince(s.StatisticID, watermark)
	if errors.Is(err, ErrMissingMetadata) {
		log.Warn().Msg("statistic_id not found in database, skipping sensor")
		return skip(SkipMissingMetadata, err)
	}
	if err != nil {
		log.Error().Err(err).Msg("reading statistics failed, skipping sensor")
		return skip(SkipReadError, err)
	}
	if len(rows) == 0 {
		log.Info().Msg("no new rows")
		return skip(SkipUpToDate, nil)
	}

	history := rows
	if ok || r.cfg.HistoryLimit > 0 {
		history, err = reader.ReadHistory(s.StatisticID, r.cfg.HistoryLimit)
		if err != nil {
			log.Error().Err(err).Msg("reading history failed, skipping sensor")
			return skip(SkipReadError, err)
		}
	}
	res.Class = r.cfg.Classifier.Classify(history)
	if res.Class == Unknown {
		log.Warn().Int("history_rows", len(history)).Msg("sensor type unknown, skipping sensor")
		return skip(SkipUnknownType, fmt.Errorf("%w: %s", ErrClassificationUnknown, s.Series))
	}

	if stored, found, err := r.store.SensorType(s.Series); err != nil {
		log.Debug().Err(err).Msg("stored sensor_type lookup failed")
	} else if found && stored != res.Class {
		log.Warn().Str("stored", string(stored)).Str("computed", string(res.Class)).Msg("sensor_type changed since last import")
	}

	n, err := writer.Write(s.Series, res.Class, rows)
	if err != nil {
		log.Error().Err(err).Msg("writing points failed")
		return skip(SkipWriteError, err)
	}
	res.Points = n
	if n == 0 {
		log.Info().Str("sensor_type", string(res.Class)).Msg("no valid values in new rows")
		return skip(SkipUpToDate, nil)
	}
	r.metrics.PointsWritten.WithLabelValues(s.Series, string(res.Class)).Add(float64(n))
	log.Info().Str("sensor_type", string(res.Class)).Int("points", n).Msg("imported")
	return res
}

func (r *Runner) finishRun(log zerolog.Logger, rec *RunRecord, report *RunReport, start time.Time, runErr error) {
	end := r.cfg.Now()
	elapsed := end.Sub(start)

	rec.FinishedAt = &end
	rec.ArchivePath = report.Archive.Path
	if !report.Archive.ModTime.IsZero() {
		rec.ArchiveModNano = report.Archive.ModTime.UnixNano()
	}
	rec.Extracted = report.Extracted
	rec.PointsWritten = report.PointsWritten()
	rec.SensorsSkipped = report.SkippedCount()
	rec.SensorsOK = len(report.Sensors) - rec.SensorsSkipped
	switch {
	case runErr == nil:
		rec.Status = runStatusOK
		r.metrics.LastSuccess.Set(float64(end.Unix()))
	case errors.Is(runErr, ErrNoBackup):
		rec.Status = runStatusNoBackup
		rec.LastError = runErr.Error()
	default:
		rec.Status = runStatusFailed
		rec.LastError = runErr.Error()
	}
	if rec.ID != 0 {
		if err := r.ledger.Save(rec).Error; err != nil {
			log.Warn().Err(err).Msg("ledger update failed")
		}
	}
	r.metrics.RunDuration.Set(elapsed.Seconds())

	if r.cfg.MetricsTextfile != "" {
		if err := r.metrics.WriteTextfile(r.cfg.MetricsTextfile); err != nil {
			log.Warn().Err(err).Str("path", r.cfg.MetricsTextfile).Msg("writing metrics failed")
		}
	}

	ev := log.Info()
	if runErr != nil && !errors.Is(runErr, ErrNoBackup) {
		ev = log.Error().Err(runErr)
	} else if runErr != nil {
		ev = log.Warn().Err(runErr)
	}
	ev.Str("status", rec.Status).
		Bool("extracted", rec.Extracted).
		Int("sensors_ok", rec.SensorsOK).
		Int("sensors_skipped", rec.SensorsSkipped).
		Int("points", rec.PointsWritten).
		Dur("elapsed", elapsed).
		Msg("run finished")
}

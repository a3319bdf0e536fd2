package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"ha-energy-sync/energysync"
	"ha-energy-sync/internal/logging"
)

func main() {
	var configPath string
	var backupDir string
	var outputDir string
	var sensorFile string
	var influxURL string
	var influxDB string
	var cacheStrategy string
	var workers int
	var logLevel string
	var once bool
	var interval time.Duration
	var ensureDB bool
	var listSeries bool
	var querySeries string
	var period string
	var rangeStart string
	var rangeEnd string
	var execQuery bool

	flag.StringVar(&configPath, "config", "config.yaml", "YAML or TOML config file path.")
	flag.StringVar(&backupDir, "backup-dir", "", "Backup directory (overrides config backup_dir for this OS).")
	flag.StringVar(&outputDir, "output-dir", "", "Directory for the extracted database and run ledger.")
	flag.StringVar(&sensorFile, "sensors", "", "Sensor list file (statistic_id;series per line).")
	flag.StringVar(&influxURL, "influx-url", "", "InfluxDB URL, e.g. http://localhost:8086.")
	flag.StringVar(&influxDB, "influx-db", "", "InfluxDB database name.")
	flag.StringVar(&cacheStrategy, "cache-strategy", "", "Extraction cache: mtime or ledger.")
	flag.IntVar(&workers, "workers", 0, "Sensors processed in parallel.")
	flag.StringVar(&logLevel, "log-level", "", "debug, info, warn, error.")
	flag.BoolVar(&once, "once", true, "Run once and exit (default true for crontab).")
	flag.DurationVar(&interval, "interval", time.Hour, "Sync interval when running with --once=false.")
	flag.BoolVar(&ensureDB, "ensure-db", false, "Create the InfluxDB database if missing, then exit.")
	flag.BoolVar(&listSeries, "list-series", false, "Print all series names in the store, then exit.")
	flag.StringVar(&querySeries, "query", "", "Print the aggregation query for this series, then exit.")
	flag.StringVar(&period, "period", "1d", "Bucket size for --query (e.g. 1h, 1d, 1w).")
	flag.StringVar(&rangeStart, "start", "", "Range start for --query (YYYY-MM-DDTHH:MM:SSZ).")
	flag.StringVar(&rangeEnd, "end", "", "Range end (exclusive) for --query.")
	flag.BoolVar(&execQuery, "exec", false, "Run the --query statement and print the result rows.")
	flag.Parse()

	visited := map[string]bool{}
	flag.CommandLine.Visit(func(f *flag.Flag) {
		visited[f.Name] = true
	})

	fileCfg := &energysync.FileConfig{}
	if _, err := os.Stat(configPath); err == nil || visited["config"] {
		cfg, err := energysync.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		fileCfg = cfg
	}

	// Merge config + CLI overrides
	if visited["log-level"] {
		fileCfg.Log.Level = logLevel
	}
	logging.Init(fileCfg.Log)
	log := logging.Component("main")

	finalBackupDir := fileCfg.BackupDir.Current()
	if visited["backup-dir"] {
		finalBackupDir = backupDir
	}
	finalOutputDir := fileCfg.OutputDir
	if visited["output-dir"] {
		finalOutputDir = outputDir
	}
	if finalOutputDir == "" {
		finalOutputDir = "data"
	}
	finalSensorFile := fileCfg.SensorFile
	if visited["sensors"] {
		finalSensorFile = sensorFile
	}
	if finalSensorFile == "" {
		finalSensorFile = "sensors.txt"
	}
	influxCfg := fileCfg.InfluxDB
	if visited["influx-url"] {
		influxCfg.URL = influxURL
	}
	if influxCfg.URL == "" {
		influxCfg.URL = "http://localhost:8086"
	}
	if visited["influx-db"] {
		influxCfg.Database = influxDB
	}
	if influxCfg.Database == "" {
		influxCfg.Database = "hadb"
	}
	finalCache := fileCfg.CacheStrategy
	if visited["cache-strategy"] {
		finalCache = cacheStrategy
	}
	finalWorkers := fileCfg.Workers
	if visited["workers"] {
		finalWorkers = workers
	}

	influx, err := energysync.NewInfluxClient(influxCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("influxdb client")
	}
	defer influx.Close()
	store := energysync.NewInfluxStore(influx, influxCfg.Database)

	switch {
	case ensureDB:
		created, err := store.EnsureDatabase()
		if err != nil {
			log.Fatal().Err(err).Msg("ensure database")
		}
		log.Info().Str("database", influxCfg.Database).Bool("created", created).Msg("database ready")
		return
	case listSeries:
		names, err := store.ListSeries()
		if err != nil {
			log.Fatal().Err(err).Msg("list series")
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return
	case strings.TrimSpace(querySeries) != "":
		class, found, err := store.SensorType(querySeries)
		if err != nil {
			log.Fatal().Err(err).Msg("lookup sensor_type")
		}
		if !found {
			log.Fatal().Str("series", querySeries).Msg("sensor_type not found")
		}
		q, err := energysync.GenerateQuery(querySeries, class, period, rangeStart, rangeEnd)
		if err != nil {
			log.Fatal().Err(err).Msg("generate query")
		}
		if !execQuery {
			fmt.Println(q)
			return
		}
		rows, err := store.Query(q)
		if err != nil {
			log.Fatal().Err(err).Msg("run query")
		}
		for _, row := range rows {
			fmt.Println(strings.Join(row.Columns, "\t"))
			for _, v := range row.Values {
				cells := make([]string, len(v))
				for i, c := range v {
					cells[i] = fmt.Sprint(c)
				}
				fmt.Println(strings.Join(cells, "\t"))
			}
		}
		return
	}

	sensors, err := energysync.LoadSensorList(finalSensorFile)
	if err != nil {
		log.Fatal().Err(err).Msg("load sensors")
	}

	runner, err := energysync.NewRunner(energysync.RunnerConfig{
		BackupDir:       finalBackupDir,
		ArchiveGlob:     fileCfg.ArchiveGlob,
		InnerArchive:    fileCfg.InnerArchive,
		DatabaseFile:    fileCfg.DatabaseFile,
		MaxEntryBytes:   fileCfg.MaxEntryBytes,
		OutputDir:       finalOutputDir,
		Sensors:         sensors,
		Classifier:      classifierFromConfig(fileCfg.Classification),
		HistoryLimit:    fileCfg.Classification.HistoryLimit,
		CacheStrategy:   finalCache,
		Workers:         finalWorkers,
		MetricsTextfile: fileCfg.MetricsTextfile,
	}, store)
	if err != nil {
		log.Fatal().Err(err).Msg("init runner")
	}
	defer runner.Close()

	if once {
		if err := runOnce(runner); err != nil {
			runner.Close()
			influx.Close()
			os.Exit(1)
		}
		return
	}

	for {
		_ = runOnce(runner)
		time.Sleep(interval)
	}
}

// runOnce treats a missing backup as a clean, reported outcome.
func runOnce(runner *energysync.Runner) error {
	_, err := runner.RunOnce()
	if errors.Is(err, energysync.ErrNoBackup) {
		return nil
	}
	return err
}

func classifierFromConfig(c energysync.ClassificationConfig) energysync.Classifier {
	cl := energysync.DefaultClassifier()
	if c.RatioThreshold != 0 {
		cl.RatioThreshold = c.RatioThreshold
	}
	if c.CounterShare != 0 {
		cl.CounterShare = c.CounterShare
	}
	if c.MinRows != 0 {
		cl.MinRows = c.MinRows
	}
	return cl
}

package energysync

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"ha-energy-sync/internal/logging"
)

// BackupDirConfig accepts either a scalar path:
//
//	backup_dir: /mnt/backup
//
// or a mapping per OS family, with an optional default:
//
//	backup_dir:
//	  windows: 'Z:\backup'
//	  linux: /mnt/backup
//	  default: /srv/backup
type BackupDirConfig struct {
	ByOS map[string]string
}

func (b *BackupDirConfig) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	switch value.Kind {
	case yaml.ScalarNode:
		b.set("default", value.Value)
		return nil
	case yaml.MappingNode:
		for i := 0; i+1 < len(value.Content); i += 2 {
			k, v := value.Content[i], value.Content[i+1]
			if v.Kind != yaml.ScalarNode {
				return fmt.Errorf("backup_dir.%s: expected a path, got %s", k.Value, kindName(v.Kind))
			}
			b.set(k.Value, v.Value)
		}
		return nil
	default:
		return fmt.Errorf("backup_dir: expected a path or a mapping")
	}
}

// UnmarshalTOML implements toml.Unmarshaler with the same two forms.
func (b *BackupDirConfig) UnmarshalTOML(data any) error {
	switch v := data.(type) {
	case string:
		b.set("default", v)
		return nil
	case map[string]any:
		for k, raw := range v {
			s, ok := raw.(string)
			if !ok {
				return fmt.Errorf("backup_dir.%s: expected a path", k)
			}
			b.set(k, s)
		}
		return nil
	default:
		return fmt.Errorf("backup_dir: expected a path or a table")
	}
}

func (b *BackupDirConfig) set(osName, dir string) {
	osName = strings.ToLower(strings.TrimSpace(osName))
	dir = strings.TrimSpace(dir)
	if osName == "" || dir == "" {
		return
	}
	if b.ByOS == nil {
		b.ByOS = make(map[string]string)
	}
	b.ByOS[osName] = dir
}

// For returns the directory for goos, falling back to "default".
func (b BackupDirConfig) For(goos string) string {
	if d, ok := b.ByOS[goos]; ok {
		return d
	}
	return b.ByOS["default"]
}

// Current returns the directory for the running OS family.
func (b BackupDirConfig) Current() string { return b.For(runtime.GOOS) }

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.AliasNode:
		return "alias"
	default:
		return "scalar"
	}
}

type InfluxConfig struct {
	URL      string `yaml:"url" toml:"url"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
	Database string `yaml:"database" toml:"database"`
	// Timeout in Go duration syntax, e.g. "10s".
	Timeout string `yaml:"timeout" toml:"timeout"`
}

type ClassificationConfig struct {
	RatioThreshold float64 `yaml:"ratio_threshold" toml:"ratio_threshold"`
	CounterShare   float64 `yaml:"counter_share" toml:"counter_share"`
	MinRows        int     `yaml:"min_rows" toml:"min_rows"`
	HistoryLimit   int     `yaml:"history_limit" toml:"history_limit"`
}

type FileConfig struct {
	BackupDir    BackupDirConfig `yaml:"backup_dir" toml:"backup_dir"`
	ArchiveGlob  string          `yaml:"archive_glob" toml:"archive_glob"`
	InnerArchive string          `yaml:"inner_archive" toml:"inner_archive"`
	DatabaseFile string          `yaml:"database_file" toml:"database_file"`
	// MaxEntryBytes caps any single archive entry; 0 uses the 16 GiB default.
	MaxEntryBytes int64 `yaml:"max_entry_bytes" toml:"max_entry_bytes"`

	// OutputDir holds the extracted database, the scratch directories and the run ledger.
	OutputDir  string `yaml:"output_dir" toml:"output_dir"`
	SensorFile string `yaml:"sensor_file" toml:"sensor_file"`

	InfluxDB       InfluxConfig         `yaml:"influxdb" toml:"influxdb"`
	Classification ClassificationConfig `yaml:"classification" toml:"classification"`

	// mtime (default) or ledger.
	CacheStrategy string `yaml:"cache_strategy" toml:"cache_strategy"`
	Workers       int    `yaml:"workers" toml:"workers"`

	// Prometheus text file for the node exporter textfile collector.
	MetricsTextfile string `yaml:"metrics_textfile" toml:"metrics_textfile"`

	Log logging.Config `yaml:"log" toml:"log"`
}

// LoadConfig reads a YAML or TOML config, picked by file extension.
// Relative paths inside the file are resolved against the file's directory.
func LoadConfig(path string) (*FileConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(b), &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	base := filepath.Dir(path)
	cfg.OutputDir = resolveRelative(base, cfg.OutputDir)
	cfg.SensorFile = resolveRelative(base, cfg.SensorFile)
	cfg.MetricsTextfile = resolveRelative(base, cfg.MetricsTextfile)
	return &cfg, nil
}

func resolveRelative(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

package energysync

import (
	"fmt"
	"time"
)

// Classification is the statistic shape of a sensor.
type Classification string

const (
	Counter Classification = "counter"
	Delta   Classification = "delta"
	Unknown Classification = "unknown"
)

// ParseClassification accepts the tag values written by PointWriter.
func ParseClassification(s string) (Classification, error) {
	switch Classification(s) {
	case Counter, Delta:
		return Classification(s), nil
	default:
		return Unknown, fmt.Errorf("unknown sensor_type %q: expected delta or counter", s)
	}
}

// BackupArchive is a backup file found in the backup directory. Read-only.
type BackupArchive struct {
	Path    string
	ModTime time.Time
}

// SensorDefinition maps a Home Assistant statistic_id to a series name.
type SensorDefinition struct {
	StatisticID string `validate:"required"`
	Series      string `validate:"required"`
}

// StatisticRow is one row of the Home Assistant statistics table. State and
// Sum are nil when NULL or not numeric.
type StatisticRow struct {
	Start time.Time
	State *float64
	Sum   *float64
}

// EnergyPoint is one point written to the time-series store.
type EnergyPoint struct {
	Series string
	Class  Classification
	Time   time.Time
	Value  float64
}

// StatisticsMeta mirrors statistics_meta in the Home Assistant recorder schema.
type StatisticsMeta struct {
	ID                uint    `gorm:"column:id;primaryKey"`
	StatisticID       string  `gorm:"column:statistic_id"`
	Source            string  `gorm:"column:source"`
	UnitOfMeasurement *string `gorm:"column:unit_of_measurement"`
	Name              *string `gorm:"column:name"`
}

func (StatisticsMeta) TableName() string { return "statistics_meta" }

// RunRecord is one row of the run ledger kept next to the extracted database.
type RunRecord struct {
	ID             uint      `gorm:"primaryKey"`
	RunID          string    `gorm:"uniqueIndex;size:36"`
	StartedAt      time.Time `gorm:"index"`
	FinishedAt     *time.Time
	ArchivePath    string `gorm:"size:1024"`
	ArchiveModNano int64
	Extracted      bool `gorm:"index"`
	Status         string `gorm:"index;size:16"` // ok, no_backup, failed
	SensorsOK      int
	SensorsSkipped int
	PointsWritten  int
	LastError      string `gorm:"type:text"`
}

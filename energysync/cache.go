package energysync

import (
	"errors"
	"os"
	"time"

	"gorm.io/gorm"
)

const (
	CacheByMtime  = "mtime"
	CacheByLedger = "ledger"
)

// DatabaseFreshToday reports whether path exists and was modified on the
// same local calendar day as now.
func DatabaseFreshToday(path string, now time.Time) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	return sameDay(info.ModTime().In(now.Location()), now)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

// lastExtraction returns the newest ledger record of a successful extraction.
func lastExtraction(db *gorm.DB) (*RunRecord, error) {
	var rec RunRecord
	err := db.Where("extracted = ? AND status = ?", true, runStatusOK).
		Order("started_at desc").First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ledgerSaysCurrent reports whether archive is the one the ledger last
// extracted successfully.
func ledgerSaysCurrent(db *gorm.DB, archive BackupArchive) (bool, error) {
	rec, err := lastExtraction(db)
	if err != nil || rec == nil {
		return false, err
	}
	return rec.ArchivePath == archive.Path && rec.ArchiveModNano == archive.ModTime.UnixNano(), nil
}

package energysync

import (
	"errors"
	"fmt"
)

var (
	// ErrNoBackup means the backup directory holds no matching archive. Not fatal.
	ErrNoBackup = errors.New("no backup archive found")

	ErrMissingInnerArchive = errors.New("inner archive missing")
	ErrMissingDatabaseFile = errors.New("database file missing")
	ErrMalformedArchive    = errors.New("malformed archive")

	// Per-sensor outcomes; the runner logs them and moves on.
	ErrMissingMetadata       = errors.New("no statistics metadata for sensor")
	ErrClassificationUnknown = errors.New("sensor type could not be classified")
)

// ExtractError reports a failed nested extraction. Kind is one of the
// ErrMissing*/ErrMalformedArchive sentinels and is what errors.Is matches.
type ExtractError struct {
	Kind    error
	Archive string
	Detail  string
	Err     error
}

func (e *ExtractError) Error() string {
	msg := fmt.Sprintf("extract %s: %v", e.Archive, e.Kind)
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ExtractError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

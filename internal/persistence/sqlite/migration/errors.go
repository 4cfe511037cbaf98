package migration

import (
	"errors"
	"fmt"
)

var (
	ErrMigrationFailed      = errors.New("migration: apply failed")
	ErrInvalidMigrationFile = errors.New("migration: invalid file")
	ErrDuplicateVersion     = errors.New("migration: duplicate version")
	// ErrChecksumMismatch means an applied schema file was edited afterwards.
	ErrChecksumMismatch = errors.New("migration: checksum mismatch")
)

// MigrationError records which schema file and step failed.
type MigrationError struct {
	Version   string
	FilePath  string
	Operation string
	Err       error
}

func (e *MigrationError) Error() string {
	target := e.FilePath
	if e.Version != "" {
		target = e.Version + " " + e.FilePath
	}
	return fmt.Sprintf("migration %s: %s: %v", target, e.Operation, e.Err)
}

func (e *MigrationError) Unwrap() error {
	return e.Err
}

func NewMigrationError(version, filePath, operation string, err error) *MigrationError {
	return &MigrationError{Version: version, FilePath: filePath, Operation: operation, Err: err}
}

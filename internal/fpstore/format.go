package fpstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// FormatVersion is the on-disk layout version. Opening a store written with a
// different format version fails closed.
const FormatVersion = 1

// LookupVersion participates in the publish/retrieve lookup fingerprint so
// that incompatible published stores are never retrieved.
const LookupVersion = 1

// formatFileName is the header file written next to the KV database.
const formatFileName = "format.json"

// ErrIncompatibleFormat is returned when a store's header carries a format
// version this build cannot read.
var ErrIncompatibleFormat = errors.New("fpstore: incompatible store format version")

// formatHeader is the persisted representation of the store versions.
type formatHeader struct {
	FormatVersion int `json:"formatVersion"`
	LookupVersion int `json:"lookupVersion"`
}

// writeFormatHeader persists the current versions into dir.
func writeFormatHeader(dir string) error {
	raw, err := json.Marshal(formatHeader{FormatVersion: FormatVersion, LookupVersion: LookupVersion})
	if err != nil {
		return fmt.Errorf("marshal format header: %w", err)
	}

	err = os.WriteFile(filepath.Join(dir, formatFileName), raw, 0o644)
	if err != nil {
		return fmt.Errorf("write format header: %w", err)
	}

	return nil
}

// checkFormatHeader validates the header in dir, if one exists. A missing
// header on a fresh directory is not an error; a header with a different
// format version is.
func checkFormatHeader(dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, formatFileName))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("read format header: %w", err)
	}

	var header formatHeader

	unmarshalErr := json.Unmarshal(raw, &header)
	if unmarshalErr != nil {
		return fmt.Errorf("parse format header: %w", unmarshalErr)
	}

	if header.FormatVersion != FormatVersion {
		return fmt.Errorf("%w: store has %d, this build reads %d",
			ErrIncompatibleFormat, header.FormatVersion, FormatVersion)
	}

	return nil
}

package fpstore

import (
	"encoding/binary"
	"time"

	"github.com/dustin/go-humanize"
)

// collectGarbage removes entries whose last-touched LRU timestamp is older
// than maxEntryAge. Keys written or read by this session are never removed,
// even when their persisted timestamp predates the cutoff (a prior build may
// have touched them long ago while this one still depends on them).
func (s *Store) collectGarbage() error {
	cutoff := s.now().Add(-s.maxEntryAge).Unix()

	type victim struct {
		family string
		key    []byte
		lruKey []byte
	}

	var (
		victims   []victim
		scanned   int
		freshKept int
	)

	err := s.view.Scan(famLRU, func(key, value []byte) bool {
		if s.gcToken() != nil {
			return false
		}

		scanned++

		stamp, n := binary.Varint(value)
		if n <= 0 || stamp >= cutoff {
			freshKept++

			return true
		}

		s.inFlightMu.Lock()
		_, inFlight := s.inFlight[string(key)]
		s.inFlightMu.Unlock()

		if inFlight {
			freshKept++

			return true
		}

		family, rawKey, ok := splitLRUKey(key)
		if !ok {
			return true
		}

		victims = append(victims, victim{
			family: family,
			key:    append([]byte(nil), rawKey...),
			lruKey: append([]byte(nil), key...),
		})

		return true
	})
	if err != nil {
		return err
	}

	var removedBytes uint64

	for _, v := range victims {
		if s.gcToken() != nil {
			break
		}

		value, found, getErr := s.view.Get(v.family, v.key)
		if getErr == nil && found {
			removedBytes += uint64(len(value))
		}

		if delErr := s.writer.Delete(v.family, v.key); delErr != nil {
			s.logger.Warn("fingerprint store: gc delete failed",
				"family", v.family, "error", delErr)

			continue
		}

		_ = s.writer.Delete(famLRU, v.lruKey)
	}

	s.logger.Info("fingerprint store: gc pass complete",
		"scanned", scanned,
		"removed", len(victims),
		"kept", freshKept,
		"reclaimed", humanize.Bytes(removedBytes),
		"max_entry_age", s.maxEntryAge.String(),
	)

	return nil
}

// EntryAgeCutoff returns the oldest last-touched time an entry may have and
// survive the next GC pass, given the configured max entry age.
func (s *Store) EntryAgeCutoff() time.Time {
	if s.maxEntryAge <= 0 {
		return time.Time{}
	}

	return s.now().Add(-s.maxEntryAge)
}

package fpstore

import "time"

// SetNowForTest overrides the store clock so GC cutoff tests are deterministic.
func (s *Store) SetNowForTest(now func() time.Time) {
	s.now = now
}

// ClearInFlightForTest drops the in-session written-key protection so tests
// can observe pure age-based collection.
func (s *Store) ClearInFlightForTest() {
	s.inFlightMu.Lock()
	s.inFlight = make(map[string]struct{})
	s.inFlightMu.Unlock()
}

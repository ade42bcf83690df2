package fpstore

import (
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/millstone-build/millstone/internal/kvstore"
)

// writeBatch is the atomic multi-family write unit of the underlying engine.
type writeBatch = kvstore.WriteBatch

// OpenOptions configures Open.
type OpenOptions struct {
	Mode Mode

	// MaxEntryAge bounds how stale an entry may be before the dispose-time GC
	// pass removes it. Zero disables age-based GC.
	MaxEntryAge time.Duration

	// Logger receives store diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Open opens the fingerprint store at dir, creating it when absent in
// read-write mode. A corrupt store directory is moved aside and reported as
// an *OpenFailure so the caller may recreate. A store written with an
// incompatible format version fails closed without being moved.
func Open(dir string, opts OpenOptions) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if err := checkFormatHeader(dir); err != nil {
		return nil, &OpenFailure{Dir: dir, Err: err}
	}

	kv, err := kvstore.Open(dir, kvstore.Options{
		ReadOnly: opts.Mode == ReadOnly,
		Logger:   logger,
	})
	if err != nil {
		movedTo, moveErr := moveCorruptAside(dir)
		if moveErr != nil {
			logger.Warn("fingerprint store: could not move corrupt store aside",
				"dir", dir, "error", moveErr)
		}

		return nil, &OpenFailure{Dir: dir, MovedAside: movedTo, Err: err}
	}

	if opts.Mode == ReadWrite {
		if err := writeFormatHeader(dir); err != nil {
			_ = kv.Close()

			return nil, &OpenFailure{Dir: dir, Err: err}
		}
	}

	presence, err := lru.New[string, struct{}](presenceCacheSize)
	if err != nil {
		_ = kv.Close()

		return nil, &OpenFailure{Dir: dir, Err: fmt.Errorf("create presence cache: %w", err)}
	}

	store := &Store{
		dir:         dir,
		mode:        opts.Mode,
		logger:      logger,
		view:        kv,
		maxEntryAge: opts.MaxEntryAge,
		gcToken:     func() error { return kv.GCToken().Err() },
		cancelGC:    kv.CancelGC,
		inFlight:    make(map[string]struct{}),
		presence:    presence,
		now:         time.Now,
	}

	if opts.Mode == ReadWrite {
		store.writer = kv
	}

	store.state.Store(stateOpen)

	return store, nil
}

// CreateSnapshot returns a read-only store that reads the same state as s at
// the call moment. Writes to the snapshot are rejected. The snapshot is
// disposed independently of its parent.
func CreateSnapshot(s *Store) (*Store, error) {
	kv, ok := s.view.(*kvstore.Store)
	if !ok {
		return nil, fmt.Errorf("fpstore: cannot snapshot a snapshot of %s", s.dir)
	}

	snap, err := kv.NewSnapshot()
	if err != nil {
		return nil, fmt.Errorf("snapshot fingerprint store: %w", err)
	}

	presence, err := lru.New[string, struct{}](presenceCacheSize)
	if err != nil {
		_ = snap.Close()

		return nil, fmt.Errorf("create presence cache: %w", err)
	}

	out := &Store{
		dir:      s.dir,
		mode:     ReadOnly,
		logger:   s.logger,
		view:     snap,
		gcToken:  func() error { return nil },
		cancelGC: func() {},
		inFlight: make(map[string]struct{}),
		presence: presence,
		now:      time.Now,
	}

	out.state.Store(stateOpen)

	return out, nil
}

// CancelGC signals that the dispose-time GC pass must be skipped.
func (s *Store) CancelGC() {
	s.cancelGC()
}

// Dispose runs the age-based GC pass when requested and permitted, then
// closes the store. Safe to call once; later calls are no-ops.
func (s *Store) Dispose(runGC bool) error {
	if !s.state.CompareAndSwap(stateOpen, stateClosing) {
		return nil
	}

	if runGC && s.writer != nil && s.maxEntryAge > 0 && s.gcToken() == nil {
		if err := s.collectGarbage(); err != nil {
			s.logger.Warn("fingerprint store: gc pass failed", "error", err)
		}
	}

	err := s.view.Close()

	s.state.Store(stateClosed)

	if err != nil {
		return fmt.Errorf("close fingerprint store: %w", err)
	}

	return nil
}

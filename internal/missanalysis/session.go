package missanalysis

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/millstone-build/millstone/internal/fpstore"
)

// EntryReader is the store surface a session reads; satisfied by
// *fpstore.Store handles and snapshots.
type EntryReader interface {
	TryGetEntry(uniqueOutputHex, semiStableHash string) (fpstore.Entry, bool, error)
	TryGetContentHashValue(hashHex string) ([]byte, bool, error)
}

// dirMembership mirrors the content-hash-keyed JSON written for hashed
// directory memberships.
type dirMembership struct {
	Members []string `json:"Members"`
}

// Session scopes the reads and per-pip text output for one side (old or new)
// of an analysis. Per-pip files may only be written while the session is in
// scope; Close flushes and detaches them.
type Session struct {
	name   string
	reader EntryReader
	logDir string

	mu    sync.Mutex
	files map[string]*os.File
}

// SessionFactory produces the session for a side when the analyzer needs it.
type SessionFactory func() (*Session, error)

// NewSession creates a session over a store view. logDir may be empty to
// disable per-pip files.
func NewSession(name string, reader EntryReader, logDir string) *Session {
	return &Session{
		name:   name,
		reader: reader,
		logDir: logDir,
		files:  make(map[string]*os.File),
	}
}

// Entry resolves the store entry for a pip, preferring the unique-output-hash
// index.
func (s *Session) Entry(info MissInfo) (fpstore.Entry, bool, error) {
	if s.reader == nil {
		return fpstore.Entry{}, false, nil
	}

	return s.reader.TryGetEntry(info.UniqueOutputHash, info.SemiStableHash)
}

// DirMembers resolves a directory-membership fingerprint through the
// session's store.
func (s *Session) DirMembers(hashHex string) ([]string, bool) {
	if s.reader == nil {
		return nil, false
	}

	raw, found, err := s.reader.TryGetContentHashValue(hashHex)
	if err != nil || !found {
		return nil, false
	}

	var membership dirMembership

	if json.Unmarshal(raw, &membership) != nil {
		return nil, false
	}

	return membership.Members, true
}

// WritePipLine appends a line to the session's per-pip text file.
func (s *Session) WritePipLine(pipDescription, line string) error {
	if s.logDir == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.files == nil {
		return fmt.Errorf("session %s: write after close for %s", s.name, pipDescription)
	}

	file, open := s.files[pipDescription]
	if !open {
		if err := os.MkdirAll(s.logDir, 0o755); err != nil {
			return fmt.Errorf("create session log dir: %w", err)
		}

		path := filepath.Join(s.logDir, pipFileName(pipDescription)+"."+s.name+".txt")

		created, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open pip file for %s: %w", pipDescription, err)
		}

		file = created
		s.files[pipDescription] = file
	}

	_, err := file.WriteString(line + "\n")
	if err != nil {
		return fmt.Errorf("write pip file for %s: %w", pipDescription, err)
	}

	return nil
}

// Close flushes and closes every per-pip file. The session must not be used
// afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error

	for _, file := range s.files {
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.files = nil

	return firstErr
}

// pipFileName sanitizes a pip description into a file-system-safe atom.
func pipFileName(pipDescription string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, pipDescription)
}

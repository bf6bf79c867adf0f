package statestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"go.uber.org/zap"

	"github.com/kmansel/gridrunner/api/schemas"
)

// FileStore keeps one JSON blob per identifier in a directory. Writes go to a
// temp file in the same directory followed by an atomic rename, so readers
// never observe a half-written record and per-id writes serialize on the
// final replace.
type FileStore struct {
	dir string
	log *zap.Logger
}

var _ Store = (*FileStore)(nil)

// NewFileStore creates the backing directory if needed. An empty dir resolves
// to ~/.gridrunner/states.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		home, err := homedir.Dir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		dir = filepath.Join(home, ".gridrunner", "states")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, log: logger.Named("filestore")}, nil
}

// Dir returns the backing directory.
func (s *FileStore) Dir() string { return s.dir }

// Persist writes the state under id, fully replacing any prior record.
func (s *FileStore) Persist(ctx context.Context, id string, state *schemas.SessionState) error {
	if err := validateID(id); err != nil {
		return err
	}
	data, err := encodeState(state)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(id)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace state file: %w", err)
	}

	s.log.Debug("Session state persisted.",
		zap.String("id", id),
		zap.Int("cookies", len(state.Cookies)),
		zap.Int("origins", len(state.Origins)))
	return nil
}

// Load reads a previously persisted state. Absent ids yield ErrNotFound,
// malformed records ErrCorruptState.
func (s *FileStore) Load(ctx context.Context, id string) (*schemas.SessionState, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read state file for %s: %w", id, err)
	}
	return decodeState(data)
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("state identifier must not be empty")
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return fmt.Errorf("invalid state identifier %q", id)
	}
	return nil
}

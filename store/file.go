package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// fileDocument is the on-disk layout. Several client profiles can share one
// file; each owns its own slot map.
type fileDocument struct {
	Profiles map[string]map[string]string `json:"profiles"`
}

// FileStore persists slots for one profile in a JSON file. Writes are
// serialized across processes with a lock file and replace the file
// atomically, so readers never observe a partial document.
type FileStore struct {
	path     string
	profile  string
	readFile func(string) ([]byte, error)

	// mu orders writers inside this process; the lock file orders processes.
	mu sync.Mutex
}

// NewFileStore returns a store for profile backed by path. The file is
// created on first write.
func NewFileStore(path, profile string) *FileStore {
	return &FileStore{path: path, profile: profile, readFile: os.ReadFile}
}

// Path returns the backing file.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Get(key string) (string, error) {
	doc, err := s.read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	v, ok := doc.Profiles[s.profile][key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *FileStore) Set(key, value string) error {
	return s.update(func(slots map[string]string) {
		slots[key] = value
	})
}

func (s *FileStore) Delete(keys ...string) error {
	return s.update(func(slots map[string]string) {
		for _, k := range keys {
			delete(slots, k)
		}
	})
}

// errCorrupt marks a session file that exists but is not a valid document.
var errCorrupt = errors.New("session file is corrupt")

func (s *FileStore) read() (*fileDocument, error) {
	data, err := s.readFile(s.path)
	if err != nil {
		return nil, err
	}

	var doc fileDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", errCorrupt, err)
	}
	return &doc, nil
}

// update applies fn to this profile's slots under the file lock and writes
// the result back, keeping every other profile untouched.
func (s *FileStore) update(fn func(slots map[string]string)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := acquireFileLock(s.path)
	if err != nil {
		return fmt.Errorf("%w: failed to acquire lock: %w", ErrUnavailable, err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			fmt.Fprintf(os.Stderr, "failed to release lock: %v\n", releaseErr)
		}
	}()

	doc, err := s.read()
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist), errors.Is(err, errCorrupt):
		// Start over rather than refuse to log in.
		doc = &fileDocument{}
	default:
		// Other profiles may live in the unreadable file.
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if doc.Profiles == nil {
		doc.Profiles = make(map[string]map[string]string)
	}
	slots := doc.Profiles[s.profile]
	if slots == nil {
		slots = make(map[string]string)
		doc.Profiles[s.profile] = slots
	}

	fn(slots)
	if len(slots) == 0 {
		delete(doc.Profiles, s.profile)
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("%w: failed to write temp file: %w", ErrUnavailable, err)
	}

	if err := os.Rename(tempFile, s.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"%w: failed to rename temp file: %v; additionally failed to remove temp file: %w",
				ErrUnavailable,
				err,
				removeErr,
			)
		}
		return fmt.Errorf("%w: failed to rename temp file: %w", ErrUnavailable, err)
	}

	return nil
}

package offline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/Omer1970/ShippingAPP-sub001/internal/models"

	"github.com/pkg/errors"
)

var safeUserID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// FileStore is the local fallback tier of the offline queue. Each user has
// one JSON array file holding that user's entries.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the fallback directory when missing
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrapf(err, "failed to create offline queue directory %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

// path maps a user id to its queue file. Ids that are not plain tokens are
// hashed so they cannot escape the directory.
func (s *FileStore) path(userID string) string {
	name := userID
	if !safeUserID.MatchString(userID) {
		sum := sha256.Sum256([]byte(userID))
		name = "u-" + hex.EncodeToString(sum[:16])
	}
	return filepath.Join(s.dir, name+".json")
}

// Load returns the user's entries; a missing file is an empty queue
func (s *FileStore) Load(userID string) ([]models.OfflineQueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(userID)
}

func (s *FileStore) load(userID string) ([]models.OfflineQueueEntry, error) {
	data, err := os.ReadFile(s.path(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read offline queue file")
	}
	if len(data) == 0 {
		return nil, nil
	}

	var entries []models.OfflineQueueEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, errors.Wrap(err, "failed to decode offline queue file")
	}
	return entries, nil
}

// Append adds one entry to the user's file
func (s *FileStore) Append(userID string, entry models.OfflineQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.load(userID)
	if err != nil {
		return err
	}
	return s.save(userID, append(entries, entry))
}

// Save replaces the user's file. An empty list removes it.
func (s *FileStore) Save(userID string, entries []models.OfflineQueueEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(userID, entries)
}

func (s *FileStore) save(userID string, entries []models.OfflineQueueEntry) error {
	path := s.path(userID)
	if len(entries) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "failed to remove offline queue file")
		}
		return nil
	}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode offline queue")
	}

	tmp, err := os.CreateTemp(s.dir, ".queue-*")
	if err != nil {
		return errors.Wrap(err, "failed to create offline queue temp file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write offline queue file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to flush offline queue file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close offline queue file")
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Wrap(err, "failed to replace offline queue file")
	}
	return nil
}

package changetracker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	changesDir      = "changes"
	activeStatus    = "active"
	revertedStatus  = "reverted"
	metadataFile    = "metadata.json"
	originalFile    = "original"
	updatedFile     = "updated"
	metadataVersion = 1
)

// ErrNoChange means no recorded change has the requested id.
var ErrNoChange = errors.New("change not found")

// ChangeMetadata is stored next to the original and updated file contents.
type ChangeMetadata struct {
	Version   int       `json:"version"`
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	Comments  int       `json:"comments"`
	Added     int       `json:"added"`
	Removed   int       `json:"removed"`
}

// ChangeLog is a recorded file write-back.
type ChangeLog struct {
	ChangeMetadata
	OriginalCode string
	NewCode      string
}

// Store journals file write-backs under root (normally .commentgen) so they
// can be listed and reverted.
type Store struct {
	root string
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{root: filepath.Join(dir, changesDir)}
}

// Record saves one write-back and returns its id.
func (s *Store) Record(filename, original, updated string, comments int) (string, error) {
	id := ulid.Make().String()
	dir := filepath.Join(s.root, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create change directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, originalFile), []byte(original), 0644); err != nil {
		return "", fmt.Errorf("failed to save original code: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, updatedFile), []byte(updated), 0644); err != nil {
		return "", fmt.Errorf("failed to save updated code: %w", err)
	}
	added, removed := CountLines(original, updated)
	meta := ChangeMetadata{
		Version:   metadataVersion,
		ID:        id,
		Filename:  filename,
		Timestamp: time.Now(),
		Status:    activeStatus,
		Comments:  comments,
		Added:     added,
		Removed:   removed,
	}
	if err := s.writeMetadata(dir, meta); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) writeMetadata(dir string, meta ChangeMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metadataFile), data, 0644); err != nil {
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

func (s *Store) load(id string) (ChangeLog, error) {
	dir := filepath.Join(s.root, id)
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		if os.IsNotExist(err) {
			return ChangeLog{}, fmt.Errorf("%w: %s", ErrNoChange, id)
		}
		return ChangeLog{}, fmt.Errorf("failed to read metadata for %s: %w", id, err)
	}
	var c ChangeLog
	if err := json.Unmarshal(data, &c.ChangeMetadata); err != nil {
		return ChangeLog{}, fmt.Errorf("failed to unmarshal metadata for %s: %w", id, err)
	}
	original, err := os.ReadFile(filepath.Join(dir, originalFile))
	if err != nil {
		return ChangeLog{}, fmt.Errorf("failed to read original code for %s: %w", c.Filename, err)
	}
	updated, err := os.ReadFile(filepath.Join(dir, updatedFile))
	if err != nil {
		return ChangeLog{}, fmt.Errorf("failed to read updated code for %s: %w", c.Filename, err)
	}
	c.OriginalCode, c.NewCode = string(original), string(updated)
	return c, nil
}

// Get returns one recorded change.
func (s *Store) Get(id string) (ChangeLog, error) {
	return s.load(id)
}

// List returns every recorded change, most recent first.
func (s *Store) List() ([]ChangeLog, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read changes directory: %w", err)
	}
	var changes []ChangeLog
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		c, err := s.load(entry.Name())
		if errors.Is(err, ErrNoChange) {
			continue
		}
		if err != nil {
			return nil, err
		}
		changes = append(changes, c)
	}
	// ULIDs sort by creation time
	sort.Slice(changes, func(i, j int) bool { return changes[i].ID > changes[j].ID })
	return changes, nil
}

// Revert writes the original content of change id back to its file and marks
// the change reverted.
func (s *Store) Revert(id string) (ChangeLog, error) {
	c, err := s.load(id)
	if err != nil {
		return ChangeLog{}, err
	}
	if c.Status != activeStatus {
		return c, fmt.Errorf("change %s is %s, not active", id, c.Status)
	}
	if err := os.WriteFile(c.Filename, []byte(c.OriginalCode), 0644); err != nil {
		return c, fmt.Errorf("failed to restore %s: %w", c.Filename, err)
	}
	c.Status = revertedStatus
	return c, s.writeMetadata(filepath.Join(s.root, id), c.ChangeMetadata)
}

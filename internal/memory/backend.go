package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Backend persists memory records. The file backend is the canonical format
// (one JSON document per character); the postgres backend stores the same
// document in a jsonb column for deployments that already run a database.
type Backend interface {
	// Load returns the record for characterID. ok is false when no record
	// has been saved yet.
	Load(ctx context.Context, characterID string) (rec Record, ok bool, err error)
	Save(ctx context.Context, characterID string, rec Record) error
	Delete(ctx context.Context, characterID string) error
	Close() error
}

// NewBackend creates a postgres-backed store when databaseURL is set,
// otherwise the per-character file store under dataDir.
func NewBackend(ctx context.Context, dataDir, databaseURL string) (Backend, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return NewFileBackend(dataDir)
	}
	return NewPostgresBackend(ctx, databaseURL)
}

// FileBackend stores one JSON file per character under its directory.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir if needed and returns a file backend.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("memory: create data dir: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(characterID string) string {
	return filepath.Join(b.dir, "memory_"+sanitizeID(characterID)+".json")
}

// Load reads and decodes the character's file. A missing file is not an
// error; a corrupt file is reported so the caller can log and fail open.
func (b *FileBackend) Load(_ context.Context, characterID string) (Record, bool, error) {
	data, err := os.ReadFile(b.path(characterID))
	if os.IsNotExist(err) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("memory: read %s: %w", characterID, err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("memory: decode %s: %w", characterID, err)
	}
	rec.normalize()
	return rec, true, nil
}

// Save writes the record atomically (temp file + rename).
func (b *FileBackend) Save(_ context.Context, characterID string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("memory: encode %s: %w", characterID, err)
	}
	path := b.path(characterID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("memory: write %s: %w", characterID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("memory: rename %s: %w", characterID, err)
	}
	return nil
}

// Delete removes the character's file. Deleting an absent record is a no-op.
func (b *FileBackend) Delete(_ context.Context, characterID string) error {
	err := os.Remove(b.path(characterID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("memory: delete %s: %w", characterID, err)
	}
	return nil
}

func (b *FileBackend) Close() error { return nil }

// sanitizeID keeps character ids filesystem-safe.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}

package persistence

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const checkpointExt = ".json"

// Conversation ids are uuids; anything else is rejected before it can
// reach the filesystem.
var safeIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// FileStore keeps one JSON checkpoint file per conversation under a
// directory.
type FileStore struct {
	dir string
}

// NewFileStore creates the directory if needed and returns the store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(conversationID string) (string, error) {
	if !safeIDPattern.MatchString(conversationID) {
		return "", fmt.Errorf("invalid conversation id %q", conversationID)
	}
	return filepath.Join(s.dir, conversationID+checkpointExt), nil
}

// SaveCheckpoint implements CheckpointStore. The write goes through a temp
// file and rename so readers never observe a torn checkpoint.
func (s *FileStore) SaveCheckpoint(ctx context.Context, conversationID string, state []byte) error {
	path, err := s.path(conversationID)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, conversationID+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	if _, err := tmp.Write(state); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint implements CheckpointStore.
func (s *FileStore) LoadCheckpoint(ctx context.Context, conversationID string) ([]byte, error) {
	path, err := s.path(conversationID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return data, nil
}

// ListConversations implements CheckpointStore.
func (s *FileStore) ListConversations(ctx context.Context) ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var out []Summary
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, checkpointExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		out = append(out, Summary{
			ConversationID: strings.TrimSuffix(name, checkpointExt),
			UpdatedAt:      info.ModTime().UTC(),
			Size:           int(info.Size()),
		})
	}
	return out, nil
}

// Delete implements CheckpointStore.
func (s *FileStore) Delete(ctx context.Context, conversationID string) error {
	path, err := s.path(conversationID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Close implements CheckpointStore.
func (s *FileStore) Close() error { return nil }

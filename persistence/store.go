// Package persistence provides checkpoint storage for conversation state.
// Stores hold the serialized state as an opaque payload; they never inspect
// or rewrite it.
package persistence

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by checkpoint stores.
var (
	ErrNotFound    = errors.New("checkpoint not found")
	ErrStoreClosed = errors.New("checkpoint store is closed")
)

// Summary is one listable conversation entry.
type Summary struct {
	ConversationID string    `json:"conversation_id"`
	UpdatedAt      time.Time `json:"updated_at"`
	Size           int       `json:"size"`
}

// CheckpointStore persists conversation checkpoints. SaveCheckpoint
// overwrites any previous checkpoint of the same conversation; a run only
// ever needs its latest state.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, conversationID string, state []byte) error
	LoadCheckpoint(ctx context.Context, conversationID string) ([]byte, error)
	ListConversations(ctx context.Context) ([]Summary, error)
	Delete(ctx context.Context, conversationID string) error
	Close() error
}

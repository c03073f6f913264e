package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// checkpointRow is the sqlite table layout.
type checkpointRow struct {
	ConversationID string    `gorm:"primaryKey;column:conversation_id"`
	State          []byte    `gorm:"column:state"`
	Size           int       `gorm:"column:size"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (checkpointRow) TableName() string { return "checkpoints" }

// SQLiteStore keeps checkpoints in a single auto-migrated sqlite table.
type SQLiteStore struct {
	db *gorm.DB
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&checkpointRow{}); err != nil {
		return nil, fmt.Errorf("migrate checkpoints table: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// SaveCheckpoint implements CheckpointStore as an upsert on the
// conversation id.
func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, conversationID string, state []byte) error {
	row := checkpointRow{
		ConversationID: conversationID,
		State:          state,
		Size:           len(state),
		UpdatedAt:      time.Now().UTC(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"state", "size", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint implements CheckpointStore.
func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, conversationID string) ([]byte, error) {
	var row checkpointRow
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return row.State, nil
}

// ListConversations implements CheckpointStore.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]Summary, error) {
	var rows []checkpointRow
	err := s.db.WithContext(ctx).
		Select("conversation_id", "size", "updated_at").
		Order("updated_at desc").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	out := make([]Summary, 0, len(rows))
	for _, row := range rows {
		out = append(out, Summary{
			ConversationID: row.ConversationID,
			UpdatedAt:      row.UpdatedAt,
			Size:           row.Size,
		})
	}
	return out, nil
}

// Delete implements CheckpointStore.
func (s *SQLiteStore) Delete(ctx context.Context, conversationID string) error {
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Delete(&checkpointRow{}).Error
	if err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

// Close implements CheckpointStore.
func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

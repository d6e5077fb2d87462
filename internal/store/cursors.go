package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NoCursor is returned by Get when a (group, topic) has never been committed.
const NoCursor int64 = -1

// Cursor is a consumer's durable bookmark into one call topic.
type Cursor struct {
	Group           string
	Topic           string
	CallID          string
	LastDeliveredID int64
	UpdatedAt       time.Time
}

// CursorStore persists one cursor per (consumer group, topic).
type CursorStore struct {
	db *gorm.DB
}

// Get returns the last delivered offset or NoCursor.
func (s *CursorStore) Get(ctx context.Context, group, topic string) (int64, error) {
	var row cursorRow
	err := s.db.WithContext(ctx).Where("consumer_group = ? AND topic = ?", group, topic).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return NoCursor, nil
		}
		return NoCursor, fmt.Errorf("get cursor: %w", err)
	}
	return row.LastDeliveredID, nil
}

// Commit stores offset as the last delivered entry. Cursors never move backwards.
func (s *CursorStore) Commit(ctx context.Context, group, topic, callID string, offset int64) error {
	if strings.TrimSpace(group) == "" || strings.TrimSpace(topic) == "" {
		return fmt.Errorf("group and topic are required")
	}
	now := time.Now().UTC()
	row := cursorRow{
		Group:           group,
		Topic:           topic,
		CallID:          callID,
		LastDeliveredID: offset,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "consumer_group"}, {Name: "topic"}},
			DoUpdates: clause.Assignments(map[string]any{
				"last_delivered_id": gorm.Expr("CASE WHEN cursors.last_delivered_id > ? THEN cursors.last_delivered_id ELSE ? END", offset, offset),
				"updated_at":        now,
			}),
		}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("commit cursor: %w", err)
	}
	return nil
}

// Delete removes the cursor once the call has been purged.
func (s *CursorStore) Delete(ctx context.Context, group, topic string) error {
	if err := s.db.WithContext(ctx).Where("consumer_group = ? AND topic = ?", group, topic).Delete(&cursorRow{}).Error; err != nil {
		return fmt.Errorf("delete cursor: %w", err)
	}
	return nil
}

// List returns every cursor of a group.
func (s *CursorStore) List(ctx context.Context, group string) ([]Cursor, error) {
	var rows []cursorRow
	if err := s.db.WithContext(ctx).Where("consumer_group = ?", group).Order("topic asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	out := make([]Cursor, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toCursor())
	}
	return out, nil
}

type cursorRow struct {
	Group           string    `gorm:"column:consumer_group;primaryKey;size:191"`
	Topic           string    `gorm:"primaryKey;size:249"`
	CallID          string    `gorm:"size:191;index"`
	LastDeliveredID int64     `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
	UpdatedAt       time.Time `gorm:"not null"`
}

func (cursorRow) TableName() string {
	return "cursors"
}

func (r cursorRow) toCursor() Cursor {
	return Cursor{
		Group:           r.Group,
		Topic:           r.Topic,
		CallID:          r.CallID,
		LastDeliveredID: r.LastDeliveredID,
		UpdatedAt:       r.UpdatedAt,
	}
}

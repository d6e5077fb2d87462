package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"transcript-relay-service/internal/models"
)

// ErrCallNotFound is returned when a call id is unknown.
var ErrCallNotFound = errors.New("call not found")

// CallStore persists the call registry so sequence counters and consumer
// tracking survive restarts.
type CallStore struct {
	db *gorm.DB
}

// UpsertCall inserts or updates a call row.
func (s *CallStore) UpsertCall(ctx context.Context, c models.Call) error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("call id is required")
	}
	row := callRowFromModel(c)
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoUpdates: clause.AssignmentColumns([]string{"tenant_id", "state", "ended_at", "last_seq", "last_activity", "updated_at"}),
		}).
		Create(&row).Error
}

// GetCall loads one call.
func (s *CallStore) GetCall(ctx context.Context, id string) (models.Call, error) {
	var row callRow
	if err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Call{}, fmt.Errorf("%w: %s", ErrCallNotFound, id)
		}
		return models.Call{}, fmt.Errorf("get call: %w", err)
	}
	return row.toModel()
}

// UpdateLastSeq raises the persisted last seq of a call.
func (s *CallStore) UpdateLastSeq(ctx context.Context, id string, seq int64) error {
	res := s.db.WithContext(ctx).Model(&callRow{}).
		Where("id = ? AND last_seq < ?", id, seq).
		Updates(map[string]any{
			"last_seq":      seq,
			"last_activity": time.Now().UTC(),
			"updated_at":    time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("update last seq: %w", res.Error)
	}
	return nil
}

// ListByState returns calls in any of the given states.
func (s *CallStore) ListByState(ctx context.Context, states ...models.CallState) ([]models.Call, error) {
	names := make([]string, 0, len(states))
	for _, st := range states {
		names = append(names, st.String())
	}
	var rows []callRow
	if err := s.db.WithContext(ctx).Where("state IN ?", names).Order("started_at asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list calls: %w", err)
	}
	out := make([]models.Call, 0, len(rows))
	for _, r := range rows {
		c, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

type callRow struct {
	ID           string    `gorm:"primaryKey;size:191"`
	TenantID     string    `gorm:"size:191;index"`
	State        string    `gorm:"size:16;not null;index"`
	StartedAt    time.Time `gorm:"not null"`
	EndedAt      *time.Time
	LastSeq      int64     `gorm:"not null;default:0"`
	LastActivity time.Time `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (callRow) TableName() string {
	return "calls"
}

func callRowFromModel(c models.Call) callRow {
	now := time.Now().UTC()
	started := c.StartedAt
	if started.IsZero() {
		started = now
	}
	activity := c.LastActivity
	if activity.IsZero() {
		activity = now
	}
	var ended *time.Time
	if !c.EndedAt.IsZero() {
		e := c.EndedAt
		ended = &e
	}
	return callRow{
		ID:           c.ID,
		TenantID:     c.TenantID,
		State:        c.State.String(),
		StartedAt:    started,
		EndedAt:      ended,
		LastSeq:      c.LastSeq,
		LastActivity: activity,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func (r callRow) toModel() (models.Call, error) {
	state, err := models.ParseCallState(r.State)
	if err != nil {
		return models.Call{}, err
	}
	c := models.Call{
		ID:           r.ID,
		TenantID:     r.TenantID,
		State:        state,
		StartedAt:    r.StartedAt,
		LastSeq:      r.LastSeq,
		LastActivity: r.LastActivity,
	}
	if r.EndedAt != nil {
		c.EndedAt = *r.EndedAt
	}
	return c, nil
}

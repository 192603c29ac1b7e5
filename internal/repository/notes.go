package repository

import (
	"context"
	"fmt"

	"supportdesk/internal/models"

	"gorm.io/gorm"
)

// HandoffNoteRepository 交接备注存储
type HandoffNoteRepository struct {
	db *gorm.DB
}

func NewHandoffNoteRepository(db *gorm.DB) *HandoffNoteRepository {
	return &HandoffNoteRepository{db: db}
}

func (r *HandoffNoteRepository) Create(ctx context.Context, n *models.HandoffNote) error {
	if err := r.db.WithContext(ctx).Omit("Author").Create(n).Error; err != nil {
		return fmt.Errorf("create handoff note: %w", err)
	}
	return nil
}

// ListBySession 按创建时间正序，includePrivate=false 时只返回公开备注
func (r *HandoffNoteRepository) ListBySession(ctx context.Context, sessionID string, includePrivate bool) ([]models.HandoffNote, error) {
	q := r.db.WithContext(ctx).Preload("Author").Where("session_id = ?", sessionID)
	if !includePrivate {
		q = q.Where("is_private = ?", false)
	}
	var out []models.HandoffNote
	if err := q.Order("created_at ASC").Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list handoff notes: %w", err)
	}
	return out, nil
}

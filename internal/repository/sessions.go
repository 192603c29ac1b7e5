package repository

import (
	"context"
	"fmt"
	"time"

	"supportdesk/internal/models"

	"gorm.io/gorm"
)

// SessionRepository 会话存储
type SessionRepository struct {
	db *gorm.DB
}

func NewSessionRepository(db *gorm.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// WithTx 绑定到事务
func (r *SessionRepository) WithTx(tx *gorm.DB) *SessionRepository {
	return &SessionRepository{db: tx}
}

func (r *SessionRepository) Create(ctx context.Context, s *models.ChatSession) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// FindByID 查找会话，附带客户信息
func (r *SessionRepository) FindByID(ctx context.Context, id string) (*models.ChatSession, error) {
	var s models.ChatSession
	if err := r.db.WithContext(ctx).Preload("User").First(&s, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "session %s", id)
	}
	return &s, nil
}

// UpdateEscalation 把会话切换为 support 类型并写入升级元数据
func (r *SessionRepository) UpdateEscalation(ctx context.Context, id, sessionType, metadata string) error {
	res := r.db.WithContext(ctx).Model(&models.ChatSession{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"type":     sessionType,
			"status":   models.SessionStatusActive,
			"metadata": metadata,
		})
	if res.Error != nil {
		return fmt.Errorf("update session %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return nil
}

// SessionFilter 会话查询条件
type SessionFilter struct {
	Type          string
	Status        string
	CreatedFrom   *time.Time
	CreatedTo     *time.Time
	EscalatedOnly bool
	// AssignedTo 只保留当前 active 指派给该客服的会话
	AssignedTo    *uint
	Limit         int
}

// List 按条件列出会话（含客户），按创建时间倒序
func (r *SessionRepository) List(ctx context.Context, f SessionFilter) ([]models.ChatSession, error) {
	q := r.db.WithContext(ctx).Model(&models.ChatSession{}).Preload("User")
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.CreatedFrom != nil {
		q = q.Where("created_at >= ?", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		q = q.Where("created_at <= ?", *f.CreatedTo)
	}
	if f.EscalatedOnly {
		q = q.Where("metadata IS NOT NULL AND metadata <> ''")
	}
	if f.AssignedTo != nil {
		q = q.Where("id IN (?)", r.db.Model(&models.Assignment{}).
			Select("session_id").
			Where("status = ? AND support_user_id = ?", models.AssignmentActive, *f.AssignedTo))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.ChatSession
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// Count 统计会话数
func (r *SessionRepository) Count(ctx context.Context, f SessionFilter) (int64, error) {
	q := r.db.WithContext(ctx).Model(&models.ChatSession{})
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.CreatedFrom != nil {
		q = q.Where("created_at >= ?", *f.CreatedFrom)
	}
	if f.CreatedTo != nil {
		q = q.Where("created_at <= ?", *f.CreatedTo)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return n, nil
}

// MessageRepository 消息存储
type MessageRepository struct {
	db *gorm.DB
}

func NewMessageRepository(db *gorm.DB) *MessageRepository {
	return &MessageRepository{db: db}
}

func (r *MessageRepository) Create(ctx context.Context, m *models.Message) error {
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	return nil
}

// Recent 最近 limit 条消息，按时间正序返回
func (r *MessageRepository) Recent(ctx context.Context, sessionID string, limit int) ([]models.Message, error) {
	var out []models.Message
	q := r.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("created_at DESC").Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("recent messages: %w", err)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Count 会话消息数
func (r *MessageRepository) Count(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&models.Message{}).Where("session_id = ?", sessionID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// FirstByRole 会话中某类发送方的第一条消息
func (r *MessageRepository) FirstByRole(ctx context.Context, sessionID, role string) (*models.Message, error) {
	var m models.Message
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND role = ?", sessionID, role).
		Order("created_at ASC").Order("id ASC").
		First(&m).Error
	if err != nil {
		return nil, notFound(err, "first %s message of %s", role, sessionID)
	}
	return &m, nil
}

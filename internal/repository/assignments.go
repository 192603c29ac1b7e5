package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"supportdesk/internal/models"

	"gorm.io/gorm"
)

// ErrNotActive 指派已不是 active（并发关闭）
var ErrNotActive = errors.New("assignment is no longer active")

// AssignmentRepository 指派存储
type AssignmentRepository struct {
	db *gorm.DB
}

func NewAssignmentRepository(db *gorm.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// WithTx 绑定到事务
func (r *AssignmentRepository) WithTx(tx *gorm.DB) *AssignmentRepository {
	return &AssignmentRepository{db: tx}
}

func withRelations(db *gorm.DB) *gorm.DB {
	return db.
		Preload("SupportUser").
		Preload("AssignedBy").
		Preload("NoteEntries", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at ASC").Order("id ASC")
		})
}

// Create 插入指派，note 非空时写入首条备注
func (r *AssignmentRepository) Create(ctx context.Context, a *models.Assignment, note string) error {
	db := r.db.WithContext(ctx)
	if err := db.Omit("Session", "SupportUser", "AssignedBy", "NoteEntries").Create(a).Error; err != nil {
		return fmt.Errorf("create assignment: %w", err)
	}
	if note == "" {
		return nil
	}
	return r.AddNote(ctx, a.ID, "", note, a.AssignedAt)
}

// AddNote 追加备注条目
func (r *AssignmentRepository) AddNote(ctx context.Context, assignmentID uint, label, content string, at time.Time) error {
	entry := models.AssignmentNote{
		AssignmentID: assignmentID,
		Label:        label,
		Content:      content,
		CreatedAt:    at,
	}
	if err := r.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return fmt.Errorf("add assignment note: %w", err)
	}
	return nil
}

// Close 结束 active 指派（completed / transferred）；content 非空时追加备注
func (r *AssignmentRepository) Close(ctx context.Context, id uint, status models.AssignmentStatus, at time.Time, label, content string) error {
	res := r.db.WithContext(ctx).Model(&models.Assignment{}).
		Where("id = ? AND status = ?", id, models.AssignmentActive).
		Updates(map[string]interface{}{
			"status":       status,
			"completed_at": at,
			"updated_at":   at,
		})
	if res.Error != nil {
		return fmt.Errorf("close assignment %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("close assignment %d: %w", id, ErrNotActive)
	}
	if content == "" {
		return nil
	}
	return r.AddNote(ctx, id, label, content, at)
}

// FindByID 含关联
func (r *AssignmentRepository) FindByID(ctx context.Context, id uint) (*models.Assignment, error) {
	var a models.Assignment
	if err := withRelations(r.db.WithContext(ctx)).First(&a, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "assignment %d", id)
	}
	return &a, nil
}

// FindActiveBySession 会话当前 active 指派
func (r *AssignmentRepository) FindActiveBySession(ctx context.Context, sessionID string) (*models.Assignment, error) {
	var a models.Assignment
	err := withRelations(r.db.WithContext(ctx)).
		Where("session_id = ? AND status = ?", sessionID, models.AssignmentActive).
		First(&a).Error
	if err != nil {
		return nil, notFound(err, "active assignment of session %s", sessionID)
	}
	return &a, nil
}

// FindActiveBySessionAndUser 会话 + 客服的 active 指派
func (r *AssignmentRepository) FindActiveBySessionAndUser(ctx context.Context, sessionID string, userID uint) (*models.Assignment, error) {
	var a models.Assignment
	err := withRelations(r.db.WithContext(ctx)).
		Where("session_id = ? AND support_user_id = ? AND status = ?", sessionID, userID, models.AssignmentActive).
		First(&a).Error
	if err != nil {
		return nil, notFound(err, "active assignment of session %s for user %d", sessionID, userID)
	}
	return &a, nil
}

// AssignmentFilter 指派查询条件
type AssignmentFilter struct {
	SupportUserID *uint
	SessionID     string
	Status        models.AssignmentStatus
	Type          models.AssignmentType
	DateFrom      *time.Time
	DateTo        *time.Time
	Limit         int
}

func (f AssignmentFilter) apply(q *gorm.DB) *gorm.DB {
	if f.SupportUserID != nil {
		q = q.Where("support_user_id = ?", *f.SupportUserID)
	}
	if f.SessionID != "" {
		q = q.Where("session_id = ?", f.SessionID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.Type != "" {
		q = q.Where("assignment_type = ?", f.Type)
	}
	if f.DateFrom != nil {
		q = q.Where("assigned_at >= ?", *f.DateFrom)
	}
	if f.DateTo != nil {
		q = q.Where("assigned_at <= ?", *f.DateTo)
	}
	return q
}

// List 按 assigned_at 倒序
func (r *AssignmentRepository) List(ctx context.Context, f AssignmentFilter) ([]models.Assignment, error) {
	q := f.apply(withRelations(r.db.WithContext(ctx)))
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var out []models.Assignment
	if err := q.Order("assigned_at DESC").Order("id DESC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return out, nil
}

// ListBare 不加载关联，供统计使用
func (r *AssignmentRepository) ListBare(ctx context.Context, f AssignmentFilter) ([]models.Assignment, error) {
	var out []models.Assignment
	if err := f.apply(r.db.WithContext(ctx).Model(&models.Assignment{})).Find(&out).Error; err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	return out, nil
}

// ActiveCounts 每个用户当前 active 指派数
func (r *AssignmentRepository) ActiveCounts(ctx context.Context, userIDs []uint) (map[uint]int64, error) {
	out := make(map[uint]int64, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	var rows []struct {
		SupportUserID uint
		Count         int64
	}
	err := r.db.WithContext(ctx).Model(&models.Assignment{}).
		Select("support_user_id, COUNT(*) AS count").
		Where("status = ? AND support_user_id IN ?", models.AssignmentActive, userIDs).
		Group("support_user_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count active assignments: %w", err)
	}
	for _, row := range rows {
		out[row.SupportUserID] = row.Count
	}
	return out, nil
}

// ActiveSessionIDs 所有持有 active 指派的会话
func (r *AssignmentRepository) ActiveSessionIDs(ctx context.Context) (map[string]struct{}, error) {
	var ids []string
	err := r.db.WithContext(ctx).Model(&models.Assignment{}).
		Where("status = ?", models.AssignmentActive).
		Pluck("session_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("active session ids: %w", err)
	}
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out, nil
}

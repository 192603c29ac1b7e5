package models

import (
	"encoding/json"
	"strings"
	"time"
)

// AssignmentType 指派类型，创建后不可变
type AssignmentType string

const (
	AssignmentManual    AssignmentType = "manual"
	AssignmentAuto      AssignmentType = "auto"
	AssignmentEscalated AssignmentType = "escalated"
)

// AssignmentStatus 指派状态
type AssignmentStatus string

const (
	AssignmentActive      AssignmentStatus = "active"
	AssignmentCompleted   AssignmentStatus = "completed"
	AssignmentTransferred AssignmentStatus = "transferred"
)

// ParseAssignmentType 校验指派类型
func ParseAssignmentType(s string) (AssignmentType, bool) {
	switch t := AssignmentType(s); t {
	case AssignmentManual, AssignmentAuto, AssignmentEscalated:
		return t, true
	default:
		return "", false
	}
}

// ParseAssignmentStatus 校验指派状态
func ParseAssignmentStatus(s string) (AssignmentStatus, bool) {
	switch st := AssignmentStatus(s); st {
	case AssignmentActive, AssignmentCompleted, AssignmentTransferred:
		return st, true
	default:
		return "", false
	}
}

// Assignment 会话指派：一个客服在一段时间内负责一个会话。
// 同一会话最多一条 active 记录，由 assignments(session_id) WHERE status='active' 唯一索引保证。
type Assignment struct {
	ID            uint             `gorm:"primaryKey" json:"id"`
	SessionID     string           `gorm:"size:36;not null;index" json:"session_id"`
	SupportUserID uint             `gorm:"not null;index" json:"support_user_id"`
	AssignedByID  *uint            `gorm:"column:assigned_by" json:"assigned_by,omitempty"`
	Type          AssignmentType   `gorm:"column:assignment_type;size:20;not null" json:"assignment_type"` // manual, auto, escalated
	Status        AssignmentStatus `gorm:"size:20;not null;index" json:"status"`                           // active, completed, transferred
	AssignedAt    time.Time        `gorm:"not null;index" json:"assigned_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`

	Session     *ChatSession     `gorm:"foreignKey:SessionID" json:"session,omitempty"`
	SupportUser *User            `gorm:"foreignKey:SupportUserID" json:"support_user,omitempty"`
	AssignedBy  *User            `gorm:"foreignKey:AssignedByID" json:"assigned_by_user,omitempty"`
	NoteEntries []AssignmentNote `gorm:"foreignKey:AssignmentID" json:"note_entries,omitempty"`
}

// AssignmentNote 指派备注条目，只追加不修改
type AssignmentNote struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	AssignmentID uint      `gorm:"not null;index" json:"assignment_id"`
	Label        string    `gorm:"size:40" json:"label,omitempty"` // Transferred, Completed 等
	Content      string    `gorm:"type:text" json:"content"`
	CreatedAt    time.Time `json:"created_at"`
}

// 备注标签
const (
	NoteLabelTransferred = "Transferred"
	NoteLabelCompleted   = "Completed"
)

// String 渲染单条备注
func (n AssignmentNote) String() string {
	switch {
	case n.Label == "":
		return n.Content
	case n.Content == "":
		return n.Label
	default:
		return n.Label + ": " + n.Content
	}
}

func (a *Assignment) IsActive() bool    { return a.Status == AssignmentActive }
func (a *Assignment) IsCompleted() bool { return a.Status == AssignmentCompleted }
func (a *Assignment) WasEscalated() bool {
	return a.Type == AssignmentEscalated
}

// DurationSeconds completedAt - assignedAt，未结束时返回 nil
func (a *Assignment) DurationSeconds() *int64 {
	if a.CompletedAt == nil {
		return nil
	}
	d := int64(a.CompletedAt.Sub(a.AssignedAt) / time.Second)
	return &d
}

// Notes 按时间顺序拼接备注条目
func (a *Assignment) Notes() string {
	parts := make([]string, 0, len(a.NoteEntries))
	for _, n := range a.NoteEntries {
		if s := n.String(); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n")
}

// MarshalJSON 附加派生字段
func (a Assignment) MarshalJSON() ([]byte, error) {
	type alias Assignment
	return json.Marshal(struct {
		alias
		Notes           string `json:"notes"`
		IsActive        bool   `json:"is_active"`
		IsCompleted     bool   `json:"is_completed"`
		DurationSeconds *int64 `json:"duration,omitempty"`
		WasEscalated    bool   `json:"was_escalated"`
	}{
		alias:           alias(a),
		Notes:           a.Notes(),
		IsActive:        a.IsActive(),
		IsCompleted:     a.IsCompleted(),
		DurationSeconds: a.DurationSeconds(),
		WasEscalated:    a.WasEscalated(),
	})
}

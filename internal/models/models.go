package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RoleName 角色名（封闭集合）
type RoleName string

const (
	RoleSupport  RoleName = "support"
	RoleManager  RoleName = "manager"
	RoleAdmin    RoleName = "admin"
	RoleCustomer RoleName = "customer"
)

// SupportRoles 可以持有会话指派的角色
var SupportRoles = []RoleName{RoleSupport, RoleManager, RoleAdmin}

// EscalationRoles 可以接收升级的角色
var EscalationRoles = []RoleName{RoleManager, RoleAdmin}

// ParseRoleName 校验并返回角色名，未知角色返回 false
func ParseRoleName(s string) (RoleName, bool) {
	switch r := RoleName(s); r {
	case RoleSupport, RoleManager, RoleAdmin, RoleCustomer:
		return r, true
	default:
		return "", false
	}
}

// IsSupport 是否属于客服角色集合
func (r RoleName) IsSupport() bool {
	return r == RoleSupport || r == RoleManager || r == RoleAdmin
}

// IsEscalation 是否可以接收升级
func (r RoleName) IsEscalation() bool {
	return r == RoleManager || r == RoleAdmin
}

// 用户模型
type User struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	Name       string     `gorm:"size:100;not null" json:"name"`
	Email      string     `gorm:"size:255;uniqueIndex;not null" json:"email"`
	IsActive   bool       `gorm:"not null" json:"is_active"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`

	Roles []Role `gorm:"many2many:user_roles;" json:"roles,omitempty"`
}

// HasRole 用户是否持有指定角色
func (u *User) HasRole(name RoleName) bool {
	for _, r := range u.Roles {
		if r.Name == name {
			return true
		}
	}
	return false
}

// IsSupportStaff 用户是否持有 support/manager/admin 中任一角色
func (u *User) IsSupportStaff() bool {
	for _, r := range u.Roles {
		if r.Name.IsSupport() {
			return true
		}
	}
	return false
}

// CanReceiveEscalation 用户是否为 manager/admin
func (u *User) CanReceiveEscalation() bool {
	for _, r := range u.Roles {
		if r.Name.IsEscalation() {
			return true
		}
	}
	return false
}

// RoleNames 返回角色名列表
func (u *User) RoleNames() []RoleName {
	out := make([]RoleName, 0, len(u.Roles))
	for _, r := range u.Roles {
		out = append(out, r.Name)
	}
	return out
}

// 角色
type Role struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      RoleName  `gorm:"size:20;uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// 会话类型与状态
const (
	SessionTypeAI      = "ai"
	SessionTypeSupport = "support"

	SessionStatusActive = "active"
	SessionStatusClosed = "closed"
)

// 聊天会话
type ChatSession struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    *uint     `gorm:"index" json:"user_id,omitempty"`
	Type      string    `gorm:"size:20;default:'ai'" json:"type"`       // ai, support
	Status    string    `gorm:"size:20;default:'active'" json:"status"` // active, closed
	Metadata  string    `gorm:"type:text" json:"metadata,omitempty"`    // JSON，升级信息等
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	User     *User     `gorm:"foreignKey:UserID" json:"user,omitempty"`
	Messages []Message `gorm:"foreignKey:SessionID" json:"messages,omitempty"`
}

func (ChatSession) TableName() string { return "chat_sessions" }

// BeforeCreate 生成会话 ID
func (s *ChatSession) BeforeCreate(tx *gorm.DB) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	return nil
}

// 消息发送方
const (
	MessageRoleUser      = "user"
	MessageRoleAssistant = "assistant"
	MessageRoleSupport   = "support"
	MessageRoleSystem    = "system"
)

// 消息模型
type Message struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	SessionID  string    `gorm:"size:36;index;not null" json:"session_id"`
	SenderID   *uint     `json:"sender_id,omitempty"`
	Role       string    `gorm:"size:20;not null" json:"role"` // user, assistant, support, system
	Content    string    `gorm:"type:text;not null" json:"content"`
	Confidence *float64  `json:"confidence,omitempty"` // AI 回复置信度
	Metadata   string    `gorm:"type:text" json:"metadata,omitempty"`
	CreatedAt  time.Time `gorm:"index" json:"created_at"`
}

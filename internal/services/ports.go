package services

import (
	"context"

	"supportdesk/internal/models"
)

// SessionStore 会话存储
type SessionStore interface {
	FindByID(ctx context.Context, id string) (*models.ChatSession, error)
}

// UserStore 用户/角色存储
type UserStore interface {
	FindByID(ctx context.Context, id uint, withRoles bool) (*models.User, error)
	FindByIDs(ctx context.Context, ids []uint) ([]models.User, error)
	FindActiveByRoles(ctx context.Context, roles []models.RoleName) ([]models.User, error)
}

// Notifier 实时推送通道，按 topic 发布：session:{id} / user:{id} / role:{name}
type Notifier interface {
	EmitToSession(ctx context.Context, sessionID string, event string, payload interface{}) error
	EmitToUser(ctx context.Context, userID uint, event string, payload interface{}) error
	BroadcastToRole(ctx context.Context, role models.RoleName, event string, payload interface{}) error
}

// PresenceChecker 在线状态查询
type PresenceChecker interface {
	IsOnline(ctx context.Context, userID uint) bool
}

// 推送事件名
const (
	EventAssignmentNotification        = "assignment-notification"
	EventSupportAssignmentNotification = "support-assignment-notification"
	EventEscalationNotification        = "escalation-notification"
	EventSupportJoined                 = "support-joined"
	EventSupportLeft                   = "support-left"
	EventSupportTransferred            = "support-transferred"
	EventSupportEscalated              = "support-escalated"
	EventSessionUpdated                = "session-updated"
	EventHandoffReceived               = "handoff-received"
	EventEscalationReceived            = "escalation-received"
	EventEscalationAlert               = "escalation-alert"
)

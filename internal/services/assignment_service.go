package services

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"supportdesk/internal/config"
	"supportdesk/internal/metrics"
	"supportdesk/internal/models"
	"supportdesk/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// NotificationType 指派推送类型
type NotificationType string

const (
	NotificationAssignment NotificationType = "assignment"
	NotificationTransfer   NotificationType = "transfer"
	NotificationEscalation NotificationType = "escalation"
	NotificationCompletion NotificationType = "completion"
)

// AssignmentNotification 实时客户端依赖的推送负载，字段名不可更改
type AssignmentNotification struct {
	Type            NotificationType `json:"type"`
	SessionID       string           `json:"sessionId"`
	SupportUserID   uint             `json:"supportUserId"`
	SupportUserName string           `json:"supportUserName"`
	AssignedBy      *uint            `json:"assignedBy,omitempty"`
	AssignedByName  string           `json:"assignedByName,omitempty"`
	Notes           string           `json:"notes,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

// SupportPresenceEvent support-joined / support-left 负载
type SupportPresenceEvent struct {
	SessionID       string `json:"sessionId"`
	SupportUserID   uint   `json:"supportUserId"`
	SupportUserName string `json:"supportUserName"`
}

// SupportAvailability 客服可用性
type SupportAvailability struct {
	UserID            uint              `json:"userId"`
	UserName          string            `json:"userName"`
	Roles             []models.RoleName `json:"roles"`
	IsOnline          bool              `json:"isOnline"`
	ActiveAssignments int64             `json:"activeAssignments"`
	MaxCapacity       int               `json:"maxCapacity"`
	IsAvailable       bool              `json:"isAvailable"`
}

// AssignmentStats 指派统计
type AssignmentStats struct {
	TotalAssignments         int64 `json:"totalAssignments"`
	ActiveAssignments        int64 `json:"activeAssignments"`
	CompletedAssignments     int64 `json:"completedAssignments"`
	TransferredAssignments   int64 `json:"transferredAssignments"`
	EscalatedAssignments     int64 `json:"escalatedAssignments"`
	AutoAssignments          int64 `json:"autoAssignments"`
	AvgResolutionTimeMinutes int64 `json:"avgResolutionTimeMinutes"`
}

// CreateAssignmentRequest 创建指派
type CreateAssignmentRequest struct {
	SessionID     string                `json:"session_id" binding:"required"`
	SupportUserID uint                  `json:"support_user_id" binding:"required"`
	AssignedBy    *uint                 `json:"assigned_by,omitempty"`
	Type          models.AssignmentType `json:"assignment_type,omitempty"`
	Notes         string                `json:"notes,omitempty"`
}

// TransferAssignmentRequest 转接指派
type TransferAssignmentRequest struct {
	SessionID         string `json:"session_id" binding:"required"`
	FromSupportUserID uint   `json:"from_support_user_id" binding:"required"`
	ToSupportUserID   uint   `json:"to_support_user_id" binding:"required"`
	TransferredBy     uint   `json:"transferred_by"`
	Notes             string `json:"notes,omitempty"`
}

// EscalateAssignmentRequest 升级到主管
type EscalateAssignmentRequest struct {
	SessionID   string `json:"session_id" binding:"required"`
	EscalatedBy uint   `json:"escalated_by"`
	Notes       string `json:"notes,omitempty"`
}

// CompleteAssignmentRequest 完成指派
type CompleteAssignmentRequest struct {
	SessionID     string `json:"session_id" binding:"required"`
	SupportUserID uint   `json:"support_user_id"`
	Notes         string `json:"notes,omitempty"`
}

// StatsFilter 统计过滤条件
type StatsFilter struct {
	SupportUserID *uint
	DateFrom      *time.Time
	DateTo        *time.Time
}

const autoAssignNote = "Auto-assigned based on availability"

// AssignmentService 会话指派服务
type AssignmentService struct {
	db          *gorm.DB
	logger      *logrus.Logger
	sessions    SessionStore
	users       UserStore
	assignments *repository.AssignmentRepository
	notifier    Notifier
	presence    PresenceChecker
	cfg         config.AssignmentConfig
	now         func() time.Time
}

// NewAssignmentService 创建会话指派服务；notifier 可为 nil，presence 为 nil 时所有人视为离线
func NewAssignmentService(
	db *gorm.DB,
	logger *logrus.Logger,
	notifier Notifier,
	presence PresenceChecker,
	cfg config.AssignmentConfig,
) *AssignmentService {
	if logger == nil {
		logger = logrus.New()
	}
	if presence == nil {
		presence = offlinePresence{}
	}
	return &AssignmentService{
		db:          db,
		logger:      logger,
		sessions:    repository.NewSessionRepository(db),
		users:       repository.NewUserRepository(db),
		assignments: repository.NewAssignmentRepository(db),
		notifier:    notifier,
		presence:    presence,
		cfg:         cfg,
		now:         time.Now,
	}
}

type offlinePresence struct{}

func (offlinePresence) IsOnline(context.Context, uint) bool { return false }

// CreateAssignment 创建 active 指派
func (s *AssignmentService) CreateAssignment(ctx context.Context, req *CreateAssignmentRequest) (*models.Assignment, error) {
	typ := req.Type
	if typ == "" {
		typ = models.AssignmentManual
	}
	if _, ok := models.ParseAssignmentType(string(typ)); !ok {
		return nil, badRequestf("invalid assignment type %q", typ)
	}

	if _, err := s.sessions.FindByID(ctx, req.SessionID); err != nil {
		return nil, s.lookupErr(err, "Session %s not found", req.SessionID)
	}
	supportUser, err := s.users.FindByID(ctx, req.SupportUserID, true)
	if err != nil {
		return nil, s.lookupErr(err, "Support user %d not found", req.SupportUserID)
	}
	if !supportUser.IsSupportStaff() {
		return nil, badRequestf("User %d does not have support privileges", req.SupportUserID)
	}
	if req.AssignedBy != nil {
		if _, err := s.users.FindByID(ctx, *req.AssignedBy, false); err != nil {
			return nil, s.lookupErr(err, "Assigning user %d not found", *req.AssignedBy)
		}
	}

	existing, err := s.GetActiveAssignment(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, badRequestf("Session %s already has an active assignment", req.SessionID)
	}

	a := &models.Assignment{
		SessionID:     req.SessionID,
		SupportUserID: req.SupportUserID,
		AssignedByID:  req.AssignedBy,
		Type:          typ,
		Status:        models.AssignmentActive,
		AssignedAt:    s.now(),
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.assignments.WithTx(tx).Create(ctx, a, req.Notes)
	})
	if err != nil {
		return nil, s.insertErr(err, req.SessionID)
	}

	created, err := s.assignments.FindByID(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	metrics.IncAssignmentTransition(metrics.TransitionCreated)
	s.logger.Infof("Assigned session %s to support user %d (%s)", created.SessionID, created.SupportUserID, created.Type)

	s.notifyAssignment(ctx, created, NotificationAssignment, req.Notes)
	s.emitPresence(ctx, created.SessionID, EventSupportJoined, created.SupportUser)
	return created, nil
}

// TransferAssignment 在一个事务内关闭旧指派并为目标客服创建新指派
func (s *AssignmentService) TransferAssignment(ctx context.Context, req *TransferAssignmentRequest) (*models.Assignment, error) {
	current, err := s.assignments.FindActiveBySessionAndUser(ctx, req.SessionID, req.FromSupportUserID)
	if err != nil {
		return nil, s.lookupErr(err, "Active assignment not found for session %s and user %d", req.SessionID, req.FromSupportUserID)
	}
	target, err := s.users.FindByID(ctx, req.ToSupportUserID, true)
	if err != nil {
		return nil, s.lookupErr(err, "Target user %d not found", req.ToSupportUserID)
	}
	if !target.IsSupportStaff() {
		return nil, badRequestf("Target user %d does not have support privileges", req.ToSupportUserID)
	}
	var transferredBy *uint
	if req.TransferredBy != 0 {
		by := req.TransferredBy
		transferredBy = &by
	}

	fromName := userName(current.SupportUser)
	opening := joinNote("Transferred from "+fromName+".", req.Notes)
	now := s.now()
	next := &models.Assignment{
		SessionID:     req.SessionID,
		SupportUserID: req.ToSupportUserID,
		AssignedByID:  transferredBy,
		Type:          models.AssignmentManual,
		Status:        models.AssignmentActive,
		AssignedAt:    now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := s.assignments.WithTx(tx)
		if err := repo.Close(ctx, current.ID, models.AssignmentTransferred, now, models.NoteLabelTransferred, req.Notes); err != nil {
			return err
		}
		return repo.Create(ctx, next, opening)
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotActive) {
			return nil, notFoundf("Active assignment not found for session %s and user %d", req.SessionID, req.FromSupportUserID)
		}
		return nil, s.insertErr(err, req.SessionID)
	}

	created, err := s.assignments.FindByID(ctx, next.ID)
	if err != nil {
		return nil, err
	}
	metrics.IncAssignmentTransition(metrics.TransitionTransferred)
	s.logger.Infof("Transferred session %s from user %d to user %d", req.SessionID, req.FromSupportUserID, req.ToSupportUserID)

	// 新指派先按普通指派通知，再发转接通知
	s.notifyAssignment(ctx, created, NotificationAssignment, opening)
	s.notifyAssignment(ctx, created, NotificationTransfer, "Transferred from "+fromName)
	s.emitPresence(ctx, req.SessionID, EventSupportLeft, current.SupportUser)
	s.emitPresence(ctx, req.SessionID, EventSupportJoined, created.SupportUser)
	return created, nil
}

// EscalateAssignment 升级到负载最低且未满的 manager/admin
func (s *AssignmentService) EscalateAssignment(ctx context.Context, req *EscalateAssignmentRequest) (*models.Assignment, error) {
	if _, err := s.sessions.FindByID(ctx, req.SessionID); err != nil {
		return nil, s.lookupErr(err, "Session %s not found", req.SessionID)
	}
	managers, err := s.users.FindActiveByRoles(ctx, models.EscalationRoles)
	if err != nil {
		return nil, err
	}
	if len(managers) == 0 {
		return nil, notFoundf("No managers available for escalation")
	}
	current, err := s.GetActiveAssignment(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	availability, err := s.availabilityFor(ctx, managers)
	if err != nil {
		return nil, err
	}
	var chosen *SupportAvailability
	for i := range availability {
		a := &availability[i]
		if !a.IsAvailable {
			continue
		}
		if current != nil && a.UserID == current.SupportUserID {
			continue
		}
		chosen = a
		break
	}
	if chosen == nil {
		return nil, badRequestf("No managers are currently available for escalation")
	}

	note := joinNote("Escalated to manager.", req.Notes)
	var escalated *models.Assignment
	if current != nil {
		escalated, err = s.TransferAssignment(ctx, &TransferAssignmentRequest{
			SessionID:         req.SessionID,
			FromSupportUserID: current.SupportUserID,
			ToSupportUserID:   chosen.UserID,
			TransferredBy:     req.EscalatedBy,
			Notes:             note,
		})
	} else {
		var by *uint
		if req.EscalatedBy != 0 {
			v := req.EscalatedBy
			by = &v
		}
		escalated, err = s.CreateAssignment(ctx, &CreateAssignmentRequest{
			SessionID:     req.SessionID,
			SupportUserID: chosen.UserID,
			AssignedBy:    by,
			Type:          models.AssignmentEscalated,
			Notes:         note,
		})
	}
	if err != nil {
		return nil, err
	}

	metrics.IncAssignmentTransition(metrics.TransitionEscalated)
	s.logger.Infof("Escalated session %s to manager %d (%d active)", req.SessionID, chosen.UserID, chosen.ActiveAssignments)
	s.notifyEscalation(ctx, escalated, note)
	return escalated, nil
}

// CompleteAssignment 完成指派
func (s *AssignmentService) CompleteAssignment(ctx context.Context, req *CompleteAssignmentRequest) (*models.Assignment, error) {
	current, err := s.assignments.FindActiveBySessionAndUser(ctx, req.SessionID, req.SupportUserID)
	if err != nil {
		return nil, s.lookupErr(err, "Active assignment not found for session %s and user %d", req.SessionID, req.SupportUserID)
	}

	now := s.now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.assignments.WithTx(tx).Close(ctx, current.ID, models.AssignmentCompleted, now, models.NoteLabelCompleted, req.Notes)
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotActive) {
			return nil, notFoundf("Active assignment not found for session %s and user %d", req.SessionID, req.SupportUserID)
		}
		return nil, err
	}

	completed, err := s.assignments.FindByID(ctx, current.ID)
	if err != nil {
		return nil, err
	}
	metrics.IncAssignmentTransition(metrics.TransitionCompleted)
	s.logger.Infof("Completed assignment %d for session %s", completed.ID, completed.SessionID)

	s.notifyAssignment(ctx, completed, NotificationCompletion, req.Notes)
	s.emitPresence(ctx, completed.SessionID, EventSupportLeft, completed.SupportUser)
	return completed, nil
}

// AutoAssignSupport 自动指派给负载最低的在线客服；没有可用客服或出错时返回 nil
func (s *AssignmentService) AutoAssignSupport(ctx context.Context, sessionID string) *models.Assignment {
	availability, err := s.GetSupportTeamAvailability(ctx, nil)
	if err != nil {
		s.logger.Errorf("Auto-assign for session %s: availability failed: %v", sessionID, err)
		return nil
	}

	for _, a := range availability {
		if !a.IsAvailable {
			continue
		}
		created, err := s.CreateAssignment(ctx, &CreateAssignmentRequest{
			SessionID:     sessionID,
			SupportUserID: a.UserID,
			Type:          models.AssignmentAuto,
			Notes:         autoAssignNote,
		})
		if err != nil {
			s.logger.Warnf("Auto-assign for session %s failed: %v", sessionID, err)
			return nil
		}
		metrics.IncAssignmentTransition(metrics.TransitionAutoAssign)
		return created
	}

	metrics.IncAssignmentTransition(metrics.TransitionAutoMiss)
	s.logger.Infof("No available support agents for session %s", sessionID)
	return nil
}

// GetSupportTeamAvailability 计算客服可用性，按 active 指派数升序、id 升序
func (s *AssignmentService) GetSupportTeamAvailability(ctx context.Context, userIDs []uint) ([]SupportAvailability, error) {
	var (
		users []models.User
		err   error
	)
	if len(userIDs) > 0 {
		users, err = s.users.FindByIDs(ctx, userIDs)
	} else {
		users, err = s.users.FindActiveByRoles(ctx, models.SupportRoles)
	}
	if err != nil {
		return nil, err
	}
	return s.availabilityFor(ctx, users)
}

func (s *AssignmentService) availabilityFor(ctx context.Context, users []models.User) ([]SupportAvailability, error) {
	staff := make([]models.User, 0, len(users))
	ids := make([]uint, 0, len(users))
	for _, u := range users {
		if u.IsSupportStaff() {
			staff = append(staff, u)
			ids = append(ids, u.ID)
		}
	}
	counts, err := s.assignments.ActiveCounts(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]SupportAvailability, 0, len(staff))
	for i := range staff {
		u := &staff[i]
		capacity := s.Capacity(u)
		online := s.presence.IsOnline(ctx, u.ID)
		active := counts[u.ID]
		out = append(out, SupportAvailability{
			UserID:            u.ID,
			UserName:          u.Name,
			Roles:             u.RoleNames(),
			IsOnline:          online,
			ActiveAssignments: active,
			MaxCapacity:       capacity,
			IsAvailable:       online && active < int64(capacity),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ActiveAssignments != out[j].ActiveAssignments {
			return out[i].ActiveAssignments < out[j].ActiveAssignments
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

// Capacity 角色容量：manager/admin 取较大配置，其余为 support 容量
func (s *AssignmentService) Capacity(u *models.User) int {
	capacity := 0
	for _, r := range u.Roles {
		var c int
		switch r.Name {
		case models.RoleAdmin:
			c = s.cfg.AdminCapacity
		case models.RoleManager:
			c = s.cfg.ManagerCapacity
		case models.RoleSupport:
			c = s.cfg.SupportCapacity
		}
		if c > capacity {
			capacity = c
		}
	}
	return capacity
}

// GetAssignmentStats 指派统计，平均解决时长四舍五入到分钟
func (s *AssignmentService) GetAssignmentStats(ctx context.Context, f StatsFilter) (*AssignmentStats, error) {
	rows, err := s.assignments.ListBare(ctx, repository.AssignmentFilter{
		SupportUserID: f.SupportUserID,
		DateFrom:      f.DateFrom,
		DateTo:        f.DateTo,
	})
	if err != nil {
		return nil, err
	}

	stats := &AssignmentStats{TotalAssignments: int64(len(rows))}
	var resolved time.Duration
	var resolvedCount int64
	for i := range rows {
		a := &rows[i]
		switch a.Status {
		case models.AssignmentActive:
			stats.ActiveAssignments++
		case models.AssignmentCompleted:
			stats.CompletedAssignments++
			if a.CompletedAt != nil {
				resolved += a.CompletedAt.Sub(a.AssignedAt)
				resolvedCount++
			}
		case models.AssignmentTransferred:
			stats.TransferredAssignments++
		}
		switch a.Type {
		case models.AssignmentEscalated:
			stats.EscalatedAssignments++
		case models.AssignmentAuto:
			stats.AutoAssignments++
		}
	}
	if resolvedCount > 0 {
		stats.AvgResolutionTimeMinutes = int64(math.Round(resolved.Minutes() / float64(resolvedCount)))
	}
	return stats, nil
}

// GetActiveAssignment 会话当前 active 指派，没有时返回 nil
func (s *AssignmentService) GetActiveAssignment(ctx context.Context, sessionID string) (*models.Assignment, error) {
	a, err := s.assignments.FindActiveBySession(ctx, sessionID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	return a, err
}

// GetSessionAssignments 会话全部指派，按 assigned_at 倒序
func (s *AssignmentService) GetSessionAssignments(ctx context.Context, sessionID string) ([]models.Assignment, error) {
	return s.assignments.List(ctx, repository.AssignmentFilter{SessionID: sessionID})
}

// GetSupportUserAssignments 客服当前 active 指派
func (s *AssignmentService) GetSupportUserAssignments(ctx context.Context, userID uint) ([]models.Assignment, error) {
	return s.assignments.List(ctx, repository.AssignmentFilter{SupportUserID: &userID, Status: models.AssignmentActive})
}

// ListAssignments 按条件查询
func (s *AssignmentService) ListAssignments(ctx context.Context, f repository.AssignmentFilter) ([]models.Assignment, error) {
	return s.assignments.List(ctx, f)
}

func (s *AssignmentService) notifyAssignment(ctx context.Context, a *models.Assignment, typ NotificationType, notes string) {
	n := s.buildNotification(a, typ, notes)
	s.emit(EventAssignmentNotification, func() error {
		return s.notifier.EmitToSession(ctx, a.SessionID, EventAssignmentNotification, n)
	})
	s.emit(EventSupportAssignmentNotification, func() error {
		return s.notifier.EmitToUser(ctx, a.SupportUserID, EventSupportAssignmentNotification, n)
	})
}

func (s *AssignmentService) notifyEscalation(ctx context.Context, a *models.Assignment, notes string) {
	n := s.buildNotification(a, NotificationEscalation, notes)
	s.emit(EventAssignmentNotification, func() error {
		return s.notifier.EmitToSession(ctx, a.SessionID, EventAssignmentNotification, n)
	})
	for _, role := range models.EscalationRoles {
		role := role
		s.emit(EventEscalationNotification, func() error {
			return s.notifier.BroadcastToRole(ctx, role, EventEscalationNotification, n)
		})
	}
}

func (s *AssignmentService) buildNotification(a *models.Assignment, typ NotificationType, notes string) AssignmentNotification {
	n := AssignmentNotification{
		Type:            typ,
		SessionID:       a.SessionID,
		SupportUserID:   a.SupportUserID,
		SupportUserName: userName(a.SupportUser),
		AssignedBy:      a.AssignedByID,
		Notes:           notes,
		Timestamp:       s.now(),
	}
	if a.AssignedBy != nil {
		n.AssignedByName = a.AssignedBy.Name
	}
	return n
}

func (s *AssignmentService) emitPresence(ctx context.Context, sessionID, event string, u *models.User) {
	if u == nil {
		return
	}
	payload := SupportPresenceEvent{SessionID: sessionID, SupportUserID: u.ID, SupportUserName: u.Name}
	s.emit(event, func() error {
		return s.notifier.EmitToSession(ctx, sessionID, event, payload)
	})
}

func (s *AssignmentService) emit(event string, fn func() error) {
	emitNotification(s.logger, s.notifier, event, fn)
}

// emitNotification 推送失败只记录日志
func emitNotification(logger *logrus.Logger, notifier Notifier, event string, fn func() error) {
	if notifier == nil {
		return
	}
	if err := fn(); err != nil {
		metrics.IncNotificationFailure(event)
		logger.Warnf("Failed to deliver %s notification: %v", event, err)
	}
}

func (s *AssignmentService) lookupErr(err error, format string, args ...interface{}) error {
	if errors.Is(err, repository.ErrNotFound) {
		return notFoundf(format, args...)
	}
	return err
}

func (s *AssignmentService) insertErr(err error, sessionID string) error {
	if repository.IsDuplicate(err) {
		return badRequestf("Session %s already has an active assignment", sessionID)
	}
	return err
}

func userName(u *models.User) string {
	if u == nil {
		return ""
	}
	return u.Name
}

func joinNote(prefix, notes string) string {
	return strings.TrimSpace(prefix + " " + strings.TrimSpace(notes))
}

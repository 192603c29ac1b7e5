package services

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"supportdesk/internal/config"
	"supportdesk/internal/models"
	"supportdesk/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

var sessionUrgentKeywords = []string{"urgent", "critical", "emergency", "broken", "down"}

// DashboardStats 总览统计
type DashboardStats struct {
	ActiveSessions           int64   `json:"activeSessions"`
	WaitingSessions          int64   `json:"waitingSessions"`
	TotalSessionsToday       int64   `json:"totalSessionsToday"`
	AvgResponseTimeMinutes   int64   `json:"avgResponseTimeMinutes"`
	AvgResolutionTimeMinutes int64   `json:"avgResolutionTimeMinutes"`
	EscalationRate           float64 `json:"escalationRate"`
}

// AgentStats 单个客服统计
type AgentStats struct {
	UserID                   uint              `json:"userId"`
	UserName                 string            `json:"userName"`
	Email                    string            `json:"email"`
	Roles                    []models.RoleName `json:"roles"`
	ActiveSessions           int64             `json:"activeSessions"`
	CompletedToday           int64             `json:"completedToday"`
	AvgResolutionTimeMinutes int64             `json:"avgResolutionTimeMinutes"`
	IsOnline                 bool              `json:"isOnline"`
	LastActivity             *time.Time        `json:"lastActivity,omitempty"`
	WorkloadCapacity         float64           `json:"workloadCapacity"`
}

// AssignedSupport 会话当前客服
type AssignedSupport struct {
	UserID     uint      `json:"userId"`
	UserName   string    `json:"userName"`
	AssignedAt time.Time `json:"assignedAt"`
}

// SessionOverview 会话列表项
type SessionOverview struct {
	ID                string           `json:"id"`
	UserID            *uint            `json:"userId,omitempty"`
	CustomerName      string           `json:"customerName"`
	CustomerEmail     string           `json:"customerEmail"`
	Type              string           `json:"type"`
	Status            string           `json:"status"`
	CreatedAt         time.Time        `json:"createdAt"`
	LastMessageAt     time.Time        `json:"lastMessageAt"`
	MessageCount      int64            `json:"messageCount"`
	AssignedSupport   *AssignedSupport `json:"assignedSupport,omitempty"`
	UrgencyLevel      UrgencyLevel     `json:"urgencyLevel"`
	HasUnreadMessages bool             `json:"hasUnreadMessages"`
	WaitingMinutes    int64            `json:"waitingTime"`
}

// SessionOverviewFilter 会话列表条件
type SessionOverviewFilter struct {
	Status     string
	AssignedTo *uint
	Limit      int
}

// EscalationAlert 待处理的升级
type EscalationAlert struct {
	SessionID        string       `json:"sessionId"`
	CustomerName     string       `json:"customerName"`
	SupportUserID    uint         `json:"supportUserId"`
	SupportUserName  string       `json:"supportUserName"`
	EscalatedBy      *uint        `json:"escalatedBy,omitempty"`
	EscalatedByName  string       `json:"escalatedByName"`
	EscalationReason string       `json:"escalationReason"`
	UrgencyLevel     UrgencyLevel `json:"urgencyLevel"`
	EscalatedAt      time.Time    `json:"escalatedAt"`
	WaitingMinutes   int64        `json:"waitingTime"`
}

// RealTimeMetrics 实时指标
type RealTimeMetrics struct {
	ActiveAgents       int     `json:"activeAgents"`
	QueueLength        int     `json:"queueLength"`
	AvgWaitTimeMinutes int64   `json:"avgWaitTime"`
	Utilization        float64 `json:"utilization"`
}

// DashboardService 只读看板
type DashboardService struct {
	db          *gorm.DB
	logger      *logrus.Logger
	sessions    *repository.SessionRepository
	messages    *repository.MessageRepository
	users       *repository.UserRepository
	assignments *AssignmentService
	cfg         config.AssignmentConfig
	now         func() time.Time
}

// NewDashboardService 创建看板服务
func NewDashboardService(db *gorm.DB, logger *logrus.Logger, assignments *AssignmentService, cfg config.AssignmentConfig) *DashboardService {
	if logger == nil {
		logger = logrus.New()
	}
	return &DashboardService{
		db:          db,
		logger:      logger,
		sessions:    repository.NewSessionRepository(db),
		messages:    repository.NewMessageRepository(db),
		users:       repository.NewUserRepository(db),
		assignments: assignments,
		cfg:         cfg,
		now:         time.Now,
	}
}

func (s *DashboardService) today() (time.Time, time.Time) {
	now := s.now()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return start, start.Add(24 * time.Hour)
}

// GetDashboardStats 默认统计当天
func (s *DashboardService) GetDashboardStats(ctx context.Context, from, to *time.Time) (*DashboardStats, error) {
	start, end := s.today()
	if from != nil {
		start = *from
	}
	if to != nil {
		end = *to
	}

	active, err := s.sessions.Count(ctx, repository.SessionFilter{Status: models.SessionStatusActive})
	if err != nil {
		return nil, err
	}
	waiting, err := s.waitingSessions(ctx)
	if err != nil {
		return nil, err
	}
	total, err := s.sessions.Count(ctx, repository.SessionFilter{CreatedFrom: &start, CreatedTo: &end})
	if err != nil {
		return nil, err
	}
	response, err := s.avgResponseMinutes(ctx, start, end)
	if err != nil {
		return nil, err
	}

	rows, err := s.assignments.assignments.ListBare(ctx, repository.AssignmentFilter{DateFrom: &start, DateTo: &end})
	if err != nil {
		return nil, err
	}
	var escalated int64
	for _, a := range rows {
		if a.Type == models.AssignmentEscalated {
			escalated++
		}
	}
	completed, err := s.assignments.assignments.ListBare(ctx, repository.AssignmentFilter{Status: models.AssignmentCompleted})
	if err != nil {
		return nil, err
	}

	stats := &DashboardStats{
		ActiveSessions:           active,
		WaitingSessions:          int64(len(waiting)),
		TotalSessionsToday:       total,
		AvgResponseTimeMinutes:   response,
		AvgResolutionTimeMinutes: avgResolutionMinutes(completed, start, end),
	}
	if len(rows) > 0 {
		stats.EscalationRate = float64(escalated) / float64(len(rows)) * 100
	}
	return stats, nil
}

// GetSupportAgentStats 客服统计，按 active 会话数倒序
func (s *DashboardService) GetSupportAgentStats(ctx context.Context, userID *uint) ([]AgentStats, error) {
	var ids []uint
	if userID != nil {
		ids = []uint{*userID}
	}
	availability, err := s.assignments.GetSupportTeamAvailability(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(availability) == 0 {
		return []AgentStats{}, nil
	}
	ids = ids[:0]
	for _, a := range availability {
		ids = append(ids, a.UserID)
	}
	users, err := s.users.FindByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[uint]*models.User, len(users))
	for i := range users {
		byID[users[i].ID] = &users[i]
	}

	start, end := s.today()
	out := make([]AgentStats, 0, len(availability))
	for _, a := range availability {
		uid := a.UserID
		completed, err := s.assignments.assignments.ListBare(ctx, repository.AssignmentFilter{SupportUserID: &uid, Status: models.AssignmentCompleted})
		if err != nil {
			return nil, err
		}
		var completedToday int64
		for _, c := range completed {
			if c.CompletedAt != nil && !c.CompletedAt.Before(start) && c.CompletedAt.Before(end) {
				completedToday++
			}
		}
		st := AgentStats{
			UserID:                   a.UserID,
			UserName:                 a.UserName,
			Roles:                    a.Roles,
			ActiveSessions:           a.ActiveAssignments,
			CompletedToday:           completedToday,
			AvgResolutionTimeMinutes: avgResolutionMinutes(completed, start, end),
			IsOnline:                 a.IsOnline,
			WorkloadCapacity:         workload(a.ActiveAssignments, a.MaxCapacity),
		}
		if u := byID[a.UserID]; u != nil {
			st.Email = u.Email
			st.LastActivity = u.LastSeenAt
		}
		out = append(out, st)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ActiveSessions > out[j].ActiveSessions })
	return out, nil
}

func workload(active int64, capacity int) float64 {
	if capacity <= 0 {
		return 100
	}
	return math.Min(float64(active)/float64(capacity)*100, 100)
}

// GetSessionOverview 会话列表，含等待时长与紧急程度
func (s *DashboardService) GetSessionOverview(ctx context.Context, f SessionOverviewFilter) ([]SessionOverview, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = s.cfg.OverviewLimit
	}
	if limit <= 0 {
		limit = 50
	}
	sessions, err := s.sessions.List(ctx, repository.SessionFilter{Status: f.Status, AssignedTo: f.AssignedTo, Limit: limit})
	if err != nil {
		return nil, err
	}
	active, err := s.activeBySession(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]SessionOverview, 0, len(sessions))
	for i := range sessions {
		sess := &sessions[i]
		current := active[sess.ID]
		if f.AssignedTo != nil && (current == nil || current.SupportUserID != *f.AssignedTo) {
			continue
		}

		count, err := s.messages.Count(ctx, sess.ID)
		if err != nil {
			return nil, err
		}
		last, err := s.messages.Recent(ctx, sess.ID, 1)
		if err != nil {
			return nil, err
		}

		o := SessionOverview{
			ID:            sess.ID,
			UserID:        sess.UserID,
			CustomerName:  "Unknown User",
			CustomerEmail: "unknown@example.com",
			Type:          sess.Type,
			Status:        sess.Status,
			CreatedAt:     sess.CreatedAt,
			LastMessageAt: sess.CreatedAt,
			MessageCount:  count,
		}
		if sess.User != nil {
			o.CustomerName = sess.User.Name
			o.CustomerEmail = sess.User.Email
		}
		if len(last) > 0 {
			o.LastMessageAt = last[0].CreatedAt
			o.HasUnreadMessages = last[0].Role == models.MessageRoleUser
		}
		if current != nil {
			o.AssignedSupport = &AssignedSupport{
				UserID:     current.SupportUserID,
				UserName:   userName(current.SupportUser),
				AssignedAt: current.AssignedAt,
			}
		} else {
			o.WaitingMinutes = int64(now.Sub(sess.CreatedAt).Minutes())
		}
		o.UrgencyLevel = sessionUrgency(sess, o.WaitingMinutes)
		out = append(out, o)
	}
	return out, nil
}

func sessionUrgency(sess *models.ChatSession, waitingMinutes int64) UrgencyLevel {
	if containsAny(strings.ToLower(sess.Metadata), sessionUrgentKeywords) {
		return UrgencyCritical
	}
	switch {
	case waitingMinutes > 60:
		return UrgencyCritical
	case waitingMinutes > 30:
		return UrgencyHigh
	case waitingMinutes > 15:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// GetEscalationAlerts active 的 escalated 指派
func (s *DashboardService) GetEscalationAlerts(ctx context.Context) ([]EscalationAlert, error) {
	rows, err := s.assignments.ListAssignments(ctx, repository.AssignmentFilter{
		Type:   models.AssignmentEscalated,
		Status: models.AssignmentActive,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	out := make([]EscalationAlert, 0, len(rows))
	for i := range rows {
		a := &rows[i]
		notes := a.Notes()
		waiting := int64(now.Sub(a.AssignedAt).Minutes())
		alert := EscalationAlert{
			SessionID:        a.SessionID,
			CustomerName:     "Unknown User",
			SupportUserID:    a.SupportUserID,
			SupportUserName:  userName(a.SupportUser),
			EscalatedBy:      a.AssignedByID,
			EscalatedByName:  "Unknown",
			EscalationReason: notes,
			UrgencyLevel:     UrgencyHigh,
			EscalatedAt:      a.AssignedAt,
			WaitingMinutes:   waiting,
		}
		if alert.EscalationReason == "" {
			alert.EscalationReason = "No reason provided"
		}
		if a.AssignedBy != nil {
			alert.EscalatedByName = a.AssignedBy.Name
		}
		if strings.Contains(strings.ToLower(notes), "critical") || waiting > 60 {
			alert.UrgencyLevel = UrgencyCritical
		}
		sess, err := s.sessions.FindByID(ctx, a.SessionID)
		switch {
		case err == nil && sess.User != nil:
			alert.CustomerName = sess.User.Name
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return nil, err
		}
		out = append(out, alert)
	}
	return out, nil
}

// GetRealTimeMetrics 在线客服、排队数与平均等待
func (s *DashboardService) GetRealTimeMetrics(ctx context.Context) (*RealTimeMetrics, error) {
	availability, err := s.assignments.GetSupportTeamAvailability(ctx, nil)
	if err != nil {
		return nil, err
	}
	waiting, err := s.waitingSessions(ctx)
	if err != nil {
		return nil, err
	}

	m := &RealTimeMetrics{QueueLength: len(waiting)}
	var active int64
	var capacity int
	for _, a := range availability {
		if !a.IsOnline {
			continue
		}
		m.ActiveAgents++
		active += a.ActiveAssignments
		capacity += a.MaxCapacity
	}
	if capacity > 0 {
		m.Utilization = workload(active, capacity)
	}
	if len(waiting) > 0 {
		now := s.now()
		var total float64
		for _, sess := range waiting {
			total += now.Sub(sess.CreatedAt).Minutes()
		}
		m.AvgWaitTimeMinutes = int64(math.Round(total / float64(len(waiting))))
	}
	return m, nil
}

// waitingSessions active 的人工会话中没有 active 指派的
func (s *DashboardService) waitingSessions(ctx context.Context) ([]models.ChatSession, error) {
	sessions, err := s.sessions.List(ctx, repository.SessionFilter{Type: models.SessionTypeSupport, Status: models.SessionStatusActive})
	if err != nil {
		return nil, err
	}
	assigned, err := s.assignments.assignments.ActiveSessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := sessions[:0]
	for _, sess := range sessions {
		if _, ok := assigned[sess.ID]; !ok {
			out = append(out, sess)
		}
	}
	return out, nil
}

func (s *DashboardService) activeBySession(ctx context.Context) (map[string]*models.Assignment, error) {
	rows, err := s.assignments.ListAssignments(ctx, repository.AssignmentFilter{Status: models.AssignmentActive})
	if err != nil {
		return nil, err
	}
	out := make(map[string]*models.Assignment, len(rows))
	for i := range rows {
		out[rows[i].SessionID] = &rows[i]
	}
	return out, nil
}

// avgResponseMinutes 会话创建到第一条客服消息
func (s *DashboardService) avgResponseMinutes(ctx context.Context, start, end time.Time) (int64, error) {
	sessions, err := s.sessions.List(ctx, repository.SessionFilter{Type: models.SessionTypeSupport, CreatedFrom: &start, CreatedTo: &end})
	if err != nil {
		return 0, err
	}
	var total float64
	var n int
	for _, sess := range sessions {
		first, err := s.messages.FirstByRole(ctx, sess.ID, models.MessageRoleSupport)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return 0, err
		}
		total += first.CreatedAt.Sub(sess.CreatedAt).Minutes()
		n++
	}
	if n == 0 {
		return 0, nil
	}
	return int64(math.Round(total / float64(n))), nil
}

// avgResolutionMinutes 只统计 completed_at 落在区间内的指派
func avgResolutionMinutes(rows []models.Assignment, start, end time.Time) int64 {
	var total time.Duration
	var n int64
	for _, a := range rows {
		if a.CompletedAt == nil || a.CompletedAt.Before(start) || !a.CompletedAt.Before(end) {
			continue
		}
		total += a.CompletedAt.Sub(a.AssignedAt)
		n++
	}
	if n == 0 {
		return 0
	}
	return int64(math.Round(total.Minutes() / float64(n)))
}

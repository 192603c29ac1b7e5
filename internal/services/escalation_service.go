package services

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strings"
	"time"

	"supportdesk/internal/config"
	"supportdesk/internal/models"
	"supportdesk/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// EscalationPriority 升级优先级
type EscalationPriority string

const (
	PriorityLow    EscalationPriority = "low"
	PriorityMedium EscalationPriority = "medium"
	PriorityHigh   EscalationPriority = "high"
	PriorityUrgent EscalationPriority = "urgent"
)

// ParseEscalationPriority 校验优先级
func ParseEscalationPriority(s string) (EscalationPriority, bool) {
	switch p := EscalationPriority(s); p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return p, true
	default:
		return "", false
	}
}

// 升级原因
const (
	ReasonNone           = "no-escalation-needed"
	ReasonAnalysisFailed = "analysis-failed"
	ReasonTechnical      = "technical-problem"
	ReasonAccountBilling = "account-billing"
	ReasonUrgent         = "urgent-request"
	ReasonFrustration    = "customer-frustration"
	ReasonRepetitive     = "repetitive-questions"
	ReasonLowAIConfident = "low-ai-confidence"
	ReasonLongChat       = "long-conversation"
	ReasonUserRequested  = "user-requested"
)

// EscalationAnalysis 升级判断结果
type EscalationAnalysis struct {
	ShouldEscalate bool               `json:"shouldEscalate"`
	Reason         string             `json:"reason"`
	Priority       EscalationPriority `json:"priority"`
	Category       string             `json:"category,omitempty"`
	Confidence     float64            `json:"confidence"`
}

// EscalateToSupportRequest 把 AI 会话升级为人工客服会话
type EscalateToSupportRequest struct {
	SessionID string             `json:"session_id"`
	UserID    uint               `json:"user_id"`
	Reason    string             `json:"reason" binding:"required"`
	Notes     string             `json:"notes,omitempty"`
	Priority  EscalationPriority `json:"priority,omitempty"`
	Category  string             `json:"category,omitempty"`
}

// EscalationResult 升级结果
type EscalationResult struct {
	Success           bool                `json:"success"`
	Session           *models.ChatSession `json:"session"`
	Assignment        *models.Assignment  `json:"assignment,omitempty"`
	EscalationMessage *models.Message     `json:"escalationMessage"`
	NotificationsSent []string            `json:"notificationsSent"`
}

// EscalationMetadata 写入会话 metadata 的升级信息
type EscalationMetadata struct {
	EscalatedFrom      string             `json:"escalatedFrom"`
	EscalationReason   string             `json:"escalationReason"`
	EscalationNotes    string             `json:"escalationNotes,omitempty"`
	EscalationPriority EscalationPriority `json:"escalationPriority"`
	EscalationCategory string             `json:"escalationCategory,omitempty"`
	EscalatedAt        time.Time          `json:"escalatedAt"`
	EscalatedBy        uint               `json:"escalatedBy,omitempty"`
}

// EscalationStatistics 升级统计
type EscalationStatistics struct {
	TotalEscalations             int64            `json:"totalEscalations"`
	EscalationsByReason          map[string]int64 `json:"escalationsByReason"`
	EscalationsByPriority        map[string]int64 `json:"escalationsByPriority"`
	AverageEscalationTimeMinutes float64          `json:"averageEscalationTimeMinutes"`
	EscalationRate               float64          `json:"escalationRate"`
}

var (
	technicalPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)not working|broken`),
		regexp.MustCompile(`(?i)error|bug`),
		regexp.MustCompile(`(?i)slow|performance`),
		regexp.MustCompile(`(?i)can't access|cannot access`),
		regexp.MustCompile(`(?i)can't login|cannot login|can't log in|cannot log in`),
		regexp.MustCompile(`(?i)can't register|cannot register`),
	}
	accountPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)account`),
		regexp.MustCompile(`(?i)billing|payment|invoice`),
		regexp.MustCompile(`(?i)subscription`),
		regexp.MustCompile(`(?i)cancel`),
		regexp.MustCompile(`(?i)upgrade|downgrade`),
		regexp.MustCompile(`(?i)money|fee|refund`),
	}
	urgentPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)urgent|emergency`),
		regexp.MustCompile(`(?i)immediately|asap`),
		regexp.MustCompile(`(?i)critical`),
		regexp.MustCompile(`(?i)important`),
	}
	frustrationPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)angry|frustrated`),
		regexp.MustCompile(`(?i)terrible|awful`),
		regexp.MustCompile(`(?i)useless|doesn't work`),
		regexp.MustCompile(`(?i)not satisfied|unhappy`),
	}
	punctuation = regexp.MustCompile(`[^\w\s]`)
)

var escalationMessages = map[string]string{
	ReasonTechnical:      "This chat was routed to our support team because of a technical problem. A technical specialist will help you.",
	ReasonAccountBilling: "This chat was routed to our support team because of an account or billing question. A specialist will help you.",
	ReasonUrgent:         "This chat was routed to our support team with priority because of an urgent request.",
	ReasonFrustration:    "This chat was routed to our support team so we can serve you better.",
	ReasonRepetitive:     "This chat was routed to our support team to answer your questions in more detail.",
	ReasonLowAIConfident: "This chat was routed to our support team so we can help you better.",
	ReasonLongChat:       "This chat was routed to our support team because the conversation has been going on for a while.",
	ReasonUserRequested:  "This chat was routed to our support team at your request.",
}

// EscalationService 升级分析服务
type EscalationService struct {
	db          *gorm.DB
	logger      *logrus.Logger
	sessions    *repository.SessionRepository
	messages    *repository.MessageRepository
	assignments *AssignmentService
	notifier    Notifier
	cfg         config.AssignmentConfig
	now         func() time.Time
}

// NewEscalationService 创建升级分析服务
func NewEscalationService(
	db *gorm.DB,
	logger *logrus.Logger,
	assignments *AssignmentService,
	notifier Notifier,
	cfg config.AssignmentConfig,
) *EscalationService {
	if logger == nil {
		logger = logrus.New()
	}
	return &EscalationService{
		db:          db,
		logger:      logger,
		sessions:    repository.NewSessionRepository(db),
		messages:    repository.NewMessageRepository(db),
		assignments: assignments,
		notifier:    notifier,
		cfg:         cfg,
		now:         time.Now,
	}
}

// AnalyzeEscalationNeed 判断是否需要升级；recent 为 nil 时读取最近消息。不会返回错误。
func (s *EscalationService) AnalyzeEscalationNeed(ctx context.Context, sessionID string, recent []models.Message) EscalationAnalysis {
	if recent == nil {
		window := s.cfg.AnalysisWindow
		if window <= 0 {
			window = 10
		}
		msgs, err := s.messages.Recent(ctx, sessionID, window)
		if err != nil {
			s.logger.Errorf("Error analyzing escalation need for session %s: %v", sessionID, err)
			return EscalationAnalysis{Reason: ReasonAnalysisFailed, Priority: PriorityMedium, Confidence: 0.1}
		}
		recent = msgs
	}
	analysis := AnalyzeMessages(recent)
	s.logger.Debugf("Escalation analysis for session %s: %+v", sessionID, analysis)
	return analysis
}

// AnalyzeMessages 基于关键词与会话特征的启发式判断，后面的规则覆盖前面的原因
func AnalyzeMessages(messages []models.Message) EscalationAnalysis {
	res := EscalationAnalysis{Reason: ReasonNone, Priority: PriorityMedium, Confidence: 0.5}
	if len(messages) == 0 {
		return res
	}

	var userMsgs, aiMsgs []models.Message
	for _, m := range messages {
		switch m.Role {
		case models.MessageRoleUser:
			userMsgs = append(userMsgs, m)
		case models.MessageRoleAssistant:
			aiMsgs = append(aiMsgs, m)
		}
	}
	contents := make([]string, 0, len(userMsgs))
	for _, m := range userMsgs {
		contents = append(contents, strings.ToLower(m.Content))
	}
	text := strings.Join(contents, " ")

	if n := countMatches(technicalPatterns, text); n >= 2 {
		res.ShouldEscalate = true
		res.Reason = ReasonTechnical
		res.Priority = PriorityHigh
		res.Category = "technical"
		res.Confidence = math.Min(0.9, 0.6+float64(n)*0.1)
	}
	if n := countMatches(accountPatterns, text); n >= 2 {
		res.ShouldEscalate = true
		res.Reason = ReasonAccountBilling
		res.Priority = PriorityHigh
		res.Category = "billing"
		res.Confidence = math.Min(0.9, 0.7+float64(n)*0.1)
	}
	if countMatches(urgentPatterns, text) >= 1 {
		res.ShouldEscalate = true
		res.Reason = ReasonUrgent
		res.Priority = PriorityUrgent
		res.Confidence = math.Min(0.95, res.Confidence+0.2)
	}
	if countMatches(frustrationPatterns, text) >= 1 {
		res.ShouldEscalate = true
		res.Reason = ReasonFrustration
		res.Priority = PriorityHigh
		res.Confidence = math.Min(0.8, res.Confidence+0.15)
	}

	if len(userMsgs) >= 3 {
		unique := make(map[string]struct{}, len(userMsgs))
		for _, c := range contents {
			unique[strings.TrimSpace(punctuation.ReplaceAllString(c, ""))] = struct{}{}
		}
		if float64(len(unique)) < float64(len(userMsgs))*0.7 {
			res.ShouldEscalate = true
			res.Reason = ReasonRepetitive
			res.Priority = PriorityMedium
			res.Confidence = math.Min(0.7, res.Confidence+0.1)
		}
	}

	lowConfidence := 0
	for _, m := range aiMsgs {
		if m.Confidence != nil && *m.Confidence > 0 && *m.Confidence < 0.5 {
			lowConfidence++
		}
	}
	if lowConfidence >= 2 {
		res.ShouldEscalate = true
		res.Reason = ReasonLowAIConfident
		res.Priority = PriorityMedium
		res.Confidence = math.Min(0.6, res.Confidence+0.1)
	}

	if len(messages) >= 10 && !res.ShouldEscalate {
		res.ShouldEscalate = true
		res.Reason = ReasonLongChat
		res.Priority = PriorityLow
		res.Confidence = 0.4
	}
	return res
}

func countMatches(patterns []*regexp.Regexp, text string) int {
	n := 0
	for _, p := range patterns {
		if p.MatchString(text) {
			n++
		}
	}
	return n
}

// GenerateEscalationMessage 升级时写入会话的系统消息
func GenerateEscalationMessage(reason string, priority EscalationPriority) string {
	msg, ok := escalationMessages[reason]
	if !ok {
		msg = escalationMessages[ReasonUserRequested]
	}
	switch priority {
	case PriorityUrgent:
		return "[URGENT] " + msg + " It will be handled with urgent priority."
	case PriorityHigh:
		return "[HIGH] " + msg + " It will be handled with high priority."
	default:
		return msg
	}
}

// EscalateToSupport 把会话切换为人工客服会话，写入系统消息并尝试自动指派
func (s *EscalationService) EscalateToSupport(ctx context.Context, req *EscalateToSupportRequest) (*EscalationResult, error) {
	priority := req.Priority
	if priority == "" {
		priority = PriorityMedium
	}
	if _, ok := ParseEscalationPriority(string(priority)); !ok {
		return nil, badRequestf("invalid escalation priority %q", priority)
	}

	session, err := s.sessions.FindByID(ctx, req.SessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFoundf("Session %s not found", req.SessionID)
		}
		return nil, err
	}
	if session.Type == models.SessionTypeSupport {
		return nil, badRequestf("Session %s is already a support session", req.SessionID)
	}

	now := s.now()
	meta := EscalationMetadata{
		EscalatedFrom:      session.Type,
		EscalationReason:   req.Reason,
		EscalationNotes:    req.Notes,
		EscalationPriority: priority,
		EscalationCategory: req.Category,
		EscalatedAt:        now,
		EscalatedBy:        req.UserID,
	}
	merged, err := mergeMetadata(session.Metadata, meta)
	if err != nil {
		return nil, err
	}

	msg := &models.Message{
		SessionID: req.SessionID,
		Role:      models.MessageRoleSystem,
		Content:   GenerateEscalationMessage(req.Reason, priority),
		CreatedAt: now,
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.sessions.WithTx(tx).UpdateEscalation(ctx, req.SessionID, models.SessionTypeSupport, merged); err != nil {
			return err
		}
		return repository.NewMessageRepository(tx).Create(ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	assignment := s.assignments.AutoAssignSupport(ctx, req.SessionID)

	updated, err := s.sessions.FindByID(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	alert := map[string]interface{}{
		"sessionId": req.SessionID,
		"reason":    req.Reason,
		"priority":  priority,
		"category":  req.Category,
		"timestamp": now,
	}
	var sent []string
	if s.notifier != nil {
		for _, role := range models.EscalationRoles {
			if err := s.notifier.BroadcastToRole(ctx, role, EventEscalationAlert, alert); err != nil {
				s.logger.Warnf("Failed to send escalation alert to %s: %v", role, err)
				continue
			}
			sent = append(sent, "role:"+string(role))
		}
		if err := s.notifier.EmitToSession(ctx, req.SessionID, EventSessionUpdated, updated); err != nil {
			s.logger.Warnf("Failed to send session update for %s: %v", req.SessionID, err)
		} else {
			sent = append(sent, "session:"+req.SessionID)
		}
	}

	s.logger.Infof("Session %s escalated to support (reason=%s priority=%s)", req.SessionID, req.Reason, priority)
	return &EscalationResult{
		Success:           true,
		Session:           updated,
		Assignment:        assignment,
		EscalationMessage: msg,
		NotificationsSent: sent,
	}, nil
}

// GetEscalationStatistics 升级统计，时间范围按会话创建时间过滤
func (s *EscalationService) GetEscalationStatistics(ctx context.Context, from, to *time.Time) (*EscalationStatistics, error) {
	sessions, err := s.sessions.List(ctx, repository.SessionFilter{
		Type:          models.SessionTypeSupport,
		CreatedFrom:   from,
		CreatedTo:     to,
		EscalatedOnly: true,
	})
	if err != nil {
		return nil, err
	}

	stats := &EscalationStatistics{
		EscalationsByReason:   map[string]int64{},
		EscalationsByPriority: map[string]int64{},
	}
	var totalMinutes float64
	for _, sess := range sessions {
		meta, ok := parseEscalationMetadata(sess.Metadata)
		if !ok {
			continue
		}
		stats.TotalEscalations++
		reason := meta.EscalationReason
		if reason == "" {
			reason = "unknown"
		}
		priority := string(meta.EscalationPriority)
		if priority == "" {
			priority = string(PriorityMedium)
		}
		stats.EscalationsByReason[reason]++
		stats.EscalationsByPriority[priority]++
		if !meta.EscalatedAt.IsZero() {
			totalMinutes += meta.EscalatedAt.Sub(sess.CreatedAt).Minutes()
		}
	}
	if stats.TotalEscalations > 0 {
		stats.AverageEscalationTimeMinutes = totalMinutes / float64(stats.TotalEscalations)
	}

	total, err := s.sessions.Count(ctx, repository.SessionFilter{CreatedFrom: from, CreatedTo: to})
	if err != nil {
		return nil, err
	}
	if total > 0 {
		stats.EscalationRate = float64(stats.TotalEscalations) / float64(total) * 100
	}
	return stats, nil
}

func mergeMetadata(existing string, meta EscalationMetadata) (string, error) {
	out := map[string]interface{}{}
	if strings.TrimSpace(existing) != "" {
		if err := json.Unmarshal([]byte(existing), &out); err != nil {
			out = map[string]interface{}{}
		}
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return "", err
	}
	var fields map[string]interface{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return "", err
	}
	for k, v := range fields {
		out[k] = v
	}
	if _, ok := out["originalSessionType"]; !ok {
		out["originalSessionType"] = meta.EscalatedFrom
	}
	merged, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(merged), nil
}

func parseEscalationMetadata(raw string) (EscalationMetadata, bool) {
	var meta EscalationMetadata
	if strings.TrimSpace(raw) == "" {
		return meta, false
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return meta, false
	}
	return meta, meta.EscalatedFrom != ""
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"supportdesk/internal/config"
	"supportdesk/internal/metrics"
	"supportdesk/internal/models"
	"supportdesk/internal/repository"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// UrgencyLevel 交接紧急程度
type UrgencyLevel string

const (
	UrgencyLow      UrgencyLevel = "low"
	UrgencyMedium   UrgencyLevel = "medium"
	UrgencyHigh     UrgencyLevel = "high"
	UrgencyCritical UrgencyLevel = "critical"
)

// ParseUrgencyLevel 校验紧急程度
func ParseUrgencyLevel(s string) (UrgencyLevel, bool) {
	switch u := UrgencyLevel(s); u {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return u, true
	default:
		return "", false
	}
}

const defaultHandoffReason = "Transfer requested"

var urgentKeywords = []string{"urgent", "critical", "emergency", "asap", "immediately", "broken", "down", "not working"}

// CustomerInfo 交接上下文中的客户信息
type CustomerInfo struct {
	UserID   *uint  `json:"userId,omitempty"`
	UserName string `json:"userName"`
	Email    string `json:"email"`
}

// HandoffContext 交接时按需组装的只读快照
type HandoffContext struct {
	SessionID           string              `json:"sessionId"`
	PreviousMessages    []models.Message    `json:"previousMessages"`
	ContextSummary      string              `json:"contextSummary"`
	CustomerInfo        CustomerInfo        `json:"customerInfo"`
	PreviousAssignments []models.Assignment `json:"previousAssignments"`
	SessionMetadata     string              `json:"sessionMetadata,omitempty"`
	HandoffReason       string              `json:"handoffReason"`
	UrgencyLevel        UrgencyLevel        `json:"urgencyLevel"`
}

// HandoffNotification handoff-received / escalation-received 负载
type HandoffNotification struct {
	Type             string       `json:"type"`
	SessionID        string       `json:"sessionId"`
	CustomerInfo     CustomerInfo `json:"customerInfo"`
	ContextSummary   string       `json:"contextSummary"`
	UrgencyLevel     UrgencyLevel `json:"urgencyLevel"`
	HandoffReason    string       `json:"handoffReason,omitempty"`
	EscalationReason string       `json:"escalationReason,omitempty"`
	MessageCount     int          `json:"messageCount"`
	Timestamp        time.Time    `json:"timestamp"`
}

// TransferEvent support-transferred / support-escalated 负载
type TransferEvent struct {
	SessionID         string `json:"sessionId"`
	FromSupportUserID uint   `json:"fromSupportUserId,omitempty"`
	ToSupportUserID   uint   `json:"toSupportUserId"`
	TransferredBy     uint   `json:"transferredBy,omitempty"`
	Notes             string `json:"notes,omitempty"`
}

// ExecuteHandoffRequest 客服间交接
type ExecuteHandoffRequest struct {
	SessionID         string       `json:"-"`
	FromSupportUserID uint         `json:"from_support_user_id" binding:"required"`
	ToSupportUserID   uint         `json:"to_support_user_id" binding:"required"`
	Reason            string       `json:"reason" binding:"required"`
	PrivateNotes      string       `json:"private_notes,omitempty"`
	Urgency           UrgencyLevel `json:"urgency,omitempty"`
	TransferredBy     uint         `json:"transferred_by,omitempty"`
}

// ExecuteEscalationRequest 升级到主管并保留上下文
type ExecuteEscalationRequest struct {
	SessionID       string       `json:"-"`
	EscalatedBy     uint         `json:"escalated_by"`
	ManagerID       *uint        `json:"manager_id,omitempty"`
	Reason          string       `json:"reason" binding:"required"`
	EscalationNotes string       `json:"escalation_notes,omitempty"`
	Urgency         UrgencyLevel `json:"urgency,omitempty"`
}

// AddHandoffNoteRequest 添加交接备注
type AddHandoffNoteRequest struct {
	SessionID string   `json:"-"`
	AuthorID  uint     `json:"author_id"`
	Content   string   `json:"content" binding:"required"`
	IsPrivate bool     `json:"is_private"`
	Tags      []string `json:"tags,omitempty"`
}

// HandoffHistory 会话交接历史
type HandoffHistory struct {
	Transfers   []models.Assignment  `json:"transfers"`
	Escalations []models.Assignment  `json:"escalations"`
	Notes       []models.HandoffNote `json:"notes"`
}

// HandoffService 交接服务
type HandoffService struct {
	db          *gorm.DB
	logger      *logrus.Logger
	sessions    *repository.SessionRepository
	messages    *repository.MessageRepository
	users       *repository.UserRepository
	notes       *repository.HandoffNoteRepository
	assignments *AssignmentService
	notifier    Notifier
	cfg         config.AssignmentConfig
	now         func() time.Time
}

// NewHandoffService 创建交接服务
func NewHandoffService(
	db *gorm.DB,
	logger *logrus.Logger,
	assignments *AssignmentService,
	notifier Notifier,
	cfg config.AssignmentConfig,
) *HandoffService {
	if logger == nil {
		logger = logrus.New()
	}
	return &HandoffService{
		db:          db,
		logger:      logger,
		sessions:    repository.NewSessionRepository(db),
		messages:    repository.NewMessageRepository(db),
		users:       repository.NewUserRepository(db),
		notes:       repository.NewHandoffNoteRepository(db),
		assignments: assignments,
		notifier:    notifier,
		cfg:         cfg,
		now:         time.Now,
	}
}

// PrepareHandoffContext 组装交接上下文，只读
func (s *HandoffService) PrepareHandoffContext(ctx context.Context, sessionID, reason string) (*HandoffContext, error) {
	session, err := s.sessions.FindByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, notFoundf("Session %s not found", sessionID)
		}
		return nil, err
	}

	window := s.cfg.HandoffMessageWindow
	if window <= 0 {
		window = 20
	}
	msgs, err := s.messages.Recent(ctx, sessionID, window)
	if err != nil {
		return nil, err
	}
	prior, err := s.assignments.GetSessionAssignments(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if strings.TrimSpace(reason) == "" {
		reason = defaultHandoffReason
	}
	info := CustomerInfo{UserID: session.UserID, UserName: "Unknown User", Email: "unknown@example.com"}
	if session.User != nil {
		info.UserName = session.User.Name
		info.Email = session.User.Email
	}

	return &HandoffContext{
		SessionID:           sessionID,
		PreviousMessages:    msgs,
		ContextSummary:      summarize(session, msgs),
		CustomerInfo:        info,
		PreviousAssignments: prior,
		SessionMetadata:     session.Metadata,
		HandoffReason:       reason,
		UrgencyLevel:        determineUrgency(session, msgs, len(prior), s.now()),
	}, nil
}

// summarize msgs 为时间正序
func summarize(session *models.ChatSession, msgs []models.Message) string {
	if len(msgs) == 0 {
		return "No previous conversation history."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session started %s. ", session.CreatedAt.Format("2006-01-02"))

	var lastUser *models.Message
	var hasSupport, hasAI bool
	for i := range msgs {
		switch msgs[i].Role {
		case models.MessageRoleUser:
			lastUser = &msgs[i]
		case models.MessageRoleSupport:
			hasSupport = true
		case models.MessageRoleAssistant:
			hasAI = true
		}
	}
	if lastUser != nil {
		content := []rune(lastUser.Content)
		excerpt := string(content)
		if len(content) > 100 {
			excerpt = string(content[:100]) + "..."
		}
		fmt.Fprintf(&b, "Customer's latest concern: \"%s\". ", excerpt)
	}
	if hasSupport {
		b.WriteString("Previous support interaction provided. ")
	}
	if hasAI {
		b.WriteString("AI assistance was provided with context from knowledge base. ")
	}
	return strings.TrimSpace(b.String())
}

// determineUrgency 关键词只看最近 5 条消息
func determineUrgency(session *models.ChatSession, msgs []models.Message, priorAssignments int, now time.Time) UrgencyLevel {
	start := len(msgs) - 5
	if start < 0 {
		start = 0
	}
	parts := make([]string, 0, len(msgs)-start)
	for _, m := range msgs[start:] {
		parts = append(parts, strings.ToLower(m.Content))
	}
	if containsAny(strings.Join(parts, " "), urgentKeywords) {
		return UrgencyHigh
	}
	if now.Sub(session.CreatedAt) > 24*time.Hour {
		return UrgencyHigh
	}
	if priorAssignments > 2 {
		return UrgencyMedium
	}
	if len(msgs) > 20 {
		return UrgencyMedium
	}
	return UrgencyLow
}

func containsAny(text string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// ExecuteHandoff 客服间交接：系统消息、私有备注、转接指派、通知新客服
func (s *HandoffService) ExecuteHandoff(ctx context.Context, req *ExecuteHandoffRequest) (*models.Assignment, error) {
	if req.Urgency != "" {
		if _, ok := ParseUrgencyLevel(string(req.Urgency)); !ok {
			return nil, badRequestf("invalid urgency level %q", req.Urgency)
		}
	}
	hctx, err := s.PrepareHandoffContext(ctx, req.SessionID, req.Reason)
	if err != nil {
		return nil, err
	}
	if req.Urgency != "" {
		hctx.UrgencyLevel = req.Urgency
	}

	from, err := s.users.FindByID(ctx, req.FromSupportUserID, false)
	if err != nil {
		return nil, s.lookupErr(err, "Support user %d not found", req.FromSupportUserID)
	}
	to, err := s.users.FindByID(ctx, req.ToSupportUserID, false)
	if err != nil {
		return nil, s.lookupErr(err, "Support user %d not found", req.ToSupportUserID)
	}

	transferredBy := req.TransferredBy
	if transferredBy == 0 {
		transferredBy = req.FromSupportUserID
	}
	assignment, err := s.assignments.TransferAssignment(ctx, &TransferAssignmentRequest{
		SessionID:         req.SessionID,
		FromSupportUserID: req.FromSupportUserID,
		ToSupportUserID:   req.ToSupportUserID,
		TransferredBy:     transferredBy,
		Notes:             joinNote("Handoff: "+hctx.HandoffReason+".", req.PrivateNotes),
	})
	if err != nil {
		return nil, err
	}

	s.recordSystemMessage(ctx, req.SessionID, req.FromSupportUserID,
		fmt.Sprintf("Chat transferred from %s to %s. Reason: %s", from.Name, to.Name, hctx.HandoffReason))
	if strings.TrimSpace(req.PrivateNotes) != "" {
		if _, err := s.AddHandoffNote(ctx, &AddHandoffNoteRequest{
			SessionID: req.SessionID,
			AuthorID:  req.FromSupportUserID,
			Content:   req.PrivateNotes,
			IsPrivate: true,
		}); err != nil {
			s.logger.Warnf("Failed to store handoff note for session %s: %v", req.SessionID, err)
		}
	}

	s.emit(EventHandoffReceived, func() error {
		return s.notifier.EmitToUser(ctx, req.ToSupportUserID, EventHandoffReceived, s.handoffNotification(EventHandoffReceived, hctx))
	})
	s.emit(EventSupportTransferred, func() error {
		return s.notifier.EmitToSession(ctx, req.SessionID, EventSupportTransferred, TransferEvent{
			SessionID:         req.SessionID,
			FromSupportUserID: req.FromSupportUserID,
			ToSupportUserID:   req.ToSupportUserID,
			TransferredBy:     transferredBy,
			Notes:             hctx.HandoffReason,
		})
	})

	s.logger.Infof("Executed handoff for session %s from %d to %d", req.SessionID, req.FromSupportUserID, req.ToSupportUserID)
	return assignment, nil
}

// ExecuteEscalation 升级到指定主管，未指定时由指派服务挑选
func (s *HandoffService) ExecuteEscalation(ctx context.Context, req *ExecuteEscalationRequest) (*models.Assignment, error) {
	urgency := req.Urgency
	if urgency == "" {
		urgency = UrgencyHigh
	}
	if urgency != UrgencyHigh && urgency != UrgencyCritical {
		return nil, badRequestf("escalation urgency must be high or critical, got %q", urgency)
	}

	hctx, err := s.PrepareHandoffContext(ctx, req.SessionID, "Escalation: "+req.Reason)
	if err != nil {
		return nil, err
	}
	hctx.UrgencyLevel = urgency

	escalator, err := s.users.FindByID(ctx, req.EscalatedBy, false)
	if err != nil {
		return nil, s.lookupErr(err, "Escalating user %d not found", req.EscalatedBy)
	}

	notes := joinNote("Escalation: "+req.Reason+".", req.EscalationNotes)
	var assignment *models.Assignment
	if req.ManagerID != nil {
		manager, err := s.users.FindByID(ctx, *req.ManagerID, true)
		if err != nil {
			return nil, s.lookupErr(err, "Manager %d not found", *req.ManagerID)
		}
		if !manager.CanReceiveEscalation() {
			return nil, badRequestf("User %d cannot receive escalations", *req.ManagerID)
		}
		current, err := s.assignments.GetActiveAssignment(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if current == nil {
			by := req.EscalatedBy
			assignment, err = s.assignments.CreateAssignment(ctx, &CreateAssignmentRequest{
				SessionID:     req.SessionID,
				SupportUserID: manager.ID,
				AssignedBy:    &by,
				Type:          models.AssignmentEscalated,
				Notes:         joinNote("Escalated to manager.", notes),
			})
		} else {
			assignment, err = s.assignments.TransferAssignment(ctx, &TransferAssignmentRequest{
				SessionID:         req.SessionID,
				FromSupportUserID: current.SupportUserID,
				ToSupportUserID:   manager.ID,
				TransferredBy:     req.EscalatedBy,
				Notes:             joinNote("Escalated to manager.", notes),
			})
		}
		if err == nil {
			metrics.IncAssignmentTransition(metrics.TransitionEscalated)
		}
	} else {
		assignment, err = s.assignments.EscalateAssignment(ctx, &EscalateAssignmentRequest{
			SessionID:   req.SessionID,
			EscalatedBy: req.EscalatedBy,
			Notes:       notes,
		})
	}
	if err != nil {
		return nil, err
	}

	s.recordSystemMessage(ctx, req.SessionID, req.EscalatedBy,
		fmt.Sprintf("Chat escalated by %s. Reason: %s", escalator.Name, req.Reason))
	if strings.TrimSpace(req.EscalationNotes) != "" {
		if _, err := s.AddHandoffNote(ctx, &AddHandoffNoteRequest{
			SessionID: req.SessionID,
			AuthorID:  req.EscalatedBy,
			Content:   "Escalation notes: " + req.EscalationNotes,
			IsPrivate: true,
		}); err != nil {
			s.logger.Warnf("Failed to store escalation note for session %s: %v", req.SessionID, err)
		}
	}

	n := s.handoffNotification(EventEscalationReceived, hctx)
	s.emit(EventEscalationReceived, func() error {
		return s.notifier.EmitToUser(ctx, assignment.SupportUserID, EventEscalationReceived, n)
	})
	alert := n
	alert.Type = EventEscalationAlert
	for _, role := range models.EscalationRoles {
		role := role
		s.emit(EventEscalationAlert, func() error {
			return s.notifier.BroadcastToRole(ctx, role, EventEscalationAlert, alert)
		})
	}
	s.emit(EventSupportEscalated, func() error {
		return s.notifier.EmitToSession(ctx, req.SessionID, EventSupportEscalated, TransferEvent{
			SessionID:       req.SessionID,
			ToSupportUserID: assignment.SupportUserID,
			TransferredBy:   req.EscalatedBy,
			Notes:           req.Reason,
		})
	})

	s.logger.Infof("Executed escalation for session %s by %d to %d", req.SessionID, req.EscalatedBy, assignment.SupportUserID)
	return assignment, nil
}

// AddHandoffNote 添加备注；公开备注推送到会话
func (s *HandoffService) AddHandoffNote(ctx context.Context, req *AddHandoffNoteRequest) (*models.HandoffNote, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, badRequestf("note content is required")
	}
	author, err := s.users.FindByID(ctx, req.AuthorID, false)
	if err != nil {
		return nil, s.lookupErr(err, "Author %d not found", req.AuthorID)
	}

	note := &models.HandoffNote{
		SessionID: req.SessionID,
		AuthorID:  req.AuthorID,
		Content:   req.Content,
		IsPrivate: req.IsPrivate,
		CreatedAt: s.now(),
	}
	note.SetTags(req.Tags)
	if err := s.notes.Create(ctx, note); err != nil {
		return nil, err
	}
	note.Author = author

	if note.IsPrivate {
		s.logger.Infof("Added private handoff note for session %s", req.SessionID)
		return note, nil
	}
	payload := map[string]interface{}{"type": "handoff-note", "note": note}
	s.emit(EventSessionUpdated, func() error {
		return s.notifier.EmitToSession(ctx, req.SessionID, EventSessionUpdated, payload)
	})
	return note, nil
}

// GetHandoffNotes 会话备注，按创建时间正序
func (s *HandoffService) GetHandoffNotes(ctx context.Context, sessionID string, includePrivate bool) ([]models.HandoffNote, error) {
	return s.notes.ListBySession(ctx, sessionID, includePrivate)
}

// GetHandoffHistory 转接、升级记录与全部备注
func (s *HandoffService) GetHandoffHistory(ctx context.Context, sessionID string) (*HandoffHistory, error) {
	assignments, err := s.assignments.GetSessionAssignments(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	notes, err := s.notes.ListBySession(ctx, sessionID, true)
	if err != nil {
		return nil, err
	}

	h := &HandoffHistory{
		Transfers:   []models.Assignment{},
		Escalations: []models.Assignment{},
		Notes:       notes,
	}
	for _, a := range assignments {
		opening := openingNote(&a)
		switch {
		case a.Type == models.AssignmentEscalated || strings.Contains(opening, "Escalated to manager"):
			h.Escalations = append(h.Escalations, a)
		case a.Type == models.AssignmentManual && strings.Contains(opening, "Handoff"):
			h.Transfers = append(h.Transfers, a)
		}
	}
	return h, nil
}

// openingNote 创建指派时写入的备注，关闭时追加的备注不参与分类
func openingNote(a *models.Assignment) string {
	if len(a.NoteEntries) == 0 || a.NoteEntries[0].Label != "" {
		return ""
	}
	return a.NoteEntries[0].Content
}

func (s *HandoffService) handoffNotification(event string, hctx *HandoffContext) HandoffNotification {
	n := HandoffNotification{
		Type:           event,
		SessionID:      hctx.SessionID,
		CustomerInfo:   hctx.CustomerInfo,
		ContextSummary: hctx.ContextSummary,
		UrgencyLevel:   hctx.UrgencyLevel,
		MessageCount:   len(hctx.PreviousMessages),
		Timestamp:      s.now(),
	}
	if event == EventHandoffReceived {
		n.HandoffReason = hctx.HandoffReason
	} else {
		n.EscalationReason = hctx.HandoffReason
	}
	return n
}

// recordSystemMessage 写入会话系统消息，失败不影响交接结果
func (s *HandoffService) recordSystemMessage(ctx context.Context, sessionID string, senderID uint, content string) {
	sender := senderID
	msg := &models.Message{
		SessionID: sessionID,
		SenderID:  &sender,
		Role:      models.MessageRoleSystem,
		Content:   content,
		CreatedAt: s.now(),
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		s.logger.Warnf("Failed to record system message for session %s: %v", sessionID, err)
	}
}

func (s *HandoffService) emit(event string, fn func() error) {
	emitNotification(s.logger, s.notifier, event, fn)
}

func (s *HandoffService) lookupErr(err error, format string, args ...interface{}) error {
	if errors.Is(err, repository.ErrNotFound) {
		return notFoundf(format, args...)
	}
	return err
}

package services

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportdesk/internal/models"
	"supportdesk/internal/repository"
)

func userMsg(content string) models.Message {
	return models.Message{Role: models.MessageRoleUser, Content: content}
}

func aiMsg(content string, confidence float64) models.Message {
	c := confidence
	return models.Message{Role: models.MessageRoleAssistant, Content: content, Confidence: &c}
}

func TestAnalyzeMessages(t *testing.T) {
	cases := []struct {
		name     string
		msgs     []models.Message
		escalate bool
		reason   string
		priority EscalationPriority
		conf     float64
	}{
		{"empty", nil, false, ReasonNone, PriorityMedium, 0.5},
		{"small talk", []models.Message{userMsg("hello there")}, false, ReasonNone, PriorityMedium, 0.5},
		{"technical", []models.Message{userMsg("the app is broken and shows an error")}, true, ReasonTechnical, PriorityHigh, 0.8},
		{"billing", []models.Message{userMsg("my account subscription needs a refund")}, true, ReasonAccountBilling, PriorityHigh, 0.9},
		{"urgent", []models.Message{userMsg("this is urgent")}, true, ReasonUrgent, PriorityUrgent, 0.7},
		{"frustrated", []models.Message{userMsg("I am so frustrated")}, true, ReasonFrustration, PriorityHigh, 0.65},
		{"repetitive", []models.Message{userMsg("where is it?"), userMsg("where is it"), userMsg("where is it!")}, true, ReasonRepetitive, PriorityMedium, 0.6},
		{"low ai confidence", []models.Message{aiMsg("maybe", 0.3), aiMsg("not sure", 0.2), aiMsg("ok", 0.9)}, true, ReasonLowAIConfident, PriorityMedium, 0.6},
		{"zero confidence ignored", []models.Message{aiMsg("a", 0), aiMsg("b", 0)}, false, ReasonNone, PriorityMedium, 0.5},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := AnalyzeMessages(tc.msgs)
			assert.Equal(t, tc.escalate, got.ShouldEscalate)
			assert.Equal(t, tc.reason, got.Reason)
			assert.Equal(t, tc.priority, got.Priority)
			assert.InDelta(t, tc.conf, got.Confidence, 1e-9)
		})
	}
}

func TestAnalyzeMessages_LongConversation(t *testing.T) {
	var msgs []models.Message
	for i := 0; i < 10; i++ {
		msgs = append(msgs, userMsg("question number "+string(rune('a'+i))))
	}
	got := AnalyzeMessages(msgs)
	assert.True(t, got.ShouldEscalate)
	assert.Equal(t, ReasonLongChat, got.Reason)
	assert.Equal(t, PriorityLow, got.Priority)
	assert.InDelta(t, 0.4, got.Confidence, 1e-9)

	// 已触发其他规则时不覆盖
	msgs[0] = userMsg("this is urgent")
	assert.Equal(t, ReasonUrgent, AnalyzeMessages(msgs).Reason)
}

func TestGenerateEscalationMessage(t *testing.T) {
	assert.True(t, strings.HasPrefix(GenerateEscalationMessage(ReasonTechnical, PriorityUrgent), "[URGENT] "))
	assert.True(t, strings.HasPrefix(GenerateEscalationMessage(ReasonTechnical, PriorityHigh), "[HIGH] "))
	assert.Equal(t, escalationMessages[ReasonTechnical], GenerateEscalationMessage(ReasonTechnical, PriorityMedium))
	assert.Equal(t, escalationMessages[ReasonUserRequested], GenerateEscalationMessage("something-else", PriorityLow))
}

func TestEscalationService_AnalyzeLoadsRecentMessages(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	seedSession(t, f.db, "s1", models.SessionTypeAI, time.Now())
	base := time.Now().Add(-time.Hour)
	seedMessage(t, f.db, "s1", models.MessageRoleUser, "this is an emergency", base)
	seedMessage(t, f.db, "s1", models.MessageRoleAssistant, "let me check", base.Add(time.Minute))

	got := f.escalation.AnalyzeEscalationNeed(ctx, "s1", nil)
	assert.True(t, got.ShouldEscalate)
	assert.Equal(t, ReasonUrgent, got.Reason)

	none := f.escalation.AnalyzeEscalationNeed(ctx, "empty", nil)
	assert.False(t, none.ShouldEscalate)
	assert.Equal(t, ReasonNone, none.Reason)
}

func TestEscalationService_EscalateToSupport(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	seedUser(t, f.db, 1, "agent", models.RoleSupport)
	f.presence[1] = true
	seedSession(t, f.db, "s1", models.SessionTypeAI, time.Now().Add(-10*time.Minute))

	res, err := f.escalation.EscalateToSupport(ctx, &EscalateToSupportRequest{
		SessionID: "s1",
		Reason:    ReasonTechnical,
		Priority:  PriorityHigh,
		Category:  "technical",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, models.SessionTypeSupport, res.Session.Type)
	require.NotNil(t, res.Assignment)
	assert.Equal(t, uint(1), res.Assignment.SupportUserID)
	assert.Equal(t, models.AssignmentAuto, res.Assignment.Type)
	assert.True(t, strings.HasPrefix(res.EscalationMessage.Content, "[HIGH] "))
	assert.ElementsMatch(t, []string{"role:manager", "role:admin", "session:s1"}, res.NotificationsSent)

	var meta map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(res.Session.Metadata), &meta))
	assert.Equal(t, ReasonTechnical, meta["escalationReason"])
	assert.Equal(t, models.SessionTypeAI, meta["originalSessionType"])

	msgs, err := repository.NewMessageRepository(f.db).Recent(ctx, "s1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, models.MessageRoleSystem, msgs[0].Role)

	_, err = f.escalation.EscalateToSupport(ctx, &EscalateToSupportRequest{SessionID: "s1", Reason: ReasonTechnical})
	assert.True(t, IsBadRequest(err))

	_, err = f.escalation.EscalateToSupport(ctx, &EscalateToSupportRequest{SessionID: "missing", Reason: ReasonTechnical})
	assert.True(t, IsNotFound(err))
}

func TestEscalationService_EscalateWithoutAgents(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	seedSession(t, f.db, "s1", models.SessionTypeAI, time.Now())

	res, err := f.escalation.EscalateToSupport(ctx, &EscalateToSupportRequest{SessionID: "s1", Reason: ReasonUserRequested})
	require.NoError(t, err)
	assert.Nil(t, res.Assignment)
	assert.Equal(t, models.SessionTypeSupport, res.Session.Type)
}

func TestEscalationService_Statistics(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	seedSession(t, f.db, "ai-only", models.SessionTypeAI, time.Now())
	for i, reason := range []string{ReasonTechnical, ReasonTechnical, ReasonUrgent} {
		sid := "esc-" + string(rune('a'+i))
		seedSession(t, f.db, sid, models.SessionTypeAI, time.Now())
		priority := PriorityHigh
		if reason == ReasonUrgent {
			priority = PriorityUrgent
		}
		_, err := f.escalation.EscalateToSupport(ctx, &EscalateToSupportRequest{SessionID: sid, Reason: reason, Priority: priority})
		require.NoError(t, err)
	}

	stats, err := f.escalation.GetEscalationStatistics(ctx, nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.TotalEscalations)
	assert.EqualValues(t, 2, stats.EscalationsByReason[ReasonTechnical])
	assert.EqualValues(t, 1, stats.EscalationsByPriority[string(PriorityUrgent)])
	assert.InDelta(t, 75, stats.EscalationRate, 1e-9)
}

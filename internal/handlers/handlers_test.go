package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"supportdesk/internal/config"
	"supportdesk/internal/middleware"
	"supportdesk/internal/models"
	"supportdesk/internal/repository"
	"supportdesk/internal/services"
)

type onlineSet map[uint]bool

func (o onlineSet) IsOnline(_ context.Context, id uint) bool { return o[id] }

type apiFixture struct {
	t      *testing.T
	db     *gorm.DB
	router *gin.Engine
	online onlineSet
	cfg    *config.Config
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open("file:handlers_"+name+"?mode=memory&cache=shared"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := repository.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	cfg := config.GetDefaultConfig()
	cfg.JWT.Secret = "handler-secret"
	online := onlineSet{}

	assign := services.NewAssignmentService(db, logger, nil, online, cfg.Assignment)
	r := gin.New()
	RegisterRoutes(r, Deps{
		Config:      cfg,
		Logger:      logger,
		Assignments: assign,
		Escalations: services.NewEscalationService(db, logger, assign, nil, cfg.Assignment),
		Handoff:     services.NewHandoffService(db, logger, assign, nil, cfg.Assignment),
		Dashboard:   services.NewDashboardService(db, logger, assign, cfg.Assignment),
		Health:      NewHealthHandler(nil, logger, DatabaseCheck(db)),
	})
	return &apiFixture{t: t, db: db, router: r, online: online, cfg: cfg}
}

func (f *apiFixture) user(id uint, name string, roles ...models.RoleName) {
	f.t.Helper()
	u := &models.User{ID: id, Name: name, Email: name + "@example.com", IsActive: true}
	if err := repository.NewUserRepository(f.db).CreateWithRoles(context.Background(), u, roles...); err != nil {
		f.t.Fatalf("seed user: %v", err)
	}
}

func (f *apiFixture) session(id, typ string) {
	f.t.Helper()
	s := &models.ChatSession{ID: id, Type: typ, Status: models.SessionStatusActive, CreatedAt: time.Now()}
	if err := repository.NewSessionRepository(f.db).Create(context.Background(), s); err != nil {
		f.t.Fatalf("seed session: %v", err)
	}
}

func (f *apiFixture) token(userID uint, roles ...string) string {
	f.t.Helper()
	tok, err := middleware.IssueToken(f.cfg.JWT.Secret, userID, roles, time.Hour)
	if err != nil {
		f.t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (f *apiFixture) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	f.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			f.t.Fatalf("encode body: %v", err)
		}
	}
	req, _ := http.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("invalid json %q: %v", w.Body.String(), err)
	}
}

func TestAssignmentRoutes_Lifecycle(t *testing.T) {
	f := newAPIFixture(t)
	f.user(1, "alice", models.RoleSupport)
	f.user(2, "bob", models.RoleSupport)
	f.session("s1", models.SessionTypeSupport)
	alice := f.token(1, "support")
	bob := f.token(2, "support")

	w := f.do(http.MethodPost, "/api/assignments", alice, gin.H{"session_id": "s1", "support_user_id": 1})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created map[string]interface{}
	decode(t, w, &created)
	assert.Equal(t, "active", created["status"])
	assert.EqualValues(t, 1, created["assigned_by"])

	w = f.do(http.MethodPost, "/api/assignments", alice, gin.H{"session_id": "s1", "support_user_id": 2})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/api/assignments/transfer", alice, gin.H{
		"session_id": "s1", "from_support_user_id": 1, "to_support_user_id": 2, "notes": "shift end",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var moved map[string]interface{}
	decode(t, w, &moved)
	assert.Equal(t, "Transferred from alice. shift end", moved["notes"])

	w = f.do(http.MethodGet, "/api/assignments/mine", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var mine []map[string]interface{}
	decode(t, w, &mine)
	require.Len(t, mine, 1)
	assert.Equal(t, "s1", mine[0]["session_id"])

	// 未指定 support_user_id 时完成自己的指派
	w = f.do(http.MethodPost, "/api/assignments/complete", bob, gin.H{"session_id": "s1", "notes": "resolved"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodGet, "/api/assignments/session/s1", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []map[string]interface{}
	decode(t, w, &history)
	require.Len(t, history, 2)
	assert.Equal(t, "completed", history[0]["status"])
	assert.Equal(t, "transferred", history[1]["status"])

	w = f.do(http.MethodGet, "/api/assignments?status=completed&supportUserId=2", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var listed []map[string]interface{}
	decode(t, w, &listed)
	assert.Len(t, listed, 1)

	w = f.do(http.MethodGet, "/api/assignments/stats", bob, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats services.AssignmentStats
	decode(t, w, &stats)
	assert.EqualValues(t, 2, stats.TotalAssignments)
	assert.EqualValues(t, 1, stats.CompletedAssignments)
}

func TestAssignmentRoutes_ErrorMapping(t *testing.T) {
	f := newAPIFixture(t)
	f.user(1, "alice", models.RoleSupport)
	f.user(9, "carol", models.RoleCustomer)
	f.session("s1", models.SessionTypeSupport)
	tok := f.token(1, "support")

	cases := []struct {
		name string
		path string
		body interface{}
		want int
	}{
		{"unknown session", "/api/assignments", gin.H{"session_id": "nope", "support_user_id": 1}, http.StatusNotFound},
		{"not staff", "/api/assignments", gin.H{"session_id": "s1", "support_user_id": 9}, http.StatusBadRequest},
		{"missing fields", "/api/assignments", gin.H{"notes": "x"}, http.StatusBadRequest},
		{"no active to complete", "/api/assignments/complete", gin.H{"session_id": "s1"}, http.StatusNotFound},
		{"no managers", "/api/assignments/escalate", gin.H{"session_id": "s1"}, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := f.do(http.MethodPost, tc.path, tok, tc.body)
			assert.Equal(t, tc.want, w.Code, w.Body.String())
			var resp ErrorResponse
			decode(t, w, &resp)
			assert.NotEmpty(t, resp.Message)
		})
	}

	w := f.do(http.MethodGet, "/api/assignments/availability?userIds=1,x", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = f.do(http.MethodGet, "/api/assignments?status=archived", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoutes_AuthAndRoles(t *testing.T) {
	f := newAPIFixture(t)
	f.user(1, "alice", models.RoleSupport)
	f.session("s1", models.SessionTypeSupport)

	w := f.do(http.MethodGet, "/api/assignments", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	customer := f.token(9, "customer")
	w = f.do(http.MethodPost, "/api/assignments", customer, gin.H{"session_id": "s1", "support_user_id": 1})
	assert.Equal(t, http.StatusForbidden, w.Code)

	// 客户令牌不能读取内部数据
	for _, path := range []string{
		"/api/handoff/s1/notes?includePrivate=true",
		"/api/handoff/s1/context",
		"/api/assignments/session/s1",
		"/api/escalations/analyze/s1",
		"/api/dashboard/realtime",
		"/api/dashboard/agents",
	} {
		w = f.do(http.MethodGet, path, customer, nil)
		assert.Equal(t, http.StatusForbidden, w.Code, path)
	}

	// 统计类接口仅限主管和管理员
	support := f.token(1, "support")
	for _, path := range []string{"/api/dashboard/stats", "/api/dashboard/agents", "/api/dashboard/alerts", "/api/escalations/stats"} {
		w = f.do(http.MethodGet, path, support, nil)
		assert.Equal(t, http.StatusForbidden, w.Code, path)
	}
	for _, path := range []string{"/api/dashboard/sessions", "/api/dashboard/realtime", "/api/handoff/s1/notes?includePrivate=true"} {
		w = f.do(http.MethodGet, path, support, nil)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestAssignmentRoutes_ActorFromCaller(t *testing.T) {
	f := newAPIFixture(t)
	f.user(1, "alice", models.RoleSupport)
	f.user(2, "bob", models.RoleSupport)
	f.user(3, "mgr", models.RoleManager)
	f.session("s1", models.SessionTypeSupport)
	f.session("s2", models.SessionTypeSupport)

	// 客服不能冒用他人身份
	w := f.do(http.MethodPost, "/api/assignments", f.token(1, "support"), gin.H{"session_id": "s1", "support_user_id": 2, "assigned_by": 3})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created map[string]interface{}
	decode(t, w, &created)
	assert.EqualValues(t, 1, created["assigned_by"])

	w = f.do(http.MethodPost, "/api/assignments/transfer", f.token(1, "support"), gin.H{
		"session_id": "s1", "from_support_user_id": 2, "to_support_user_id": 1, "transferred_by": 3,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var moved map[string]interface{}
	decode(t, w, &moved)
	assert.EqualValues(t, 1, moved["assigned_by"])

	// 主管可以代他人操作
	w = f.do(http.MethodPost, "/api/assignments", f.token(3, "manager"), gin.H{"session_id": "s2", "support_user_id": 2, "assigned_by": 1})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	decode(t, w, &created)
	assert.EqualValues(t, 1, created["assigned_by"])
}

func TestAssignmentRoutes_AutoAndAvailability(t *testing.T) {
	f := newAPIFixture(t)
	f.user(1, "alice", models.RoleSupport)
	f.user(2, "bob", models.RoleSupport)
	f.session("s1", models.SessionTypeSupport)
	f.session("s2", models.SessionTypeSupport)
	tok := f.token(1, "support")

	w := f.do(http.MethodPost, "/api/assignments/auto/s1", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "null", strings.TrimSpace(w.Body.String()))

	f.online[2] = true
	w = f.do(http.MethodPost, "/api/assignments/auto/s2", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var a map[string]interface{}
	decode(t, w, &a)
	assert.EqualValues(t, 2, a["support_user_id"])
	assert.Equal(t, "auto", a["assignment_type"])

	w = f.do(http.MethodGet, "/api/assignments/availability?userIds=2,1", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var avail []services.SupportAvailability
	decode(t, w, &avail)
	require.Len(t, avail, 2)
	assert.Equal(t, uint(1), avail[0].UserID)
	assert.Equal(t, uint(2), avail[1].UserID)
	assert.True(t, avail[1].IsOnline)
}

func TestEscalationRoutes(t *testing.T) {
	f := newAPIFixture(t)
	f.user(1, "alice", models.RoleSupport)
	f.session("s1", models.SessionTypeAI)
	tok := f.token(1, "support")

	w := f.do(http.MethodGet, "/api/escalations/analyze/s1", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var analysis services.EscalationAnalysis
	decode(t, w, &analysis)
	assert.False(t, analysis.ShouldEscalate)
	assert.Equal(t, services.ReasonNone, analysis.Reason)

	w = f.do(http.MethodPost, "/api/escalations/s1", tok, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var res map[string]interface{}
	decode(t, w, &res)
	assert.Equal(t, true, res["success"])

	w = f.do(http.MethodPost, "/api/escalations/s1", tok, gin.H{"reason": services.ReasonTechnical})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	f.user(3, "mgr", models.RoleManager)
	w = f.do(http.MethodGet, "/api/escalations/stats", f.token(3, "manager"), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats services.EscalationStatistics
	decode(t, w, &stats)
	assert.EqualValues(t, 1, stats.TotalEscalations)
	assert.EqualValues(t, 1, stats.EscalationsByReason[services.ReasonUserRequested])
}

func TestHandoffRoutes(t *testing.T) {
	f := newAPIFixture(t)
	f.user(1, "alice", models.RoleSupport)
	f.user(2, "bob", models.RoleSupport)
	f.session("s1", models.SessionTypeSupport)
	tok := f.token(1, "support")

	w := f.do(http.MethodGet, "/api/handoff/missing/context", tok, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(http.MethodPost, "/api/assignments", tok, gin.H{"session_id": "s1", "support_user_id": 1})
	require.Equal(t, http.StatusCreated, w.Code)

	w = f.do(http.MethodPost, "/api/handoff/s1/transfer", tok, gin.H{
		"from_support_user_id": 1, "to_support_user_id": 2, "reason": "language", "private_notes": "speaks french",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = f.do(http.MethodPost, "/api/handoff/s1/notes", tok, gin.H{"content": "follow up tomorrow", "tags": []string{"followup"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var note models.HandoffNote
	decode(t, w, &note)
	assert.Equal(t, uint(1), note.AuthorID)

	w = f.do(http.MethodGet, "/api/handoff/s1/notes", tok, nil)
	var public []models.HandoffNote
	decode(t, w, &public)
	assert.Len(t, public, 1)

	w = f.do(http.MethodGet, "/api/handoff/s1/notes?includePrivate=true", tok, nil)
	var all []models.HandoffNote
	decode(t, w, &all)
	assert.Len(t, all, 2)

	w = f.do(http.MethodGet, "/api/handoff/s1/history", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history struct {
		Transfers   []map[string]interface{} `json:"transfers"`
		Escalations []map[string]interface{} `json:"escalations"`
	}
	decode(t, w, &history)
	assert.Len(t, history.Transfers, 1)
	assert.Empty(t, history.Escalations)

	w = f.do(http.MethodGet, "/api/handoff/s1/context", tok, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var hctx map[string]interface{}
	decode(t, w, &hctx)
	assert.Equal(t, "s1", hctx["sessionId"])
	assert.Contains(t, hctx, "previousAssignments")
}

func TestDashboardRoutes(t *testing.T) {
	f := newAPIFixture(t)
	f.user(1, "alice", models.RoleSupport)
	f.user(3, "mgr", models.RoleManager)
	f.session("s1", models.SessionTypeSupport)
	tok := f.token(3, "manager")

	for _, path := range []string{"/api/dashboard/stats", "/api/dashboard/agents", "/api/dashboard/sessions?limit=5", "/api/dashboard/alerts", "/api/dashboard/realtime"} {
		w := f.do(http.MethodGet, path, tok, nil)
		assert.Equal(t, http.StatusOK, w.Code, path+": "+w.Body.String())
	}

	w := f.do(http.MethodGet, "/api/dashboard/sessions", tok, nil)
	var list []map[string]interface{}
	decode(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "s1", list[0]["id"])

	w = f.do(http.MethodGet, "/api/dashboard/stats?dateFrom=yesterday", tok, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

package services

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"supportdesk/internal/config"
	"supportdesk/internal/models"
	"supportdesk/internal/repository"
)

func newTestDBForServices(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:services_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := repository.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	return logger
}

func testAssignmentConfig() config.AssignmentConfig {
	return config.GetDefaultConfig().Assignment
}

func seedUser(t *testing.T, db *gorm.DB, id uint, name string, roles ...models.RoleName) *models.User {
	t.Helper()
	u := &models.User{ID: id, Name: name, Email: name + "@example.com", IsActive: true}
	if err := repository.NewUserRepository(db).CreateWithRoles(context.Background(), u, roles...); err != nil {
		t.Fatalf("seed user %s: %v", name, err)
	}
	return u
}

func seedSession(t *testing.T, db *gorm.DB, id, typ string, createdAt time.Time) *models.ChatSession {
	t.Helper()
	s := &models.ChatSession{ID: id, Type: typ, Status: models.SessionStatusActive, CreatedAt: createdAt}
	if err := repository.NewSessionRepository(db).Create(context.Background(), s); err != nil {
		t.Fatalf("seed session %s: %v", id, err)
	}
	return s
}

func seedMessage(t *testing.T, db *gorm.DB, sessionID, role, content string, at time.Time) {
	t.Helper()
	m := &models.Message{SessionID: sessionID, Role: role, Content: content, CreatedAt: at}
	if err := repository.NewMessageRepository(db).Create(context.Background(), m); err != nil {
		t.Fatalf("seed message: %v", err)
	}
}

// seedActive 直接写入 active 指派，不经过服务校验
func seedActive(t *testing.T, db *gorm.DB, sessionID string, userID uint, at time.Time) *models.Assignment {
	t.Helper()
	a := &models.Assignment{SessionID: sessionID, SupportUserID: userID, Type: models.AssignmentManual, Status: models.AssignmentActive, AssignedAt: at}
	if err := repository.NewAssignmentRepository(db).Create(context.Background(), a, ""); err != nil {
		t.Fatalf("seed assignment %s: %v", sessionID, err)
	}
	return a
}

func countActive(t *testing.T, db *gorm.DB, sessionID string) int64 {
	t.Helper()
	var n int64
	if err := db.Model(&models.Assignment{}).Where("session_id = ? AND status = ?", sessionID, models.AssignmentActive).Count(&n).Error; err != nil {
		t.Fatalf("count active: %v", err)
	}
	return n
}

type stepClock struct {
	mu sync.Mutex
	t  time.Time
}

func newStepClock(start time.Time) *stepClock { return &stepClock{t: start} }

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type fakePresence map[uint]bool

func (p fakePresence) IsOnline(_ context.Context, id uint) bool { return p[id] }

type sentEvent struct {
	Topic   string
	Event   string
	Payload interface{}
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []sentEvent
	fail   bool
}

func (n *fakeNotifier) record(topic, event string, payload interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("transport down")
	}
	n.events = append(n.events, sentEvent{Topic: topic, Event: event, Payload: payload})
	return nil
}

func (n *fakeNotifier) EmitToSession(_ context.Context, sessionID, event string, payload interface{}) error {
	return n.record("session:"+sessionID, event, payload)
}

func (n *fakeNotifier) EmitToUser(_ context.Context, userID uint, event string, payload interface{}) error {
	return n.record("user:"+strconv.FormatUint(uint64(userID), 10), event, payload)
}

func (n *fakeNotifier) BroadcastToRole(_ context.Context, role models.RoleName, event string, payload interface{}) error {
	return n.record("role:"+string(role), event, payload)
}

func (n *fakeNotifier) find(topic, event string) []sentEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentEvent
	for _, e := range n.events {
		if e.Topic == topic && e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type serviceFixture struct {
	db         *gorm.DB
	notifier   *fakeNotifier
	presence   fakePresence
	clock      *stepClock
	assign     *AssignmentService
	escalation *EscalationService
	handoff    *HandoffService
	dashboard  *DashboardService
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	db := newTestDBForServices(t)
	f := &serviceFixture{
		db:       db,
		notifier: &fakeNotifier{},
		presence: fakePresence{},
		clock:    newStepClock(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)),
	}
	cfg := testAssignmentConfig()
	logger := quietLogger()

	f.assign = NewAssignmentService(db, logger, f.notifier, f.presence, cfg)
	f.assign.now = f.clock.Now
	f.escalation = NewEscalationService(db, logger, f.assign, f.notifier, cfg)
	f.escalation.now = f.clock.Now
	f.handoff = NewHandoffService(db, logger, f.assign, f.notifier, cfg)
	f.handoff.now = f.clock.Now
	f.dashboard = NewDashboardService(db, logger, f.assign, cfg)
	f.dashboard.now = f.clock.Now
	return f
}

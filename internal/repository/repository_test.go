package repository

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"supportdesk/internal/models"
)

func newTestDBForRepository(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := "file:repository_" + name + "?mode=memory&cache=shared"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedUser(t *testing.T, db *gorm.DB, id uint, name string, active bool, roles ...models.RoleName) *models.User {
	t.Helper()
	u := &models.User{ID: id, Name: name, Email: name + "@example.com", IsActive: active}
	if err := NewUserRepository(db).CreateWithRoles(context.Background(), u, roles...); err != nil {
		t.Fatalf("seed user %s: %v", name, err)
	}
	return u
}

func TestMigrate_ActiveAssignmentUniqueIndex(t *testing.T) {
	db := newTestDBForRepository(t)
	ctx := context.Background()
	seedUser(t, db, 1, "agent", true, models.RoleSupport)
	if err := NewSessionRepository(db).Create(ctx, &models.ChatSession{ID: "s1"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}

	repo := NewAssignmentRepository(db)
	now := time.Now()
	first := &models.Assignment{SessionID: "s1", SupportUserID: 1, Type: models.AssignmentManual, Status: models.AssignmentActive, AssignedAt: now}
	if err := repo.Create(ctx, first, "hello"); err != nil {
		t.Fatalf("create first: %v", err)
	}

	dup := &models.Assignment{SessionID: "s1", SupportUserID: 1, Type: models.AssignmentManual, Status: models.AssignmentActive, AssignedAt: now}
	err := repo.Create(ctx, dup, "")
	if err == nil || !IsDuplicate(err) {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	// 非 active 记录不受唯一索引限制
	if err := repo.Close(ctx, first.ID, models.AssignmentCompleted, now.Add(time.Minute), models.NoteLabelCompleted, "done"); err != nil {
		t.Fatalf("close: %v", err)
	}
	again := &models.Assignment{SessionID: "s1", SupportUserID: 1, Type: models.AssignmentAuto, Status: models.AssignmentActive, AssignedAt: now.Add(2 * time.Minute)}
	if err := repo.Create(ctx, again, ""); err != nil {
		t.Fatalf("create after close: %v", err)
	}

	loaded, err := repo.FindByID(ctx, first.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if loaded.Notes() != "hello\nCompleted: done" {
		t.Fatalf("unexpected notes %q", loaded.Notes())
	}
	if loaded.SupportUser == nil || loaded.SupportUser.Name != "agent" {
		t.Fatalf("support user not preloaded: %+v", loaded.SupportUser)
	}
}

func TestAssignmentRepository_CloseTwice(t *testing.T) {
	db := newTestDBForRepository(t)
	ctx := context.Background()
	seedUser(t, db, 1, "agent", true, models.RoleSupport)

	repo := NewAssignmentRepository(db)
	a := &models.Assignment{SessionID: "s1", SupportUserID: 1, Type: models.AssignmentManual, Status: models.AssignmentActive, AssignedAt: time.Now()}
	if err := repo.Create(ctx, a, ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.Close(ctx, a.ID, models.AssignmentTransferred, time.Now(), models.NoteLabelTransferred, ""); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := repo.Close(ctx, a.ID, models.AssignmentCompleted, time.Now(), models.NoteLabelCompleted, ""); !errors.Is(err, ErrNotActive) {
		t.Fatalf("expected ErrNotActive, got %v", err)
	}

	// 空内容不写备注
	loaded, err := repo.FindByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(loaded.NoteEntries) != 0 {
		t.Fatalf("expected no note entries, got %+v", loaded.NoteEntries)
	}
}

func TestAssignmentRepository_ActiveCountsAndLookups(t *testing.T) {
	db := newTestDBForRepository(t)
	ctx := context.Background()
	seedUser(t, db, 1, "a", true, models.RoleSupport)
	seedUser(t, db, 2, "b", true, models.RoleSupport)

	repo := NewAssignmentRepository(db)
	now := time.Now()
	for i, sid := range []string{"s1", "s2", "s3"} {
		uid := uint(1)
		if i == 2 {
			uid = 2
		}
		a := &models.Assignment{SessionID: sid, SupportUserID: uid, Type: models.AssignmentManual, Status: models.AssignmentActive, AssignedAt: now.Add(time.Duration(i) * time.Second)}
		if err := repo.Create(ctx, a, ""); err != nil {
			t.Fatalf("create %s: %v", sid, err)
		}
	}

	counts, err := repo.ActiveCounts(ctx, []uint{1, 2, 3})
	if err != nil {
		t.Fatalf("ActiveCounts: %v", err)
	}
	if counts[1] != 2 || counts[2] != 1 || counts[3] != 0 {
		t.Fatalf("unexpected counts %v", counts)
	}

	if _, err := repo.FindActiveBySessionAndUser(ctx, "s3", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	got, err := repo.FindActiveBySession(ctx, "s3")
	if err != nil || got.SupportUserID != 2 {
		t.Fatalf("FindActiveBySession: %+v %v", got, err)
	}

	uid := uint(1)
	list, err := repo.List(ctx, AssignmentFilter{SupportUserID: &uid})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 || list[0].SessionID != "s2" {
		t.Fatalf("expected DESC order by assigned_at, got %+v", list)
	}

	ids, err := repo.ActiveSessionIDs(ctx)
	if err != nil || len(ids) != 3 {
		t.Fatalf("ActiveSessionIDs: %v %v", ids, err)
	}
}

func TestUserRepository_FindActiveByRoles(t *testing.T) {
	db := newTestDBForRepository(t)
	ctx := context.Background()
	seedUser(t, db, 3, "m3", true, models.RoleManager)
	seedUser(t, db, 1, "m1", true, models.RoleManager, models.RoleSupport)
	seedUser(t, db, 2, "inactive", false, models.RoleAdmin)
	seedUser(t, db, 4, "agent", true, models.RoleSupport)
	seedUser(t, db, 5, "admin", true, models.RoleAdmin)

	repo := NewUserRepository(db)
	users, err := repo.FindActiveByRoles(ctx, models.EscalationRoles)
	if err != nil {
		t.Fatalf("FindActiveByRoles: %v", err)
	}
	var ids []uint
	for _, u := range users {
		ids = append(ids, u.ID)
		if len(u.Roles) == 0 {
			t.Fatalf("roles not preloaded for %d", u.ID)
		}
	}
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 3 || ids[2] != 5 {
		t.Fatalf("unexpected ids %v", ids)
	}

	if _, err := repo.FindByID(ctx, 99, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMessageRepository_RecentIsChronological(t *testing.T) {
	db := newTestDBForRepository(t)
	ctx := context.Background()
	repo := NewMessageRepository(db)
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		m := &models.Message{SessionID: "s1", Role: models.MessageRoleUser, Content: string(rune('a' + i)), CreatedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := repo.Create(ctx, m); err != nil {
			t.Fatalf("create message: %v", err)
		}
	}

	msgs, err := repo.Recent(ctx, "s1", 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(msgs) != 3 || msgs[0].Content != "c" || msgs[2].Content != "e" {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestHandoffNoteRepository_PrivacyFilter(t *testing.T) {
	db := newTestDBForRepository(t)
	ctx := context.Background()
	seedUser(t, db, 1, "agent", true, models.RoleSupport)
	repo := NewHandoffNoteRepository(db)
	base := time.Now()
	notes := []models.HandoffNote{
		{SessionID: "s1", AuthorID: 1, Content: "public", CreatedAt: base},
		{SessionID: "s1", AuthorID: 1, Content: "secret", IsPrivate: true, CreatedAt: base.Add(time.Second)},
	}
	for i := range notes {
		if err := repo.Create(ctx, &notes[i]); err != nil {
			t.Fatalf("create note: %v", err)
		}
	}

	public, err := repo.ListBySession(ctx, "s1", false)
	if err != nil || len(public) != 1 {
		t.Fatalf("public notes: %v %v", public, err)
	}
	all, err := repo.ListBySession(ctx, "s1", true)
	if err != nil || len(all) != 2 || all[1].Content != "secret" {
		t.Fatalf("all notes: %v %v", all, err)
	}
	if all[0].Author == nil {
		t.Fatalf("author not preloaded")
	}
}

func TestSeedDefaults_Idempotent(t *testing.T) {
	db := newTestDBForRepository(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := SeedDefaults(ctx, db, nil); err != nil {
			t.Fatalf("seed run %d: %v", i+1, err)
		}
	}

	var users, sessions, messages int64
	db.Model(&models.User{}).Count(&users)
	db.Model(&models.ChatSession{}).Count(&sessions)
	db.Model(&models.Message{}).Count(&messages)
	if users != 5 || sessions != 1 || messages != 2 {
		t.Fatalf("unexpected counts: users=%d sessions=%d messages=%d", users, sessions, messages)
	}

	managers, err := NewUserRepository(db).FindActiveByRoles(ctx, models.EscalationRoles)
	if err != nil {
		t.Fatalf("find managers: %v", err)
	}
	if len(managers) != 2 {
		t.Fatalf("expected admin and manager, got %d", len(managers))
	}
}

func TestGormLogger_SkipsRecordNotFound(t *testing.T) {
	var buf bytes.Buffer
	db := newTestDBForRepository(t).Session(&gorm.Session{Logger: newGormLogger(&buf, logger.Warn)})
	ctx := context.Background()

	_, err := NewAssignmentRepository(db).FindByID(ctx, 999)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("record not found should not be logged, got %q", buf.String())
	}

	var n int64
	if err := db.Table("missing_table").Count(&n).Error; err == nil {
		t.Fatal("expected error for missing table")
	}
	if !strings.Contains(buf.String(), "missing_table") {
		t.Fatalf("expected real errors to be logged, got %q", buf.String())
	}
}

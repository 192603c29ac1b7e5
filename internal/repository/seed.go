package repository

import (
	"context"
	"errors"
	"fmt"

	"supportdesk/internal/models"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

type defaultAccount struct {
	name  string
	email string
	roles []models.RoleName
}

var defaultAccounts = []defaultAccount{
	{name: "系统管理员", email: "admin@supportdesk.local", roles: []models.RoleName{models.RoleAdmin}},
	{name: "值班主管", email: "manager@supportdesk.local", roles: []models.RoleName{models.RoleManager}},
	{name: "客服一号", email: "agent1@supportdesk.local", roles: []models.RoleName{models.RoleSupport}},
	{name: "客服二号", email: "agent2@supportdesk.local", roles: []models.RoleName{models.RoleSupport}},
	{name: "测试客户", email: "customer@supportdesk.local", roles: []models.RoleName{models.RoleCustomer}},
}

// SeedDefaults 写入默认角色、演示账号和一个示例会话，可重复执行
func SeedDefaults(ctx context.Context, db *gorm.DB, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	users := NewUserRepository(db)

	for _, name := range []models.RoleName{models.RoleSupport, models.RoleManager, models.RoleAdmin, models.RoleCustomer} {
		if _, err := users.EnsureRole(ctx, name); err != nil {
			return err
		}
	}

	var customer *models.User
	for _, su := range defaultAccounts {
		var u models.User
		err := db.WithContext(ctx).Where("email = ?", su.email).First(&u).Error
		switch {
		case err == nil:
		case errors.Is(err, gorm.ErrRecordNotFound):
			u = models.User{Name: su.name, Email: su.email, IsActive: true}
			if err := users.CreateWithRoles(ctx, &u, su.roles...); err != nil {
				return fmt.Errorf("seed user %s: %w", su.email, err)
			}
			logger.Infof("Created user %s (%v)", su.email, su.roles)
		default:
			return fmt.Errorf("lookup user %s: %w", su.email, err)
		}
		if su.roles[0] == models.RoleCustomer {
			customer = &u
		}
	}

	var count int64
	if err := db.WithContext(ctx).Model(&models.ChatSession{}).Where("user_id = ?", customer.ID).Count(&count).Error; err != nil {
		return fmt.Errorf("count sessions: %w", err)
	}
	if count > 0 {
		return nil
	}

	sess := &models.ChatSession{
		ID:     uuid.NewString(),
		UserID: &customer.ID,
		Type:   models.SessionTypeAI,
		Status: models.SessionStatusActive,
	}
	if err := NewSessionRepository(db).Create(ctx, sess); err != nil {
		return err
	}
	msgs := NewMessageRepository(db)
	for _, m := range []models.Message{
		{SessionID: sess.ID, SenderID: &customer.ID, Role: models.MessageRoleUser, Content: "我的订单一直没有发货"},
		{SessionID: sess.ID, Role: models.MessageRoleAssistant, Content: "请提供订单号，我来帮您查询"},
	} {
		m := m
		if err := msgs.Create(ctx, &m); err != nil {
			return err
		}
	}
	logger.Infof("Created sample session %s", sess.ID)
	return nil
}

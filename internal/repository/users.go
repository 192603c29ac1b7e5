package repository

import (
	"context"
	"fmt"

	"supportdesk/internal/models"

	"gorm.io/gorm"
)

// UserRepository 用户/角色存储
type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

// FindByID 查找用户，可选加载角色
func (r *UserRepository) FindByID(ctx context.Context, id uint, withRoles bool) (*models.User, error) {
	q := r.db.WithContext(ctx)
	if withRoles {
		q = q.Preload("Roles")
	}
	var u models.User
	if err := q.First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "user %d", id)
	}
	return &u, nil
}

// FindByIDs 批量查找用户（含角色），按 id 升序
func (r *UserRepository) FindByIDs(ctx context.Context, ids []uint) ([]models.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var out []models.User
	if err := r.db.WithContext(ctx).Preload("Roles").Where("id IN ?", ids).Order("id ASC").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("find users: %w", err)
	}
	return out, nil
}

// FindActiveByRoles 持有任一角色的活跃用户（含角色），按 id 升序
func (r *UserRepository) FindActiveByRoles(ctx context.Context, roles []models.RoleName) ([]models.User, error) {
	if len(roles) == 0 {
		return nil, nil
	}
	sub := r.db.Table("user_roles").
		Select("user_roles.user_id").
		Joins("JOIN roles ON roles.id = user_roles.role_id").
		Where("roles.name IN ?", roles)

	var out []models.User
	err := r.db.WithContext(ctx).
		Preload("Roles").
		Where("is_active = ?", true).
		Where("id IN (?)", sub).
		Order("id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("find users by roles: %w", err)
	}
	return out, nil
}

// EnsureRole 查找或创建角色
func (r *UserRepository) EnsureRole(ctx context.Context, name models.RoleName) (*models.Role, error) {
	role := models.Role{Name: name}
	if err := r.db.WithContext(ctx).Where(models.Role{Name: name}).FirstOrCreate(&role).Error; err != nil {
		return nil, fmt.Errorf("ensure role %s: %w", name, err)
	}
	return &role, nil
}

// CreateWithRoles 创建用户并绑定角色
func (r *UserRepository) CreateWithRoles(ctx context.Context, u *models.User, roles ...models.RoleName) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := &UserRepository{db: tx}
		u.Roles = nil
		for _, name := range roles {
			role, err := repo.EnsureRole(ctx, name)
			if err != nil {
				return err
			}
			u.Roles = append(u.Roles, *role)
		}
		if err := tx.Create(u).Error; err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		return nil
	})
}

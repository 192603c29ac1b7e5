package handlers

import (
	"supportdesk/internal/config"
	"supportdesk/internal/middleware"
	"supportdesk/internal/models"
	"supportdesk/internal/realtime"
	"supportdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Deps 路由依赖；Hub 为 nil 时不注册 /ws
type Deps struct {
	Config      *config.Config
	Logger      *logrus.Logger
	Assignments *services.AssignmentService
	Escalations *services.EscalationService
	Handoff     *services.HandoffService
	Dashboard   *services.DashboardService
	Hub         *realtime.Hub
	Health      *HealthHandler
}

// RegisterRoutes /api 需要 JWT 与客服角色；统计类接口仅限主管和管理员
func RegisterRoutes(r *gin.Engine, d Deps) {
	if d.Health != nil {
		r.GET("/health", d.Health.Health)
		path := d.Config.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics/assignments"
		}
		if d.Config.Monitoring.Enabled {
			r.GET(path, d.Health.Metrics)
		}
	}
	if d.Hub != nil {
		r.GET("/ws", middleware.OptionalAuth(d.Config), d.Hub.HandleWebSocket)
	}

	api := r.Group("/api", middleware.AuthMiddleware(d.Config), middleware.RequireSupportStaff())
	managers := middleware.RequireRoles(models.RoleManager, models.RoleAdmin)

	RegisterAssignmentRoutes(api, NewAssignmentHandler(d.Assignments, d.Logger))
	RegisterEscalationRoutes(api, NewEscalationHandler(d.Escalations, d.Logger), managers)
	RegisterHandoffRoutes(api, NewHandoffHandler(d.Handoff, d.Logger))
	RegisterDashboardRoutes(api, NewDashboardHandler(d.Dashboard, d.Logger), managers)
}

package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"supportdesk/internal/metrics"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Version 构建时注入
var Version = "dev"

// DependencyCheck 一个依赖的健康检查
type DependencyCheck struct {
	Name string
	// Required 为 false 时失败只降级
	Required bool
	Check    func(ctx context.Context) error
}

// DatabaseCheck gorm 连接 ping
func DatabaseCheck(db *gorm.DB) DependencyCheck {
	return DependencyCheck{
		Name:     "database",
		Required: true,
		Check: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		},
	}
}

// ConnectionCounter 实时连接数
type ConnectionCounter interface {
	GetClientCount() int
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	checks      []DependencyCheck
	connections ConnectionCounter
	logger      *logrus.Logger
	startedAt   time.Time
}

func NewHealthHandler(connections ConnectionCounter, logger *logrus.Logger, checks ...DependencyCheck) *HealthHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HealthHandler{checks: checks, connections: connections, logger: logger, startedAt: time.Now()}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services"`
	System    SystemInfo             `json:"system"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime      string `json:"uptime"`
	GoVersion   string `json:"go_version"`
	Connections int    `json:"connections"`
}

// Health 必需依赖失败返回 503，可选依赖失败为 degraded
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo, len(h.checks)),
		System: SystemInfo{
			Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	}
	if h.connections != nil {
		resp.System.Connections = h.connections.GetClientCount()
	}

	for _, chk := range h.checks {
		start := time.Now()
		err := chk.Check(ctx)
		info := ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
		if err != nil {
			info.Status = "unhealthy"
			info.Error = err.Error()
			h.logger.Warnf("Health check %s failed: %v", chk.Name, err)
			if chk.Required {
				resp.Status = "unhealthy"
			} else if resp.Status == "healthy" {
				resp.Status = "degraded"
			}
		}
		resp.Services[chk.Name] = info
	}

	code := http.StatusOK
	if resp.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}

// Metrics 指派迁移与推送失败计数
// @Router /metrics/assignments [get]
func (h *HealthHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, metrics.TakeSnapshot())
}

package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"supportdesk/internal/middleware"
	"supportdesk/internal/models"
	"supportdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// respondError NotFound->404, BadRequest->400, 其余 500
func respondError(c *gin.Context, logger *logrus.Logger, action string, err error) {
	switch {
	case services.IsNotFound(err):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Not found", Message: err.Error()})
	case services.IsBadRequest(err):
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Bad request", Message: err.Error()})
	default:
		logger.Errorf("Failed to %s: %v", action, err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Failed to " + action, Message: err.Error()})
	}
}

func badBody(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request body", Message: err.Error()})
}

func badQuery(c *gin.Context, name string, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query parameter " + name, Message: err.Error()})
}

// callerID 认证中间件写入的用户，缺失时为 0
func callerID(c *gin.Context) uint {
	id, _ := middleware.UserID(c)
	return id
}

// orCaller 请求体中的操作人仅对主管和管理员生效，其余一律为当前用户
func orCaller(c *gin.Context, id uint) uint {
	if id != 0 && actsForOthers(c) {
		return id
	}
	return callerID(c)
}

func actsForOthers(c *gin.Context) bool {
	for _, r := range middleware.Roles(c) {
		if role, ok := models.ParseRoleName(r); ok && (role == models.RoleManager || role == models.RoleAdmin) {
			return true
		}
	}
	return false
}

func queryUint(c *gin.Context, name string) (*uint, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, nil
	}
	n, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return nil, err
	}
	v := uint(n)
	return &v, nil
}

// queryUintList 1,2,3
func queryUintList(c *gin.Context, name string) ([]uint, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, nil
	}
	var out []uint
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, uint(n))
	}
	return out, nil
}

// queryTime 支持 RFC3339 与 2006-01-02
func queryTime(c *gin.Context, name string) (*time.Time, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

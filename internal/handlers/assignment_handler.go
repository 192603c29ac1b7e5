package handlers

import (
	"net/http"

	"supportdesk/internal/models"
	"supportdesk/internal/repository"
	"supportdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AssignmentHandler 会话指派处理器
type AssignmentHandler struct {
	service *services.AssignmentService
	logger  *logrus.Logger
}

// NewAssignmentHandler 创建会话指派处理器
func NewAssignmentHandler(service *services.AssignmentService, logger *logrus.Logger) *AssignmentHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AssignmentHandler{service: service, logger: logger}
}

// Create 创建指派
// @Router /api/assignments [post]
func (h *AssignmentHandler) Create(c *gin.Context) {
	var req services.CreateAssignmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	var claimed uint
	if req.AssignedBy != nil {
		claimed = *req.AssignedBy
	}
	if id := orCaller(c, claimed); id != 0 {
		req.AssignedBy = &id
	} else {
		req.AssignedBy = nil
	}

	a, err := h.service.CreateAssignment(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, "create assignment", err)
		return
	}
	c.JSON(http.StatusCreated, a)
}

// Transfer 转接给另一位客服
// @Router /api/assignments/transfer [post]
func (h *AssignmentHandler) Transfer(c *gin.Context) {
	var req services.TransferAssignmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	req.TransferredBy = orCaller(c, req.TransferredBy)

	a, err := h.service.TransferAssignment(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, "transfer assignment", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// Escalate 升级到负载最低的在线主管
// @Router /api/assignments/escalate [post]
func (h *AssignmentHandler) Escalate(c *gin.Context) {
	var req services.EscalateAssignmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	req.EscalatedBy = orCaller(c, req.EscalatedBy)

	a, err := h.service.EscalateAssignment(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, "escalate assignment", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// Complete 完成指派；未指定客服时为当前用户
// @Router /api/assignments/complete [post]
func (h *AssignmentHandler) Complete(c *gin.Context) {
	var req services.CompleteAssignmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	req.SupportUserID = orCaller(c, req.SupportUserID)

	a, err := h.service.CompleteAssignment(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, "complete assignment", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// AutoAssign 自动指派，没有可用客服时返回 null
// @Router /api/assignments/auto/{sessionId} [post]
func (h *AssignmentHandler) AutoAssign(c *gin.Context) {
	a := h.service.AutoAssignSupport(c.Request.Context(), c.Param("sessionId"))
	if a == nil {
		c.JSON(http.StatusOK, nil)
		return
	}
	c.JSON(http.StatusOK, a)
}

// List 按条件查询指派
// @Router /api/assignments [get]
func (h *AssignmentHandler) List(c *gin.Context) {
	f := repository.AssignmentFilter{SessionID: c.Query("sessionId")}
	var err error
	if f.SupportUserID, err = queryUint(c, "supportUserId"); err != nil {
		badQuery(c, "supportUserId", err)
		return
	}
	if raw := c.Query("status"); raw != "" {
		status, ok := models.ParseAssignmentStatus(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query parameter status", Message: "unknown status " + raw})
			return
		}
		f.Status = status
	}
	if raw := c.Query("type"); raw != "" {
		typ, ok := models.ParseAssignmentType(raw)
		if !ok {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid query parameter type", Message: "unknown type " + raw})
			return
		}
		f.Type = typ
	}
	if f.DateFrom, err = queryTime(c, "dateFrom"); err != nil {
		badQuery(c, "dateFrom", err)
		return
	}
	if f.DateTo, err = queryTime(c, "dateTo"); err != nil {
		badQuery(c, "dateTo", err)
		return
	}
	if f.Limit, err = queryInt(c, "limit", 0); err != nil {
		badQuery(c, "limit", err)
		return
	}

	list, err := h.service.ListAssignments(c.Request.Context(), f)
	if err != nil {
		respondError(c, h.logger, "list assignments", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// Mine 当前客服的 active 指派
// @Router /api/assignments/mine [get]
func (h *AssignmentHandler) Mine(c *gin.Context) {
	uid := callerID(c)
	if uid == 0 {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "Unauthorized", Message: "user not authenticated"})
		return
	}
	list, err := h.service.GetSupportUserAssignments(c.Request.Context(), uid)
	if err != nil {
		respondError(c, h.logger, "get assignments", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// SessionHistory 会话的全部指派
// @Router /api/assignments/session/{sessionId} [get]
func (h *AssignmentHandler) SessionHistory(c *gin.Context) {
	list, err := h.service.GetSessionAssignments(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondError(c, h.logger, "get session assignments", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// Availability 客服可用性
// @Router /api/assignments/availability [get]
func (h *AssignmentHandler) Availability(c *gin.Context) {
	ids, err := queryUintList(c, "userIds")
	if err != nil {
		badQuery(c, "userIds", err)
		return
	}
	list, err := h.service.GetSupportTeamAvailability(c.Request.Context(), ids)
	if err != nil {
		respondError(c, h.logger, "get availability", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// Stats 指派统计
// @Router /api/assignments/stats [get]
func (h *AssignmentHandler) Stats(c *gin.Context) {
	var (
		f   services.StatsFilter
		err error
	)
	if f.SupportUserID, err = queryUint(c, "supportUserId"); err != nil {
		badQuery(c, "supportUserId", err)
		return
	}
	if f.DateFrom, err = queryTime(c, "dateFrom"); err != nil {
		badQuery(c, "dateFrom", err)
		return
	}
	if f.DateTo, err = queryTime(c, "dateTo"); err != nil {
		badQuery(c, "dateTo", err)
		return
	}

	stats, err := h.service.GetAssignmentStats(c.Request.Context(), f)
	if err != nil {
		respondError(c, h.logger, "get assignment stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// RegisterAssignmentRoutes 注册指派路由
func RegisterAssignmentRoutes(r *gin.RouterGroup, handler *AssignmentHandler) {
	g := r.Group("/assignments")
	{
		g.GET("", handler.List)
		g.GET("/mine", handler.Mine)
		g.GET("/session/:sessionId", handler.SessionHistory)
		g.GET("/availability", handler.Availability)
		g.GET("/stats", handler.Stats)
		g.POST("", handler.Create)
		g.POST("/transfer", handler.Transfer)
		g.POST("/escalate", handler.Escalate)
		g.POST("/complete", handler.Complete)
		g.POST("/auto/:sessionId", handler.AutoAssign)
	}
}

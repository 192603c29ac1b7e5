package handlers

import (
	"net/http"

	"supportdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// HandoffHandler 客服交接处理器
type HandoffHandler struct {
	service *services.HandoffService
	logger  *logrus.Logger
}

func NewHandoffHandler(service *services.HandoffService, logger *logrus.Logger) *HandoffHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &HandoffHandler{service: service, logger: logger}
}

// Context 交接上下文
// @Router /api/handoff/{sessionId}/context [get]
func (h *HandoffHandler) Context(c *gin.Context) {
	hctx, err := h.service.PrepareHandoffContext(c.Request.Context(), c.Param("sessionId"), c.Query("reason"))
	if err != nil {
		respondError(c, h.logger, "prepare handoff context", err)
		return
	}
	c.JSON(http.StatusOK, hctx)
}

// Transfer 带上下文转接
// @Router /api/handoff/{sessionId}/transfer [post]
func (h *HandoffHandler) Transfer(c *gin.Context) {
	var req services.ExecuteHandoffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	req.SessionID = c.Param("sessionId")
	req.TransferredBy = orCaller(c, req.TransferredBy)

	a, err := h.service.ExecuteHandoff(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, "execute handoff", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// Escalate 带上下文升级
// @Router /api/handoff/{sessionId}/escalate [post]
func (h *HandoffHandler) Escalate(c *gin.Context) {
	var req services.ExecuteEscalationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	req.SessionID = c.Param("sessionId")
	req.EscalatedBy = orCaller(c, req.EscalatedBy)

	a, err := h.service.ExecuteEscalation(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, "execute escalation", err)
		return
	}
	c.JSON(http.StatusOK, a)
}

// AddNote 添加交接备注，作者默认为当前用户
// @Router /api/handoff/{sessionId}/notes [post]
func (h *HandoffHandler) AddNote(c *gin.Context) {
	var req services.AddHandoffNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badBody(c, err)
		return
	}
	req.SessionID = c.Param("sessionId")
	req.AuthorID = orCaller(c, req.AuthorID)

	note, err := h.service.AddHandoffNote(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, "add handoff note", err)
		return
	}
	c.JSON(http.StatusCreated, note)
}

// Notes ?includePrivate=true 时包含私有备注
// @Router /api/handoff/{sessionId}/notes [get]
func (h *HandoffHandler) Notes(c *gin.Context) {
	includePrivate := c.Query("includePrivate") == "true"
	notes, err := h.service.GetHandoffNotes(c.Request.Context(), c.Param("sessionId"), includePrivate)
	if err != nil {
		respondError(c, h.logger, "get handoff notes", err)
		return
	}
	c.JSON(http.StatusOK, notes)
}

// History 转接/升级/备注历史
// @Router /api/handoff/{sessionId}/history [get]
func (h *HandoffHandler) History(c *gin.Context) {
	history, err := h.service.GetHandoffHistory(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		respondError(c, h.logger, "get handoff history", err)
		return
	}
	c.JSON(http.StatusOK, history)
}

func RegisterHandoffRoutes(r *gin.RouterGroup, handler *HandoffHandler) {
	g := r.Group("/handoff/:sessionId")
	{
		g.GET("/context", handler.Context)
		g.GET("/notes", handler.Notes)
		g.GET("/history", handler.History)
		g.POST("/transfer", handler.Transfer)
		g.POST("/escalate", handler.Escalate)
		g.POST("/notes", handler.AddNote)
	}
}

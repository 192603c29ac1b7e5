package handlers

import (
	"errors"
	"io"
	"net/http"

	"supportdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// EscalationHandler AI 会话升级处理器
type EscalationHandler struct {
	service *services.EscalationService
	logger  *logrus.Logger
}

func NewEscalationHandler(service *services.EscalationService, logger *logrus.Logger) *EscalationHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &EscalationHandler{service: service, logger: logger}
}

// Analyze 基于最近消息判断是否需要升级
// @Router /api/escalations/analyze/{sessionId} [get]
func (h *EscalationHandler) Analyze(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.AnalyzeEscalationNeed(c.Request.Context(), c.Param("sessionId"), nil))
}

type escalateBody struct {
	Reason   string                      `json:"reason"`
	Notes    string                      `json:"notes"`
	Priority services.EscalationPriority `json:"priority"`
	Category string                      `json:"category"`
}

// Escalate 升级为人工客服会话；未给出原因时先做分析
// @Router /api/escalations/{sessionId} [post]
func (h *EscalationHandler) Escalate(c *gin.Context) {
	var body escalateBody
	if err := c.ShouldBindJSON(&body); err != nil && !errors.Is(err, io.EOF) {
		badBody(c, err)
		return
	}

	sessionID := c.Param("sessionId")
	req := &services.EscalateToSupportRequest{
		SessionID: sessionID,
		UserID:    callerID(c),
		Reason:    body.Reason,
		Notes:     body.Notes,
		Priority:  body.Priority,
		Category:  body.Category,
	}
	if req.Reason == "" {
		analysis := h.service.AnalyzeEscalationNeed(c.Request.Context(), sessionID, nil)
		req.Reason = services.ReasonUserRequested
		if analysis.ShouldEscalate {
			req.Reason = analysis.Reason
			if req.Priority == "" {
				req.Priority = analysis.Priority
			}
			if req.Category == "" {
				req.Category = analysis.Category
			}
		}
	}

	result, err := h.service.EscalateToSupport(c.Request.Context(), req)
	if err != nil {
		respondError(c, h.logger, "escalate session", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// Stats 升级统计
// @Router /api/escalations/stats [get]
func (h *EscalationHandler) Stats(c *gin.Context) {
	from, err := queryTime(c, "dateFrom")
	if err != nil {
		badQuery(c, "dateFrom", err)
		return
	}
	to, err := queryTime(c, "dateTo")
	if err != nil {
		badQuery(c, "dateTo", err)
		return
	}
	stats, err := h.service.GetEscalationStatistics(c.Request.Context(), from, to)
	if err != nil {
		respondError(c, h.logger, "get escalation statistics", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func RegisterEscalationRoutes(r *gin.RouterGroup, handler *EscalationHandler, managers ...gin.HandlerFunc) {
	g := r.Group("/escalations")
	{
		g.GET("/analyze/:sessionId", handler.Analyze)
		g.GET("/stats", append(managers, handler.Stats)...)
		g.POST("/:sessionId", handler.Escalate)
	}
}

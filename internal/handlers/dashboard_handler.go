package handlers

import (
	"net/http"

	"supportdesk/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// DashboardHandler 客服看板
type DashboardHandler struct {
	service *services.DashboardService
	logger  *logrus.Logger
}

func NewDashboardHandler(service *services.DashboardService, logger *logrus.Logger) *DashboardHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &DashboardHandler{service: service, logger: logger}
}

// Stats 概览，默认当天
// @Router /api/dashboard/stats [get]
func (h *DashboardHandler) Stats(c *gin.Context) {
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
	stats, err := h.service.GetDashboardStats(c.Request.Context(), from, to)
	if err != nil {
		respondError(c, h.logger, "get dashboard stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Agents 客服负载
// @Router /api/dashboard/agents [get]
func (h *DashboardHandler) Agents(c *gin.Context) {
	uid, err := queryUint(c, "userId")
	if err != nil {
		badQuery(c, "userId", err)
		return
	}
	stats, err := h.service.GetSupportAgentStats(c.Request.Context(), uid)
	if err != nil {
		respondError(c, h.logger, "get agent stats", err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Sessions 会话列表 ?status=&assignedTo=&limit=
// @Router /api/dashboard/sessions [get]
func (h *DashboardHandler) Sessions(c *gin.Context) {
	f := services.SessionOverviewFilter{Status: c.Query("status")}
	var err error
	if f.AssignedTo, err = queryUint(c, "assignedTo"); err != nil {
		badQuery(c, "assignedTo", err)
		return
	}
	if f.Limit, err = queryInt(c, "limit", 0); err != nil {
		badQuery(c, "limit", err)
		return
	}
	list, err := h.service.GetSessionOverview(c.Request.Context(), f)
	if err != nil {
		respondError(c, h.logger, "get session overview", err)
		return
	}
	c.JSON(http.StatusOK, list)
}

// Alerts 待处理升级
// @Router /api/dashboard/alerts [get]
func (h *DashboardHandler) Alerts(c *gin.Context) {
	alerts, err := h.service.GetEscalationAlerts(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "get escalation alerts", err)
		return
	}
	c.JSON(http.StatusOK, alerts)
}

// RealTime 实时指标
// @Router /api/dashboard/realtime [get]
func (h *DashboardHandler) RealTime(c *gin.Context) {
	m, err := h.service.GetRealTimeMetrics(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, "get real-time metrics", err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func RegisterDashboardRoutes(r *gin.RouterGroup, handler *DashboardHandler, managers ...gin.HandlerFunc) {
	g := r.Group("/dashboard")
	{
		g.GET("/sessions", handler.Sessions)
		g.GET("/realtime", handler.RealTime)

		m := g.Group("", managers...)
		m.GET("/stats", handler.Stats)
		m.GET("/agents", handler.Agents)
		m.GET("/alerts", handler.Alerts)
	}
}

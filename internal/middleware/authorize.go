package middleware

import (
	"net/http"
	"strings"

	"supportdesk/internal/config"
	"supportdesk/internal/models"

	"github.com/gin-gonic/gin"
)

// RequireRoles 至少持有其中一个角色，未知角色名被忽略
func RequireRoles(required ...models.RoleName) gin.HandlerFunc {
	reqSet := make(map[models.RoleName]struct{}, len(required))
	for _, r := range required {
		reqSet[r] = struct{}{}
	}
	return func(c *gin.Context) {
		for _, raw := range Roles(c) {
			role, ok := models.ParseRoleName(raw)
			if !ok {
				continue
			}
			if _, hit := reqSet[role]; hit {
				c.Next()
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":   "Forbidden",
			"message": "insufficient role",
		})
	}
}

// RequireSupportStaff support / manager / admin
func RequireSupportStaff() gin.HandlerFunc {
	return RequireRoles(models.RoleSupport, models.RoleManager, models.RoleAdmin)
}

// CORS 按配置放行来源
func CORS(cfg config.CORSConfig) gin.HandlerFunc {
	methods := strings.Join(cfg.AllowedMethods, ", ")
	headers := strings.Join(cfg.AllowedHeaders, ", ")
	return func(c *gin.Context) {
		if !cfg.Enabled {
			c.Next()
			return
		}
		origin := c.GetHeader("Origin")
		for _, o := range cfg.AllowedOrigins {
			if o == "*" {
				c.Header("Access-Control-Allow-Origin", "*")
				break
			}
			if origin != "" && strings.EqualFold(o, origin) {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Vary", "Origin")
				break
			}
		}
		c.Header("Access-Control-Allow-Methods", methods)
		c.Header("Access-Control-Allow-Headers", headers)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

package middleware

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"supportdesk/internal/config"

	"github.com/gin-gonic/gin"
	jwt "github.com/golang-jwt/jwt/v5"
)

// gin.Context 中的身份键
const (
	ContextUserID = "user_id"
	ContextRoles  = "roles"
)

// Claims 访问令牌载荷
type Claims struct {
	UserID uint     `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// IssueToken 签发 HS256 令牌，ttl<=0 表示不过期
func IssueToken(secret string, userID uint, roles []string, ttl time.Duration) (string, error) {
	if secret == "" {
		return "", errors.New("jwt secret is empty")
	}
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		Roles:  normalizeStringList(roles),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  strconv.FormatUint(uint64(userID), 10),
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// ParseToken 校验签名与时间声明
func ParseToken(token, secret string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token claims")
	}
	if claims.UserID == 0 && claims.Subject != "" {
		if id, err := strconv.ParseUint(claims.Subject, 10, 64); err == nil {
			claims.UserID = uint(id)
		}
	}
	return claims, nil
}

// AuthMiddleware 要求 Authorization: Bearer <jwt>
// 成功后写入 user_id(uint) 与 roles([]string)
func AuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	secret := ""
	if cfg != nil {
		secret = cfg.JWT.Secret
	}
	return func(c *gin.Context) {
		ah := c.GetHeader("Authorization")
		if !strings.HasPrefix(strings.ToLower(ah), "bearer ") {
			unauthorized(c, "missing bearer token")
			return
		}
		token := strings.TrimSpace(ah[len("Bearer "):])
		if token == "" || secret == "" {
			unauthorized(c, "invalid token or server misconfig")
			return
		}
		claims, err := ParseToken(token, secret)
		if err != nil {
			unauthorized(c, err.Error())
			return
		}
		if claims.UserID == 0 {
			unauthorized(c, "token has no user")
			return
		}

		c.Set(ContextUserID, claims.UserID)
		if roles := normalizeStringList(claims.Roles); len(roles) > 0 {
			c.Set(ContextRoles, roles)
		}
		c.Next()
	}
}

// OptionalAuth 有合法令牌（Bearer 或 ?token=）时写入身份，否则放行
// 浏览器 WebSocket 无法设置请求头，/ws 使用它
func OptionalAuth(cfg *config.Config) gin.HandlerFunc {
	secret := ""
	if cfg != nil {
		secret = cfg.JWT.Secret
	}
	return func(c *gin.Context) {
		token := c.Query("token")
		if ah := c.GetHeader("Authorization"); strings.HasPrefix(strings.ToLower(ah), "bearer ") {
			token = strings.TrimSpace(ah[len("Bearer "):])
		}
		if token != "" && secret != "" {
			if claims, err := ParseToken(token, secret); err == nil && claims.UserID != 0 {
				c.Set(ContextUserID, claims.UserID)
				if roles := normalizeStringList(claims.Roles); len(roles) > 0 {
					c.Set(ContextRoles, roles)
				}
			}
		}
		c.Next()
	}
}

func unauthorized(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "Unauthorized",
		"message": msg,
	})
}

// UserID 当前请求的用户
func UserID(c *gin.Context) (uint, bool) {
	v, ok := c.Get(ContextUserID)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint)
	return id, ok && id > 0
}

// Roles 当前请求的角色
func Roles(c *gin.Context) []string {
	v, ok := c.Get(ContextRoles)
	if !ok {
		return nil
	}
	return normalizeStringList(v)
}

func normalizeStringList(v interface{}) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case []string:
		out := make([]string, 0, len(t))
		for _, s := range t {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []interface{}:
		var out []string
		for _, it := range t {
			if s, ok := it.(string); ok {
				if s = strings.TrimSpace(s); s != "" {
					out = append(out, s)
				}
			}
		}
		return out
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// UserIDKey gin.Context 中当前用户 ID 的键
const UserIDKey = "user_id"

var ErrInvalidToken = errors.New("invalid token")

// Authenticator 校验 HS256 bearer token，userId claim 即用户 ID
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Issue 签发 token，本地调试与测试用
func (a *Authenticator) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"userId": userID,
		"iat":    now.Unix(),
		"exp":    now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Parse 解析 "Bearer xxx"，返回 userId
func (a *Authenticator) Parse(header string) (string, error) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return "", ErrInvalidToken
	}

	token, err := jwt.Parse(strings.TrimSpace(raw), func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	userID, _ := claims["userId"].(string)
	if userID == "" {
		// 兼容只带 sub 的 token
		userID, _ = claims.GetSubject()
	}
	if userID == "" {
		return "", ErrInvalidToken
	}
	return userID, nil
}

// RequireAuth 无有效 token 返回 401
func (a *Authenticator) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := a.Parse(c.GetHeader("Authorization"))
		if err != nil {
			abort(c, http.StatusUnauthorized, "Access token required")
			return
		}
		c.Set(UserIDKey, userID)
		c.Next()
	}
}

// OptionalAuth 有 token 就识别用户，没有或无效都按匿名处理
func (a *Authenticator) OptionalAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID, err := a.Parse(c.GetHeader("Authorization")); err == nil {
			c.Set(UserIDKey, userID)
		}
		c.Next()
	}
}

// CurrentUserID 匿名时返回空串
func CurrentUserID(c *gin.Context) string {
	return c.GetString(UserIDKey)
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": message})
}

package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	coorderrors "github.com/infigaming-com/go-coord/errors"
	"github.com/infigaming-com/go-coord/util"
	"go.uber.org/zap"
)

// JWTAuth requires an HS256 bearer token signed with secret and stores its subject in the
// request context. An empty secret disables the check.
func JWTAuth(secret string) gin.HandlerFunc {
	if secret == "" {
		return func(c *gin.Context) { c.Next() }
	}
	key := []byte(secret)

	return func(c *gin.Context) {
		raw, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || raw == "" {
			unauthorized(c, "missing bearer token")
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
			return key, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			zap.L().Debug("rejected bearer token", zap.Error(err))
			unauthorized(c, "invalid bearer token")
			return
		}

		c.Request = c.Request.WithContext(util.SubjectToCtx(c.Request.Context(), claims.Subject))
		c.Next()
	}
}

func unauthorized(c *gin.Context, message string) {
	e := coorderrors.NewError(ErrCodeUnauthorized, message, nil).WithStatusCode(http.StatusUnauthorized)
	c.AbortWithStatusJSON(e.GetStatusCode(), e)
}

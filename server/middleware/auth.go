package middleware

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/setv/ultrascan/server/models"
	"go.uber.org/zap"
)

const claimsKey = "claims"

// Claims are issued by the hospital identity service. Name and MedicalID
// identify the radiologist signing reports.
type Claims struct {
	jwt.RegisteredClaims
	Name      string `json:"name,omitempty"`
	MedicalID string `json:"medicalId,omitempty"`
	Role      string `json:"role,omitempty"`
}

type AuthMiddleware struct {
	secretKey []byte
	enabled   bool
	logger    *zap.Logger
}

// NewAuthMiddleware validates HS256 bearer tokens signed with secretKey.
// When enabled is false requests pass without a token, but a valid token
// still populates the claims.
func NewAuthMiddleware(secretKey string, enabled bool, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		secretKey: []byte(secretKey),
		enabled:   enabled && secretKey != "",
		logger:    logger,
	}
}

func (a *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := a.extractToken(c)
		if token == "" {
			if !a.enabled {
				c.Next()
				return
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authorization token required"})
			c.Abort()
			return
		}

		claims, err := a.validateToken(token)
		if err != nil {
			a.logger.Warn("Invalid token", zap.Error(err), zap.String("client_ip", c.ClientIP()))
			if !a.enabled {
				c.Next()
				return
			}
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token"})
			c.Abort()
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

// RequireRole admits requests whose token carries one of roles. It is a
// no-op when authentication is disabled.
func (a *AuthMiddleware) RequireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.enabled {
			c.Next()
			return
		}

		claims, ok := GetClaims(c)
		if !ok {
			c.JSON(http.StatusForbidden, gin.H{"error": "Role information not found"})
			c.Abort()
			return
		}

		if !slices.Contains(roles, claims.Role) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Insufficient permissions"})
			c.Abort()
			return
		}

		c.Next()
	}
}

func GetClaims(c *gin.Context) (*Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*Claims)
	return claims, ok
}

// Radiologist returns the radiologist identified by the request token.
func Radiologist(c *gin.Context) (models.Radiologist, bool) {
	claims, ok := GetClaims(c)
	if !ok || claims.Name == "" {
		return models.Radiologist{}, false
	}
	return models.Radiologist{Name: claims.Name, ID: claims.MedicalID}, true
}

// extractToken reads the bearer token from the Authorization header, or from
// the token query parameter for websocket upgrades.
func (a *AuthMiddleware) extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return c.Query("token")
	}

	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}

	return parts[1]
}

func (a *AuthMiddleware) validateToken(token string) (*Claims, error) {
	if len(a.secretKey) == 0 {
		return nil, fmt.Errorf("no signing key configured")
	}

	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims,
		func(t *jwt.Token) (any, error) { return a.secretKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

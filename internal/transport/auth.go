package transport

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/inflo-ai/relay/internal/config"
	"github.com/inflo-ai/relay/internal/contextkeys"
	"github.com/inflo-ai/relay/internal/types"
)

// Claims is the JWT claim set relay tokens carry. The subject is the
// agent id; Scopes lists the permission grants.
type Claims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer tokens and annotates requests with the
// resulting caller identity. Token issuance belongs to the identity
// subsystem; IssueToken exists for local development and tests.
type Authenticator struct {
	enabled bool
	secret  []byte
	ttl     time.Duration
}

// NewAuthenticator creates an authenticator from the auth configuration.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{
		enabled: cfg.Enabled,
		secret:  []byte(cfg.JWTSecret),
		ttl:     ttl,
	}
}

// IssueToken signs a token for the given agent with the given scopes.
func (a *Authenticator) IssueToken(agentID string, scopes []types.Scope) (string, error) {
	now := time.Now()
	claims := Claims{
		Scopes: scopeStrings(scopes),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", types.WrapError(types.INTERNAL_ERROR, "failed to sign token", err)
	}
	return signed, nil
}

// VerifyToken parses and validates a bearer token, returning the caller
// identity it asserts.
func (a *Authenticator) VerifyToken(tokenString string) (types.Caller, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, types.NewError(types.VALIDATION_ERROR, "unexpected token signing method")
		}
		return a.secret, nil
	})
	if err != nil {
		return types.Caller{}, types.WrapError(types.VALIDATION_ERROR, "invalid token", err)
	}
	if !token.Valid || claims.Subject == "" {
		return types.Caller{}, types.NewError(types.VALIDATION_ERROR, "token missing subject")
	}

	caller := types.Caller{AgentID: claims.Subject}
	for _, s := range claims.Scopes {
		caller.Permissions = append(caller.Permissions, types.Scope(s))
	}
	return caller, nil
}

// Middleware returns a gin handler that rejects unauthenticated requests
// and stores the verified caller in the request context. With auth
// disabled, every request runs as an unrestricted internal caller.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.enabled {
			caller := types.Caller{
				AgentID: "internal",
				Permissions: []types.Scope{
					types.ScopeRead, types.ScopeWrite,
					types.ScopeExecute, types.ScopeSearch,
				},
			}
			c.Request = c.Request.WithContext(contextkeys.WithCaller(c.Request.Context(), caller))
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		tokenString, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		caller, err := a.VerifyToken(tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Request = c.Request.WithContext(contextkeys.WithCaller(c.Request.Context(), caller))
		c.Next()
	}
}

func scopeStrings(scopes []types.Scope) []string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		out[i] = string(s)
	}
	return out
}

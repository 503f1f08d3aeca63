package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/chanrelay/chanrelay-server/internal/identity"
)

const (
	// ContextKeyServerID is the context key for the calling node's id.
	ContextKeyServerID = "server_id"
)

// ErrorResponse is the error body of all control endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ClusterAuthMiddleware validates node-to-node tokens on the control
// surface.
func ClusterAuthMiddleware(tokens *identity.ClusterTokens, logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			logger.Debug().Msg("missing authorization header")
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "missing authorization header"})
			c.Abort()
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			logger.Debug().Msg("invalid authorization header format")
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid authorization header format"})
			c.Abort()
			return
		}
		claims, err := tokens.Validate(parts[1])
		if err != nil {
			logger.Debug().Err(err).Msg("invalid cluster token")
			c.JSON(http.StatusUnauthorized, ErrorResponse{Error: "invalid token"})
			c.Abort()
			return
		}
		c.Set(ContextKeyServerID, claims.ServerID)
		c.Next()
	}
}

// LoggerMiddleware logs control requests after completion.
func LoggerMiddleware(logger *zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		logger.Info().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("http request")
	}
}

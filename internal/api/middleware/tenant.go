package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/leozw/clan-war-guardian/internal/core"
)

// Guild extracts the guild id from the token subject. Tokens for anything
// but a valid guild id are rejected.
func Guild() gin.HandlerFunc {
	return func(c *gin.Context) {
		value, exists := c.Get("claims")
		if !exists {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Claims not found"})
			c.Abort()
			return
		}

		claims, ok := value.(*jwt.RegisteredClaims)
		if !ok || claims.Subject == "" {
			c.JSON(http.StatusForbidden, gin.H{"error": "Guild not found in token"})
			c.Abort()
			return
		}

		guildID, err := core.ParseSnowflake("guild", claims.Subject)
		if err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": "Guild not found in token"})
			c.Abort()
			return
		}

		c.Set(GuildKey, guildID)
		c.Next()
	}
}

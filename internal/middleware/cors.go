package middleware

import (
	"net/http" // Preflight status

	"github.com/gin-gonic/gin" // Gin web framework
	"github.com/rs/cors"       // CORS policy
)

// CORS applies the cross-origin policy for browser clients and answers preflight requests
func CORS(origins []string) gin.HandlerFunc {
	policy := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return func(c *gin.Context) {
		policy.HandlerFunc(c.Writer, c.Request) // Sets the Access-Control headers
		if c.Request.Method == http.MethodOptions && c.GetHeader("Access-Control-Request-Method") != "" {
			c.AbortWithStatus(http.StatusNoContent) // Preflight ends here
			return
		}
		c.Next()
	}
}

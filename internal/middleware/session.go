package middleware

import (
	"errors"   // Error inspection
	"net/http" // HTTP status codes

	"github.com/gin-gonic/gin" // Gin web framework

	"marketplace/internal/auth"   // Session identities
	"marketplace/internal/domain" // Error messages
)

// Context keys set by the session gate
const (
	WalletKey = "walletAddress"
	UserIDKey = "userID"
)

// Authenticator validates bearer tokens
type Authenticator interface {
	Authenticate(bearer string) (*auth.Identity, error)
}

// RequireSession rejects requests without a valid session token
func RequireSession(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, err := a.Authenticate(c.GetHeader("Authorization")) // Validate the Authorization header
		if err != nil {
			// If not valid, abort with unauthorized status
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": authMessage(err)})
			return
		}
		setIdentity(c, id)
		c.Next() // Proceed to the next handler
	}
}

// OptionalSession attaches the caller's identity when a valid token is present and never rejects
func OptionalSession(a Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id, err := a.Authenticate(c.GetHeader("Authorization")); err == nil {
			setIdentity(c, id)
		}
		c.Next() // Anonymous callers proceed too
	}
}

// Wallet returns the authenticated wallet, if any
func Wallet(c *gin.Context) (string, bool) {
	wallet := c.GetString(WalletKey)
	return wallet, wallet != ""
}

// Identity returns the authenticated identity, if any
func Identity(c *gin.Context) (*auth.Identity, bool) {
	wallet, ok := Wallet(c)
	if !ok {
		return nil, false
	}
	return &auth.Identity{WalletAddress: wallet, UserID: c.GetUint(UserIDKey)}, true
}

func setIdentity(c *gin.Context, id *auth.Identity) {
	c.Set(WalletKey, id.WalletAddress) // Store wallet in context
	c.Set(UserIDKey, id.UserID)        // Store userID in context
}

// authMessage keeps auth failures terse: missing or invalid, nothing more
func authMessage(err error) string {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return derr.Message
	}
	return domain.ErrTokenInvalid.Message
}

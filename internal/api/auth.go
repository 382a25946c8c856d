package api

import (
	"net/http" // HTTP status codes
	"time"     // Profile timestamps

	"github.com/gin-gonic/gin" // Gin web framework

	"marketplace/internal/auth"       // Wallet login
	"marketplace/internal/domain"     // Domain models
	"marketplace/internal/metrics"    // Login counters
	"marketplace/internal/middleware" // Session identity
)

// NonceRequest asks for a login nonce
type NonceRequest struct {
	WalletAddress string `json:"walletAddress" binding:"required"` // Wallet to log in
}

// VerifyRequest carries the signed challenge
type VerifyRequest struct {
	WalletAddress string `json:"walletAddress" binding:"required"` // Wallet that signed
	Signature     string `json:"signature" binding:"required"`     // Base58 detached signature
}

// AuthResponse is returned by a successful verification
type AuthResponse struct {
	Token string       `json:"token"` // Session token
	User  *domain.User `json:"user"`  // Profile
}

// ProfileResponse is the caller's own profile
type ProfileResponse struct {
	WalletAddress        string    `json:"walletAddress"`        // Base58 wallet address
	CreatedAt            time.Time `json:"createdAt"`            // First nonce request
	LastLogin            time.Time `json:"lastLogin"`            // Last successful verification
	TotalListingsCreated int64     `json:"totalListingsCreated"` // Listings created
	TotalPurchases       int64     `json:"totalPurchases"`       // Purchases settled
}

// NonceHandler issues a fresh login nonce for a wallet
func NonceHandler(a *auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req NonceRequest // Bind JSON request to struct
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Wallet address is required", err)
			return
		}
		nonce, err := a.IssueNonce(c.Request.Context(), req.WalletAddress)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"nonce": nonce})
	}
}

// VerifyHandler exchanges a signed nonce for a session token
func VerifyHandler(a *auth.Authenticator, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req VerifyRequest // Bind JSON request to struct
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Wallet address and signature are required", err)
			return
		}
		session, err := a.Verify(c.Request.Context(), req.WalletAddress, req.Signature)
		m.Login(err == nil)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, AuthResponse{Token: session.Token, User: session.User})
	}
}

// MeHandler returns the caller's profile
func MeHandler(a *auth.Authenticator) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := middleware.Identity(c) // Set by the session gate
		if !ok {
			respondError(c, domain.ErrMissingToken)
			return
		}
		user, err := a.Me(c.Request.Context(), id)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, ProfileResponse{
			WalletAddress:        user.WalletAddress,
			CreatedAt:            user.CreatedAt,
			LastLogin:            user.LastLogin,
			TotalListingsCreated: user.TotalListingsCreated,
			TotalPurchases:       user.TotalPurchases,
		})
	}
}

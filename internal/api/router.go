// Package api exposes the marketplace over HTTP.
package api

import (
	"net/http" // HTTP status codes
	"time"     // Health timestamps

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Logging

	"marketplace/internal/auth"       // Wallet login
	"marketplace/internal/domain"     // Assets
	"marketplace/internal/escrow"     // Custodian
	"marketplace/internal/listings"   // Listing service
	"marketplace/internal/metrics"    // Prometheus
	"marketplace/internal/middleware" // Session gate, limits, metrics
)

// Deps is everything the router wires into handlers
type Deps struct {
	Auth           *auth.Authenticator
	Listings       *listings.Service
	Custodian      *escrow.Custodian
	Assets         *domain.AssetRegistry
	Metrics        *metrics.Metrics
	GlobalLimiter  middleware.Limiter // Per client address, all routes
	MintLimiter    middleware.Limiter // Per wallet, POST /tokens/mint
	AllowedOrigins []string
	TrustedProxies []string
	Network        string
}

// NewRouter builds the gin engine with every route
func NewRouter(d Deps) (*gin.Engine, error) {
	r := gin.New()
	if err := r.SetTrustedProxies(d.TrustedProxies); err != nil {
		return nil, err
	}
	r.Use(gin.Logger(), gin.CustomRecovery(recoverHandler), middleware.Metrics(d.Metrics), middleware.CORS(d.AllowedOrigins))
	if d.GlobalLimiter != nil {
		r.Use(middleware.RateLimit(d.GlobalLimiter, middleware.ByIP, ""))
	}

	requireSession := middleware.RequireSession(d.Auth)

	// Auth routes
	authGroup := r.Group("/auth")
	authGroup.POST("/nonce", NonceHandler(d.Auth))              // Issue login nonce
	authGroup.POST("/verify", VerifyHandler(d.Auth, d.Metrics)) // Exchange signature for token
	authGroup.GET("/me", requireSession, MeHandler(d.Auth))     // Caller profile

	// Marketplace routes
	market := r.Group("/marketplace")
	market.GET("/listings", middleware.OptionalSession(d.Auth), ListListingsHandler(d.Listings)) // Browse active listings
	market.GET("/listings/:id", GetListingHandler(d.Listings))                                   // Single listing
	market.POST("/listings", requireSession, CreateListingHandler(d.Listings))                   // Create listing
	market.DELETE("/listings/:id", requireSession, CancelListingHandler(d.Listings))             // Cancel listing
	market.POST("/buy/:id", requireSession, BuyHandler(d.Listings))                              // Payment details
	market.POST("/confirm-purchase", requireSession, ConfirmPurchaseHandler(d.Listings))         // Settle purchase
	market.GET("/my-listings", requireSession, MyListingsHandler(d.Listings))                    // Caller's listings
	market.GET("/escrow/:tokenType", requireSession, EscrowHandler(d.Custodian, d.Assets))       // Deposit address

	// Token routes
	tokens := r.Group("/tokens")
	tokens.GET("/balance/:walletAddress", BalanceHandler(d.Custodian)) // Balances per asset
	mint := []gin.HandlerFunc{requireSession}
	if d.MintLimiter != nil {
		mint = append(mint, middleware.RateLimit(d.MintLimiter, middleware.ByWallet, "Too many mint requests. Please try again later."))
	}
	tokens.POST("/mint", append(mint, MintHandler(d.Custodian, d.Assets))...) // Mint one token

	r.GET("/health", HealthHandler(d.Network))
	r.GET("/", IndexHandler())
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}
	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Endpoint not found"})
	})
	return r, nil
}

// recoverHandler turns a panic into a generic 500
func recoverHandler(c *gin.Context, recovered any) {
	logrus.WithField("panic", recovered).WithField("path", c.Request.URL.Path).Error("Handler panicked")
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": serverError})
}

// HealthHandler reports liveness and the ledger network
func HealthHandler(network string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "OK",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"network":   network,
		})
	}
}

// IndexHandler describes the API
func IndexHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Token Marketplace API",
			"version": "1.0.0",
			"endpoints": gin.H{
				"auth":        "/auth",
				"tokens":      "/tokens",
				"marketplace": "/marketplace",
				"health":      "/health",
			},
			"tokenOperations": gin.H{
				"balance": "GET /tokens/balance/:walletAddress",
				"mint":    "POST /tokens/mint",
			},
		})
	}
}

package api

import (
	"net/http" // HTTP status codes

	"github.com/gin-gonic/gin"   // Gin web framework
	"github.com/sirupsen/logrus" // Logging

	"marketplace/internal/domain"     // Assets
	"marketplace/internal/escrow"     // Minting and balances
	"marketplace/internal/ledger"     // Wallet addresses
	"marketplace/internal/middleware" // Session identity
)

// MintAmount is how many whole tokens one mint request grants
const MintAmount = 1

// MintRequest asks for a token
type MintRequest struct {
	TokenType string `json:"tokenType"` // Token type or alias (APPLE, ORANGE, GRAPE)
}

// BalanceHandler returns a wallet's balance of every asset
func BalanceHandler(custodian *escrow.Custodian) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := c.Param("walletAddress")
		owner, err := ledger.ParsePublicKey(wallet)
		if err != nil {
			respondError(c, domain.ErrInvalidAddress)
			return
		}
		balances, err := custodian.Balances(c.Request.Context(), owner)
		if err != nil {
			respondError(c, err)
			return
		}
		// Keyed the way clients expect: appleJuice, orangeJuice, grapeSoda
		out := make(gin.H, len(balances))
		for t, amount := range balances {
			out[t.Key()] = amount
		}
		c.JSON(http.StatusOK, gin.H{"walletAddress": wallet, "balances": out})
	}
}

// MintHandler mints one token of the requested type to the caller
func MintHandler(custodian *escrow.Custodian, assets *domain.AssetRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, _ := middleware.Wallet(c)
		var req MintRequest // Bind JSON request to struct
		if err := c.ShouldBindJSON(&req); err != nil || req.TokenType == "" {
			badRequest(c, "Token type is required", err)
			return
		}
		t, ok := domain.ParseAssetType(req.TokenType)
		if !ok {
			respondError(c, domain.ErrInvalidAssetType)
			return
		}
		asset, err := assets.Lookup(t)
		if err != nil {
			respondError(c, err)
			return
		}
		recipient, err := ledger.ParsePublicKey(wallet)
		if err != nil {
			respondError(c, domain.ErrInvalidAddress)
			return
		}
		logrus.WithFields(logrus.Fields{"token": t, "wallet": wallet}).Info("Mint requested")
		signature, err := custodian.MintToUser(c.Request.Context(), asset, recipient, MintAmount)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":       true,
			"signature":     signature,
			"walletAddress": wallet,
			"tokenType":     t,
			"amount":        MintAmount,
		})
	}
}

package api

import (
	"net/http" // HTTP status codes
	"strconv"  // Query parsing

	"github.com/gin-gonic/gin"      // Gin web framework
	"github.com/shopspring/decimal" // Prices

	"marketplace/internal/domain"     // Domain models
	"marketplace/internal/escrow"     // Escrow addresses
	"marketplace/internal/listings"   // Listing state machine
	"marketplace/internal/middleware" // Session identity
)

// CreateListingRequest represents a new listing
type CreateListingRequest struct {
	TokenType        string          `json:"tokenType" binding:"required"` // APPLE_JUICE, ORANGE_JUICE or GRAPE_SODA
	Price            decimal.Decimal `json:"price"`                        // Price in native currency
	Amount           uint64          `json:"amount"`                       // Whole tokens
	DepositSignature string          `json:"depositSignature"`             // Escrow deposit transaction
}

// ConfirmPurchaseRequest settles a purchase
type ConfirmPurchaseRequest struct {
	ListingID            string `json:"listingId" binding:"required"` // Listing being bought
	TransactionSignature string `json:"transactionSignature"`         // Buyer's payment transaction
}

// ListingView is a listing as seen by the caller
type ListingView struct {
	domain.Listing
	IsOwner bool `json:"isOwner"` // Caller is the seller
}

// ListListingsHandler lists active listings with optional filters and sorting
func ListListingsHandler(svc *listings.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		filter := domain.ListingFilter{
			Seller:    c.Query("seller"),
			SortBy:    domain.SortField(c.DefaultQuery("sortBy", string(domain.SortCreatedAt))),
			Ascending: c.Query("order") == "asc",
		}
		// Parse optional token type
		if raw := c.Query("tokenType"); raw != "" {
			t, ok := domain.ParseAssetType(raw)
			if !ok {
				respondError(c, domain.ErrInvalidAssetType)
				return
			}
			filter.TokenType = t
		}
		// Parse optional limit
		if raw := c.Query("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil || limit < 1 {
				badRequest(c, "Limit must be a positive integer", err)
				return
			}
			filter.Limit = limit
		}
		found, err := svc.List(c.Request.Context(), filter)
		if err != nil {
			respondError(c, err)
			return
		}
		wallet, _ := middleware.Wallet(c) // Empty for anonymous callers
		views := make([]ListingView, len(found))
		for i, l := range found {
			views[i] = ListingView{Listing: l, IsOwner: wallet != "" && l.Seller == wallet}
		}
		c.JSON(http.StatusOK, gin.H{"listings": views})
	}
}

// GetListingHandler returns one listing
func GetListingHandler(svc *listings.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		listing, err := svc.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"listing": listing})
	}
}

// CreateListingHandler lists tokens the caller has deposited into escrow
func CreateListingHandler(svc *listings.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, _ := middleware.Wallet(c) // Set by the session gate
		var req CreateListingRequest      // Bind JSON request to struct
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request", err)
			return
		}
		listing, err := svc.Create(c.Request.Context(), listings.CreateInput{
			Seller:           wallet,
			TokenType:        domain.AssetType(req.TokenType),
			Price:            req.Price,
			Amount:           req.Amount,
			DepositSignature: req.DepositSignature,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{"success": true, "message": "Listing created successfully", "listing": listing})
	}
}

// CancelListingHandler cancels the caller's active listing
func CancelListingHandler(svc *listings.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, _ := middleware.Wallet(c)
		if err := svc.Cancel(c.Request.Context(), c.Param("id"), wallet); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Listing cancelled"})
	}
}

// BuyHandler returns the payment details for a listing
func BuyHandler(svc *listings.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, _ := middleware.Wallet(c)
		details, err := svc.InitiatePurchase(c.Request.Context(), c.Param("id"), wallet)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "transactionDetails": details})
	}
}

// ConfirmPurchaseHandler releases the escrowed tokens to the buyer and marks the listing sold
func ConfirmPurchaseHandler(svc *listings.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, _ := middleware.Wallet(c)
		var req ConfirmPurchaseRequest // Bind JSON request to struct
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid listing ID", err)
			return
		}
		listing, err := svc.ConfirmPurchase(c.Request.Context(), req.ListingID, wallet, req.TransactionSignature)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "message": "Purchase confirmed successfully", "listing": listing})
	}
}

// MyListingsHandler returns the caller's listings in the requested status
func MyListingsHandler(svc *listings.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, _ := middleware.Wallet(c)
		found, err := svc.MyListings(c.Request.Context(), wallet, domain.ListingStatus(c.Query("status")))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"listings": found})
	}
}

// EscrowHandler tells a seller where to deposit tokens before listing them
func EscrowHandler(custodian *escrow.Custodian, assets *domain.AssetRegistry) gin.HandlerFunc {
	return func(c *gin.Context) {
		t, ok := domain.ParseAssetType(c.Param("tokenType"))
		if !ok {
			respondError(c, domain.ErrInvalidAssetType)
			return
		}
		asset, err := assets.Lookup(t)
		if err != nil {
			respondError(c, err)
			return
		}
		info, err := custodian.EscrowInfo(asset)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	}
}

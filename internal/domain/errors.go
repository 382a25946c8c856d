package domain

import "errors" // Error matching

// Kind classifies an error so callers can tell validation failures from ledger failures
type Kind int

// Error kinds
const (
	KindValidation Kind = iota + 1 // Malformed input
	KindAuth                       // Missing or invalid credentials
	KindForbidden                  // Authenticated but not allowed
	KindConflict                   // Listing state does not permit the operation
	KindNotFound                   // Record does not exist
	KindLedger                     // Ledger submission, confirmation or authority failure
	KindRateLimited                // Caller exceeded a limit
	KindInternal                   // Storage or unexpected failure
)

// Error is the marketplace error type. Code identifies the failure; Err carries the cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Code, so wrapped copies of a sentinel still match it
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Wrap returns a copy of sentinel carrying cause
func Wrap(sentinel *Error, cause error) *Error {
	e := *sentinel
	e.Err = cause
	return &e
}

// KindOf returns the kind of err, KindInternal for foreign errors
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Validation errors
var (
	ErrInvalidAddress     = &Error{Kind: KindValidation, Code: "invalid_address", Message: "Invalid wallet address", Field: "walletAddress"}
	ErrAssetNotConfigured = &Error{Kind: KindValidation, Code: "asset_not_configured", Message: "Token not configured", Field: "tokenType"}
	ErrInvalidAssetType   = &Error{Kind: KindValidation, Code: "invalid_token_type", Message: "Invalid token type. Use: APPLE_JUICE, ORANGE_JUICE, or GRAPE_SODA", Field: "tokenType"}
	ErrInvalidPrice       = &Error{Kind: KindValidation, Code: "invalid_price", Message: "Price is out of range or too precise", Field: "price"}
	ErrInvalidAmount      = &Error{Kind: KindValidation, Code: "invalid_amount", Message: "Amount must be at least 1", Field: "amount"}
	ErrInvalidStatus      = &Error{Kind: KindValidation, Code: "invalid_status", Message: "Invalid listing status", Field: "status"}
	ErrDepositRequired    = &Error{Kind: KindValidation, Code: "deposit_required", Message: "Escrow deposit signature is required", Field: "depositSignature"}
	ErrDepositNotVerified = &Error{Kind: KindValidation, Code: "deposit_not_verified", Message: "Escrow deposit could not be verified", Field: "depositSignature"}
	ErrPaymentNotVerified = &Error{Kind: KindValidation, Code: "payment_not_verified", Message: "Payment could not be verified", Field: "transactionSignature"}
	ErrProofRequired      = &Error{Kind: KindValidation, Code: "proof_required", Message: "Transaction signature is required", Field: "transactionSignature"}
	ErrProofAlreadyUsed   = &Error{Kind: KindConflict, Code: "proof_already_used", Message: "Transaction signature already used"}
)

// Authentication errors
var (
	ErrBadSignatureEncoding = &Error{Kind: KindValidation, Code: "invalid_signature_encoding", Message: "Signature must be base58", Field: "signature"}
	ErrUserNotFound         = &Error{Kind: KindNotFound, Code: "user_not_found", Message: "User not found. First get nonce."}
	ErrInvalidSignature     = &Error{Kind: KindAuth, Code: "invalid_signature", Message: "Invalid signature"}
	ErrMissingToken         = &Error{Kind: KindAuth, Code: "missing_token", Message: "Token is missing"}
	ErrTokenInvalid         = &Error{Kind: KindAuth, Code: "token_invalid", Message: "Invalid or expired token"}
)

// Listing state errors
var (
	ErrListingNotFound      = &Error{Kind: KindNotFound, Code: "listing_not_found", Message: "Listing not found"}
	ErrForbidden            = &Error{Kind: KindForbidden, Code: "forbidden", Message: "You cannot modify someone else's listing"}
	ErrNotActive            = &Error{Kind: KindConflict, Code: "not_active", Message: "Listing is not active"}
	ErrSelfPurchase         = &Error{Kind: KindConflict, Code: "self_purchase", Message: "You cannot buy your own listing"}
	ErrSettlementInProgress = &Error{Kind: KindConflict, Code: "settlement_in_progress", Message: "Listing is being settled"}
)

// Ledger errors
var (
	ErrAuthorityMismatch    = &Error{Kind: KindLedger, Code: "authority_mismatch", Message: "Mint authority validation failed"}
	ErrMintFailed           = &Error{Kind: KindLedger, Code: "mint_failed", Message: "Minting failed"}
	ErrEscrowTransferFailed = &Error{Kind: KindLedger, Code: "escrow_transfer_failed", Message: "Escrow transfer failed"}
	ErrLedgerUnavailable    = &Error{Kind: KindLedger, Code: "ledger_unavailable", Message: "Ledger request failed"}
)

// Other errors
var (
	ErrRateLimited = &Error{Kind: KindRateLimited, Code: "rate_limited", Message: "Too many requests. Please try again later."}
	ErrStorage     = &Error{Kind: KindInternal, Code: "storage", Message: "Storage failure"}
)

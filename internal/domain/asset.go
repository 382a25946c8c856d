package domain

import (
	"fmt"      // Error formatting
	"math"     // Overflow bounds
	"math/big" // Arbitrary precision base units
	"strings"  // Case folding

	"github.com/shopspring/decimal" // Exact base-unit conversion

	"marketplace/internal/ledger"
)

// AssetType is the closed set of tradable tokens
type AssetType string

// Supported asset types
const (
	AppleJuice  AssetType = "APPLE_JUICE"
	OrangeJuice AssetType = "ORANGE_JUICE"
	GrapeSoda   AssetType = "GRAPE_SODA"
)

// AssetTypes lists every supported type in display order
var AssetTypes = []AssetType{AppleJuice, OrangeJuice, GrapeSoda}

// Name returns the display name stored on listings
func (t AssetType) Name() string {
	switch t {
	case AppleJuice:
		return "Apple Juice"
	case OrangeJuice:
		return "Orange Juice"
	case GrapeSoda:
		return "Grape Soda"
	}
	return ""
}

// Key returns the camelCase key used in balance responses
func (t AssetType) Key() string {
	switch t {
	case AppleJuice:
		return "appleJuice"
	case OrangeJuice:
		return "orangeJuice"
	case GrapeSoda:
		return "grapeSoda"
	}
	return ""
}

// Valid reports whether t is one of the canonical names, without aliases
func (t AssetType) Valid() bool {
	switch t {
	case AppleJuice, OrangeJuice, GrapeSoda:
		return true
	}
	return false
}

// ParseAssetType accepts the canonical names and the short APPLE/ORANGE/GRAPE aliases, any case
func ParseAssetType(s string) (AssetType, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "APPLE_JUICE", "APPLE":
		return AppleJuice, true
	case "ORANGE_JUICE", "ORANGE":
		return OrangeJuice, true
	case "GRAPE_SODA", "GRAPE":
		return GrapeSoda, true
	}
	return "", false
}

// Asset is a configured token: its type, ledger mint and base-unit exponent
type Asset struct {
	Type     AssetType        `json:"tokenType"`
	Name     string           `json:"tokenName"`
	Mint     ledger.PublicKey `json:"tokenMint"`
	Decimals uint8            `json:"decimals"`
}

// ToBaseUnits converts whole tokens into ledger base units
func (a Asset) ToBaseUnits(amount uint64) (uint64, error) {
	scale := uint64(1)
	for i := uint8(0); i < a.Decimals; i++ {
		scale *= 10
	}
	if amount > math.MaxUint64/scale {
		return 0, fmt.Errorf("amount %d overflows %d decimals", amount, a.Decimals)
	}
	return amount * scale, nil
}

// FromBaseUnits converts ledger base units into a decimal token amount
func (a Asset) FromBaseUnits(units uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(units), -int32(a.Decimals))
}

// AssetRegistry holds the assets configured at startup
type AssetRegistry struct {
	assets map[AssetType]Asset
}

// NewAssetRegistry builds a registry from mint addresses. Types with an empty mint are left
// unconfigured; a malformed mint is an error.
func NewAssetRegistry(mints map[AssetType]string, decimals uint8) (*AssetRegistry, error) {
	r := &AssetRegistry{assets: map[AssetType]Asset{}}
	for _, t := range AssetTypes {
		raw := strings.TrimSpace(mints[t])
		if raw == "" {
			continue
		}
		mint, err := ledger.ParsePublicKey(raw)
		if err != nil {
			return nil, fmt.Errorf("mint for %s: %w", t, err)
		}
		r.assets[t] = Asset{Type: t, Name: t.Name(), Mint: mint, Decimals: decimals}
	}
	return r, nil
}

// Lookup returns the asset for t, or ErrAssetNotConfigured
func (r *AssetRegistry) Lookup(t AssetType) (Asset, error) {
	a, ok := r.assets[t]
	if !ok {
		return Asset{}, ErrAssetNotConfigured
	}
	return a, nil
}

// Configured returns configured assets in display order
func (r *AssetRegistry) Configured() []Asset {
	out := make([]Asset, 0, len(r.assets))
	for _, t := range AssetTypes {
		if a, ok := r.assets[t]; ok {
			out = append(out, a)
		}
	}
	return out
}

package ledger

import (
	"crypto/ed25519" // Key types for signers
	"crypto/sha256"  // Program address derivation
	"errors"         // Sentinel errors
	"fmt"            // Error formatting

	"filippo.io/edwards25519"   // Curve point decoding for off-curve checks
	"github.com/mr-tron/base58" // Base58 encoding used by the ledger
)

// PublicKeySize is the length of an account address in bytes
const PublicKeySize = 32

// PublicKey is a ledger account address
type PublicKey [PublicKeySize]byte

// Well-known program addresses
var (
	SystemProgramID          = MustPublicKey("11111111111111111111111111111111")
	TokenProgramID           = MustPublicKey("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
	AssociatedTokenProgramID = MustPublicKey("ATokenGPvbdGVxr1b2hvZbsiqW5xWH25efTNsLJA8knL")
)

// ErrInvalidPublicKey is returned when an address is not 32 base58-encoded bytes
var ErrInvalidPublicKey = errors.New("invalid public key")

// ParsePublicKey decodes a base58 address
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	if s == "" || len(s) > 44 {
		return pk, ErrInvalidPublicKey
	}
	raw, err := base58.Decode(s)
	if err != nil || len(raw) != PublicKeySize {
		return pk, ErrInvalidPublicKey
	}
	copy(pk[:], raw)
	return pk, nil
}

// MustPublicKey is ParsePublicKey for compile-time constants
func MustPublicKey(s string) PublicKey {
	pk, err := ParsePublicKey(s)
	if err != nil {
		panic(fmt.Sprintf("ledger: bad public key %q", s))
	}
	return pk
}

// PublicKeyFromEd25519 converts a signer public key into an address
func PublicKeyFromEd25519(key ed25519.PublicKey) PublicKey {
	var pk PublicKey
	copy(pk[:], key)
	return pk
}

// String returns the base58 form
func (p PublicKey) String() string {
	return base58.Encode(p[:])
}

// IsZero reports whether p is the all-zero key
func (p PublicKey) IsZero() bool {
	return p == PublicKey{}
}

// Bytes returns a copy of the raw key bytes
func (p PublicKey) Bytes() []byte {
	return append([]byte(nil), p[:]...)
}

// MarshalText encodes the key as base58 for JSON
func (p PublicKey) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText decodes a base58 key
func (p *PublicKey) UnmarshalText(b []byte) error {
	pk, err := ParsePublicKey(string(b))
	if err != nil {
		return err
	}
	*p = pk
	return nil
}

// IsOnCurve reports whether the key decodes to a valid ed25519 point
func (p PublicKey) IsOnCurve() bool {
	_, err := new(edwards25519.Point).SetBytes(p[:])
	return err == nil
}

// ErrNoProgramAddress is returned when no bump seed yields an off-curve address
var ErrNoProgramAddress = errors.New("unable to find a viable program address")

// CreateProgramAddress hashes seeds into a program-derived address
func CreateProgramAddress(seeds [][]byte, program PublicKey) (PublicKey, error) {
	h := sha256.New()
	for _, s := range seeds {
		if len(s) > 32 {
			return PublicKey{}, fmt.Errorf("seed too long: %d bytes", len(s))
		}
		h.Write(s)
	}
	h.Write(program[:])
	h.Write([]byte("ProgramDerivedAddress"))
	var pk PublicKey
	copy(pk[:], h.Sum(nil))
	if pk.IsOnCurve() {
		return PublicKey{}, ErrNoProgramAddress
	}
	return pk, nil
}

// FindProgramAddress searches bump seeds from 255 down for an off-curve address
func FindProgramAddress(seeds [][]byte, program PublicKey) (PublicKey, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		withBump := append(append([][]byte{}, seeds...), []byte{byte(bump)})
		pk, err := CreateProgramAddress(withBump, program)
		if err == nil {
			return pk, uint8(bump), nil
		}
	}
	return PublicKey{}, 0, ErrNoProgramAddress
}

// FindAssociatedTokenAddress derives the token account holding mint for owner
func FindAssociatedTokenAddress(owner, mint PublicKey) (PublicKey, error) {
	addr, _, err := FindProgramAddress([][]byte{owner[:], TokenProgramID[:], mint[:]}, AssociatedTokenProgramID)
	return addr, err
}

package registry

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// TokenID identifies an asset. Zero is never assigned.
type TokenID uint64

// Asset is a minted, live token.
type Asset struct {
	ID              TokenID        `json:"id"`
	Owner           common.Address `json:"owner"`
	SubleaseAllowed bool           `json:"sublease_allowed"`
	MintedAt        time.Time      `json:"minted_at"`
}

// Lease is the current delegation of an asset. A zero Holder means no lease was ever granted.
type Lease struct {
	Holder    common.Address `json:"holder"`
	ExpiresAt int64          `json:"expires_at"` // unix seconds
}

// Active reports whether the lease is still valid at now (unix seconds).
func (l Lease) Active(now int64) bool {
	return l.Holder != (common.Address{}) && l.ExpiresAt > now
}

var (
	ErrUnauthorized       = errors.New("caller is not authorized for this asset")
	ErrAssetNotFound      = errors.New("asset not found")
	ErrActiveLease        = errors.New("asset has an active lease")
	ErrSubleaseNotAllowed = errors.New("sublease is not allowed for this asset")
	ErrNoActiveLease      = errors.New("no active lease for the given holder")
	ErrMintLimitExceeded  = errors.New("restricted mint limit exceeded")
	ErrInvalidExpiry      = errors.New("lease expiry must be in the future")
	ErrInvalidAddress     = errors.New("invalid address")
)

// Codes are the stable wire names of the sentinel errors.
const (
	CodeUnauthorized       = "unauthorized"
	CodeAssetNotFound      = "asset_not_found"
	CodeActiveLease        = "active_lease"
	CodeSubleaseNotAllowed = "sublease_not_allowed"
	CodeNoActiveLease      = "no_active_lease"
	CodeMintLimitExceeded  = "mint_limit_exceeded"
	CodeInvalidExpiry      = "invalid_expiry"
	CodeInvalidAddress     = "invalid_address"
)

var codes = map[string]error{
	CodeUnauthorized:       ErrUnauthorized,
	CodeAssetNotFound:      ErrAssetNotFound,
	CodeActiveLease:        ErrActiveLease,
	CodeSubleaseNotAllowed: ErrSubleaseNotAllowed,
	CodeNoActiveLease:      ErrNoActiveLease,
	CodeMintLimitExceeded:  ErrMintLimitExceeded,
	CodeInvalidExpiry:      ErrInvalidExpiry,
	CodeInvalidAddress:     ErrInvalidAddress,
}

// ErrorCode returns the wire code for a registry error, or "" when err is not one.
func ErrorCode(err error) string {
	for code, sentinel := range codes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return ""
}

// ErrorFromCode is the inverse of ErrorCode.
func ErrorFromCode(code string) (error, bool) {
	err, ok := codes[code]
	return err, ok
}

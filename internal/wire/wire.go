// Package wire holds the JSON bodies of the registry HTTP API, shared by the
// server and the remote client.
package wire

import (
	"time"

	"github.com/ethereum/go-ethereum/common"

	"metaprofile.org/internal/registry"
)

type ChallengeRequest struct {
	Address common.Address `json:"address"`
}

type ChallengeResponse struct {
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
}

type TokenRequest struct {
	Address   common.Address `json:"address"`
	Signature string         `json:"signature"`
}

type TokenResponse struct {
	Token     string         `json:"token"`
	Address   common.Address `json:"address"`
	Roles     []string       `json:"roles"`
	ExpiresAt time.Time      `json:"expires_at"`
}

type MintRequest struct {
	SubleaseAllowed bool `json:"sublease_allowed"`
}

type MintResponse struct {
	ID       registry.TokenID `json:"id"`
	Replaced registry.TokenID `json:"replaced,omitempty"`
}

// LeaseView is the current lease of an asset as seen at response time.
type LeaseView struct {
	Holder    common.Address `json:"holder"`
	ExpiresAt int64          `json:"expires_at"`
	Active    bool           `json:"active"`
}

type AssetResponse struct {
	registry.Asset
	Lease LeaseView `json:"lease"`
}

type LeaseRequest struct {
	To        common.Address `json:"to"`
	ExpiresAt int64          `json:"expires_at"`
}

type SubleaseRequest struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
}

// LeaseExpiryResponse answers both the current lease query and the per holder
// query. Holder is the queried holder, or the current holder when none was given.
type LeaseExpiryResponse struct {
	ID        registry.TokenID `json:"id"`
	Holder    common.Address   `json:"holder"`
	ExpiresAt int64            `json:"expires_at"`
}

type SubleaseAllowedResponse struct {
	ID      registry.TokenID `json:"id"`
	Allowed bool             `json:"allowed"`
}

type RolesResponse struct {
	ID     registry.TokenID `json:"id"`
	Caller common.Address   `json:"caller"`
	Roles  []string         `json:"roles"`
	Mask   registry.Roles   `json:"mask"`
}

type URIResponse struct {
	ID  registry.TokenID `json:"id"`
	URI string           `json:"uri"`
}

type ApprovalRequest struct {
	Approved bool `json:"approved"`
}

type ApprovalResponse struct {
	Owner    common.Address `json:"owner"`
	Operator common.Address `json:"operator"`
	Approved bool           `json:"approved"`
}

type OwnerAssetsResponse struct {
	Owner   common.Address     `json:"owner"`
	Balance int                `json:"balance"`
	Assets  []registry.TokenID `json:"assets"`
}

type SupplyResponse struct {
	TotalSupply int `json:"total_supply"`
}

type BaseURIRequest struct {
	BaseURI string `json:"base_uri"`
}

type BaseURIResponse struct {
	BaseURI string `json:"base_uri"`
}

// ErrorResponse is the body of every non-2xx answer.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

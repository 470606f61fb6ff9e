// Package registry implements the asset ownership and delegation state machine:
// mint, remint and burn of assets, blanket operator approvals, and the
// lease/sublease protocol with expiry based revocation.
package registry

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Service defines registry operations. Every backend (in-memory, Postgres,
// remote HTTP) implements the same contract.
type Service interface {
	Mint(ctx context.Context, caller common.Address, subleaseAllowed bool) (TokenID, error)
	Remint(ctx context.Context, caller common.Address, id TokenID, subleaseAllowed bool) (TokenID, error)
	Burn(ctx context.Context, caller common.Address, id TokenID) error

	Lease(ctx context.Context, caller common.Address, id TokenID, to common.Address, expiresAt int64) error
	Sublease(ctx context.Context, caller common.Address, id TokenID, from, to common.Address) error

	SetApprovalForAll(ctx context.Context, caller, operator common.Address, approved bool) error
	IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error)
	Authorize(ctx context.Context, caller common.Address, id TokenID) (Roles, error)

	Asset(ctx context.Context, id TokenID) (Asset, error)
	IsAllowedForSublease(ctx context.Context, id TokenID) (bool, error)
	CurrentLease(ctx context.Context, id TokenID) (Lease, error)
	LeaseExpiresOf(ctx context.Context, id TokenID) (int64, error)
	LeaseExpiresOfHolder(ctx context.Context, id TokenID, holder common.Address) (int64, error)

	OwnerOf(ctx context.Context, id TokenID) (common.Address, error)
	BalanceOf(ctx context.Context, owner common.Address) (int, error)
	TotalSupply(ctx context.Context) (int, error)
	TokensOf(ctx context.Context, owner common.Address) ([]TokenID, error)
}

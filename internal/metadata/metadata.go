// Package metadata formats token URIs from a registry-wide base URI.
package metadata

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"metaprofile.org/internal/registry"
)

// ErrNotAdmin is returned when someone other than the registry admin changes the base URI.
var ErrNotAdmin = errors.New("caller is not the registry admin")

// existence is the subset of registry.Service the formatter needs.
type existence interface {
	Asset(ctx context.Context, id registry.TokenID) (registry.Asset, error)
}

// URIs resolves tokenURI(id) = baseURI + id.
type URIs struct {
	mu      sync.RWMutex
	admin   common.Address
	baseURI string
	assets  existence
}

// New creates a formatter owned by admin.
func New(assets existence, admin common.Address, baseURI string) *URIs {
	return &URIs{assets: assets, admin: admin, baseURI: baseURI}
}

// Admin returns the registry's administrative owner.
func (u *URIs) Admin() common.Address { return u.admin }

// BaseURI returns the current base URI.
func (u *URIs) BaseURI() string {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.baseURI
}

// SetBaseURI replaces the base URI. Only the admin may call it.
func (u *URIs) SetBaseURI(caller common.Address, baseURI string) error {
	if caller != u.admin || !registry.ValidAddress(caller) {
		return ErrNotAdmin
	}
	u.mu.Lock()
	u.baseURI = baseURI
	u.mu.Unlock()
	return nil
}

// TokenURI fails with registry.ErrAssetNotFound for unknown ids.
func (u *URIs) TokenURI(ctx context.Context, id registry.TokenID) (string, error) {
	if _, err := u.assets.Asset(ctx, id); err != nil {
		return "", err
	}
	return u.BaseURI() + strconv.FormatUint(uint64(id), 10), nil
}

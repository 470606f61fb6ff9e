package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli"

	"metaprofile.org/internal/registry"
	"metaprofile.org/internal/registry/remote"
)

// runSmoke exercises mint, lease, sublease and the burn guard with throwaway keys.
func runSmoke(c *cli.Context) error {
	m := config(c)
	ctx, cancel := remote.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ownerKey, err := ethcrypto.GenerateKey()
	if err != nil {
		return err
	}
	lesseeKey, err := ethcrypto.GenerateKey()
	if err != nil {
		return err
	}
	third, err := ethcrypto.GenerateKey()
	if err != nil {
		return err
	}
	thirdAddr := ethcrypto.PubkeyToAddress(third.PublicKey)

	owner := client(c)
	if _, err := owner.Login(ctx, ownerKey); err != nil {
		return fmt.Errorf("owner login: %w", err)
	}
	lessee := client(c)
	if _, err := lessee.Login(ctx, lesseeKey); err != nil {
		return fmt.Errorf("lessee login: %w", err)
	}

	id, err := owner.Mint(ctx, owner.Caller(), true)
	if err != nil {
		return fmt.Errorf("mint: %w", err)
	}
	expires := time.Now().Add(time.Hour).Unix()
	if err := owner.Lease(ctx, owner.Caller(), id, lessee.Caller(), expires); err != nil {
		return fmt.Errorf("lease: %w", err)
	}
	if err := lessee.Sublease(ctx, lessee.Caller(), id, lessee.Caller(), thirdAddr); err != nil {
		return fmt.Errorf("sublease: %w", err)
	}

	got, err := owner.LeaseExpiresOfHolder(ctx, id, thirdAddr)
	if err != nil {
		return fmt.Errorf("expiry: %w", err)
	}
	if got != expires {
		return fmt.Errorf("sublease expiry %d, want %d", got, expires)
	}
	if left, _ := owner.LeaseExpiresOfHolder(ctx, id, lessee.Caller()); left != 0 {
		return fmt.Errorf("previous holder still has expiry %d", left)
	}
	if err := owner.Burn(ctx, owner.Caller(), id); !errors.Is(err, registry.ErrActiveLease) {
		return fmt.Errorf("burn during lease: got %v, want %v", err, registry.ErrActiveLease)
	}

	fmt.Fprintf(m.w, "registry smoke test passed: asset=%d owner=%s holder=%s\n", id, owner.Caller().Hex(), thirdAddr.Hex())
	return nil
}

package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/urfave/cli"

	"metaprofile.org/internal/registry"
	"metaprofile.org/internal/registry/remote"
)

var (
	ErrMissingKey   = errors.New("a private key is required (--key or METAPROFILE_PRIVATE_KEY)")
	ErrMissingID    = errors.New("an asset id is required (--id)")
	ErrMissingValue = errors.New("missing required flag")
)

func printJSON(handle io.Writer, message interface{}) error {
	b, err := json.MarshalIndent(message, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintf(handle, "%s\n", b)
	return nil
}

func config(c *cli.Context) *metadata {
	return c.App.Metadata["config"].(*metadata)
}

func commandContext(c *cli.Context) (context.Context, context.CancelFunc) {
	return remote.WithTimeout(context.Background(), c.GlobalDuration("timeout"))
}

func parseKey(raw string) (*ecdsa.PrivateKey, error) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if raw == "" {
		return nil, ErrMissingKey
	}
	key, err := ethcrypto.HexToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

func parseAddress(name, raw string) (common.Address, error) {
	if raw == "" {
		return common.Address{}, fmt.Errorf("%w: --%s", ErrMissingValue, name)
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid --%s address: %q", name, raw)
	}
	return common.HexToAddress(raw), nil
}

func assetID(c *cli.Context) (registry.TokenID, error) {
	id := c.Uint64("id")
	if id == 0 {
		return 0, ErrMissingID
	}
	return registry.TokenID(id), nil
}

// client builds a registry client whose HTTP timeout follows --timeout.
func client(c *cli.Context, opts ...remote.Option) *remote.Service {
	if d := c.GlobalDuration("timeout"); d > 0 {
		opts = append([]remote.Option{remote.WithHTTPClient(&http.Client{Timeout: d})}, opts...)
	}
	return remote.NewService(config(c).url, opts...)
}

// session returns a client acting as the configured key, reusing --token when given.
func session(ctx context.Context, c *cli.Context) (*remote.Service, error) {
	m := config(c)
	key, err := parseKey(c.GlobalString("key"))
	if err != nil {
		return nil, err
	}
	if token := c.GlobalString("token"); token != "" {
		return client(c, remote.WithSession(token, ethcrypto.PubkeyToAddress(key.PublicKey))), nil
	}
	svc := client(c)
	if _, err := svc.Login(ctx, key); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	if m.verbose {
		fmt.Fprintf(m.e, "signed in as %s\n", svc.Caller().Hex())
	}
	return svc, nil
}

func anonymous(c *cli.Context) *remote.Service {
	return client(c)
}

func runKeygen(c *cli.Context) error {
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		return err
	}
	return printJSON(config(c).w, map[string]string{
		"address":     ethcrypto.PubkeyToAddress(key.PublicKey).Hex(),
		"private_key": hexutil.Encode(ethcrypto.FromECDSA(key)),
	})
}

func runLogin(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()
	key, err := parseKey(c.GlobalString("key"))
	if err != nil {
		return err
	}
	tok, err := client(c).Login(ctx, key)
	if err != nil {
		return err
	}
	return printJSON(config(c).w, tok)
}

func runMint(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()
	svc, err := session(ctx, c)
	if err != nil {
		return err
	}
	id, err := svc.Mint(ctx, svc.Caller(), c.Bool("sublease"))
	if err != nil {
		return err
	}
	return printJSON(config(c).w, map[string]interface{}{"id": id, "owner": svc.Caller()})
}

func runRemint(c *cli.Context) error {
	id, err := assetID(c)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(c)
	defer cancel()
	svc, err := session(ctx, c)
	if err != nil {
		return err
	}
	newID, err := svc.Remint(ctx, svc.Caller(), id, c.Bool("sublease"))
	if err != nil {
		return err
	}
	return printJSON(config(c).w, map[string]interface{}{"id": newID, "replaced": id})
}

func runBurn(c *cli.Context) error {
	id, err := assetID(c)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(c)
	defer cancel()
	svc, err := session(ctx, c)
	if err != nil {
		return err
	}
	if err := svc.Burn(ctx, svc.Caller(), id); err != nil {
		return err
	}
	return printJSON(config(c).w, map[string]interface{}{"burned": id})
}

func runLease(c *cli.Context) error {
	id, err := assetID(c)
	if err != nil {
		return err
	}
	to, err := parseAddress("to", c.String("to"))
	if err != nil {
		return err
	}
	expires := c.Int64("expires")
	if d := c.Duration("for"); d > 0 {
		expires = time.Now().Add(d).Unix()
	}
	if expires == 0 {
		return fmt.Errorf("%w: --expires or --for", ErrMissingValue)
	}

	ctx, cancel := commandContext(c)
	defer cancel()
	svc, err := session(ctx, c)
	if err != nil {
		return err
	}
	if err := svc.Lease(ctx, svc.Caller(), id, to, expires); err != nil {
		return err
	}
	return printJSON(config(c).w, map[string]interface{}{"id": id, "holder": to, "expires_at": expires})
}

func runSublease(c *cli.Context) error {
	id, err := assetID(c)
	if err != nil {
		return err
	}
	to, err := parseAddress("to", c.String("to"))
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(c)
	defer cancel()
	svc, err := session(ctx, c)
	if err != nil {
		return err
	}
	from := svc.Caller()
	if raw := c.String("from"); raw != "" {
		if from, err = parseAddress("from", raw); err != nil {
			return err
		}
	}
	if err := svc.Sublease(ctx, svc.Caller(), id, from, to); err != nil {
		return err
	}
	expires, err := svc.LeaseExpiresOfHolder(ctx, id, to)
	if err != nil {
		return err
	}
	return printJSON(config(c).w, map[string]interface{}{"id": id, "holder": to, "expires_at": expires})
}

func runApprove(c *cli.Context) error {
	operator, err := parseAddress("operator", c.String("operator"))
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(c)
	defer cancel()
	svc, err := session(ctx, c)
	if err != nil {
		return err
	}
	approved := !c.Bool("revoke")
	if err := svc.SetApprovalForAll(ctx, svc.Caller(), operator, approved); err != nil {
		return err
	}
	return printJSON(config(c).w, map[string]interface{}{
		"owner":    svc.Caller(),
		"operator": operator,
		"approved": approved,
	})
}

func runAsset(c *cli.Context) error {
	id, err := assetID(c)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(c)
	defer cancel()
	view, err := anonymous(c).AssetView(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(config(c).w, view)
}

func runExpiry(c *cli.Context) error {
	id, err := assetID(c)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(c)
	defer cancel()
	svc := anonymous(c)

	if raw := c.String("holder"); raw != "" {
		holder, err := parseAddress("holder", raw)
		if err != nil {
			return err
		}
		expires, err := svc.LeaseExpiresOfHolder(ctx, id, holder)
		if err != nil {
			return err
		}
		return printJSON(config(c).w, map[string]interface{}{"id": id, "holder": holder, "expires_at": expires})
	}
	lease, err := svc.CurrentLease(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(config(c).w, map[string]interface{}{"id": id, "holder": lease.Holder, "expires_at": lease.ExpiresAt})
}

func runOwned(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()

	var owner common.Address
	if raw := c.String("owner"); raw != "" {
		var err error
		if owner, err = parseAddress("owner", raw); err != nil {
			return err
		}
	} else {
		key, err := parseKey(c.GlobalString("key"))
		if err != nil {
			return err
		}
		owner = ethcrypto.PubkeyToAddress(key.PublicKey)
	}

	ids, err := anonymous(c).TokensOf(ctx, owner)
	if err != nil {
		return err
	}
	return printJSON(config(c).w, map[string]interface{}{"owner": owner, "balance": len(ids), "assets": ids})
}

func runSupply(c *cli.Context) error {
	ctx, cancel := commandContext(c)
	defer cancel()
	n, err := anonymous(c).TotalSupply(ctx)
	if err != nil {
		return err
	}
	return printJSON(config(c).w, map[string]int{"total_supply": n})
}

func runURI(c *cli.Context) error {
	id, err := assetID(c)
	if err != nil {
		return err
	}
	ctx, cancel := commandContext(c)
	defer cancel()
	uri, err := anonymous(c).TokenURI(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(config(c).w, map[string]interface{}{"id": id, "uri": uri})
}

func runSetBaseURI(c *cli.Context) error {
	uri := c.String("uri")
	if uri == "" {
		return fmt.Errorf("%w: --uri", ErrMissingValue)
	}
	ctx, cancel := commandContext(c)
	defer cancel()
	svc, err := session(ctx, c)
	if err != nil {
		return err
	}
	if err := svc.SetBaseURI(ctx, uri); err != nil {
		return err
	}
	return printJSON(config(c).w, map[string]string{"base_uri": uri})
}

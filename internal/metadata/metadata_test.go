package metadata

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"metaprofile.org/internal/registry"
)

func TestTokenURIFollowsBaseURI(t *testing.T) {
	admin := common.HexToAddress("0xaaaa000000000000000000000000000000000000")
	holder := common.HexToAddress("0xbbbb000000000000000000000000000000000000")
	ctx := context.Background()

	reg := registry.NewInMemory()
	id, err := reg.Mint(ctx, holder, true)
	require.NoError(t, err)

	uris := New(reg, admin, "https://old.example/")
	uri, err := uris.TokenURI(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "https://old.example/1", uri)

	require.ErrorIs(t, uris.SetBaseURI(holder, "https://new.com/"), ErrNotAdmin)
	require.NoError(t, uris.SetBaseURI(admin, "https://new.com/"))

	uri, err = uris.TokenURI(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "https://new.com/1", uri)

	_, err = uris.TokenURI(ctx, 9)
	require.ErrorIs(t, err, registry.ErrAssetNotFound)
}

func TestZeroAdminCannotSetBaseURI(t *testing.T) {
	uris := New(registry.NewInMemory(), common.Address{}, "")
	require.ErrorIs(t, uris.SetBaseURI(common.Address{}, "x"), ErrNotAdmin)
}

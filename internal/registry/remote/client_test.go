package remote

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"metaprofile.org/internal/auth"
	"metaprofile.org/internal/httpapi"
	"metaprofile.org/internal/metadata"
	"metaprofile.org/internal/registry"
	"metaprofile.org/internal/stream"
)

func newServer(t *testing.T, admin common.Address) string {
	t.Helper()
	t.Setenv("METAPROFILE_AUTH_SECRET", "remote-test-secret")
	auth.ResetSecretForTests()

	events := stream.New()
	reg := registry.NewInMemory(registry.WithObserver(events))
	uris := metadata.New(reg, admin, "https://meta.example/")
	api := httpapi.New(httpapi.ReadyProbe{}, "test", reg, uris, events, httpapi.WithRateLimit(1000, 1000))

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return key, ethcrypto.PubkeyToAddress(key.PublicKey)
}

func login(t *testing.T, url string, key *ecdsa.PrivateKey) *Service {
	t.Helper()
	svc := NewService(url)
	_, err := svc.Login(context.Background(), key)
	require.NoError(t, err)
	return svc
}

func TestServiceLifecycle(t *testing.T) {
	ctx := context.Background()
	aliceKey, alice := newKey(t)
	_, bob := newKey(t)
	_, carol := newKey(t)
	url := newServer(t, common.Address{})

	svc := login(t, url, aliceKey)
	require.Equal(t, alice, svc.Caller())
	require.NotEmpty(t, svc.Token())

	id, err := svc.Mint(ctx, alice, true)
	require.NoError(t, err)
	require.Equal(t, registry.TokenID(1), id)

	owner, err := svc.OwnerOf(ctx, id)
	require.NoError(t, err)
	require.Equal(t, alice, owner)

	allowed, err := svc.IsAllowedForSublease(ctx, id)
	require.NoError(t, err)
	require.True(t, allowed)

	expires := time.Now().Add(time.Hour).Unix()
	require.NoError(t, svc.Lease(ctx, alice, id, bob, expires))

	lease, err := svc.CurrentLease(ctx, id)
	require.NoError(t, err)
	require.Equal(t, bob, lease.Holder)
	require.Equal(t, expires, lease.ExpiresAt)

	roles, err := svc.Authorize(ctx, bob, id)
	require.NoError(t, err)
	require.True(t, roles.Has(registry.RoleLessee))

	// The owner may move the lease on the holder's behalf.
	require.NoError(t, svc.Sublease(ctx, alice, id, bob, carol))

	got, err := svc.LeaseExpiresOfHolder(ctx, id, carol)
	require.NoError(t, err)
	require.Equal(t, expires, got)

	got, err = svc.LeaseExpiresOfHolder(ctx, id, bob)
	require.NoError(t, err)
	require.Zero(t, got)

	err = svc.Burn(ctx, alice, id)
	require.ErrorIs(t, err, registry.ErrActiveLease)

	supply, err := svc.TotalSupply(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, supply)

	ids, err := svc.TokensOf(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, []registry.TokenID{id}, ids)

	balance, err := svc.BalanceOf(ctx, alice)
	require.NoError(t, err)
	require.Equal(t, 1, balance)

	uri, err := svc.TokenURI(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "https://meta.example/1", uri)
}

func TestServiceSubleaseAndApproval(t *testing.T) {
	ctx := context.Background()
	aliceKey, alice := newKey(t)
	bobKey, bob := newKey(t)
	_, carol := newKey(t)
	url := newServer(t, common.Address{})

	owner := login(t, url, aliceKey)
	id, err := owner.Mint(ctx, alice, true)
	require.NoError(t, err)
	expires := time.Now().Add(time.Hour).Unix()
	require.NoError(t, owner.Lease(ctx, alice, id, bob, expires))

	lessee := login(t, url, bobKey)
	require.NoError(t, lessee.Sublease(ctx, bob, id, bob, carol))

	got, err := lessee.LeaseExpiresOfHolder(ctx, id, carol)
	require.NoError(t, err)
	require.Equal(t, expires, got)

	require.NoError(t, owner.SetApprovalForAll(ctx, alice, bob, true))
	approved, err := lessee.IsApprovedForAll(ctx, alice, bob)
	require.NoError(t, err)
	require.True(t, approved)
}

func TestServiceRejectsForeignCaller(t *testing.T) {
	aliceKey, _ := newKey(t)
	_, bob := newKey(t)
	url := newServer(t, common.Address{})

	svc := login(t, url, aliceKey)
	_, err := svc.Mint(context.Background(), bob, false)
	require.ErrorIs(t, err, registry.ErrUnauthorized)
}

func TestServiceWithoutSession(t *testing.T) {
	svc := NewService("http://127.0.0.1:0")
	_, err := svc.Mint(context.Background(), common.HexToAddress("0x01"), false)
	require.ErrorIs(t, err, ErrNoSession)
	require.ErrorIs(t, svc.SetBaseURI(context.Background(), "x"), ErrNoSession)
}

func TestServiceSetBaseURI(t *testing.T) {
	ctx := context.Background()
	adminKey, admin := newKey(t)
	userKey, user := newKey(t)
	url := newServer(t, admin)

	regular := login(t, url, userKey)
	id, err := regular.Mint(ctx, user, false)
	require.NoError(t, err)

	err = regular.SetBaseURI(ctx, "https://new.example/")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusForbidden, apiErr.Status)

	adm := login(t, url, adminKey)
	require.NoError(t, adm.SetBaseURI(ctx, "https://new.example/"))

	uri, err := regular.TokenURI(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "https://new.example/1", uri)
}

func TestMapError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"not found", http.StatusNotFound, `{"error":"asset not found","code":"asset_not_found"}`, registry.ErrAssetNotFound},
		{"active lease", http.StatusConflict, `{"error":"busy","code":"active_lease"}`, registry.ErrActiveLease},
		{"mint limit", http.StatusConflict, `{"error":"limit","code":"mint_limit_exceeded"}`, registry.ErrMintLimitExceeded},
		{"not admin", http.StatusForbidden, `{"error":"nope","code":"not_admin"}`, metadata.ErrNotAdmin},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got := mapError(&http.Response{StatusCode: tc.status, Body: io.NopCloser(strings.NewReader(tc.body))})
			if !errors.Is(got, tc.want) {
				t.Fatalf("mapError() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestMapErrorWithoutBody(t *testing.T) {
	t.Parallel()

	err := mapError(&http.Response{StatusCode: http.StatusBadGateway, Body: io.NopCloser(strings.NewReader("<html>"))})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "Bad Gateway", apiErr.Message)
	require.Nil(t, apiErr.Unwrap())
}

func TestWithHTTPClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	svc := NewService(srv.URL, WithHTTPClient(&http.Client{Timeout: 50 * time.Millisecond}))
	start := time.Now()
	_, err := svc.TotalSupply(context.Background())
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}

package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"metaprofile.org/internal/auth"
	"metaprofile.org/internal/metadata"
	"metaprofile.org/internal/registry"
	"metaprofile.org/internal/stream"
	"metaprofile.org/internal/wire"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

type wallet struct {
	key   *ecdsa.PrivateKey
	addr  common.Address
	token string
}

func newWallet(t *testing.T) *wallet {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	return &wallet{key: key, addr: ethcrypto.PubkeyToAddress(key.PublicKey)}
}

func newTestAPI(t *testing.T, admin common.Address) *apiClient {
	t.Helper()

	t.Setenv("METAPROFILE_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	events := stream.New()
	reg := registry.NewInMemory(registry.WithObserver(events))
	uris := metadata.New(reg, admin, "https://old.example/")

	api := New(ReadyProbe{}, "test", reg, uris, events, WithRateLimit(1000, 1000))
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}
}

func (c *apiClient) do(method, path, token string, body any) *http.Response {
	c.t.Helper()
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.baseURL+path, payload)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

// call performs a request, checks the status and decodes the body into out.
func (c *apiClient) call(method, path, token string, body any, wantStatus int, out any) {
	c.t.Helper()
	resp := c.do(method, path, token, body)
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != wantStatus {
		c.t.Fatalf("%s %s: status %d, want %d: %s", method, path, resp.StatusCode, wantStatus, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			c.t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
}

// expectError checks a failed call's status and error code.
func (c *apiClient) expectError(method, path, token string, body any, wantStatus int, wantCode string) {
	c.t.Helper()
	var errBody wire.ErrorResponse
	c.call(method, path, token, body, wantStatus, &errBody)
	if errBody.Code != wantCode {
		c.t.Fatalf("%s %s: code %q, want %q (%s)", method, path, errBody.Code, wantCode, errBody.Error)
	}
	if errBody.RequestID == "" {
		c.t.Fatalf("%s %s: missing request_id", method, path)
	}
}

func (c *apiClient) login(w *wallet) wire.TokenResponse {
	c.t.Helper()
	var challenge wire.ChallengeResponse
	c.call(http.MethodPost, "/v1/auth/challenge", "", wire.ChallengeRequest{Address: w.addr}, http.StatusOK, &challenge)
	sig, err := auth.SignChallenge(w.key, challenge.Message)
	if err != nil {
		c.t.Fatalf("sign: %v", err)
	}
	var tok wire.TokenResponse
	c.call(http.MethodPost, "/v1/auth/token", "", wire.TokenRequest{Address: w.addr, Signature: sig}, http.StatusOK, &tok)
	w.token = tok.Token
	return tok
}

func (c *apiClient) mint(w *wallet, subleaseAllowed bool) registry.TokenID {
	c.t.Helper()
	var resp wire.MintResponse
	c.call(http.MethodPost, "/v1/assets", w.token, wire.MintRequest{SubleaseAllowed: subleaseAllowed}, http.StatusCreated, &resp)
	return resp.ID
}

func assetPath(id registry.TokenID, suffix string) string {
	return fmt.Sprintf("/v1/assets/%d%s", id, suffix)
}

func TestHealthAndInfo(t *testing.T) {
	c := newTestAPI(t, common.Address{})

	var health map[string]any
	c.call(http.MethodGet, "/healthz", "", nil, http.StatusOK, &health)
	if health["status"] != "ok" || health["service"] != serviceName {
		t.Fatalf("unexpected health: %v", health)
	}
	var ready map[string]any
	c.call(http.MethodGet, "/readyz", "", nil, http.StatusOK, &ready)
	if ready["status"] != "ready" {
		t.Fatalf("unexpected readiness: %v", ready)
	}
	var info map[string]any
	c.call(http.MethodGet, "/v1/info", "", nil, http.StatusOK, &info)
	if info["version"] != "test" || info["base_uri"] != "https://old.example/" {
		t.Fatalf("unexpected info: %v", info)
	}
}

func TestLoginMintAndRead(t *testing.T) {
	c := newTestAPI(t, common.Address{})
	owner := newWallet(t)

	tok := c.login(owner)
	require.Equal(t, owner.addr, tok.Address)
	require.Empty(t, tok.Roles)

	id := c.mint(owner, true)
	require.Equal(t, registry.TokenID(1), id)

	var asset wire.AssetResponse
	c.call(http.MethodGet, assetPath(id, ""), "", nil, http.StatusOK, &asset)
	require.Equal(t, owner.addr, asset.Owner)
	require.True(t, asset.SubleaseAllowed)
	require.False(t, asset.Lease.Active)

	var allowed wire.SubleaseAllowedResponse
	c.call(http.MethodGet, assetPath(id, "/sublease-allowed"), "", nil, http.StatusOK, &allowed)
	require.True(t, allowed.Allowed)

	var supply wire.SupplyResponse
	c.call(http.MethodGet, "/v1/supply", "", nil, http.StatusOK, &supply)
	require.Equal(t, 1, supply.TotalSupply)

	var owned wire.OwnerAssetsResponse
	c.call(http.MethodGet, "/v1/owners/"+owner.addr.Hex()+"/assets", "", nil, http.StatusOK, &owned)
	require.Equal(t, 1, owned.Balance)
	require.Equal(t, []registry.TokenID{id}, owned.Assets)
}

func TestMutationsRequireToken(t *testing.T) {
	c := newTestAPI(t, common.Address{})

	resp := c.do(http.MethodPost, "/v1/assets", "", wire.MintRequest{SubleaseAllowed: true})
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))

	c.expectError(http.MethodPost, "/v1/assets", "not-a-jwt", wire.MintRequest{}, http.StatusUnauthorized, "unauthenticated")
}

func TestLeaseAndSubleaseFlow(t *testing.T) {
	c := newTestAPI(t, common.Address{})
	owner, lessee, sub := newWallet(t), newWallet(t), newWallet(t)
	c.login(owner)
	c.login(lessee)

	id := c.mint(owner, true)
	expires := time.Now().Unix() + 3600

	var leased wire.LeaseExpiryResponse
	c.call(http.MethodPost, assetPath(id, "/lease"), owner.token, wire.LeaseRequest{To: lessee.addr, ExpiresAt: expires}, http.StatusOK, &leased)
	require.Equal(t, expires, leased.ExpiresAt)

	var roles wire.RolesResponse
	c.call(http.MethodGet, assetPath(id, "/roles"), lessee.token, nil, http.StatusOK, &roles)
	require.Equal(t, []string{"lessee"}, roles.Roles)

	var subleased wire.LeaseExpiryResponse
	c.call(http.MethodPost, assetPath(id, "/sublease"), lessee.token, wire.SubleaseRequest{From: lessee.addr, To: sub.addr}, http.StatusOK, &subleased)
	require.Equal(t, sub.addr, subleased.Holder)
	require.Equal(t, expires, subleased.ExpiresAt)

	var expiry wire.LeaseExpiryResponse
	c.call(http.MethodGet, assetPath(id, "/lease?holder="+lessee.addr.Hex()), "", nil, http.StatusOK, &expiry)
	require.Zero(t, expiry.ExpiresAt)
	c.call(http.MethodGet, assetPath(id, "/lease"), "", nil, http.StatusOK, &expiry)
	require.Equal(t, sub.addr, expiry.Holder)
	require.Equal(t, expires, expiry.ExpiresAt)

	c.call(http.MethodGet, assetPath(id, "/roles?caller="+lessee.addr.Hex()), "", nil, http.StatusOK, &roles)
	require.Equal(t, []string{}, roles.Roles)
	require.Equal(t, registry.RoleNone, roles.Mask)

	// The former lessee can no longer delegate.
	c.expectError(http.MethodPost, assetPath(id, "/sublease"), lessee.token, wire.SubleaseRequest{From: lessee.addr, To: owner.addr}, http.StatusConflict, registry.CodeNoActiveLease)
	// Nor can anyone burn while the sublease runs.
	c.expectError(http.MethodDelete, assetPath(id, ""), owner.token, nil, http.StatusConflict, registry.CodeActiveLease)
}

func TestErrorCodes(t *testing.T) {
	c := newTestAPI(t, common.Address{})
	owner, stranger := newWallet(t), newWallet(t)
	c.login(owner)
	c.login(stranger)

	restricted := c.mint(owner, false)
	future := time.Now().Unix() + 60

	c.expectError(http.MethodPost, "/v1/assets", owner.token, wire.MintRequest{SubleaseAllowed: false}, http.StatusConflict, registry.CodeMintLimitExceeded)
	c.expectError(http.MethodPost, assetPath(restricted, "/lease"), stranger.token, wire.LeaseRequest{To: stranger.addr, ExpiresAt: future}, http.StatusForbidden, registry.CodeUnauthorized)
	c.expectError(http.MethodPost, assetPath(restricted, "/lease"), owner.token, wire.LeaseRequest{To: stranger.addr, ExpiresAt: 1}, http.StatusBadRequest, registry.CodeInvalidExpiry)
	c.expectError(http.MethodPost, assetPath(restricted, "/lease"), owner.token, wire.LeaseRequest{ExpiresAt: future}, http.StatusBadRequest, registry.CodeInvalidAddress)
	c.expectError(http.MethodPost, assetPath(restricted, "/sublease"), owner.token, wire.SubleaseRequest{From: owner.addr, To: stranger.addr}, http.StatusConflict, registry.CodeSubleaseNotAllowed)
	c.expectError(http.MethodGet, assetPath(99, ""), "", nil, http.StatusNotFound, registry.CodeAssetNotFound)
	c.expectError(http.MethodGet, "/v1/assets/abc", "", nil, http.StatusBadRequest, codeBadRequest)
	c.expectError(http.MethodGet, "/v1/owners/nobody/assets", "", nil, http.StatusBadRequest, registry.CodeInvalidAddress)
	c.expectError(http.MethodPost, "/v1/assets", owner.token, map[string]any{"unknown": 1}, http.StatusBadRequest, codeBadRequest)
}

func TestApprovedOperatorCanRemintAndBurn(t *testing.T) {
	c := newTestAPI(t, common.Address{})
	owner, operator := newWallet(t), newWallet(t)
	c.login(owner)
	c.login(operator)

	id := c.mint(owner, true)

	var approval wire.ApprovalResponse
	c.call(http.MethodPut, "/v1/approvals/"+operator.addr.Hex(), owner.token, wire.ApprovalRequest{Approved: true}, http.StatusOK, &approval)
	require.True(t, approval.Approved)
	c.call(http.MethodGet, "/v1/approvals/"+owner.addr.Hex()+"/"+operator.addr.Hex(), "", nil, http.StatusOK, &approval)
	require.True(t, approval.Approved)

	var reminted wire.MintResponse
	c.call(http.MethodPost, assetPath(id, "/remint"), operator.token, wire.MintRequest{SubleaseAllowed: false}, http.StatusCreated, &reminted)
	require.Equal(t, id, reminted.Replaced)
	require.Equal(t, registry.TokenID(2), reminted.ID)

	var asset wire.AssetResponse
	c.call(http.MethodGet, assetPath(reminted.ID, ""), "", nil, http.StatusOK, &asset)
	require.Equal(t, owner.addr, asset.Owner)

	c.call(http.MethodDelete, assetPath(reminted.ID, ""), operator.token, nil, http.StatusNoContent, nil)
	c.expectError(http.MethodGet, assetPath(reminted.ID, ""), "", nil, http.StatusNotFound, registry.CodeAssetNotFound)

	c.call(http.MethodPut, "/v1/approvals/"+operator.addr.Hex(), owner.token, wire.ApprovalRequest{Approved: false}, http.StatusOK, &approval)
	c.call(http.MethodGet, "/v1/approvals/"+owner.addr.Hex()+"/"+operator.addr.Hex(), "", nil, http.StatusOK, &approval)
	require.False(t, approval.Approved)
}

func TestAdminSetsBaseURI(t *testing.T) {
	admin, holder := newWallet(t), newWallet(t)
	c := newTestAPI(t, admin.addr)

	tok := c.login(admin)
	require.Equal(t, []string{auth.RoleAdmin}, tok.Roles)
	c.login(holder)

	id := c.mint(holder, true)

	var uri wire.URIResponse
	c.call(http.MethodGet, assetPath(id, "/uri"), "", nil, http.StatusOK, &uri)
	require.Equal(t, "https://old.example/1", uri.URI)

	c.expectError(http.MethodPut, "/v1/admin/base-uri", holder.token, wire.BaseURIRequest{BaseURI: "https://evil/"}, http.StatusForbidden, "forbidden")
	c.call(http.MethodPut, "/v1/admin/base-uri", admin.token, wire.BaseURIRequest{BaseURI: "https://new.com/"}, http.StatusOK, nil)

	c.call(http.MethodGet, assetPath(id, "/uri"), "", nil, http.StatusOK, &uri)
	require.Equal(t, "https://new.com/1", uri.URI)
}

func TestTokenRejectsForeignSignature(t *testing.T) {
	c := newTestAPI(t, common.Address{})
	victim, thief := newWallet(t), newWallet(t)

	c.expectError(http.MethodPost, "/v1/auth/token", "", wire.TokenRequest{Address: victim.addr, Signature: "0x00"}, http.StatusUnauthorized, "challenge_not_found")

	var challenge wire.ChallengeResponse
	c.call(http.MethodPost, "/v1/auth/challenge", "", wire.ChallengeRequest{Address: victim.addr}, http.StatusOK, &challenge)
	sig, err := auth.SignChallenge(thief.key, challenge.Message)
	require.NoError(t, err)
	c.expectError(http.MethodPost, "/v1/auth/token", "", wire.TokenRequest{Address: victim.addr, Signature: sig}, http.StatusUnauthorized, "bad_signature")
}

func TestEventStreamDeliversMint(t *testing.T) {
	c := newTestAPI(t, common.Address{})
	owner := newWallet(t)
	c.login(owner)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/events/stream", nil)
	require.NoError(t, err)
	resp, err := c.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	id := c.mint(owner, true)

	reader := bufio.NewReader(resp.Body)
	var data string
	for data == "" {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
		}
	}
	var ev registry.Event
	require.NoError(t, json.Unmarshal([]byte(data), &ev))
	require.Equal(t, registry.EventMint, ev.Kind)
	require.Equal(t, id, ev.TokenID)
	require.Equal(t, owner.addr, ev.Owner)
}

func TestWebSocketDeliversLease(t *testing.T) {
	c := newTestAPI(t, common.Address{})
	owner, lessee := newWallet(t), newWallet(t)
	c.login(owner)
	id := c.mint(owner, true)

	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/v1/events/ws?kind=lease"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Filtered out by ?kind=lease.
	c.call(http.MethodPut, "/v1/approvals/"+lessee.addr.Hex(), owner.token, wire.ApprovalRequest{Approved: true}, http.StatusOK, nil)

	expires := time.Now().Unix() + 120
	c.call(http.MethodPost, assetPath(id, "/lease"), owner.token, wire.LeaseRequest{To: lessee.addr, ExpiresAt: expires}, http.StatusOK, nil)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev registry.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, registry.EventLease, ev.Kind)
	require.Equal(t, lessee.addr, ev.To)
	require.Equal(t, expires, ev.ExpiresAt)
}

func TestEventStreamRejectsUnknownKind(t *testing.T) {
	c := newTestAPI(t, common.Address{})
	c.expectError(http.MethodGet, "/v1/events/stream?kind=mint,transfer", "", nil, http.StatusBadRequest, "bad_request")
}

// Package remote implements registry.Service over the registry HTTP API.
package remote

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"metaprofile.org/internal/auth"
	"metaprofile.org/internal/metadata"
	"metaprofile.org/internal/registry"
	"metaprofile.org/internal/wire"
)

// ErrNoSession is returned for mutations before Login or WithSession.
var ErrNoSession = errors.New("remote: not logged in")

// APIError is a non-2xx answer. It unwraps to the matching registry sentinel
// so callers can keep using errors.Is.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("remote: %d %s: %s", e.Status, e.Code, e.Message)
	if e.RequestID != "" {
		msg += " (request " + e.RequestID + ")"
	}
	return msg
}

func (e *APIError) Unwrap() error {
	if err, ok := registry.ErrorFromCode(e.Code); ok {
		return err
	}
	if e.Code == "not_admin" {
		return metadata.ErrNotAdmin
	}
	return nil
}

// Service talks to a registry API. Mutations act as the logged in address,
// so the caller argument must match the session.
type Service struct {
	baseURL string
	http    *http.Client
	token   string
	caller  common.Address
}

var _ registry.Service = (*Service)(nil)

// Option configures Service.
type Option func(*Service)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		if c != nil {
			s.http = c
		}
	}
}

// WithSession reuses a token obtained earlier for caller.
func WithSession(token string, caller common.Address) Option {
	return func(s *Service) {
		s.token, s.caller = token, caller
	}
}

func NewService(baseURL string, opts ...Option) *Service {
	s := &Service{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Caller returns the session address, zero before login.
func (s *Service) Caller() common.Address { return s.caller }

// Token returns the session bearer token.
func (s *Service) Token() string { return s.token }

// Login signs a fresh challenge with key and keeps the issued token.
func (s *Service) Login(ctx context.Context, key *ecdsa.PrivateKey) (wire.TokenResponse, error) {
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)
	var challenge wire.ChallengeResponse
	if err := s.do(ctx, http.MethodPost, "/v1/auth/challenge", wire.ChallengeRequest{Address: addr}, &challenge); err != nil {
		return wire.TokenResponse{}, err
	}
	sig, err := auth.SignChallenge(key, challenge.Message)
	if err != nil {
		return wire.TokenResponse{}, err
	}
	var tok wire.TokenResponse
	if err := s.do(ctx, http.MethodPost, "/v1/auth/token", wire.TokenRequest{Address: addr, Signature: sig}, &tok); err != nil {
		return wire.TokenResponse{}, err
	}
	s.token, s.caller = tok.Token, tok.Address
	return tok, nil
}

func (s *Service) Mint(ctx context.Context, caller common.Address, subleaseAllowed bool) (registry.TokenID, error) {
	if err := s.acting(caller); err != nil {
		return 0, err
	}
	var resp wire.MintResponse
	err := s.do(ctx, http.MethodPost, "/v1/assets", wire.MintRequest{SubleaseAllowed: subleaseAllowed}, &resp)
	return resp.ID, err
}

func (s *Service) Remint(ctx context.Context, caller common.Address, id registry.TokenID, subleaseAllowed bool) (registry.TokenID, error) {
	if err := s.acting(caller); err != nil {
		return 0, err
	}
	var resp wire.MintResponse
	err := s.do(ctx, http.MethodPost, assetPath(id, "/remint"), wire.MintRequest{SubleaseAllowed: subleaseAllowed}, &resp)
	return resp.ID, err
}

func (s *Service) Burn(ctx context.Context, caller common.Address, id registry.TokenID) error {
	if err := s.acting(caller); err != nil {
		return err
	}
	return s.do(ctx, http.MethodDelete, assetPath(id, ""), nil, nil)
}

func (s *Service) Lease(ctx context.Context, caller common.Address, id registry.TokenID, to common.Address, expiresAt int64) error {
	if err := s.acting(caller); err != nil {
		return err
	}
	return s.do(ctx, http.MethodPost, assetPath(id, "/lease"), wire.LeaseRequest{To: to, ExpiresAt: expiresAt}, nil)
}

func (s *Service) Sublease(ctx context.Context, caller common.Address, id registry.TokenID, from, to common.Address) error {
	if err := s.acting(caller); err != nil {
		return err
	}
	return s.do(ctx, http.MethodPost, assetPath(id, "/sublease"), wire.SubleaseRequest{From: from, To: to}, nil)
}

func (s *Service) SetApprovalForAll(ctx context.Context, caller, operator common.Address, approved bool) error {
	if err := s.acting(caller); err != nil {
		return err
	}
	return s.do(ctx, http.MethodPut, "/v1/approvals/"+operator.Hex(), wire.ApprovalRequest{Approved: approved}, nil)
}

func (s *Service) IsApprovedForAll(ctx context.Context, owner, operator common.Address) (bool, error) {
	var resp wire.ApprovalResponse
	err := s.do(ctx, http.MethodGet, "/v1/approvals/"+owner.Hex()+"/"+operator.Hex(), nil, &resp)
	return resp.Approved, err
}

func (s *Service) Authorize(ctx context.Context, caller common.Address, id registry.TokenID) (registry.Roles, error) {
	var resp wire.RolesResponse
	err := s.do(ctx, http.MethodGet, assetPath(id, "/roles?caller="+caller.Hex()), nil, &resp)
	return resp.Mask, err
}

func (s *Service) Asset(ctx context.Context, id registry.TokenID) (registry.Asset, error) {
	resp, err := s.assetView(ctx, id)
	return resp.Asset, err
}

func (s *Service) IsAllowedForSublease(ctx context.Context, id registry.TokenID) (bool, error) {
	var resp wire.SubleaseAllowedResponse
	err := s.do(ctx, http.MethodGet, assetPath(id, "/sublease-allowed"), nil, &resp)
	return resp.Allowed, err
}

func (s *Service) CurrentLease(ctx context.Context, id registry.TokenID) (registry.Lease, error) {
	var resp wire.LeaseExpiryResponse
	err := s.do(ctx, http.MethodGet, assetPath(id, "/lease"), nil, &resp)
	return registry.Lease{Holder: resp.Holder, ExpiresAt: resp.ExpiresAt}, err
}

func (s *Service) LeaseExpiresOf(ctx context.Context, id registry.TokenID) (int64, error) {
	lease, err := s.CurrentLease(ctx, id)
	return lease.ExpiresAt, err
}

func (s *Service) LeaseExpiresOfHolder(ctx context.Context, id registry.TokenID, holder common.Address) (int64, error) {
	var resp wire.LeaseExpiryResponse
	err := s.do(ctx, http.MethodGet, assetPath(id, "/lease?holder="+holder.Hex()), nil, &resp)
	return resp.ExpiresAt, err
}

func (s *Service) OwnerOf(ctx context.Context, id registry.TokenID) (common.Address, error) {
	resp, err := s.assetView(ctx, id)
	return resp.Owner, err
}

func (s *Service) BalanceOf(ctx context.Context, owner common.Address) (int, error) {
	resp, err := s.ownerAssets(ctx, owner)
	return resp.Balance, err
}

func (s *Service) TotalSupply(ctx context.Context) (int, error) {
	var resp wire.SupplyResponse
	err := s.do(ctx, http.MethodGet, "/v1/supply", nil, &resp)
	return resp.TotalSupply, err
}

func (s *Service) TokensOf(ctx context.Context, owner common.Address) ([]registry.TokenID, error) {
	resp, err := s.ownerAssets(ctx, owner)
	return resp.Assets, err
}

// AssetView returns the asset together with its current lease.
func (s *Service) AssetView(ctx context.Context, id registry.TokenID) (wire.AssetResponse, error) {
	return s.assetView(ctx, id)
}

// TokenURI returns the metadata URI of id.
func (s *Service) TokenURI(ctx context.Context, id registry.TokenID) (string, error) {
	var resp wire.URIResponse
	err := s.do(ctx, http.MethodGet, assetPath(id, "/uri"), nil, &resp)
	return resp.URI, err
}

// SetBaseURI changes the metadata base URI. The session must belong to the admin.
func (s *Service) SetBaseURI(ctx context.Context, baseURI string) error {
	if s.token == "" {
		return ErrNoSession
	}
	return s.do(ctx, http.MethodPut, "/v1/admin/base-uri", wire.BaseURIRequest{BaseURI: baseURI}, nil)
}

// Helpers -----------------------------------------------------------------

func (s *Service) acting(caller common.Address) error {
	if s.token == "" {
		return ErrNoSession
	}
	if caller != s.caller {
		return fmt.Errorf("%w: session belongs to %s", registry.ErrUnauthorized, s.caller.Hex())
	}
	return nil
}

func (s *Service) assetView(ctx context.Context, id registry.TokenID) (wire.AssetResponse, error) {
	var resp wire.AssetResponse
	err := s.do(ctx, http.MethodGet, assetPath(id, ""), nil, &resp)
	return resp, err
}

func (s *Service) ownerAssets(ctx context.Context, owner common.Address) (wire.OwnerAssetsResponse, error) {
	var resp wire.OwnerAssetsResponse
	err := s.do(ctx, http.MethodGet, "/v1/owners/"+url.PathEscape(owner.Hex())+"/assets", nil, &resp)
	return resp, err
}

func (s *Service) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("remote: encode request: %w", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return mapError(resp)
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("remote: decode %s %s: %w", method, path, err)
	}
	return nil
}

func mapError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var body wire.ErrorResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err == nil {
		apiErr.Code, apiErr.Message, apiErr.RequestID = body.Code, body.Error, body.RequestID
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func assetPath(id registry.TokenID, suffix string) string {
	return "/v1/assets/" + strconv.FormatUint(uint64(id), 10) + suffix
}

// WithTimeout returns a context with default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}

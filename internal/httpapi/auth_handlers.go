package httpapi

import (
	"errors"
	"net/http"
	"time"

	"metaprofile.org/internal/audit"
	"metaprofile.org/internal/auth"
	"metaprofile.org/internal/registry"
	"metaprofile.org/internal/wire"
)

func (a *API) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req wire.ChallengeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if !registry.ValidAddress(req.Address) {
		writeError(w, r, http.StatusBadRequest, registry.CodeInvalidAddress, "address is required")
		return
	}
	msg, expiresAt := a.challenges.Issue(req.Address)
	writeJSON(w, http.StatusOK, wire.ChallengeResponse{Message: msg, ExpiresAt: expiresAt})
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req wire.TokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := a.challenges.Verify(req.Address, req.Signature); err != nil {
		code := "bad_signature"
		if errors.Is(err, auth.ErrChallengeNotFound) {
			code = "challenge_not_found"
		}
		_ = audit.LogEvent(r.Context(), "auth.login.rejected", map[string]any{
			"address": req.Address.Hex(),
			"reason":  code,
		})
		writeError(w, r, http.StatusUnauthorized, code, err.Error())
		return
	}

	roles := []string{}
	if a.uris != nil && registry.ValidAddress(a.uris.Admin()) && req.Address == a.uris.Admin() {
		roles = append(roles, auth.RoleAdmin)
	}
	token, err := auth.GenerateToken(req.Address, roles, a.tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal", "token generation failed")
		return
	}

	expiresAt := time.Now().UTC().Add(a.tokenTTL)
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"address":    req.Address.Hex(),
		"roles":      roles,
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, wire.TokenResponse{
		Token:     token,
		Address:   req.Address,
		Roles:     roles,
		ExpiresAt: expiresAt,
	})
}

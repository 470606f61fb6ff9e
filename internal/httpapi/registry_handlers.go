package httpapi

import (
	"net/http"
	"time"

	"metaprofile.org/internal/audit"
	"metaprofile.org/internal/auth"
	"metaprofile.org/internal/obs"
	"metaprofile.org/internal/registry"
	"metaprofile.org/internal/wire"
)

// recordOp counts a registry call by outcome code.
func recordOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		if outcome = registry.ErrorCode(err); outcome == "" {
			outcome = "error"
		}
	}
	obs.RecordOperation(op, outcome)
}

func (a *API) mint(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	var req wire.MintRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	id, err := a.registry.Mint(r.Context(), caller, req.SubleaseAllowed)
	recordOp("mint", err)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "registry.mint", map[string]any{
		"asset_id":         id,
		"sublease_allowed": req.SubleaseAllowed,
	})
	writeJSON(w, http.StatusCreated, wire.MintResponse{ID: id})
}

func (a *API) remint(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathTokenID(w, r)
	if !ok {
		return
	}
	var req wire.MintRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	newID, err := a.registry.Remint(r.Context(), caller, id, req.SubleaseAllowed)
	recordOp("remint", err)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "registry.remint", map[string]any{
		"asset_id":         id,
		"new_asset_id":     newID,
		"sublease_allowed": req.SubleaseAllowed,
	})
	writeJSON(w, http.StatusCreated, wire.MintResponse{ID: newID, Replaced: id})
}

func (a *API) burn(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathTokenID(w, r)
	if !ok {
		return
	}
	err := a.registry.Burn(r.Context(), caller, id)
	recordOp("burn", err)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "registry.burn", map[string]any{"asset_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getAsset(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTokenID(w, r)
	if !ok {
		return
	}
	asset, err := a.registry.Asset(r.Context(), id)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	lease, err := a.registry.CurrentLease(r.Context(), id)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.AssetResponse{
		Asset: asset,
		Lease: wire.LeaseView{
			Holder:    lease.Holder,
			ExpiresAt: lease.ExpiresAt,
			Active:    lease.Active(time.Now().Unix()),
		},
	})
}

func (a *API) lease(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathTokenID(w, r)
	if !ok {
		return
	}
	var req wire.LeaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	err := a.registry.Lease(r.Context(), caller, id, req.To, req.ExpiresAt)
	recordOp("lease", err)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "registry.lease", map[string]any{
		"asset_id":   id,
		"to":         req.To.Hex(),
		"expires_at": req.ExpiresAt,
	})
	writeJSON(w, http.StatusOK, wire.LeaseExpiryResponse{ID: id, Holder: req.To, ExpiresAt: req.ExpiresAt})
}

func (a *API) sublease(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := pathTokenID(w, r)
	if !ok {
		return
	}
	var req wire.SubleaseRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	err := a.registry.Sublease(r.Context(), caller, id, req.From, req.To)
	recordOp("sublease", err)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	expiresAt, err := a.registry.LeaseExpiresOfHolder(r.Context(), id, req.To)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "registry.sublease", map[string]any{
		"asset_id":   id,
		"from":       req.From.Hex(),
		"to":         req.To.Hex(),
		"expires_at": expiresAt,
	})
	writeJSON(w, http.StatusOK, wire.LeaseExpiryResponse{ID: id, Holder: req.To, ExpiresAt: expiresAt})
}

func (a *API) leaseExpiry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTokenID(w, r)
	if !ok {
		return
	}
	if raw := r.URL.Query().Get("holder"); raw != "" {
		holder, ok := parseAddress(w, r, raw)
		if !ok {
			return
		}
		expiresAt, err := a.registry.LeaseExpiresOfHolder(r.Context(), id, holder)
		if err != nil {
			handleRegistryError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, wire.LeaseExpiryResponse{ID: id, Holder: holder, ExpiresAt: expiresAt})
		return
	}
	lease, err := a.registry.CurrentLease(r.Context(), id)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.LeaseExpiryResponse{ID: id, Holder: lease.Holder, ExpiresAt: lease.ExpiresAt})
}

func (a *API) subleaseAllowed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTokenID(w, r)
	if !ok {
		return
	}
	allowed, err := a.registry.IsAllowedForSublease(r.Context(), id)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.SubleaseAllowedResponse{ID: id, Allowed: allowed})
}

func (a *API) roles(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTokenID(w, r)
	if !ok {
		return
	}
	caller, authenticated := auth.CallerFromContext(r.Context())
	if raw := r.URL.Query().Get("caller"); raw != "" {
		if caller, ok = parseAddress(w, r, raw); !ok {
			return
		}
	} else if !authenticated {
		writeError(w, r, http.StatusBadRequest, registry.CodeInvalidAddress, "caller query parameter or bearer token required")
		return
	}
	roles, err := a.registry.Authorize(r.Context(), caller, id)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.RolesResponse{ID: id, Caller: caller, Roles: roles.Names(), Mask: roles})
}

func (a *API) tokenURI(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTokenID(w, r)
	if !ok {
		return
	}
	if a.uris == nil {
		writeError(w, r, http.StatusServiceUnavailable, "metadata_disabled", "metadata is not configured")
		return
	}
	uri, err := a.uris.TokenURI(r.Context(), id)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.URIResponse{ID: id, URI: uri})
}

func (a *API) setApproval(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	operator, ok := parseAddress(w, r, r.PathValue("operator"))
	if !ok {
		return
	}
	var req wire.ApprovalRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	err := a.registry.SetApprovalForAll(r.Context(), caller, operator, req.Approved)
	recordOp("set_approval", err)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "registry.approval", map[string]any{
		"operator": operator.Hex(),
		"approved": req.Approved,
	})
	writeJSON(w, http.StatusOK, wire.ApprovalResponse{Owner: caller, Operator: operator, Approved: req.Approved})
}

func (a *API) getApproval(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddress(w, r, r.PathValue("owner"))
	if !ok {
		return
	}
	operator, ok := parseAddress(w, r, r.PathValue("operator"))
	if !ok {
		return
	}
	approved, err := a.registry.IsApprovedForAll(r.Context(), owner, operator)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.ApprovalResponse{Owner: owner, Operator: operator, Approved: approved})
}

func (a *API) ownerAssets(w http.ResponseWriter, r *http.Request) {
	owner, ok := parseAddress(w, r, r.PathValue("address"))
	if !ok {
		return
	}
	balance, err := a.registry.BalanceOf(r.Context(), owner)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	ids, err := a.registry.TokensOf(r.Context(), owner)
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.OwnerAssetsResponse{Owner: owner, Balance: balance, Assets: ids})
}

func (a *API) supply(w http.ResponseWriter, r *http.Request) {
	n, err := a.registry.TotalSupply(r.Context())
	if err != nil {
		handleRegistryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.SupplyResponse{TotalSupply: n})
}

func (a *API) setBaseURI(w http.ResponseWriter, r *http.Request) {
	caller, ok := requireCaller(w, r)
	if !ok {
		return
	}
	if a.uris == nil {
		writeError(w, r, http.StatusServiceUnavailable, "metadata_disabled", "metadata is not configured")
		return
	}
	var req wire.BaseURIRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := a.uris.SetBaseURI(caller, req.BaseURI); err != nil {
		handleRegistryError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "metadata.base_uri", map[string]any{"base_uri": req.BaseURI})
	writeJSON(w, http.StatusOK, wire.BaseURIResponse{BaseURI: req.BaseURI})
}

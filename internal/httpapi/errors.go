package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"metaprofile.org/internal/metadata"
	"metaprofile.org/internal/obs"
	"metaprofile.org/internal/registry"
	"metaprofile.org/internal/wire"
)

const (
	codeNotAdmin   = "not_admin"
	codeBadRequest = "bad_request"
)

var statusByCode = map[string]int{
	registry.CodeUnauthorized:       http.StatusForbidden,
	registry.CodeAssetNotFound:      http.StatusNotFound,
	registry.CodeActiveLease:        http.StatusConflict,
	registry.CodeSubleaseNotAllowed: http.StatusConflict,
	registry.CodeNoActiveLease:      http.StatusConflict,
	registry.CodeMintLimitExceeded:  http.StatusConflict,
	registry.CodeInvalidExpiry:      http.StatusBadRequest,
	registry.CodeInvalidAddress:     http.StatusBadRequest,
}

// handleRegistryError maps registry and metadata errors to status codes.
func handleRegistryError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, metadata.ErrNotAdmin) {
		writeError(w, r, http.StatusForbidden, codeNotAdmin, err.Error())
		return
	}
	code := registry.ErrorCode(err)
	status, ok := statusByCode[code]
	if !ok {
		obs.Error("registry call failed", err, map[string]any{
			"request_id": RequestIDFromContext(r.Context()),
			"path":       r.URL.Path,
		})
		writeError(w, r, http.StatusInternalServerError, "internal", "internal error")
		return
	}
	writeError(w, r, status, code, err.Error())
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeJSON(w, status, wire.ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	writeError(w, r, http.StatusBadRequest, codeBadRequest, msg)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return errors.New("request body is required")
		case errors.As(err, &tooLarge):
			return fmt.Errorf("request body exceeds %d bytes", tooLarge.Limit)
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// pathTokenID parses the {id} path segment, writing 400 on failure.
func pathTokenID(w http.ResponseWriter, r *http.Request) (registry.TokenID, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		badRequest(w, r, "invalid asset id "+strconv.Quote(raw))
		return 0, false
	}
	return registry.TokenID(id), true
}

// parseAddress accepts 0x prefixed 20 byte hex, writing 400 on failure.
func parseAddress(w http.ResponseWriter, r *http.Request, raw string) (common.Address, bool) {
	if !common.IsHexAddress(raw) {
		writeError(w, r, http.StatusBadRequest, registry.CodeInvalidAddress, "invalid address "+strconv.Quote(raw))
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

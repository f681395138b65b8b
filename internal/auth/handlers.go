package auth

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-lexbill/internal/common"
)

// Handler exposes the token endpoint.
type Handler struct {
	Service *Service
	Logger  zerolog.Logger
}

type tokenRequest struct {
	GrantType    string `json:"grant_type"`
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	Scope        string `json:"scope"`
}

// Token handles POST /api/v1/auth/token. Credentials are accepted as a JSON body,
// a form body, or HTTP basic auth.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if h.Service == nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "auth service not configured", nil)
		return
	}
	req, err := decodeTokenRequest(r)
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request payload", nil)
		return
	}
	if req.GrantType != "client_credentials" {
		common.JSONError(w, http.StatusBadRequest, "UNSUPPORTED_GRANT_TYPE", "only client_credentials is supported", nil)
		return
	}

	result, err := h.Service.IssueToken(r.Context(), req.ClientID, req.ClientSecret, req.Scope)
	if err != nil {
		if !common.IsAppError(err) {
			h.Logger.Error().Err(err).Str("client_id", req.ClientID).Msg("token grant failed")
		} else {
			h.Logger.Warn().Err(err).Str("client_id", req.ClientID).Msg("token grant rejected")
		}
		common.WriteError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	common.Data(w, http.StatusOK, result)
}

func decodeTokenRequest(r *http.Request) (tokenRequest, error) {
	var req tokenRequest
	contentType := strings.ToLower(r.Header.Get("Content-Type"))
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		req = tokenRequest{
			GrantType:    r.PostForm.Get("grant_type"),
			ClientID:     r.PostForm.Get("client_id"),
			ClientSecret: r.PostForm.Get("client_secret"),
			Scope:        r.PostForm.Get("scope"),
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		return req, err
	}
	if id, secret, ok := r.BasicAuth(); ok && req.ClientID == "" {
		req.ClientID, req.ClientSecret = id, secret
	}
	req.GrantType = strings.TrimSpace(req.GrantType)
	return req, nil
}

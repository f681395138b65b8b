package audit

import (
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-lexbill/internal/common"
)

// Handler exposes the audit trail over HTTP.
type Handler struct {
	Store  Store
	Logger zerolog.Logger
}

// List handles GET /api/v1/audit with optional resource_type, resource_id,
// page and limit query parameters.
func (h Handler) List(w http.ResponseWriter, r *http.Request) {
	if h.Store == nil {
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_NOT_CONFIGURED", "audit store not configured", nil)
		return
	}
	page := common.ParsePagination(r, 50, 200)
	q := r.URL.Query()
	rows, err := h.Store.List(r.Context(), ListFilter{
		ResourceType: strings.TrimSpace(q.Get("resource_type")),
		ResourceID:   strings.TrimSpace(q.Get("resource_id")),
		Limit:        page.PerPage,
		Offset:       page.Offset(),
	})
	if err != nil {
		h.Logger.Error().Err(err).Msg("list audit log")
		common.JSONError(w, http.StatusInternalServerError, "AUDIT_QUERY_FAILED", "unable to fetch audit logs", nil)
		return
	}
	if rows == nil {
		rows = []Entry{}
	}
	common.Data(w, http.StatusOK, rows)
}

package reporting

import (
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/noah-isme/backend-lexbill/internal/common"
)

// Handler serves time reports.
type Handler struct {
	Service *Service
	Logger  zerolog.Logger
}

type timeReportQuery struct {
	From    string `json:"from" validate:"required,datetime=2006-01-02"`
	To      string `json:"to" validate:"required,datetime=2006-01-02"`
	GroupBy string `json:"group_by" validate:"required,oneof=employee client topic"`
}

type groupView struct {
	Key     string `json:"key"`
	Label   string `json:"label"`
	Hours   string `json:"hours"`
	Entries int    `json:"entries"`
}

type reportView struct {
	From       string      `json:"from"`
	To         string      `json:"to"`
	GroupBy    GroupBy     `json:"group_by"`
	TotalHours string      `json:"total_hours"`
	Entries    int         `json:"entries"`
	Groups     []groupView `json:"groups"`
}

// TimeReport handles GET /api/v1/reports/time.
func (h *Handler) TimeReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := timeReportQuery{
		From:    strings.TrimSpace(q.Get("from")),
		To:      strings.TrimSpace(q.Get("to")),
		GroupBy: strings.ToLower(strings.TrimSpace(q.Get("group_by"))),
	}
	if query.GroupBy == "" {
		query.GroupBy = string(GroupByEmployee)
	}
	if err := common.ValidateStruct(query); err != nil {
		common.WriteError(w, err)
		return
	}
	from, _ := parseDay(query.From)
	to, _ := parseDay(query.To)

	report, err := h.Service.TimeReport(r.Context(), from, to, GroupBy(query.GroupBy))
	if err != nil {
		if errors.Is(err, ErrInvalidRange) {
			common.JSONError(w, http.StatusBadRequest, "INVALID_RANGE", strings.TrimPrefix(err.Error(), ErrInvalidRange.Error()+": "), nil)
			return
		}
		h.Logger.Error().Err(err).Msg("time report failed")
		common.WriteError(w, err)
		return
	}

	view := reportView{
		From:       report.From.Format(dayLayout),
		To:         report.To.Format(dayLayout),
		GroupBy:    report.GroupBy,
		TotalHours: report.TotalHours.StringFixed(2),
		Entries:    report.Entries,
		Groups:     make([]groupView, 0, len(report.Groups)),
	}
	for _, g := range report.Groups {
		view.Groups = append(view.Groups, groupView{Key: g.Key, Label: g.Label, Hours: g.Hours.StringFixed(2), Entries: g.Entries})
	}
	common.Data(w, http.StatusOK, view)
}

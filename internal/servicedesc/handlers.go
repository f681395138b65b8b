package servicedesc

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-lexbill/internal/billing"
	"github.com/noah-isme/backend-lexbill/internal/common"
)

// Handler exposes the service-description endpoints.
type Handler struct {
	service      *Service
	logger       zerolog.Logger
	defaultLimit int
	maxLimit     int
}

// HandlerConfig configures the Handler dependencies.
type HandlerConfig struct {
	Service      *Service
	Logger       zerolog.Logger
	DefaultLimit int
	MaxLimit     int
}

// NewHandler constructs a Handler.
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{service: cfg.Service, logger: cfg.Logger, defaultLimit: cfg.DefaultLimit, maxLimit: cfg.MaxLimit}
	if h.defaultLimit <= 0 {
		h.defaultLimit = 20
	}
	if h.maxLimit < h.defaultLimit {
		h.maxLimit = h.defaultLimit
	}
	return h
}

// Routes builds the router mounted at /api/v1/service-descriptions. read and
// write wrap handlers with the access checks for each level.
func (h *Handler) Routes(read, write func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()
	r.With(read).Get("/", h.List)
	r.With(write).Post("/", h.Create)
	r.Route("/{id}", func(r chi.Router) {
		r.With(read).Get("/", h.Preview)
		r.With(write).Post("/finalize", h.Finalize)
		r.With(write).Post("/topics", h.AddTopic)
		r.With(write).Patch("/topics/{topicId}", h.UpdateTopic)
		r.With(write).Delete("/topics/{topicId}", h.DeleteTopic)
		r.With(write).Post("/topics/{topicId}/items", h.AddLineItem)
		r.With(write).Patch("/items/{itemId}", h.UpdateLineItem)
		r.With(write).Delete("/items/{itemId}", h.DeleteLineItem)
	})
	return r
}

type discountRequest struct {
	Type  string          `json:"type" validate:"required,oneof=PERCENTAGE AMOUNT percentage amount"`
	Value decimal.Decimal `json:"value"`
}

// retainerRequest fields are all required together.
type retainerRequest struct {
	Fee         decimal.NullDecimal `json:"fee"`
	Hours       decimal.NullDecimal `json:"hours"`
	OverageRate decimal.NullDecimal `json:"overage_rate"`
}

func (r retainerRequest) plan() (*billing.RetainerPlan, map[string]string) {
	missing := map[string]string{}
	for name, v := range map[string]decimal.NullDecimal{"fee": r.Fee, "hours": r.Hours, "overage_rate": r.OverageRate} {
		if !v.Valid {
			missing["retainer."+name] = "required"
		}
	}
	if len(missing) > 0 {
		return nil, missing
	}
	return &billing.RetainerPlan{Fee: r.Fee.Decimal, Hours: r.Hours.Decimal, OverageRate: r.OverageRate.Decimal}, nil
}

type createRequest struct {
	ClientID    string           `json:"client_id" validate:"required,uuid"`
	PeriodStart string           `json:"period_start" validate:"required,datetime=2006-01-02"`
	PeriodEnd   string           `json:"period_end" validate:"required,datetime=2006-01-02"`
	Discount    *discountRequest `json:"discount"`
	Retainer    *retainerRequest `json:"retainer"`
}

type topicRequest struct {
	Name         string              `json:"name" validate:"required,max=200"`
	DisplayOrder int                 `json:"display_order" validate:"gte=0"`
	PricingMode  string              `json:"pricing_mode" validate:"required,oneof=HOURLY FIXED"`
	HourlyRate   decimal.NullDecimal `json:"hourly_rate"`
	FixedFee     decimal.NullDecimal `json:"fixed_fee"`
	CapHours     decimal.NullDecimal `json:"cap_hours"`
	Discount     *discountRequest    `json:"discount"`
}

type topicPatchRequest struct {
	Name         *string          `json:"name" validate:"omitempty,min=1,max=200"`
	DisplayOrder *int             `json:"display_order" validate:"omitempty,gte=0"`
	PricingMode  *string          `json:"pricing_mode" validate:"omitempty,oneof=HOURLY FIXED"`
	HourlyRate   optionalDecimal  `json:"hourly_rate"`
	FixedFee     optionalDecimal  `json:"fixed_fee"`
	CapHours     optionalDecimal  `json:"cap_hours"`
	Discount     optionalDiscount `json:"discount"`
}

type lineItemRequest struct {
	TimeEntryID  *string             `json:"time_entry_id" validate:"omitempty,uuid"`
	Date         string              `json:"date" validate:"required,datetime=2006-01-02"`
	Description  string              `json:"description" validate:"max=2000"`
	Hours        decimal.NullDecimal `json:"hours"`
	FixedAmount  decimal.NullDecimal `json:"fixed_amount"`
	DisplayOrder int                 `json:"display_order" validate:"gte=0"`
	WaiveMode    *string             `json:"waive_mode"`
}

type lineItemPatchRequest struct {
	Date         *string         `json:"date" validate:"omitempty,datetime=2006-01-02"`
	Description  *string         `json:"description" validate:"omitempty,max=2000"`
	Hours        optionalDecimal `json:"hours"`
	FixedAmount  optionalDecimal `json:"fixed_amount"`
	DisplayOrder *int            `json:"display_order" validate:"omitempty,gte=0"`
	WaiveMode    optionalString  `json:"waive_mode"`
}

// optionalDecimal tells an absent field apart from an explicit null.
type optionalDecimal struct {
	Set   bool
	Value decimal.NullDecimal
}

func (o *optionalDecimal) UnmarshalJSON(b []byte) error {
	o.Set = true
	return o.Value.UnmarshalJSON(b)
}

func (o optionalDecimal) ptr() *decimal.NullDecimal {
	if !o.Set {
		return nil
	}
	v := o.Value
	return &v
}

type optionalString struct {
	Set   bool
	Value *string
}

func (o *optionalString) UnmarshalJSON(b []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		o.Value = nil
		return nil
	}
	return json.Unmarshal(b, &o.Value)
}

type optionalDiscount struct {
	Set   bool
	Value *discountRequest
}

func (o *optionalDiscount) UnmarshalJSON(b []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		o.Value = nil
		return nil
	}
	return json.Unmarshal(b, &o.Value)
}

// List handles GET /api/v1/service-descriptions.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	page := common.ParsePagination(r, h.defaultLimit, h.maxLimit)
	filter := ListFilter{Limit: page.PerPage, Offset: page.Offset()}
	q := r.URL.Query()
	if v := strings.TrimSpace(q.Get("client_id")); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "client_id must be a uuid", nil)
			return
		}
		filter.ClientID = &id
	}
	if v := strings.TrimSpace(q.Get("status")); v != "" {
		filter.Status = billing.Status(strings.ToUpper(v))
	}

	items, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	views := make([]SummaryView, 0, len(items))
	for _, item := range items {
		views = append(views, NewSummaryView(item))
	}
	page.TotalItems = total
	common.List(w, views, page)
}

// Create handles POST /api/v1/service-descriptions.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := CreateInput{}
	in.ClientID, _ = uuid.Parse(req.ClientID)
	in.PeriodStart, _ = time.Parse(dateLayout, req.PeriodStart)
	in.PeriodEnd, _ = time.Parse(dateLayout, req.PeriodEnd)
	discount, err := toDiscount(req.Discount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	in.Discount = discount
	if req.Retainer != nil {
		plan, missing := req.Retainer.plan()
		if missing != nil {
			common.WriteError(w, common.BadRequest("retainer fee, hours and overage_rate must be given together", nil).WithDetails(missing))
			return
		}
		in.Retainer = plan
	}

	preview, err := h.service.Create(r.Context(), in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusCreated, NewDescriptionView(preview))
}

// Preview handles GET /api/v1/service-descriptions/{id}.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	preview, err := h.service.Preview(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, NewDescriptionView(preview))
}

// Finalize handles POST /api/v1/service-descriptions/{id}/finalize.
func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	preview, err := h.service.Finalize(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, NewDescriptionView(preview))
}

// AddTopic handles POST /api/v1/service-descriptions/{id}/topics.
func (h *Handler) AddTopic(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req topicRequest
	if !h.decode(w, r, &req) {
		return
	}
	discount, err := toDiscount(req.Discount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	topic, err := h.service.AddTopic(r.Context(), id, TopicInput{
		Name:         req.Name,
		DisplayOrder: req.DisplayOrder,
		PricingMode:  billing.PricingMode(req.PricingMode),
		HourlyRate:   req.HourlyRate,
		FixedFee:     req.FixedFee,
		CapHours:     req.CapHours,
		Discount:     discount,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusCreated, topicView(topic))
}

// UpdateTopic handles PATCH /api/v1/service-descriptions/{id}/topics/{topicId}.
func (h *Handler) UpdateTopic(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	topicID, ok := h.pathID(w, r, "topicId")
	if !ok {
		return
	}
	var req topicPatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	patch := TopicPatch{
		Name:         req.Name,
		DisplayOrder: req.DisplayOrder,
		HourlyRate:   req.HourlyRate.ptr(),
		FixedFee:     req.FixedFee.ptr(),
		CapHours:     req.CapHours.ptr(),
	}
	if req.PricingMode != nil {
		mode := billing.PricingMode(*req.PricingMode)
		patch.PricingMode = &mode
	}
	if req.Discount.Set {
		discount, err := toDiscount(req.Discount.Value)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		patch.Discount = &discount
	}
	topic, err := h.service.UpdateTopic(r.Context(), id, topicID, patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, topicView(topic))
}

// DeleteTopic handles DELETE /api/v1/service-descriptions/{id}/topics/{topicId}.
func (h *Handler) DeleteTopic(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	topicID, ok := h.pathID(w, r, "topicId")
	if !ok {
		return
	}
	if err := h.service.DeleteTopic(r.Context(), id, topicID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AddLineItem handles POST /api/v1/service-descriptions/{id}/topics/{topicId}/items.
func (h *Handler) AddLineItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	topicID, ok := h.pathID(w, r, "topicId")
	if !ok {
		return
	}
	var req lineItemRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := LineItemInput{
		Description:  req.Description,
		Hours:        req.Hours,
		FixedAmount:  req.FixedAmount,
		DisplayOrder: req.DisplayOrder,
	}
	in.Date, _ = time.Parse(dateLayout, req.Date)
	if req.TimeEntryID != nil {
		te, _ := uuid.Parse(*req.TimeEntryID)
		in.TimeEntryID = &te
	}
	in.WaiveMode = waiveMode(req.WaiveMode)
	item, err := h.service.AddLineItem(r.Context(), id, topicID, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusCreated, lineItemView(item))
}

// UpdateLineItem handles PATCH /api/v1/service-descriptions/{id}/items/{itemId}.
func (h *Handler) UpdateLineItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := h.pathID(w, r, "itemId")
	if !ok {
		return
	}
	var req lineItemPatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	patch := LineItemPatch{
		Description:  req.Description,
		Hours:        req.Hours.ptr(),
		FixedAmount:  req.FixedAmount.ptr(),
		DisplayOrder: req.DisplayOrder,
	}
	if req.Date != nil {
		d, _ := time.Parse(dateLayout, *req.Date)
		patch.Date = &d
	}
	if req.WaiveMode.Set {
		mode := waiveMode(req.WaiveMode.Value)
		patch.WaiveMode = &mode
	}
	item, err := h.service.UpdateLineItem(r.Context(), id, itemID, patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	common.Data(w, http.StatusOK, lineItemView(item))
}

// DeleteLineItem handles DELETE /api/v1/service-descriptions/{id}/items/{itemId}.
func (h *Handler) DeleteLineItem(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	itemID, ok := h.pathID(w, r, "itemId")
	if !ok {
		return
	}
	if err := h.service.DeleteLineItem(r.Context(), id, itemID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request payload", nil)
		return false
	}
	if err := common.ValidateStruct(dst); err != nil {
		common.WriteError(w, err)
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", name+" must be a uuid", nil)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case common.IsAppError(err):
		common.WriteError(w, err)
	case errors.Is(err, ErrNotFound):
		common.JSONError(w, http.StatusNotFound, "NOT_FOUND", "service description not found", nil)
	case errors.Is(err, ErrFinalized):
		common.JSONError(w, http.StatusConflict, "FINALIZED", "service description is finalized", nil)
	case errors.Is(err, ErrTimeEntryBilled):
		common.JSONError(w, http.StatusConflict, "TIME_ENTRY_BILLED", "time entry is already billed", nil)
	case errors.Is(err, ErrUnknownTimeEntry):
		common.JSONError(w, http.StatusUnprocessableEntity, "UNPROCESSABLE_ENTITY", "time_entry_id does not reference a time entry", nil)
	case errors.Is(err, ErrStale):
		common.JSONError(w, http.StatusConflict, "STALE", "service description changed, retry", nil)
	case errors.Is(err, ErrInvalidInput):
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", strings.TrimPrefix(err.Error(), ErrInvalidInput.Error()+": "), nil)
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("service description request failed")
		common.WriteError(w, err)
	}
}

// waiveMode normalises a requested waive mode; validation rejects unknown values.
func waiveMode(v *string) billing.WaiveMode {
	if v == nil {
		return billing.WaiveNone
	}
	return billing.WaiveMode(strings.ToUpper(strings.TrimSpace(*v)))
}

func toDiscount(req *discountRequest) (billing.Discount, error) {
	if req == nil {
		return billing.NoDiscount(), nil
	}
	d, err := billing.ParseDiscount(&req.Type, &req.Value)
	if err != nil {
		return billing.Discount{}, common.BadRequest("invalid discount", err)
	}
	return d, nil
}

func topicView(t billing.Topic) TopicView {
	tv := TopicView{
		ID:           t.ID.String(),
		Name:         t.Name,
		DisplayOrder: t.DisplayOrder,
		PricingMode:  t.PricingMode,
		HourlyRate:   nullString(t.HourlyRate),
		FixedFee:     nullString(t.FixedFee),
		CapHours:     nullString(t.CapHours),
		Discount:     discountView(t.Discount),
		LineItems:    make([]LineItemView, 0, len(t.LineItems)),
	}
	for _, li := range t.LineItems {
		tv.LineItems = append(tv.LineItems, lineItemView(li))
	}
	totals := billing.TopicSubtotal(t)
	tv.RawHours = totals.RawHours.String()
	tv.BillableHours = totals.BillableHours.String()
	tv.HourlyComponent = money(totals.HourlyComponent)
	tv.FeeComponent = money(totals.FeeComponent)
	tv.FixedComponent = money(totals.FixedComponent)
	tv.Subtotal = money(totals.Subtotal)
	return tv
}

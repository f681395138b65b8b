package servicedesc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-lexbill/internal/billing"
)

func passthrough(next http.Handler) http.Handler { return next }

func newTestRouter(t *testing.T, f fixture) http.Handler {
	t.Helper()
	h := NewHandler(HandlerConfig{Service: f.svc, Logger: zerolog.Nop(), DefaultLimit: 2, MaxLimit: 5})
	r := chi.NewRouter()
	r.Mount("/api/v1/service-descriptions", h.Routes(passthrough, passthrough))
	return r
}

type envelope struct {
	Data       json.RawMessage `json:"data"`
	Pagination *struct {
		Page       int `json:"page"`
		PerPage    int `json:"per_page"`
		TotalItems int `json:"total_items"`
	} `json:"pagination"`
	Error *struct {
		Code    string            `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details"`
	} `json:"error"`
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func TestHandlersDraftLifecycle(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	base := "/api/v1/service-descriptions"

	rec, env := do(t, router, http.MethodPost, base, `{
		"client_id": "`+uuid.NewString()+`",
		"period_start": "2024-05-01",
		"period_end": "2024-05-31",
		"discount": {"type": "percentage", "value": "10"}
	}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created DescriptionView
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.Equal(t, "DRAFT", string(created.Status))
	sdPath := base + "/" + created.ID

	rec, env = do(t, router, http.MethodPost, sdPath+"/topics", `{"name":"Contract review","pricing_mode":"HOURLY","hourly_rate":"200","cap_hours":"4"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var topic TopicView
	require.NoError(t, json.Unmarshal(env.Data, &topic))

	rec, env = do(t, router, http.MethodPost, sdPath+"/topics/"+topic.ID+"/items", `{"date":"2024-05-02","description":"drafting","hours":"3"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec, env = do(t, router, http.MethodPost, sdPath+"/topics/"+topic.ID+"/items", `{"date":"2024-05-03","description":"calls","hours":2.5}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var item LineItemView
	require.NoError(t, json.Unmarshal(env.Data, &item))

	rec, env = do(t, router, http.MethodGet, sdPath, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var preview DescriptionView
	require.NoError(t, json.Unmarshal(env.Data, &preview))
	// 5.5h capped at 4h x 200 = 800, less 10%.
	require.Equal(t, "4", preview.Topics[0].BillableHours)
	require.Equal(t, "720.00", preview.Totals.Total)

	rec, env = do(t, router, http.MethodPatch, sdPath+"/items/"+item.ID, `{"waive_mode":"ZERO"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, &item))
	require.True(t, item.Zeroed)

	rec, env = do(t, router, http.MethodPatch, sdPath+"/items/"+item.ID, `{"waive_mode":null}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, &item))
	require.Nil(t, item.WaiveMode)

	rec, _ = do(t, router, http.MethodPatch, sdPath+"/topics/"+topic.ID, `{"cap_hours":null}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	_, env = do(t, router, http.MethodGet, sdPath, "")
	require.NoError(t, json.Unmarshal(env.Data, &preview))
	require.Nil(t, preview.Topics[0].CapHours)
	require.Equal(t, "990.00", preview.Totals.Total)

	rec, env = do(t, router, http.MethodPost, sdPath+"/finalize", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var finalized DescriptionView
	require.NoError(t, json.Unmarshal(env.Data, &finalized))
	require.Equal(t, "FINALIZED", string(finalized.Status))
	require.NotNil(t, finalized.FinalizedAt)

	rec, env = do(t, router, http.MethodPost, sdPath+"/topics", `{"name":"Late","pricing_mode":"FIXED","fixed_fee":"50"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "FINALIZED", env.Error.Code)

	rec, env = do(t, router, http.MethodDelete, sdPath+"/items/"+item.ID, "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "FINALIZED", env.Error.Code)
}

func TestHandlersValidation(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	base := "/api/v1/service-descriptions"

	rec, env := do(t, router, http.MethodPost, base, `{"client_id":"nope","period_start":"2024-05-01","period_end":"05/31/2024"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "uuid", env.Error.Details["client_id"])
	require.Equal(t, "datetime=2006-01-02", env.Error.Details["period_end"])

	rec, env = do(t, router, http.MethodPost, base, `{"client_id":"`+uuid.NewString()+`","period_start":"2024-05-31","period_end":"2024-05-01"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, env.Error.Message, "period_end")

	rec, _ = do(t, router, http.MethodPost, base, `{"unexpected":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = do(t, router, http.MethodGet, base+"/"+uuid.NewString(), "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "NOT_FOUND", env.Error.Code)

	rec, _ = do(t, router, http.MethodGet, base+"/not-a-uuid", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	id, topic, _ := seedDraft(t, f)
	rec, env = do(t, router, http.MethodPost, base+"/"+id.String()+"/topics/"+topic.ID.String()+"/items", `{"date":"2024-03-09","hours":"1","waive_mode":"HALF"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, env.Error.Message, "waive_mode")
}

func TestHandlersListPagination(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	for i := 0; i < 3; i++ {
		seedDraft(t, f)
	}

	rec, env := do(t, router, http.MethodGet, "/api/v1/service-descriptions?limit=50", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, env.Pagination)
	require.Equal(t, 5, env.Pagination.PerPage)
	require.Equal(t, 3, env.Pagination.TotalItems)

	_, env = do(t, router, http.MethodGet, "/api/v1/service-descriptions?page=2", "")
	var rows []SummaryView
	require.NoError(t, json.Unmarshal(env.Data, &rows))
	require.Len(t, rows, 1)
	require.Equal(t, "700.00", rows[0].Total)

	rec, _ = do(t, router, http.MethodGet, "/api/v1/service-descriptions?client_id=zzz", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlersPatchTopicReturnsComputedSubtotal(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	id, topic, _ := seedDraft(t, f)

	rec, env := do(t, router, http.MethodPatch, "/api/v1/service-descriptions/"+id.String()+"/topics/"+topic.ID.String(), `{"name":"Renamed"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tv TopicView
	require.NoError(t, json.Unmarshal(env.Data, &tv))
	require.Equal(t, "Renamed", tv.Name)
	require.Equal(t, "5", tv.RawHours)
	require.Equal(t, "750.00", tv.Subtotal)
	require.Len(t, tv.LineItems, 2)
}

func TestHandlersRejectPartialRetainer(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	base := "/api/v1/service-descriptions"
	body := func(retainer string) string {
		return `{"client_id":"` + uuid.NewString() + `","period_start":"2024-05-01","period_end":"2024-05-31","retainer":` + retainer + `}`
	}

	rec, env := do(t, router, http.MethodPost, base, body(`{"fee":"1000"}`))
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	require.Equal(t, "required", env.Error.Details["retainer.hours"])
	require.Equal(t, "required", env.Error.Details["retainer.overage_rate"])
	require.NotContains(t, env.Error.Details, "retainer.fee")

	rec, env = do(t, router, http.MethodPost, base, body(`{"fee":"1000","hours":"10","overage_rate":"62.125"}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created DescriptionView
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotNil(t, created.Retainer)
	require.Equal(t, "1000", created.Retainer.Fee)
	require.Equal(t, "62.125", created.Retainer.OverageRate)
}

func TestHandlersRenderInputsUnrounded(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	id, _, _ := seedDraft(t, f)
	sdPath := "/api/v1/service-descriptions/" + id.String()

	rec, env := do(t, router, http.MethodPost, sdPath+"/topics", `{"name":"Research","display_order":1,"pricing_mode":"HOURLY","hourly_rate":"33.3333"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tv TopicView
	require.NoError(t, json.Unmarshal(env.Data, &tv))
	require.NotNil(t, tv.HourlyRate)
	require.Equal(t, "33.3333", *tv.HourlyRate)

	rec, env = do(t, router, http.MethodPost, sdPath+"/topics/"+tv.ID+"/items", `{"date":"2024-03-07","hours":"3","fixed_amount":"0.125"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var item LineItemView
	require.NoError(t, json.Unmarshal(env.Data, &item))
	require.Equal(t, "0.125", *item.FixedAmount)

	_, env = do(t, router, http.MethodGet, sdPath, "")
	var preview DescriptionView
	require.NoError(t, json.Unmarshal(env.Data, &preview))
	require.Equal(t, "33.3333", *preview.Topics[1].HourlyRate)
	// 99.9999 + 0.125 rounds once to 100.12.
	require.Equal(t, "100.12", preview.Topics[1].Subtotal)
}

func TestHandlersWaiveModeIsCaseInsensitive(t *testing.T) {
	f := newFixture(t)
	router := newTestRouter(t, f)
	id, topic, _ := seedDraft(t, f)

	rec, env := do(t, router, http.MethodPost, "/api/v1/service-descriptions/"+id.String()+"/topics/"+topic.ID.String()+"/items",
		`{"date":"2024-03-08","hours":"1","waive_mode":" zero"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var item LineItemView
	require.NoError(t, json.Unmarshal(env.Data, &item))
	require.True(t, item.Zeroed)

	rec, env = do(t, router, http.MethodPatch, "/api/v1/service-descriptions/"+id.String()+"/items/"+item.ID, `{"waive_mode":"excluded"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, &item))
	require.True(t, item.Excluded)
}

// missingEntryStore behaves like the Postgres store when time_entry_id has no row.
type missingEntryStore struct {
	*memStore
}

func (s missingEntryStore) InsertLineItem(ctx context.Context, descriptionID, topicID uuid.UUID, li billing.LineItem) (billing.LineItem, error) {
	if li.TimeEntryID != nil {
		return billing.LineItem{}, ErrUnknownTimeEntry
	}
	return s.memStore.InsertLineItem(ctx, descriptionID, topicID, li)
}

func TestHandlersUnknownTimeEntryIsUnprocessable(t *testing.T) {
	f := newFixture(t)
	id, topic, _ := seedDraft(t, f)
	svc, err := NewService(ServiceConfig{Store: missingEntryStore{f.store}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	f.svc = svc
	router := newTestRouter(t, f)

	rec, env := do(t, router, http.MethodPost, "/api/v1/service-descriptions/"+id.String()+"/topics/"+topic.ID.String()+"/items",
		`{"date":"2024-03-08","hours":"1","time_entry_id":"`+uuid.NewString()+`"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	require.Equal(t, "UNPROCESSABLE_ENTITY", env.Error.Code)
}

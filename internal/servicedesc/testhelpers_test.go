package servicedesc

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/backend-lexbill/internal/billing"
	"github.com/noah-isme/backend-lexbill/internal/lock"
)

// memStore is an in-memory Store honouring the DRAFT guard and updated_at bumps.
type memStore struct {
	mu       sync.Mutex
	records  map[uuid.UUID]*Record
	clock    time.Time
	getCalls int
}

func newMemStore() *memStore {
	return &memStore{records: make(map[uuid.UUID]*Record), clock: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (m *memStore) tick() time.Time {
	m.clock = m.clock.Add(time.Millisecond)
	return m.clock
}

func (m *memStore) CreateDescription(_ context.Context, sd billing.ServiceDescription) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := &Record{Description: sd, UpdatedAt: m.tick()}
	m.records[sd.ID] = rec
	return cloneRecord(*rec), nil
}

func (m *memStore) GetDescription(_ context.Context, id uuid.UUID) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	rec, ok := m.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	out := cloneRecord(*rec)
	sort.SliceStable(out.Description.Topics, func(i, j int) bool {
		return out.Description.Topics[i].DisplayOrder < out.Description.Topics[j].DisplayOrder
	})
	return out, nil
}

func (m *memStore) ListDescriptions(_ context.Context, f ListFilter) ([]Summary, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Summary
	for _, rec := range m.records {
		sd := rec.Description
		if f.ClientID != nil && sd.ClientID != *f.ClientID {
			continue
		}
		if f.Status != "" && sd.Status != f.Status {
			continue
		}
		out = append(out, Summary{ID: sd.ID, ClientID: sd.ClientID, PeriodStart: sd.PeriodStart, PeriodEnd: sd.PeriodEnd,
			Status: sd.Status, UpdatedAt: rec.UpdatedAt, FinalTotal: rec.FinalTotal})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	total := len(out)
	if f.Offset >= len(out) {
		return nil, total, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (m *memStore) draft(id uuid.UUID) (*Record, error) {
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.Description.Status != billing.StatusDraft {
		return nil, ErrFinalized
	}
	return rec, nil
}

func (m *memStore) InsertTopic(_ context.Context, descriptionID uuid.UUID, t billing.Topic) (billing.Topic, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.draft(descriptionID)
	if err != nil {
		return billing.Topic{}, err
	}
	rec.Description.Topics = append(rec.Description.Topics, t)
	rec.UpdatedAt = m.tick()
	return t, nil
}

func (m *memStore) UpdateTopic(_ context.Context, descriptionID uuid.UUID, t billing.Topic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.draft(descriptionID)
	if err != nil {
		return err
	}
	for i := range rec.Description.Topics {
		if rec.Description.Topics[i].ID == t.ID {
			t.LineItems = rec.Description.Topics[i].LineItems
			rec.Description.Topics[i] = t
			rec.UpdatedAt = m.tick()
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) DeleteTopic(_ context.Context, descriptionID, topicID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.draft(descriptionID)
	if err != nil {
		return err
	}
	topics := rec.Description.Topics
	for i := range topics {
		if topics[i].ID == topicID {
			rec.Description.Topics = append(topics[:i:i], topics[i+1:]...)
			rec.UpdatedAt = m.tick()
			return nil
		}
	}
	return ErrNotFound
}

func (m *memStore) InsertLineItem(_ context.Context, descriptionID, topicID uuid.UUID, li billing.LineItem) (billing.LineItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.draft(descriptionID)
	if err != nil {
		return billing.LineItem{}, err
	}
	if li.TimeEntryID != nil && m.billed(*li.TimeEntryID) {
		return billing.LineItem{}, ErrTimeEntryBilled
	}
	for i := range rec.Description.Topics {
		if rec.Description.Topics[i].ID == topicID {
			rec.Description.Topics[i].LineItems = append(rec.Description.Topics[i].LineItems, li)
			rec.UpdatedAt = m.tick()
			return li, nil
		}
	}
	return billing.LineItem{}, ErrNotFound
}

func (m *memStore) billed(entryID uuid.UUID) bool {
	for _, rec := range m.records {
		for _, t := range rec.Description.Topics {
			for _, li := range t.LineItems {
				if li.TimeEntryID != nil && *li.TimeEntryID == entryID {
					return true
				}
			}
		}
	}
	return false
}

func (m *memStore) UpdateLineItem(_ context.Context, descriptionID uuid.UUID, li billing.LineItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.draft(descriptionID)
	if err != nil {
		return err
	}
	for i := range rec.Description.Topics {
		items := rec.Description.Topics[i].LineItems
		for j := range items {
			if items[j].ID == li.ID {
				items[j] = li
				rec.UpdatedAt = m.tick()
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *memStore) DeleteLineItem(_ context.Context, descriptionID, itemID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.draft(descriptionID)
	if err != nil {
		return err
	}
	for i := range rec.Description.Topics {
		items := rec.Description.Topics[i].LineItems
		for j := range items {
			if items[j].ID == itemID {
				rec.Description.Topics[i].LineItems = append(items[:j:j], items[j+1:]...)
				rec.UpdatedAt = m.tick()
				return nil
			}
		}
	}
	return ErrNotFound
}

func (m *memStore) Finalize(_ context.Context, id uuid.UUID, total decimal.Decimal, updatedAt time.Time) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.draft(id)
	if err != nil {
		return time.Time{}, err
	}
	if !rec.UpdatedAt.Equal(updatedAt) {
		return time.Time{}, ErrStale
	}
	now := m.tick()
	rec.Description.Status = billing.StatusFinalized
	rec.FinalTotal = decimal.NewNullDecimal(total.Round(2))
	rec.FinalizedAt = &now
	rec.UpdatedAt = now
	return now, nil
}

func (m *memStore) setFinalTotal(id uuid.UUID, total string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[id].FinalTotal = billing.Money(total)
}

func cloneRecord(rec Record) Record {
	out := rec
	out.Description.Topics = make([]billing.Topic, len(rec.Description.Topics))
	for i, t := range rec.Description.Topics {
		t.LineItems = append([]billing.LineItem(nil), t.LineItems...)
		out.Description.Topics[i] = t
	}
	return out
}

type fakeEnqueuer struct {
	mu    sync.Mutex
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "task", Queue: ExportQueue, Type: task.Type()}, nil
}

type fixture struct {
	store *memStore
	tasks *fakeEnqueuer
	redis *miniredis.Miniredis
	svc   *Service
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	store := newMemStore()
	tasks := &fakeEnqueuer{}
	svc, err := NewService(ServiceConfig{
		Store:  store,
		Cache:  NewTotalsCache(rdb, time.Minute),
		Tasks:  tasks,
		Locker: lock.Locker{R: rdb, RetryBackoff: 2 * time.Millisecond},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	return fixture{store: store, tasks: tasks, redis: mr, svc: svc}
}

func date(s string) time.Time {
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

// seedDraft creates a description with one HOURLY topic at 150/h and two items (2h, 3h)
// and a 50 flat top-level discount, for a total of 700.00.
func seedDraft(t *testing.T, f fixture) (uuid.UUID, billing.Topic, []billing.LineItem) {
	t.Helper()
	ctx := context.Background()
	p, err := f.svc.Create(ctx, CreateInput{
		ClientID:    uuid.New(),
		PeriodStart: date("2024-03-01"),
		PeriodEnd:   date("2024-03-31"),
		Discount:    billing.AmountDiscount(decimal.NewFromInt(50)),
	})
	require.NoError(t, err)
	id := p.Record.Description.ID

	topic, err := f.svc.AddTopic(ctx, id, TopicInput{Name: "Litigation", PricingMode: billing.PricingHourly, HourlyRate: billing.Money("150")})
	require.NoError(t, err)

	var items []billing.LineItem
	for i, h := range []string{"2", "3"} {
		li, err := f.svc.AddLineItem(ctx, id, topic.ID, LineItemInput{Date: date("2024-03-05"), Description: "work", Hours: billing.Money(h), DisplayOrder: i})
		require.NoError(t, err)
		items = append(items, li)
	}
	return id, topic, items
}

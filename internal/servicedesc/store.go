package servicedesc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/noah-isme/backend-lexbill/internal/billing"
)

var (
	// ErrNotFound is returned when a description, topic or line item does not exist.
	ErrNotFound = errors.New("servicedesc: not found")
	// ErrFinalized is returned when mutating a FINALIZED description.
	ErrFinalized = errors.New("servicedesc: description is finalized")
	// ErrInvalidInput wraps request validation failures.
	ErrInvalidInput = errors.New("servicedesc: invalid input")
	// ErrStale is returned when a description changed between read and finalize.
	ErrStale = errors.New("servicedesc: description changed concurrently")
	// ErrExportMismatch is returned when a finalized total no longer recomputes to the stored value.
	ErrExportMismatch = errors.New("servicedesc: finalized total mismatch")
	// ErrTimeEntryBilled is returned when a time entry is already linked to another line item.
	ErrTimeEntryBilled = errors.New("servicedesc: time entry already billed")
	// ErrUnknownTimeEntry is returned when a line item references a time entry that does not exist.
	ErrUnknownTimeEntry = errors.New("servicedesc: unknown time entry")
)

// Record is a stored description together with its bookkeeping columns.
type Record struct {
	Description billing.ServiceDescription
	UpdatedAt   time.Time
	FinalizedAt *time.Time
	FinalTotal  decimal.NullDecimal
}

// Summary is one row of the listing, without the topic tree.
type Summary struct {
	ID          uuid.UUID
	ClientID    uuid.UUID
	PeriodStart time.Time
	PeriodEnd   time.Time
	Status      billing.Status
	UpdatedAt   time.Time
	FinalTotal  decimal.NullDecimal
}

// ListFilter narrows and pages the listing.
type ListFilter struct {
	ClientID *uuid.UUID
	Status   billing.Status
	Limit    int
	Offset   int
}

// Store persists service descriptions. Every mutating method on topics and
// line items must return ErrFinalized when the parent description is
// FINALIZED and ErrNotFound when the parent or target row is missing.
type Store interface {
	CreateDescription(ctx context.Context, sd billing.ServiceDescription) (Record, error)
	GetDescription(ctx context.Context, id uuid.UUID) (Record, error)
	ListDescriptions(ctx context.Context, f ListFilter) ([]Summary, int, error)

	InsertTopic(ctx context.Context, descriptionID uuid.UUID, t billing.Topic) (billing.Topic, error)
	UpdateTopic(ctx context.Context, descriptionID uuid.UUID, t billing.Topic) error
	DeleteTopic(ctx context.Context, descriptionID, topicID uuid.UUID) error

	InsertLineItem(ctx context.Context, descriptionID, topicID uuid.UUID, li billing.LineItem) (billing.LineItem, error)
	UpdateLineItem(ctx context.Context, descriptionID uuid.UUID, li billing.LineItem) error
	DeleteLineItem(ctx context.Context, descriptionID, itemID uuid.UUID) error

	// Finalize stores total and flips the status, provided the row is still a
	// DRAFT last modified at updatedAt.
	Finalize(ctx context.Context, id uuid.UUID, total decimal.Decimal, updatedAt time.Time) (time.Time, error)
}

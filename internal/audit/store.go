package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewStore returns a Store writing to the audit_log table.
func NewStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

type pgStore struct {
	pool *pgxpool.Pool
}

const insertSQL = `INSERT INTO audit_log
(actor_kind, actor_id, action, resource_type, resource_id, method, path, route, status, ip, user_agent, request_id, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

func (s *pgStore) Insert(ctx context.Context, e Entry) error {
	var metadata []byte
	if len(e.Metadata) > 0 {
		metadata = e.Metadata
	}
	_, err := s.pool.Exec(ctx, insertSQL,
		string(e.ActorKind), nullText(e.ActorID), e.Action, e.ResourceType, nullText(e.ResourceID),
		e.Method, e.Path, nullText(e.Route), e.Status, nullText(e.IP), nullText(e.UserAgent),
		nullText(e.RequestID), metadata)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}

func (s *pgStore) List(ctx context.Context, f ListFilter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.ResourceType != "" {
		args = append(args, f.ResourceType)
		where = append(where, fmt.Sprintf("resource_type = $%d", len(args)))
	}
	if f.ResourceID != "" {
		args = append(args, f.ResourceID)
		where = append(where, fmt.Sprintf("resource_id = $%d", len(args)))
	}
	query := `SELECT id, actor_kind, actor_id, action, resource_type, resource_id, method, path, route,
status, ip, user_agent, request_id, metadata, created_at FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, f.Limit, f.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e                                                   Entry
			kind                                                string
			actorID, resourceID, route, ip, ua, requestIDColumn pgtype.Text
			status                                              int32
		)
		err := row.Scan(&e.ID, &kind, &actorID, &e.Action, &e.ResourceType, &resourceID, &e.Method, &e.Path,
			&route, &status, &ip, &ua, &requestIDColumn, &e.Metadata, &e.CreatedAt)
		e.ActorKind = ActorKind(kind)
		e.ActorID, e.ResourceID, e.Route = actorID.String, resourceID.String, route.String
		e.IP, e.UserAgent, e.RequestID = ip.String, ua.String, requestIDColumn.String
		e.Status = int(status)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return entries, nil
}

func nullText(v string) pgtype.Text {
	return pgtype.Text{String: v, Valid: v != ""}
}

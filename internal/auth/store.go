package auth

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PGClientStore reads API clients from the api_clients table.
type PGClientStore struct {
	Pool *pgxpool.Pool
}

const getClientSQL = `
SELECT id, name, secret_hash, scopes, disabled
FROM api_clients
WHERE id = $1`

// GetClient loads a client by id.
func (s PGClientStore) GetClient(ctx context.Context, clientID string) (Client, error) {
	var c Client
	err := s.Pool.QueryRow(ctx, getClientSQL, clientID).Scan(&c.ID, &c.Name, &c.SecretHash, &c.Scopes, &c.Disabled)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Client{}, ErrClientNotFound
		}
		return Client{}, err
	}
	return c, nil
}

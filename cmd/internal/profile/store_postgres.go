package profile

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"duet/cmd/messaging"
)

// PostgresStore reads profiles from the "profiles" table.
// The pgx pool is owned by the caller.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresStore constructs a PostgresStore in schema (default "duet").
func NewPostgresStore(pool *pgxpool.Pool, schema string) (*PostgresStore, error) {
	if pool == nil {
		return nil, errors.New("profile: nil pool")
	}
	schema = strings.TrimSpace(schema)
	if schema == "" {
		schema = "duet"
	}
	if !messaging.IsValidPGIdent(schema) {
		return nil, errors.New("profile: invalid schema identifier")
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, "profiles"}.Sanitize()
}

// EnsureSchema creates the profiles table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %s;

CREATE TABLE IF NOT EXISTS %s (
  id         TEXT PRIMARY KEY,
  name       TEXT NOT NULL DEFAULT '',
  avatar_url TEXT,
  role       TEXT,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`, pgx.Identifier{s.schema}.Sanitize(), s.table()))
	if err != nil {
		return fmt.Errorf("profile: ensure schema: %w", err)
	}
	return nil
}

// Put upserts a profile. Used by seeding tools and tests.
func (s *PostgresStore) Put(ctx context.Context, p Profile) error {
	p, err := validate(p)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.table()+` (id, name, avatar_url, role, updated_at)
		 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), now())
		 ON CONFLICT (id) DO UPDATE
		    SET name = EXCLUDED.name,
		        avatar_url = EXCLUDED.avatar_url,
		        role = EXCLUDED.role,
		        updated_at = now()`,
		p.ID, p.Name, p.AvatarURL, p.Role,
	)
	if err != nil {
		return fmt.Errorf("profile: put: %w", err)
	}
	return nil
}

// GetProfile returns the profile or ErrNotFound.
func (s *PostgresStore) GetProfile(ctx context.Context, participantID string) (Profile, error) {
	var p Profile
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, COALESCE(avatar_url, ''), COALESCE(role, '')
		   FROM `+s.table()+`
		  WHERE id = $1`,
		strings.TrimSpace(participantID),
	).Scan(&p.ID, &p.Name, &p.AvatarURL, &p.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("profile: get: %w", err)
	}
	return p, nil
}

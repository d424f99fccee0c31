// Package postgres implements the store contracts against the deployment's
// Postgres database.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store validates API tokens against the api_keys table and mirrors client
// presence into gpu_assets.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool against databaseURL and verifies connectivity.
func Connect(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Validate reports whether token is present, active, and unexpired.
func (s *Store) Validate(ctx context.Context, token string) (bool, error) {
	var key string
	err := s.pool.QueryRow(ctx,
		`SELECT key FROM "public"."api_keys"
		 WHERE key = $1 AND status = 'active'
		   AND ("expiresAt" IS NULL OR "expiresAt" > NOW())`,
		token,
	).Scan(&key)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("validate token: %w", err)
	}
	return true, nil
}

// UpsertOnline records the client as online, keyed by its client id.
func (s *Store) UpsertOnline(ctx context.Context, userID string, clientID string, computerName string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO "public"."gpu_assets" ("userId", "machineId", "name", "createdAt", "updatedAt")
		 VALUES ($1, $2, $3, NOW(), NOW())
		 ON CONFLICT ("machineId")
		 DO UPDATE SET
		     "name" = EXCLUDED."name",
		     "status" = 'online'::gpu_asset_status,
		     "updatedAt" = NOW()`,
		userID, clientID, computerName,
	)
	if err != nil {
		return fmt.Errorf("upsert client presence: %w", err)
	}
	return nil
}

// MarkOffline flips the client's status on disconnect.
func (s *Store) MarkOffline(ctx context.Context, clientID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE "public"."gpu_assets"
		 SET status = 'offline', "updatedAt" = NOW()
		 WHERE "machineId" = $1`,
		clientID,
	)
	if err != nil {
		return fmt.Errorf("mark client offline: %w", err)
	}
	return nil
}

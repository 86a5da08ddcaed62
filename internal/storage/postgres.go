package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/user/ingest-service/internal/domain"
)

// PostgresStore is the append-only record store. Records are inserted inside a
// transaction; the hash column is unique, so the database backs up the
// in-process duplicate index as a last line of defense.
type PostgresStore struct {
	db *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, connStr string) (*PostgresStore, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

func (s *PostgresStore) Close() {
	s.db.Close()
}

// EnsureSchema creates the images table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS images (
			id           BIGSERIAL PRIMARY KEY,
			url          TEXT NOT NULL,
			hash         TEXT NOT NULL UNIQUE,
			signature    BIGINT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL,
			post_id      BIGINT NOT NULL,
			username     TEXT NOT NULL,
			web_url      TEXT NOT NULL,
			tags         TEXT[] NOT NULL,
			user_comment TEXT
		);`)
	return err
}

// Persist inserts one record and returns its assigned ID. The insert runs in
// a transaction; on any failure nothing is written.
func (s *PostgresStore) Persist(ctx context.Context, rec *domain.ImageRecord) (int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, classifyPgError(err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO images (url, hash, signature, created_at, post_id, username, web_url, tags, user_comment)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		rec.URL,
		rec.Hash,
		int64(rec.Signature),
		rec.CreatedAt,
		rec.PostID,
		rec.Username,
		rec.WebURL,
		rec.Tags,
		rec.UserComment,
	).Scan(&id)
	if err != nil {
		return 0, classifyPgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, classifyPgError(err)
	}
	return id, nil
}

// KnownFingerprints streams every persisted fingerprint to fn in insertion
// order, used to warm the duplicate index at startup. Re-querying restarts
// the sequence.
func (s *PostgresStore) KnownFingerprints(ctx context.Context, fn func(hash string, sig uint64, id int64) error) error {
	rows, err := s.db.Query(ctx, `SELECT id, hash, signature FROM images ORDER BY id`)
	if err != nil {
		return classifyPgError(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   int64
			hash string
			sig  int64
		)
		if err := rows.Scan(&id, &hash, &sig); err != nil {
			return err
		}
		if err := fn(hash, uint64(sig), id); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Count reports the number of stored records.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM images`).Scan(&n)
	return n, err
}

// classifyPgError maps driver errors onto the store error taxonomy. Integrity
// errors (SQLSTATE class 23) are constraint violations; everything else is
// treated as a lost connection.
func classifyPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 && pgErr.Code[:2] == "23" {
		return &domain.StoreError{Kind: domain.StoreConstraintViolation, Cause: err}
	}
	return &domain.StoreError{Kind: domain.StoreConnectionLost, Cause: err}
}

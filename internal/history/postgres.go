package history

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// PostgresStore persists history in Postgres via a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and runs pending schema migrations.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if err := migrate(dsn); err != nil {
		return nil, fmt.Errorf("migrate history schema: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func migrate(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	goose.SetBaseFS(embedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}

func (s *PostgresStore) SaveUtterance(ctx context.Context, e Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO utterances (room, speaker, text, spoken_at) VALUES ($1, $2, $3, $4)`,
		e.Room, e.Speaker, e.Text, e.SpokenAt)
	if err != nil {
		return fmt.Errorf("insert utterance: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByRoom(ctx context.Context, room string) ([]Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT room, speaker, text, spoken_at FROM utterances WHERE room = $1 ORDER BY spoken_at, id`,
		room)
	if err != nil {
		return nil, fmt.Errorf("query utterances: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Room, &e.Speaker, &e.Text, &e.SpokenAt); err != nil {
			return nil, fmt.Errorf("scan utterance: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

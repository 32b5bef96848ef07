/**
 * PostgreSQL drug database
 *
 * Reads the registered-medicine list from a `medications` table. The worker
 * never writes prescription results here; EnsureSchema and Upsert exist only
 * to provision and seed the lookup table.
 */

package drugs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	apperrors "github.com/knappy214/medguard-sa-sub003/internal/errors"
	"github.com/knappy214/medguard-sa-sub003/internal/logging"
)

// PostgresDatabase implements Database over lib/pq. With the pg_trgm
// extension installed, candidates are prefiltered by trigram similarity in
// the database; without it the whole length window is ranked in process.
type PostgresDatabase struct {
	db      *sql.DB
	trigram bool
	logger  *logging.Logger
}

const schemaSQL = `
	CREATE TABLE IF NOT EXISTS medications (
		id           SERIAL PRIMARY KEY,
		name         TEXT NOT NULL UNIQUE,
		generic_name TEXT,
		aliases      TEXT[] NOT NULL DEFAULT '{}',
		schedule     TEXT,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS medications_lower_name_idx ON medications (lower(name));
	CREATE INDEX IF NOT EXISTS medications_lower_generic_idx ON medications (lower(generic_name));
`

const trigramSQL = `
	CREATE EXTENSION IF NOT EXISTS pg_trgm;
	CREATE INDEX IF NOT EXISTS medications_name_trgm_idx ON medications USING gin (lower(name) gin_trgm_ops);
	CREATE INDEX IF NOT EXISTS medications_generic_trgm_idx ON medications USING gin (lower(generic_name) gin_trgm_ops);
`

// NewPostgresDatabase opens and pings the drug database
func NewPostgresDatabase(databaseURL string) (*PostgresDatabase, error) {
	if databaseURL == "" {
		return nil, apperrors.NewConfigurationError("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// lookups are short and read-only
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	p := &PostgresDatabase{db: db, logger: logging.NewLogger("drugs")}
	if err := p.detectTrigram(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return p, nil
}

func (p *PostgresDatabase) detectTrigram(ctx context.Context) error {
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'pg_trgm')`).Scan(&p.trigram)
	if err != nil {
		return fmt.Errorf("failed to check for pg_trgm: %w", err)
	}
	return nil
}

// EnsureSchema creates the medications table if it does not exist
func (p *PostgresDatabase) EnsureSchema(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create medications schema: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, trigramSQL); err != nil {
		p.logger.Warn("pg_trgm unavailable, ranking fuzzy candidates in process", "error", err)
	}
	return p.detectTrigram(ctx)
}

// Upsert inserts or refreshes one medicine
func (p *PostgresDatabase) Upsert(ctx context.Context, rec DrugRecord) error {
	if rec.Name == "" {
		return fmt.Errorf("medication name is required")
	}
	aliases := rec.Aliases
	if aliases == nil {
		aliases = []string{}
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO medications (name, generic_name, aliases, schedule, updated_at)
		VALUES ($1, NULLIF($2, ''), $3, NULLIF($4, ''), NOW())
		ON CONFLICT (name) DO UPDATE SET
			generic_name = EXCLUDED.generic_name,
			aliases = EXCLUDED.aliases,
			schedule = EXCLUDED.schedule,
			updated_at = NOW()
	`, rec.Name, rec.GenericName, pq.Array(aliases), rec.Schedule)
	if err != nil {
		return fmt.Errorf("failed to upsert medication %q: %w", rec.Name, err)
	}
	return nil
}

// Seed upserts records, typically the built-in formulary
func (p *PostgresDatabase) Seed(ctx context.Context, records []DrugRecord) error {
	for _, rec := range records {
		if err := p.Upsert(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresDatabase) Lookup(ctx context.Context, name string) (*DrugRecord, error) {
	key := normalizeName(name)
	if key == "" {
		return nil, ErrNotFound
	}

	var rec DrugRecord
	err := p.db.QueryRowContext(ctx, `
		SELECT name, COALESCE(generic_name, ''), aliases, COALESCE(schedule, '')
		FROM medications
		WHERE lower(name) = $1
		   OR lower(generic_name) = $1
		   OR EXISTS (SELECT 1 FROM unnest(aliases) a WHERE lower(a) = $1)
		ORDER BY (lower(name) = $1) DESC, name
		LIMIT 1
	`, key).Scan(&rec.Name, &rec.GenericName, pq.Array(&rec.Aliases), &rec.Schedule)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up medication %q: %w", name, err)
	}
	return &rec, nil
}

func (p *PostgresDatabase) Candidates(ctx context.Context, name string, limit int) ([]string, error) {
	key := normalizeName(name)
	lo, hi := candidateLengthRange(len([]rune(key)))
	if limit <= 0 {
		limit = DefaultCandidateLimit
	}

	var (
		rows *sql.Rows
		err  error
	)
	if p.trigram {
		rows, err = p.db.QueryContext(ctx, `
			SELECT n FROM (
				SELECT name AS n FROM medications
				UNION
				SELECT generic_name FROM medications WHERE generic_name IS NOT NULL
			) names
			WHERE char_length(n) BETWEEN $1 AND $2
			ORDER BY similarity(lower(n), $3) DESC, n
			LIMIT $4
		`, lo, hi, key, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT n FROM (
				SELECT name AS n FROM medications
				UNION
				SELECT generic_name FROM medications WHERE generic_name IS NOT NULL
			) names
			WHERE char_length(n) BETWEEN $1 AND $2
		`, lo, hi)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list candidates for %q: %w", name, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// trigram order is a prefilter; edit distance decides the final order
	return closest(key, out, limit), nil
}

// Close closes the pool
func (p *PostgresDatabase) Close() error {
	return p.db.Close()
}

package audit

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"

	// Register pgx driver
	_ "github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations to the database at dsn.
func Migrate(ctx context.Context, dsn string) error {
	const dialect = "pgx"

	db, err := sql.Open(dialect, dsn)
	if err != nil {
		return fmt.Errorf("opening DB connection: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}

// PostgresLog stores records in the auth_events table.
type PostgresLog struct {
	pool *pgxpool.Pool
}

// OpenPostgresLog connects to dsn. Call Migrate first.
func OpenPostgresLog(ctx context.Context, dsn string) (*PostgresLog, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect audit database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping audit database: %w", err)
	}
	return &PostgresLog{pool: pool}, nil
}

const insertRecord = `INSERT INTO auth_events
	(id, username, user_id, roles, login_time, country, ip, status, reason, ts, risk_score, risk_factors)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

func (p *PostgresLog) Append(ctx context.Context, r Record) error {
	_, err := p.pool.Exec(ctx, insertRecord,
		r.ID, r.Username, r.UserID, r.Roles, r.LoginTime, r.Country, r.IP,
		r.Status, r.Reason, r.Timestamp, r.RiskScore, r.RiskFactors,
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	return nil
}

func (p *PostgresLog) Query(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Username != "" {
		args = append(args, f.Username)
		where = append(where, fmt.Sprintf("username = $%d", len(args)))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}

	q := `SELECT id::text, username, user_id, roles, login_time, country, ip, status, reason, ts, risk_score, risk_factors
		FROM auth_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY seq DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Record, error) {
		var r Record
		err := row.Scan(&r.ID, &r.Username, &r.UserID, &r.Roles, &r.LoginTime, &r.Country, &r.IP,
			&r.Status, &r.Reason, &r.Timestamp, &r.RiskScore, &r.RiskFactors)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}

	// newest first from the database, append order for callers
	slices.Reverse(records)
	return records, nil
}

// Close releases the pool.
func (p *PostgresLog) Close() {
	p.pool.Close()
}

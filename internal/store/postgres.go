// Package store reads historical attack records from PostgreSQL for the
// training pipeline. The schema is owned elsewhere; this package only reads.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/cvalentine99/honeyclass/internal/logging"
	"github.com/cvalentine99/honeyclass/internal/models"
)

// Config selects the table and paging of the source query.
type Config struct {
	// Table is the attack table name, optionally schema-qualified
	Table string
	// PageSize is the number of rows fetched per query
	PageSize int
	// Since skips records older than this time when non-zero
	Since time.Time
	// Limit caps the total number of records when positive
	Limit int
}

// DefaultConfig returns default source configuration
func DefaultConfig() Config {
	return Config{
		Table:    "attacks",
		PageSize: 5000,
	}
}

// PostgresStore is a training DataSource backed by PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	config Config
	logger *logging.Logger
}

// NewPostgresStore opens dsn and checks the connection.
func NewPostgresStore(ctx context.Context, dsn string, config Config) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewPostgresStoreFromDB(db, config), nil
}

// NewPostgresStoreFromDB wraps an open database handle.
func NewPostgresStoreFromDB(db *sql.DB, config Config) *PostgresStore {
	def := DefaultConfig()
	if config.Table == "" {
		config.Table = def.Table
	}
	if config.PageSize <= 0 {
		config.PageSize = def.PageSize
	}
	return &PostgresStore{db: db, config: config, logger: logging.StoreLogger()}
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// quotedTable quotes each dot-separated part of the table name.
func (s *PostgresStore) quotedTable() string {
	parts := strings.Split(s.config.Table, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

const recordColumns = `id, timestamp, source_ip, source_port, destination_port, service_type,
		command, path, query_string, body, body_size, user_agent, severity, attack_type`

func (s *PostgresStore) pageQuery() string {
	query := `
		SELECT ` + recordColumns + `
		FROM ` + s.quotedTable() + `
		WHERE id > $1`
	if !s.config.Since.IsZero() {
		query += ` AND timestamp >= $3`
	}
	return query + `
		ORDER BY id
		LIMIT $2`
}

// Count returns the number of rows the source would read, ignoring Limit.
func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	query := `SELECT COUNT(*) FROM ` + s.quotedTable()
	args := []any{}
	if !s.config.Since.IsZero() {
		query += ` WHERE timestamp >= $1`
		args = append(args, s.config.Since)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return n, nil
}

// Records reads every matching row in id order, one page per query.
func (s *PostgresStore) Records(ctx context.Context) ([]models.AttackRecord, error) {
	done := logging.Timer(s.logger, "read attack records", "table", s.config.Table)
	defer done()

	query := s.pageQuery()
	var (
		out    []models.AttackRecord
		lastID int64
	)
	for {
		pageSize := s.config.PageSize
		if s.config.Limit > 0 {
			pageSize = min(pageSize, s.config.Limit-len(out))
			if pageSize <= 0 {
				break
			}
		}

		args := []any{lastID, pageSize}
		if !s.config.Since.IsZero() {
			args = append(args, s.config.Since)
		}
		page, last, err := s.readPage(ctx, query, args)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		lastID = last
		if len(page) < pageSize {
			break
		}
	}

	s.logger.Info("loaded attack records", logging.Count("records", int64(len(out))), "table", s.config.Table)
	return out, nil
}

func (s *PostgresStore) readPage(ctx context.Context, query string, args []any) ([]models.AttackRecord, int64, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var (
		page   []models.AttackRecord
		lastID = args[0].(int64)
	)
	for rows.Next() {
		var (
			id                                   int64
			r                                    models.AttackRecord
			srcPort, dstPort, bodySize, severity sql.NullInt64
			service, command, path, qs, body     sql.NullString
			userAgent, attackType                sql.NullString
		)
		if err := rows.Scan(&id, &r.Timestamp, &r.SourceIP, &srcPort, &dstPort, &service,
			&command, &path, &qs, &body, &bodySize, &userAgent, &severity, &attackType); err != nil {
			return nil, 0, fmt.Errorf("failed to scan record: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		r.SourcePort = int(srcPort.Int64)
		r.DestinationPort = int(dstPort.Int64)
		r.ServiceType = service.String
		r.Command = command.String
		r.Path = path.String
		r.QueryString = qs.String
		r.Body = body.String
		r.BodySize = int(bodySize.Int64)
		r.UserAgent = userAgent.String
		r.Severity = int(severity.Int64)
		r.AttackType = attackType.String

		page = append(page, r)
		lastID = id
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating rows: %w", err)
	}
	return page, lastID, nil
}

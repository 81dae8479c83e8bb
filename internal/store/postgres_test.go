package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cvalentine99/honeyclass/internal/ml"
)

var _ ml.DataSource = (*PostgresStore)(nil)

var columns = []string{
	"id", "timestamp", "source_ip", "source_port", "destination_port", "service_type",
	"command", "path", "query_string", "body", "body_size", "user_agent", "severity", "attack_type",
}

func newMock(t *testing.T, cfg Config) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(db, cfg), mock
}

func TestPostgresStore_RecordsPaginates(t *testing.T) {
	s, mock := newMock(t, Config{PageSize: 2})
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	page := regexp.QuoteMeta(`FROM "attacks"`) + `\s+WHERE id > \$1\s+ORDER BY id\s+LIMIT \$2`

	mock.ExpectQuery(page).WithArgs(0, 2).WillReturnRows(
		sqlmock.NewRows(columns).
			AddRow(1, ts, "10.0.0.1", 4000, 22, "ssh", "cat /etc/passwd", nil, nil, nil, nil, nil, 5, "reconnaissance").
			AddRow(2, ts, "10.0.0.2", nil, 80, "http", nil, "/.env", "a=b", "x", 1, "curl", nil, nil))
	mock.ExpectQuery(page).WithArgs(2, 2).WillReturnRows(
		sqlmock.NewRows(columns).
			AddRow(7, ts, "10.0.0.3", nil, 21, "ftp", "USER root", nil, nil, nil, nil, nil, nil, "brute_force"))

	recs, err := s.Records(context.Background())
	require.NoError(t, err)
	require.Len(t, recs, 3)

	assert.Equal(t, "cat /etc/passwd", recs[0].Command)
	assert.Equal(t, 4000, recs[0].SourcePort)
	assert.Equal(t, 5, recs[0].Severity)
	assert.Equal(t, ts, recs[0].Timestamp)

	assert.Equal(t, 0, recs[1].SourcePort)
	assert.Equal(t, "/.env", recs[1].Path)
	assert.Equal(t, "a=b", recs[1].QueryString)
	assert.Equal(t, "curl", recs[1].UserAgent)
	assert.Empty(t, recs[1].AttackType)

	assert.Equal(t, "brute_force", recs[2].AttackType)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SinceAndLimit(t *testing.T) {
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s, mock := newMock(t, Config{Table: "honeypot.attacks", PageSize: 10, Since: since, Limit: 1})

	mock.ExpectQuery(regexp.QuoteMeta(`FROM "honeypot"."attacks"`) + `\s+WHERE id > \$1 AND timestamp >= \$3`).
		WithArgs(0, 1, since).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow(3, since, "10.0.0.1", nil, nil, "ssh", "ls", nil, nil, nil, nil, nil, nil, nil))

	recs, err := s.Records(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_QueryError(t *testing.T) {
	s, mock := newMock(t, Config{})
	mock.ExpectQuery(`SELECT`).WillReturnError(errors.New("relation does not exist"))

	_, err := s.Records(context.Background())
	assert.ErrorContains(t, err, "relation does not exist")
}

func TestPostgresStore_Count(t *testing.T) {
	s, mock := newMock(t, Config{})
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM "attacks"`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Defaults(t *testing.T) {
	s, _ := newMock(t, Config{PageSize: -1})
	assert.Equal(t, "attacks", s.config.Table)
	assert.Equal(t, 5000, s.config.PageSize)
	assert.Equal(t, `"a"."b"`, (&PostgresStore{config: Config{Table: "a.b"}}).quotedTable())
}
